package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/whistle-net/coordinator/internal/errs"
	"github.com/whistle-net/coordinator/internal/models"
)

// ProviderEarning is one provider's share of a settlement batch.
type ProviderEarning struct {
	ProviderWallet string `json:"provider_wallet"`
	QueryCount     int64  `json:"query_count"`
	TotalLamports  int64  `json:"total_lamports"`
}

// Writer batches confirmed query usage into payout records for the
// external on-chain settlement process. Each usage row belongs to exactly
// one batch: batches partition time into exclusive (batch_start, batch_end]
// ranges anchored at the previous batch's end.
type Writer struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewWriter(db *gorm.DB, log *logrus.Logger) *Writer {
	return &Writer{db: db, log: log}
}

// Settle claims all usage since the last batch end up to now. Returns nil
// with no error when there is nothing to settle.
func (w *Writer) Settle(now time.Time) (*models.Settlement, error) {
	now = now.UTC()
	var settlement *models.Settlement
	err := w.db.Transaction(func(tx *gorm.DB) error {
		var batchStart time.Time
		var last models.Settlement
		err := tx.Order("batch_end DESC").First(&last).Error
		if err == nil {
			batchStart = last.BatchEnd
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var earnings []ProviderEarning
		err = tx.Model(&models.QueryUsage{}).
			Select("provider_wallet, COUNT(*) AS query_count, SUM(cost_lamports) AS total_lamports").
			Where("timestamp > ? AND timestamp <= ? AND provider_wallet <> ''", batchStart, now).
			Group("provider_wallet").
			Scan(&earnings).Error
		if err != nil {
			return err
		}
		if len(earnings) == 0 {
			return nil
		}

		var totalQueries, totalLamports int64
		for _, e := range earnings {
			totalQueries += e.QueryCount
			totalLamports += e.TotalLamports
		}
		payload, err := json.Marshal(earnings)
		if err != nil {
			return err
		}

		settlement = &models.Settlement{
			BatchStart:       batchStart,
			BatchEnd:         now,
			TotalQueries:     totalQueries,
			TotalLamports:    totalLamports,
			ProviderEarnings: string(payload),
			Status:           models.SettlementStatusPending,
			CreatedAt:        time.Now().UTC(),
		}
		return tx.Create(settlement).Error
	})
	if err != nil {
		return nil, err
	}
	if settlement != nil {
		w.log.WithFields(logrus.Fields{
			"batch":    settlement.ID,
			"queries":  settlement.TotalQueries,
			"lamports": settlement.TotalLamports,
		}).Info("settlement batch created")
	}
	return settlement, nil
}

// MarkSettled is called by the external signer once the payout transaction
// confirmed.
func (w *Writer) MarkSettled(id uint, txSignature string) error {
	now := time.Now().UTC()
	result := w.db.Model(&models.Settlement{}).
		Where("id = ? AND status = ?", id, models.SettlementStatusPending).
		Updates(map[string]any{
			"status":       models.SettlementStatusSettled,
			"tx_signature": txSignature,
			"settled_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errs.New(errs.KindInvalidArgument, "settlement %d not found or not pending", id)
	}
	return nil
}

func (w *Writer) List(limit int) ([]models.Settlement, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.Settlement
	err := w.db.Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Run settles on an interval until the context is cancelled.
func (w *Writer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Settle(time.Now()); err != nil {
				w.log.WithError(err).Error("scheduled settlement failed")
			}
		}
	}
}
