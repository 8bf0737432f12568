package epoch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/whistle-net/coordinator/internal/errs"
	"github.com/whistle-net/coordinator/internal/models"
	"github.com/whistle-net/coordinator/internal/rewards"
)

// Manager owns the epoch lifecycle. Exactly one epoch is active at a time
// and closing is one-way: freeze the end time, run the reward engine over
// the window, persist rewards and totals, then open the successor, all in
// one transaction so a crash cannot leave a half-closed epoch.
type Manager struct {
	db        *gorm.DB
	log       *logrus.Logger
	engineCfg rewards.Config
	duration  time.Duration

	// closeMu serializes epoch close; a second close attempt while one is
	// in flight is rejected, not queued.
	closeMu sync.Mutex
	// ensureMu serializes bootstrap so two concurrent EnsureActive calls
	// cannot both observe no active epoch and each open one.
	ensureMu sync.Mutex
}

func NewManager(db *gorm.DB, log *logrus.Logger, engineCfg rewards.Config, duration time.Duration) *Manager {
	return &Manager{db: db, log: log, engineCfg: engineCfg, duration: duration}
}

// Current returns the active epoch, opening one if none exists.
func (m *Manager) Current() (*models.Epoch, error) {
	var e models.Epoch
	err := m.db.Where("status = ?", models.EpochStatusActive).Order("id DESC").First(&e).Error
	if err == nil {
		return &e, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return m.EnsureActive()
}

// EnsureActive guarantees an active epoch exists. On crash recovery a
// closed epoch with no successor is resumed by opening the successor at the
// closed epoch's end time; reward rows for the closed epoch are already
// protected by the (epoch, node) uniqueness constraint.
func (m *Manager) EnsureActive() (*models.Epoch, error) {
	m.ensureMu.Lock()
	defer m.ensureMu.Unlock()

	var e models.Epoch
	err := m.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("status = ?", models.EpochStatusActive).Order("id DESC").First(&e).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		start := time.Now().UTC()
		var last models.Epoch
		err = tx.Order("id DESC").First(&last).Error
		if err == nil && last.EndTime != nil {
			start = *last.EndTime
			m.log.WithField("epoch", last.ID).Info("resuming after closed epoch with no successor")
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		e = models.Epoch{StartTime: start, Status: models.EpochStatusActive}
		return tx.Create(&e).Error
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CloseCurrent closes the active epoch at the given instant and opens the
// next one. Only one close may be in flight.
func (m *Manager) CloseCurrent(now time.Time) (*models.Epoch, error) {
	if !m.closeMu.TryLock() {
		return nil, errs.New(errs.KindEpochAlreadyClosing, "epoch close already in flight")
	}
	defer m.closeMu.Unlock()

	now = now.UTC()
	var closed models.Epoch
	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ?", models.EpochStatusActive).Order("id DESC").
			First(&closed).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.New(errs.KindInvalidArgument, "no active epoch to close")
			}
			return err
		}

		work, err := m.collectWork(tx, closed.StartTime, now)
		if err != nil {
			return err
		}
		result := rewards.Compute(m.engineCfg, work)

		if len(result.Rewards) > 0 {
			rows := make([]models.Reward, 0, len(result.Rewards))
			calculatedAt := time.Now().UTC()
			for _, nr := range result.Rewards {
				rows = append(rows, models.Reward{
					EpochID:        closed.ID,
					NodeID:         nr.NodeID,
					Wallet:         nr.Wallet,
					NodeType:       nr.NodeType,
					WorkScore:      nr.WorkScore,
					TierMultiplier: nr.TierMultiplier,
					UptimeBonus:    nr.UptimeBonus,
					Amount:         nr.Amount,
					CalculatedAt:   calculatedAt,
				})
			}
			// DoNothing on (epoch_id, node_id) so a retried close cannot
			// double-pay.
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "epoch_id"}, {Name: "node_id"}},
				DoNothing: true,
			}).Create(&rows).Error; err != nil {
				return err
			}
		}

		closed.EndTime = &now
		closed.TotalWork = result.TotalWork
		closed.TotalRewards = result.TotalRewards
		closed.Status = models.EpochStatusClosed
		if err := tx.Save(&closed).Error; err != nil {
			return err
		}

		next := models.Epoch{StartTime: now, Status: models.EpochStatusActive}
		return tx.Create(&next).Error
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"epoch":         closed.ID,
		"total_work":    closed.TotalWork,
		"total_rewards": closed.TotalRewards,
	}).Info("epoch closed")
	return &closed, nil
}

type workRow struct {
	NodeID     string
	Requests   int64
	BytesSaved int64
	Samples    int64
	Online     int64
}

// collectWork sums interval reports inside [start, end) per node and joins
// the registry for wallet/type, excluding banned nodes.
func (m *Manager) collectWork(tx *gorm.DB, start, end time.Time) ([]rewards.NodeWork, error) {
	var rows []workRow
	err := tx.Model(&models.MetricsReport{}).
		Select("node_id, SUM(requests) AS requests, SUM(bytes_saved) AS bytes_saved, COUNT(*) AS samples, SUM(CASE WHEN online THEN 1 ELSE 0 END) AS online").
		Where("timestamp >= ? AND timestamp < ?", start, end).
		Group("node_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.NodeID)
	}
	var nodes []models.Node
	if err := tx.Where("id IN ?", ids).Find(&nodes).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]models.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	work := make([]rewards.NodeWork, 0, len(rows))
	for _, r := range rows {
		node, ok := byID[r.NodeID]
		if !ok || node.Status == models.NodeStatusBanned {
			continue
		}
		work = append(work, rewards.NodeWork{
			NodeID:        r.NodeID,
			Wallet:        node.Wallet,
			NodeType:      node.NodeType,
			Requests:      r.Requests,
			BytesSaved:    r.BytesSaved,
			UptimeSamples: r.Samples,
			OnlineSamples: r.Online,
		})
	}
	return work, nil
}

// Run closes epochs on schedule until the context is cancelled.
func (m *Manager) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := m.Current()
			if err != nil {
				m.log.WithError(err).Error("epoch tick: cannot load current epoch")
				continue
			}
			now := time.Now().UTC()
			if now.Sub(current.StartTime) < m.duration {
				continue
			}
			if _, err := m.CloseCurrent(now); err != nil && !errs.Is(err, errs.KindEpochAlreadyClosing) {
				m.log.WithError(err).Error("epoch close failed")
			}
		}
	}
}
