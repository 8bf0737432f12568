package billing

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/whistle-net/coordinator/internal/errs"
	"github.com/whistle-net/coordinator/internal/models"
	"github.com/whistle-net/coordinator/internal/prom"
)

// Ledger tracks prepaid credit balances and debits them against provider
// earnings. Debits are rejected, never clamped, so a balance cannot go
// negative.
type Ledger struct {
	db  *gorm.DB
	log *logrus.Logger

	queryCost        int64
	freeTierQueries  int64
	defaultRateLimit int
	// failOpen allows queries through when the backing store cannot be
	// read during authorization. Availability over strictness; off by
	// default.
	failOpen bool

	limiter *walletLimiter
}

func NewLedger(db *gorm.DB, log *logrus.Logger, queryCost, freeTierQueries int64, defaultRateLimit int, failOpen bool) *Ledger {
	return &Ledger{
		db:               db,
		log:              log,
		queryCost:        queryCost,
		freeTierQueries:  freeTierQueries,
		defaultRateLimit: defaultRateLimit,
		failOpen:         failOpen,
		limiter:          newWalletLimiter(),
	}
}

func (l *Ledger) QueryCost() int64 { return l.queryCost }

// EnsureAccount returns the wallet's credit account, creating it with the
// free-tier starting balance and a fresh API key on first sight.
func (l *Ledger) EnsureAccount(wallet string) (*models.UserCredit, error) {
	if wallet == "" {
		return nil, errs.New(errs.KindInvalidArgument, "wallet address required")
	}
	var account models.UserCredit
	err := l.db.Transaction(func(tx *gorm.DB) error {
		err := tx.First(&account, "wallet = ?", wallet).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		account = models.UserCredit{
			Wallet:          wallet,
			BalanceLamports: l.freeTierQueries * l.queryCost,
			APIKey:          newAPIKey(),
			Tier:            "free",
			RateLimit:       l.defaultRateLimit,
			CreatedAt:       time.Now().UTC(),
		}
		return tx.Create(&account).Error
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Deposit credits a wallet, idempotent on the transaction signature: an
// identical replay returns the original deposit untouched and applied ==
// false, and the balance moves exactly once. Replaying a signature with a
// different wallet or amount is rejected as a duplicate, not absorbed.
func (l *Ledger) Deposit(wallet string, amountLamports int64, txSignature string) (*models.Deposit, bool, error) {
	if wallet == "" || txSignature == "" {
		return nil, false, errs.New(errs.KindInvalidArgument, "wallet and txSignature required")
	}
	if amountLamports <= 0 {
		return nil, false, errs.New(errs.KindInvalidArgument, "deposit amount must be positive")
	}

	var deposit models.Deposit
	applied := false
	err := l.db.Transaction(func(tx *gorm.DB) error {
		err := tx.First(&deposit, "tx_signature = ?", txSignature).Error
		if err == nil {
			if deposit.Wallet != wallet || deposit.AmountLamports != amountLamports {
				return errs.New(errs.KindDuplicateDeposit,
					"tx %s already recorded for another wallet or amount", txSignature)
			}
			return nil // identical replay; no-op
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var account models.UserCredit
		err = tx.First(&account, "wallet = ?", wallet).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			account = models.UserCredit{
				Wallet:          wallet,
				BalanceLamports: l.freeTierQueries * l.queryCost,
				APIKey:          newAPIKey(),
				Tier:            "free",
				RateLimit:       l.defaultRateLimit,
				CreatedAt:       time.Now().UTC(),
			}
			if err := tx.Create(&account).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		deposit = models.Deposit{
			Wallet:         wallet,
			AmountLamports: amountLamports,
			TxSignature:    txSignature,
			Confirmed:      true,
			CreatedAt:      time.Now().UTC(),
		}
		if err := tx.Create(&deposit).Error; err != nil {
			return err
		}
		applied = true
		return tx.Model(&models.UserCredit{}).Where("wallet = ?", wallet).Updates(map[string]any{
			"balance_lamports": gorm.Expr("balance_lamports + ?", amountLamports),
			"total_deposited":  gorm.Expr("total_deposited + ?", amountLamports),
		}).Error
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		l.log.WithFields(logrus.Fields{"wallet": wallet, "lamports": amountLamports}).Info("deposit credited")
	}
	return &deposit, applied, nil
}

// Authorize resolves the caller's account by wallet or API key and applies
// the per-minute rate limit. The rate-limit check precedes any billing
// check. A store error during lookup passes when failOpen is set.
func (l *Ledger) Authorize(wallet, apiKey string) (*models.UserCredit, error) {
	var account models.UserCredit
	var err error
	switch {
	case apiKey != "":
		err = l.db.First(&account, "api_key = ?", apiKey).Error
	case wallet != "":
		err = l.db.First(&account, "wallet = ?", wallet).Error
	default:
		return nil, errs.New(errs.KindInvalidArgument, "wallet or apiKey required")
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindAccountNotFound, "no credit account; create one first")
		}
		if l.failOpen {
			l.log.WithError(err).Warn("credit store unavailable, failing open")
			return nil, nil
		}
		return nil, err
	}

	if !l.limiter.allow(account.Wallet, account.RateLimit) {
		rlErr := errs.New(errs.KindRateLimitExceeded, "rate limit of %d/min exceeded", account.RateLimit)
		rlErr.RetryAfter = time.Minute / time.Duration(max(account.RateLimit, 1))
		return nil, rlErr
	}
	return &account, nil
}

// Debit charges one query against the wallet's balance and records the
// usage for provider settlement. Fails with InsufficientBalance, leaving
// the balance untouched, when the cost exceeds it.
func (l *Ledger) Debit(wallet string, costLamports int64, providerWallet, method string) (*models.UserCredit, error) {
	if costLamports <= 0 {
		costLamports = l.queryCost
	}
	var account models.UserCredit
	err := l.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		// The balance guard lives in the UPDATE's WHERE clause so two
		// concurrent debits serialize on the row; a prior read followed by
		// an unconditional decrement could take the same balance negative
		// under read committed.
		result := tx.Model(&models.UserCredit{}).
			Where("wallet = ? AND balance_lamports >= ?", wallet, costLamports).
			Updates(map[string]any{
				"balance_lamports": gorm.Expr("balance_lamports - ?", costLamports),
				"total_spent":      gorm.Expr("total_spent + ?", costLamports),
				"queries_made":     gorm.Expr("queries_made + 1"),
				"last_query_at":    now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if err := tx.First(&account, "wallet = ?", wallet).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return errs.New(errs.KindAccountNotFound, "no credit account for %s", wallet)
				}
				return err
			}
			return errs.New(errs.KindInsufficientBalance,
				"balance %d below cost %d", account.BalanceLamports, costLamports)
		}

		usage := models.QueryUsage{
			Wallet:         wallet,
			ProviderWallet: providerWallet,
			Method:         method,
			CostLamports:   costLamports,
			Timestamp:      now,
		}
		if err := tx.Create(&usage).Error; err != nil {
			return err
		}

		return tx.First(&account, "wallet = ?", wallet).Error
	})
	if err != nil {
		return nil, err
	}
	prom.IncQueriesBilled()
	return &account, nil
}

// SetRateLimit changes a wallet's per-minute ceiling and drops its token
// bucket so the new ceiling takes effect on the next request.
func (l *Ledger) SetRateLimit(wallet string, perMinute int) (*models.UserCredit, error) {
	if perMinute <= 0 {
		return nil, errs.New(errs.KindInvalidArgument, "rate limit must be positive")
	}
	result := l.db.Model(&models.UserCredit{}).Where("wallet = ?", wallet).
		Update("rate_limit", perMinute)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, errs.New(errs.KindAccountNotFound, "no credit account for %s", wallet)
	}
	l.limiter.forget(wallet)
	l.log.WithFields(logrus.Fields{"wallet": wallet, "rate_limit": perMinute}).Info("rate limit changed")
	return l.Balance(wallet)
}

func (l *Ledger) Balance(wallet string) (*models.UserCredit, error) {
	var account models.UserCredit
	if err := l.db.First(&account, "wallet = ?", wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.New(errs.KindAccountNotFound, "no credit account for %s", wallet)
		}
		return nil, err
	}
	return &account, nil
}

// Usage returns a page of the wallet's billed queries, newest first.
func (l *Ledger) Usage(wallet string, limit, offset int) ([]models.QueryUsage, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []models.QueryUsage
	err := l.db.Where("wallet = ?", wallet).
		Order("timestamp DESC").Limit(limit).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	var total int64
	err = l.db.Model(&models.QueryUsage{}).Where("wallet = ?", wallet).Count(&total).Error
	return rows, total, err
}

// Stats aggregates billing volume across all accounts.
type Stats struct {
	TotalUsers     int64 `json:"total_users"`
	ActiveUsers24h int64 `json:"active_users_24h"`
	TotalDeposited int64 `json:"total_deposited"`
	TotalSpent     int64 `json:"total_spent"`
	TotalQueries   int64 `json:"total_queries"`
}

func (l *Ledger) Stats() (*Stats, error) {
	var s Stats
	if err := l.db.Model(&models.UserCredit{}).Count(&s.TotalUsers).Error; err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	if err := l.db.Model(&models.UserCredit{}).
		Where("last_query_at > ?", cutoff).Count(&s.ActiveUsers24h).Error; err != nil {
		return nil, err
	}
	row := l.db.Model(&models.UserCredit{}).
		Select("COALESCE(SUM(total_deposited), 0) AS total_deposited, COALESCE(SUM(total_spent), 0) AS total_spent, COALESCE(SUM(queries_made), 0) AS total_queries").
		Row()
	if err := row.Scan(&s.TotalDeposited, &s.TotalSpent, &s.TotalQueries); err != nil {
		return nil, err
	}
	return &s, nil
}

func newAPIKey() string {
	return "whtt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
