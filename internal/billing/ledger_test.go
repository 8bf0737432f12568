package billing

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/whistle-net/coordinator/internal/errs"
	"github.com/whistle-net/coordinator/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

func testLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewLedger(db, logger, 10000, 1000, 100, false), db
}

func TestEnsureAccount(t *testing.T) {
	ledger, _ := testLedger(t)

	account, err := ledger.EnsureAccount("wallet-a")
	require.NoError(t, err)
	require.Equal(t, int64(1000*10000), account.BalanceLamports)
	require.True(t, strings.HasPrefix(account.APIKey, "whtt_"))
	require.Equal(t, "free", account.Tier)

	again, err := ledger.EnsureAccount("wallet-a")
	require.NoError(t, err)
	require.Equal(t, account.APIKey, again.APIKey)
	require.Equal(t, account.BalanceLamports, again.BalanceLamports)
}

// Depositing the same tx signature twice credits the balance exactly once;
// the second call is a no-op returning the original deposit.
func TestDepositIdempotent(t *testing.T) {
	ledger, _ := testLedger(t)

	_, err := ledger.EnsureAccount("wallet-a")
	require.NoError(t, err)
	before, err := ledger.Balance("wallet-a")
	require.NoError(t, err)

	first, applied, err := ledger.Deposit("wallet-a", 5_000_000, "abc")
	require.NoError(t, err)
	require.True(t, applied)

	second, applied, err := ledger.Deposit("wallet-a", 5_000_000, "abc")
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, first.ID, second.ID)

	after, err := ledger.Balance("wallet-a")
	require.NoError(t, err)
	require.Equal(t, before.BalanceLamports+5_000_000, after.BalanceLamports)
	require.Equal(t, int64(5_000_000), after.TotalDeposited)
}

// A replayed signature with a different wallet or amount is a conflict,
// not an idempotent no-op.
func TestDepositReplayMismatchRejected(t *testing.T) {
	ledger, _ := testLedger(t)
	_, applied, err := ledger.Deposit("wallet-a", 5_000_000, "abc")
	require.NoError(t, err)
	require.True(t, applied)

	_, _, err = ledger.Deposit("wallet-b", 5_000_000, "abc")
	require.True(t, errs.Is(err, errs.KindDuplicateDeposit))

	_, _, err = ledger.Deposit("wallet-a", 1_000_000, "abc")
	require.True(t, errs.Is(err, errs.KindDuplicateDeposit))

	account, err := ledger.Balance("wallet-a")
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000), account.TotalDeposited)
}

func TestDepositCreatesAccount(t *testing.T) {
	ledger, _ := testLedger(t)
	_, applied, err := ledger.Deposit("new-wallet", 1_000_000, "sig-1")
	require.NoError(t, err)
	require.True(t, applied)

	account, err := ledger.Balance("new-wallet")
	require.NoError(t, err)
	require.Equal(t, int64(1000*10000+1_000_000), account.BalanceLamports)
}

// Debits are rejected, not clamped: a failed debit leaves the balance
// untouched.
func TestDebitInsufficientBalance(t *testing.T) {
	ledger, db := testLedger(t)

	_, err := ledger.EnsureAccount("wallet-a")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.UserCredit{}).Where("wallet = ?", "wallet-a").
		Update("balance_lamports", 100).Error)

	_, err = ledger.Debit("wallet-a", 150, "provider-1", "getSlot")
	require.True(t, errs.Is(err, errs.KindInsufficientBalance))

	account, err := ledger.Balance("wallet-a")
	require.NoError(t, err)
	require.Equal(t, int64(100), account.BalanceLamports)

	var usage int64
	require.NoError(t, db.Model(&models.QueryUsage{}).Count(&usage).Error)
	require.Zero(t, usage)
}

// Two simultaneous debits against a balance that covers only one of them:
// exactly one passes, and the balance never goes negative. The guard lives
// in the UPDATE's WHERE clause, not in a prior read.
func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ledger, db := testLedger(t)
	_, err := ledger.EnsureAccount("wallet-a")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.UserCredit{}).Where("wallet = ?", "wallet-a").
		Update("balance_lamports", 15000).Error)

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit("wallet-a", 10000, "prov-1", "getSlot")
			errc <- err
		}()
	}
	wg.Wait()
	close(errc)

	failures := 0
	for err := range errc {
		if err != nil {
			require.True(t, errs.Is(err, errs.KindInsufficientBalance))
			failures++
		}
	}
	require.Equal(t, 1, failures)

	var account models.UserCredit
	require.NoError(t, db.First(&account, "wallet = ?", "wallet-a").Error)
	require.Equal(t, int64(5000), account.BalanceLamports)

	var usage int64
	require.NoError(t, db.Model(&models.QueryUsage{}).Count(&usage).Error)
	require.Equal(t, int64(1), usage)
}

func TestDebitRecordsUsage(t *testing.T) {
	ledger, db := testLedger(t)

	_, err := ledger.EnsureAccount("wallet-a")
	require.NoError(t, err)

	account, err := ledger.Debit("wallet-a", 0, "provider-1", "getSlot")
	require.NoError(t, err)
	require.Equal(t, int64(1000*10000-10000), account.BalanceLamports)
	require.Equal(t, int64(1), account.QueriesMade)

	var usage models.QueryUsage
	require.NoError(t, db.First(&usage).Error)
	require.Equal(t, "provider-1", usage.ProviderWallet)
	require.Equal(t, "getSlot", usage.Method)
	require.Equal(t, int64(10000), usage.CostLamports)
}

func TestAuthorizeUnknownAccount(t *testing.T) {
	ledger, _ := testLedger(t)
	_, err := ledger.Authorize("ghost", "")
	require.True(t, errs.Is(err, errs.KindAccountNotFound))
}

func TestAuthorizeByAPIKey(t *testing.T) {
	ledger, _ := testLedger(t)
	account, err := ledger.EnsureAccount("wallet-a")
	require.NoError(t, err)

	resolved, err := ledger.Authorize("", account.APIKey)
	require.NoError(t, err)
	require.Equal(t, "wallet-a", resolved.Wallet)
}

func TestRateLimitPrecedesBilling(t *testing.T) {
	ledger, db := testLedger(t)
	_, err := ledger.EnsureAccount("wallet-a")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.UserCredit{}).Where("wallet = ?", "wallet-a").
		Update("rate_limit", 2).Error)

	for i := 0; i < 2; i++ {
		_, err = ledger.Authorize("wallet-a", "")
		require.NoError(t, err)
	}
	_, err = ledger.Authorize("wallet-a", "")
	require.True(t, errs.Is(err, errs.KindRateLimitExceeded))

	var rlErr *errs.Error
	require.ErrorAs(t, err, &rlErr)
	require.Greater(t, rlErr.RetryAfter.Seconds(), 0.0)
}

// Raising the ceiling drops the exhausted token bucket so the new limit
// applies immediately.
func TestSetRateLimitResetsBucket(t *testing.T) {
	ledger, db := testLedger(t)
	_, err := ledger.EnsureAccount("wallet-a")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.UserCredit{}).Where("wallet = ?", "wallet-a").
		Update("rate_limit", 1).Error)

	_, err = ledger.Authorize("wallet-a", "")
	require.NoError(t, err)
	_, err = ledger.Authorize("wallet-a", "")
	require.True(t, errs.Is(err, errs.KindRateLimitExceeded))

	account, err := ledger.SetRateLimit("wallet-a", 100)
	require.NoError(t, err)
	require.Equal(t, 100, account.RateLimit)

	_, err = ledger.Authorize("wallet-a", "")
	require.NoError(t, err)
}

func TestSetRateLimitUnknownAccount(t *testing.T) {
	ledger, _ := testLedger(t)
	_, err := ledger.SetRateLimit("ghost", 10)
	require.True(t, errs.Is(err, errs.KindAccountNotFound))
}
