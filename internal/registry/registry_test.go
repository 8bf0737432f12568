package registry

import (
	"fmt"
	"io"
	"testing"
	"time"

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

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRegisterNewNode(t *testing.T) {
	reg := New(setupTestDB(t), testLogger())

	node, err := reg.Register("node-1", "wallet-a", "alpha", "https://cache.example.com", models.NodeTypeServer)
	require.NoError(t, err)
	require.Equal(t, models.NodeStatusActive, node.Status)
	require.Equal(t, 1, node.Tier)
	require.Zero(t, node.TotalRequests)
	require.False(t, node.FirstSeen.IsZero())
}

func TestRegisterExistingPreservesCounters(t *testing.T) {
	db := setupTestDB(t)
	reg := New(db, testLogger())

	first, err := reg.Register("node-1", "wallet-a", "alpha", "https://cache.example.com", models.NodeTypeServer)
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.Node{}).Where("id = ?", "node-1").Updates(map[string]any{
		"total_requests": 500,
		"total_hits":     400,
	}).Error)

	again, err := reg.Register("node-1", "wallet-b", "alpha-2", "https://new.example.com", models.NodeTypeServer)
	require.NoError(t, err)
	require.Equal(t, int64(500), again.TotalRequests)
	require.Equal(t, int64(400), again.TotalHits)
	require.Equal(t, "wallet-b", again.Wallet)
	require.Equal(t, "https://new.example.com", again.Endpoint)
	require.Equal(t, first.FirstSeen.Unix(), again.FirstSeen.Unix())
}

func TestRegisterBannedNodeRejected(t *testing.T) {
	reg := New(setupTestDB(t), testLogger())

	_, err := reg.Register("node-1", "wallet-a", "", "", models.NodeTypeBrowser)
	require.NoError(t, err)
	require.NoError(t, reg.MarkBanned("node-1"))

	_, err = reg.Register("node-1", "wallet-a", "", "", models.NodeTypeBrowser)
	require.True(t, errs.Is(err, errs.KindNodeBanned))
}

func TestEndpointValidation(t *testing.T) {
	reg := New(setupTestDB(t), testLogger())

	_, err := reg.Register("n1", "w", "", "ftp://bad.example.com", models.NodeTypeServer)
	require.True(t, errs.Is(err, errs.KindInvalidArgument))

	_, err = reg.Register("n2", "w", "", "http://x", models.NodeTypeServer)
	require.True(t, errs.Is(err, errs.KindInvalidArgument))
}

func TestTouchUnknownNode(t *testing.T) {
	reg := New(setupTestDB(t), testLogger())
	err := reg.Touch("missing")
	require.True(t, errs.Is(err, errs.KindNodeNotFound))
}

func TestSweepStale(t *testing.T) {
	db := setupTestDB(t)
	reg := New(db, testLogger())

	_, err := reg.Register("fresh", "w1", "", "", models.NodeTypeServer)
	require.NoError(t, err)
	_, err = reg.Register("old", "w2", "", "", models.NodeTypeServer)
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.Node{}).Where("id = ?", "old").
		Update("last_seen", time.Now().UTC().Add(-10*time.Minute)).Error)

	n, err := reg.SweepStale(3 * time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	old, err := reg.Get("old")
	require.NoError(t, err)
	require.Equal(t, models.NodeStatusStale, old.Status)

	fresh, err := reg.Get("fresh")
	require.NoError(t, err)
	require.Equal(t, models.NodeStatusActive, fresh.Status)
}

func TestListByTypeExcludesBanned(t *testing.T) {
	reg := New(setupTestDB(t), testLogger())

	_, err := reg.Register("s1", "w1", "", "", models.NodeTypeServer)
	require.NoError(t, err)
	_, err = reg.Register("s2", "w2", "", "", models.NodeTypeServer)
	require.NoError(t, err)
	_, err = reg.Register("b1", "w3", "", "", models.NodeTypeBrowser)
	require.NoError(t, err)
	require.NoError(t, reg.MarkBanned("s2"))

	servers, err := reg.ListByType(models.NodeTypeServer)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, "s1", servers[0].ID)
}
