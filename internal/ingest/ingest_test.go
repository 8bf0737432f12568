package ingest

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
	"github.com/whistle-net/coordinator/internal/registry"
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

func registerNode(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	_, err := registry.New(db, testLogger()).Register(id, "wallet-"+id, "", "", models.NodeTypeServer)
	require.NoError(t, err)
}

func TestIngestUnknownNode(t *testing.T) {
	ing := New(setupTestDB(t), testLogger())
	err := ing.Ingest("ghost", Report{Requests: 1})
	require.True(t, errs.Is(err, errs.KindNodeNotFound))
}

func TestIngestBannedNode(t *testing.T) {
	db := setupTestDB(t)
	registerNode(t, db, "n1")
	require.NoError(t, registry.New(db, testLogger()).MarkBanned("n1"))

	err := New(db, testLogger()).Ingest("n1", Report{Requests: 1})
	require.True(t, errs.Is(err, errs.KindNodeBanned))
}

func TestIngestAccumulatesDeltas(t *testing.T) {
	db := setupTestDB(t)
	registerNode(t, db, "n1")
	ing := New(db, testLogger())

	require.NoError(t, ing.Ingest("n1", Report{Requests: 100, Hits: 80, BytesSaved: 1000, Online: true}))
	require.NoError(t, ing.Ingest("n1", Report{Requests: 50, Hits: 30, BytesSaved: 500, Online: false}))

	var node models.Node
	require.NoError(t, db.First(&node, "id = ?", "n1").Error)
	require.Equal(t, int64(150), node.TotalRequests)
	require.Equal(t, int64(110), node.TotalHits)
	require.Equal(t, int64(1500), node.TotalBytesSaved)
	require.Equal(t, int64(2), node.UptimeSamples)
	require.Equal(t, int64(1), node.OnlineSamples)

	var reports int64
	require.NoError(t, db.Model(&models.MetricsReport{}).Count(&reports).Error)
	require.Equal(t, int64(2), reports)
}

// Hits can never exceed requests regardless of what a node reports.
func TestIngestHitsNeverExceedRequests(t *testing.T) {
	db := setupTestDB(t)
	registerNode(t, db, "n1")
	ing := New(db, testLogger())

	reports := []Report{
		{Requests: 10, Hits: 25},
		{Requests: 0, Hits: 5},
		{Requests: 7, Hits: 7},
	}
	for _, rep := range reports {
		require.NoError(t, ing.Ingest("n1", rep))
		var node models.Node
		require.NoError(t, db.First(&node, "id = ?", "n1").Error)
		require.LessOrEqual(t, node.TotalHits, node.TotalRequests)
	}
}

func TestIngestRejectsNegativeCounts(t *testing.T) {
	db := setupTestDB(t)
	registerNode(t, db, "n1")
	err := New(db, testLogger()).Ingest("n1", Report{Requests: -5})
	require.True(t, errs.Is(err, errs.KindInvalidArgument))
}

func TestPrune(t *testing.T) {
	db := setupTestDB(t)
	registerNode(t, db, "n1")
	ing := New(db, testLogger())

	old := models.MetricsReport{NodeID: "n1", Timestamp: time.Now().UTC().Add(-8 * 24 * time.Hour)}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, ing.Ingest("n1", Report{Requests: 1}))

	n, err := ing.Prune(7 * 24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	var remaining int64
	require.NoError(t, db.Model(&models.MetricsReport{}).Count(&remaining).Error)
	require.Equal(t, int64(1), remaining)
}
