package ingest

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/whistle-net/coordinator/internal/errs"
	"github.com/whistle-net/coordinator/internal/models"
	"github.com/whistle-net/coordinator/internal/prom"
)

// Report describes one reporting interval. Counts are deltas for the
// interval, not cumulative snapshots, so ingestion increments are
// commutative and safe under at-least-once delivery.
type Report struct {
	Timestamp            time.Time
	Requests             int64
	Hits                 int64
	Misses               int64
	HitRate              float64
	AvgCacheLatencyMs    float64
	AvgUpstreamLatencyMs float64
	BytesSaved           int64
	Online               bool
}

type Ingestor struct {
	db  *gorm.DB
	log *logrus.Logger
}

func New(db *gorm.DB, log *logrus.Logger) *Ingestor {
	return &Ingestor{db: db, log: log}
}

// Ingest appends an immutable metrics row and applies the report's deltas to
// the node's cumulative counters in one transaction. Reports for unknown or
// banned nodes are rejected.
func (i *Ingestor) Ingest(nodeID string, rep Report) error {
	if rep.Requests < 0 || rep.Hits < 0 || rep.BytesSaved < 0 {
		return errs.New(errs.KindInvalidArgument, "negative counts in report")
	}
	// A node cannot hit more than it served; clamp at the edge so the
	// registry invariant total_hits <= total_requests holds under any
	// report sequence.
	if rep.Hits > rep.Requests {
		rep.Hits = rep.Requests
	}
	if rep.Timestamp.IsZero() {
		rep.Timestamp = time.Now().UTC()
	}

	err := i.db.Transaction(func(tx *gorm.DB) error {
		var node models.Node
		if err := tx.First(&node, "id = ?", nodeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.New(errs.KindNodeNotFound, "node %s not registered", nodeID)
			}
			return err
		}
		if node.Status == models.NodeStatusBanned {
			return errs.New(errs.KindNodeBanned, "node %s is banned", nodeID)
		}

		row := models.MetricsReport{
			NodeID:               nodeID,
			Timestamp:            rep.Timestamp,
			Requests:             rep.Requests,
			Hits:                 rep.Hits,
			Misses:               rep.Misses,
			HitRate:              rep.HitRate,
			AvgCacheLatencyMs:    rep.AvgCacheLatencyMs,
			AvgUpstreamLatencyMs: rep.AvgUpstreamLatencyMs,
			BytesSaved:           rep.BytesSaved,
			Online:               rep.Online,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"total_requests":    gorm.Expr("total_requests + ?", rep.Requests),
			"total_hits":        gorm.Expr("total_hits + ?", rep.Hits),
			"total_bytes_saved": gorm.Expr("total_bytes_saved + ?", rep.BytesSaved),
			"uptime_samples":    gorm.Expr("uptime_samples + 1"),
			"last_seen":         time.Now().UTC(),
		}
		if rep.Online {
			updates["online_samples"] = gorm.Expr("online_samples + 1")
		}
		return tx.Model(&models.Node{}).Where("id = ?", nodeID).Updates(updates).Error
	})
	if err != nil {
		return err
	}
	prom.IncReportsIngested()
	return nil
}

// Prune deletes reports older than the retention window. Reward computation
// only ever reads the current epoch, so week-old rows are dead weight.
func (i *Ingestor) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	result := i.db.Where("timestamp < ?", cutoff).Delete(&models.MetricsReport{})
	return result.RowsAffected, result.Error
}

// RecentForNode returns the newest reports for a node, for the node detail
// endpoint.
func (i *Ingestor) RecentForNode(nodeID string, limit int) ([]models.MetricsReport, error) {
	var reports []models.MetricsReport
	err := i.db.Where("node_id = ?", nodeID).
		Order("timestamp DESC").Limit(limit).Find(&reports).Error
	return reports, err
}
