package models

import "time"

// MetricsReport is one interval report from a node. Rows are append-only:
// counts are deltas for the reporting interval, not cumulative snapshots.
type MetricsReport struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	NodeID               string    `gorm:"index:idx_reports_node_time" json:"node_id"`
	Timestamp            time.Time `gorm:"index:idx_reports_node_time;index" json:"timestamp"`
	Requests             int64     `json:"requests"`
	Hits                 int64     `json:"hits"`
	Misses               int64     `json:"misses"`
	HitRate              float64   `json:"hit_rate"`
	AvgCacheLatencyMs    float64   `json:"avg_cache_latency_ms"`
	AvgUpstreamLatencyMs float64   `json:"avg_upstream_latency_ms"`
	BytesSaved           int64     `json:"bytes_saved"`
	Online               bool      `json:"online"`
}
