package models

import "time"

type NodeType string

const (
	NodeTypeServer  NodeType = "server"
	NodeTypeBrowser NodeType = "browser"
)

type NodeStatus string

const (
	NodeStatusActive NodeStatus = "active"
	NodeStatusStale  NodeStatus = "stale"
	NodeStatusBanned NodeStatus = "banned"
)

// TierFor maps a node type to its reward tier (server = 1, browser = 2).
func TierFor(t NodeType) int {
	if t == NodeTypeServer {
		return 1
	}
	return 2
}

// Node is a registered cache node. Rows are never deleted; lifecycle is
// expressed through Status transitions only.
type Node struct {
	ID              string   `gorm:"primaryKey" json:"id"`
	Wallet          string   `gorm:"index" json:"wallet"`
	Name            string   `json:"name"`
	Endpoint        string   `json:"endpoint"`
	NodeType        NodeType `gorm:"size:16;index" json:"node_type"`
	Tier            int      `json:"tier"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `gorm:"index" json:"last_seen"`
	Status          NodeStatus `gorm:"size:16;index" json:"status"`
	TotalRequests   int64      `json:"total_requests"`
	TotalHits       int64      `json:"total_hits"`
	TotalBytesSaved int64      `json:"total_bytes_saved"`
	UptimeSamples   int64      `json:"uptime_samples"`
	OnlineSamples   int64      `json:"online_samples"`
}

// HitRate returns the lifetime cache hit rate in percent.
func (n *Node) HitRate() float64 {
	if n.TotalRequests == 0 {
		return 0
	}
	return float64(n.TotalHits) / float64(n.TotalRequests) * 100
}

// UptimeRatio returns the fraction of uptime samples the node was online.
func (n *Node) UptimeRatio() float64 {
	if n.UptimeSamples == 0 {
		return 0
	}
	return float64(n.OnlineSamples) / float64(n.UptimeSamples)
}
