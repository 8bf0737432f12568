package models

import "time"

// Reward is one node's payout for one closed epoch. The (epoch, node) pair
// is unique so a retried epoch close can never double-pay. Immutable after
// insertion except for Claimed, which is set once and never reverted.
type Reward struct {
	ID             uint     `gorm:"primaryKey" json:"id"`
	EpochID        uint     `gorm:"uniqueIndex:idx_rewards_epoch_node" json:"epoch_id"`
	NodeID         string   `gorm:"uniqueIndex:idx_rewards_epoch_node" json:"node_id"`
	Wallet         string   `gorm:"index" json:"wallet"`
	NodeType       NodeType `gorm:"size:16" json:"node_type"`
	WorkScore      float64  `json:"work_score"`
	TierMultiplier float64  `json:"tier_multiplier"`
	UptimeBonus    float64  `json:"uptime_bonus"`
	Amount         float64  `json:"amount"`
	CalculatedAt   time.Time `json:"calculated_at"`
	Claimed        bool      `json:"claimed"`
}
