package models

import "time"

type EpochStatus string

const (
	EpochStatusActive EpochStatus = "active"
	EpochStatusClosed EpochStatus = "closed"
)

// Epoch is one reward-accounting window. Exactly one epoch is active at a
// time; closing is a one-way transition.
type Epoch struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	StartTime    time.Time   `json:"start_time"`
	EndTime      *time.Time  `json:"end_time"`
	TotalWork    float64     `json:"total_work"`
	TotalRewards float64     `json:"total_rewards"`
	Status       EpochStatus `gorm:"size:16;index" json:"status"`
}
