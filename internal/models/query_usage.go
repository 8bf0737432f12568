package models

import "time"

// QueryUsage attributes one billed query to the serving provider for later
// settlement. Rows are claimed by settlement batches through exclusive
// (batch_start, batch_end] time ranges.
type QueryUsage struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Wallet         string    `gorm:"index" json:"wallet"`
	ProviderWallet string    `gorm:"index" json:"provider_wallet"`
	Method         string    `json:"method"`
	CostLamports   int64     `json:"cost_lamports"`
	Timestamp      time.Time `gorm:"index" json:"timestamp"`
}
