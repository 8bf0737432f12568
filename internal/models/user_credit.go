package models

import "time"

// UserCredit is a per-wallet prepaid balance, the billing-side counterpart
// of the node registry. Balances are lamports and never go negative.
type UserCredit struct {
	Wallet          string     `gorm:"primaryKey" json:"wallet"`
	BalanceLamports int64      `json:"balance_lamports"`
	TotalDeposited  int64      `json:"total_deposited"`
	TotalSpent      int64      `json:"total_spent"`
	QueriesMade     int64      `json:"queries_made"`
	APIKey          string     `gorm:"uniqueIndex" json:"api_key"`
	Tier            string     `gorm:"size:16" json:"tier"`
	RateLimit       int        `json:"rate_limit"`
	CreatedAt       time.Time  `json:"created_at"`
	LastQueryAt     *time.Time `json:"last_query_at"`
}
