package models

import "time"

// Deposit records an on-chain credit top-up. TxSignature is unique, which
// makes deposit recording idempotent.
type Deposit struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Wallet         string    `gorm:"index" json:"wallet"`
	AmountLamports int64     `json:"amount_lamports"`
	TxSignature    string    `gorm:"uniqueIndex" json:"tx_signature"`
	Confirmed      bool      `json:"confirmed"`
	CreatedAt      time.Time `json:"created_at"`
}
