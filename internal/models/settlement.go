package models

import "time"

type SettlementStatus string

const (
	SettlementStatusPending SettlementStatus = "pending"
	SettlementStatusSettled SettlementStatus = "settled"
)

// Settlement is a batch of query usage aggregated for on-chain payout. The
// external signer marks it settled with a transaction signature.
type Settlement struct {
	ID               uint             `gorm:"primaryKey" json:"id"`
	BatchStart       time.Time        `json:"batch_start"`
	BatchEnd         time.Time        `gorm:"index" json:"batch_end"`
	TotalQueries     int64            `json:"total_queries"`
	TotalLamports    int64            `json:"total_lamports"`
	ProviderEarnings string           `json:"provider_earnings"`
	TxSignature      string           `json:"tx_signature"`
	Status           SettlementStatus `gorm:"size:16;index" json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	SettledAt        *time.Time       `json:"settled_at"`
}
