package models

import "gorm.io/gorm"

// Migrate creates or updates every coordinator table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Node{},
		&MetricsReport{},
		&Epoch{},
		&Reward{},
		&UserCredit{},
		&Deposit{},
		&QueryUsage{},
		&Settlement{},
		&PendingRequest{},
	)
}
