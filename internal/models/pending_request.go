package models

import "time"

// PendingRequest is an RPC call awaiting execution by a browser-tier node.
// AssignedTo transitions empty -> node id -> (empty again on disconnect);
// Completed is terminal.
type PendingRequest struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Method     string    `json:"method"`
	Params     string    `json:"params"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
	AssignedTo string    `gorm:"index" json:"assigned_to"`
	Completed  bool      `gorm:"index" json:"completed"`
	Result     string    `json:"result"`
	Error      string    `json:"error"`
}
