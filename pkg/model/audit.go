package model

import "time"

// AuditEntry records one peer mutation for the operations log.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Peer      string    `gorm:"size:64;index" json:"peer"`
	Action    string    `gorm:"size:32" json:"action"` // add, remove, sync
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (AuditEntry) TableName() string { return "router_logs" }
