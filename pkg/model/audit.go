package model

import "time"

// AuditEntry captures an operator action performed through the console.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id,omitempty"`
	Actor     string    `gorm:"size:64" json:"actor"`
	Action    string    `gorm:"size:64;index" json:"action"`
	Target    string    `gorm:"size:128;index" json:"target"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
