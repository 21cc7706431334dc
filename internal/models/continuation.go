package models

import "time"

// Continuation states.
const (
	ContinuationSuspended = "suspended"
	ContinuationResolved  = "resolved"
)

// ContinuationRecord is the checkpoint for one suspended or resolved
// multi-tool turn. A suspended record is read and extended on resumption,
// never replaced; a resolved record is terminal.
type ContinuationRecord struct {
	ID             string `gorm:"primaryKey;size:32"`
	ChatID         string `gorm:"size:32;not null;index"`
	DispatcherID   string `gorm:"size:64;not null"`
	State          string `gorm:"size:16;default:suspended;index"`
	HandOverAction string `gorm:"type:json"` // pending hand-over/hand-back, empty when none
	Data           string `gorm:"type:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Calls []ToolCallRecord `gorm:"foreignKey:ContinuationID"`
}

// ToolCallRecord is one requested tool call within a continuation,
// processed strictly in CallIndex order. Response stays null until the call
// resolves; once the record's continuation is resolved, every call has a
// non-null response.
type ToolCallRecord struct {
	ContinuationID string  `gorm:"primaryKey;size:32"`
	CallIndex      int     `gorm:"primaryKey"`
	ToolCallID     string  `gorm:"size:64;not null"`
	ToolName       string  `gorm:"size:64;not null"`
	Args           string  `gorm:"type:json"`
	Response       *string `gorm:"type:json"`
}
