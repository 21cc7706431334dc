package models

import "time"

// ContextStackEntry is one saved chat context, pushed on hand-over and
// deleted on hand-back. Ordered by CreatedAt; the most recent entry is the
// top of the stack.
type ContextStackEntry struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	ChatID           string `gorm:"size:32;not null;index"`
	Config           string `gorm:"type:json;not null"`
	ThreadID         string `gorm:"size:128"`
	Status           string `gorm:"size:16"`
	LatestDispatchID string `gorm:"size:32"`
	Meta             string `gorm:"type:json"`
	SessionID        string `gorm:"size:64"`
	CreatedAt        time.Time
}
