package models

import "time"

// Run status values.
const (
	RunStatusRunning         = "running"
	RunStatusComplete        = "complete"
	RunStatusWaitingForRetry = "waitingForRetry"
)

// Dispatch is the persisted record of one round. Rows accumulate per chat
// and are never mutated after creation; together with Run they form the
// append-only idempotency log.
type Dispatch struct {
	ID        string `gorm:"primaryKey;size:32"`
	ChatID    string `gorm:"size:32;not null;index"`
	CreatedAt time.Time
}

// Run is the idempotency receipt for one physical task delivery within a
// Dispatch. A complete Run means the step already ran; a running Run means
// another delivery of the same task is executing right now.
type Run struct {
	DispatchID string `gorm:"primaryKey;size:32"`
	TaskID     string `gorm:"primaryKey;size:64"`
	Status     string `gorm:"size:16;default:running"`
	RunAttempt int
	CreatedAt  time.Time
}
