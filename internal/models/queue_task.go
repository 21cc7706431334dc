package models

import "time"

// Queue task states.
const (
	TaskStatusPending = "pending"
	TaskStatusClaimed = "claimed"
	TaskStatusDone    = "done"
	TaskStatusDead    = "dead"
)

// QueueTask is one enqueued worker command. TaskID is stable across
// redeliveries of the same task and keys the Run idempotency receipt.
type QueueTask struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Queue      string `gorm:"size:64;not null;index"`
	TaskID     string `gorm:"size:64;not null;uniqueIndex"`
	Payload    string `gorm:"type:json;not null"`
	Status     string `gorm:"size:16;default:pending;index"`
	RetryCount int
	NotBefore  time.Time `gorm:"index"`
	ClaimedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
