package models

import "time"

// Chat status values. userInput and processing alternate during normal
// operation; complete and failed are terminal.
const (
	ChatStatusUserInput  = "userInput"
	ChatStatusProcessing = "processing"
	ChatStatusClosing    = "closing"
	ChatStatusComplete   = "complete"
	ChatStatusFailed     = "failed"
)

// ChatState is the root record for one chat workflow. LatestDispatchID is
// the concurrency fence: it changes exactly when a guarded status
// transition opens a new round, and a worker holding an older dispatch id
// must no-op.
type ChatState struct {
	ID               string `gorm:"primaryKey;size:32"`
	OwnerID          string `gorm:"size:64;not null;index"`
	AssistantConfig  string `gorm:"type:json;not null"`
	ThreadID         string `gorm:"size:128"`
	Status           string `gorm:"size:16;default:userInput;index"`
	LatestDispatchID string `gorm:"size:32;index"`
	Data             string `gorm:"type:json"`
	SessionID        string `gorm:"size:64"`
	Meta             string `gorm:"type:json"`
	LastError        string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Dispatches []Dispatch          `gorm:"foreignKey:ChatID"`
	Messages   []ChatMessage       `gorm:"foreignKey:ChatID"`
	Stack      []ContextStackEntry `gorm:"foreignKey:ChatID"`
}

// TerminalStatus reports whether a chat can make no further progress.
func TerminalStatus(status string) bool {
	return status == ChatStatusComplete || status == ChatStatusFailed
}

// ChatMessage is one user or assistant message, ordered within its dispatch
// round by InBatchSortIndex.
type ChatMessage struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	ChatID           string `gorm:"size:32;not null;index"`
	DispatchID       string `gorm:"size:32;index"`
	Role             string `gorm:"size:16;not null"` // "user" or "assistant"
	Content          string `gorm:"type:text;not null"`
	InBatchSortIndex int
	CreatedAt        time.Time
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
