// Package handover implements the hand-over/hand-back context stack: a
// chat delegates control to another assistant configuration and later
// restores the previous one. Saved contexts form a LIFO ordered by
// creation time.
package handover

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/fault"
	"github.com/zulandar/switchboard/internal/models"
)

// Former captures the context replaced by a hand-back so callers can
// release engine-side resources tied to it, the abandoned thread above
// all. Hand-over needs no such value: the replaced context survives on
// the stack until the matching hand-back.
type Former struct {
	Config    string
	ThreadID  string
	Meta      string
	SessionID string
}

// Opts holds the new context installed by HandOver.
type Opts struct {
	NewConfig string
	Meta      string
}

// HandOver pushes the chat's current context onto the stack and installs
// the new assistant configuration with a fresh session id. It runs inside
// the caller's transaction so the push and the state change commit
// together; the caller schedules the follow-up command after commit.
func HandOver(tx *gorm.DB, chat *models.ChatState, opts Opts) error {
	if opts.NewConfig == "" {
		return fmt.Errorf("handover: new config is required")
	}

	entry := models.ContextStackEntry{
		ChatID:           chat.ID,
		Config:           chat.AssistantConfig,
		ThreadID:         chat.ThreadID,
		Status:           chat.Status,
		LatestDispatchID: chat.LatestDispatchID,
		Meta:             chat.Meta,
		SessionID:        chat.SessionID,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("handover: push context: %w", err)
	}

	sessionID := uuid.NewString()
	err := tx.Model(&models.ChatState{}).Where("id = ?", chat.ID).
		Updates(map[string]interface{}{
			"assistant_config": opts.NewConfig,
			"thread_id":        "",
			"status":           models.ChatStatusProcessing,
			"session_id":       sessionID,
			"meta":             opts.Meta,
		}).Error
	if err != nil {
		return fmt.Errorf("handover: install new context: %w", err)
	}

	chat.AssistantConfig = opts.NewConfig
	chat.ThreadID = ""
	chat.Status = models.ChatStatusProcessing
	chat.SessionID = sessionID
	chat.Meta = opts.Meta
	return nil
}

// HandBack pops the most recent stack entry and restores its context.
// Status becomes processing when messages will be posted against the
// restored configuration, userInput otherwise. An empty stack is a failed
// precondition: hand-back without a prior hand-over is a caller bug, not a
// race.
func HandBack(tx *gorm.DB, chat *models.ChatState, hasMessages bool) (*Former, error) {
	var entry models.ContextStackEntry
	res := tx.Where("chat_id = ?", chat.ID).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&entry)
	if res.Error != nil {
		return nil, fmt.Errorf("handover: query stack: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fault.New(fault.FailedPrecondition, "handover: no saved context to restore")
	}

	former := &Former{
		Config:    chat.AssistantConfig,
		ThreadID:  chat.ThreadID,
		Meta:      chat.Meta,
		SessionID: chat.SessionID,
	}

	status := models.ChatStatusUserInput
	if hasMessages {
		status = models.ChatStatusProcessing
	}
	err := tx.Model(&models.ChatState{}).Where("id = ?", chat.ID).
		Updates(map[string]interface{}{
			"assistant_config": entry.Config,
			"thread_id":        entry.ThreadID,
			"status":           status,
			"session_id":       entry.SessionID,
			"meta":             entry.Meta,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("handover: restore context: %w", err)
	}
	if err := tx.Delete(&models.ContextStackEntry{}, "id = ?", entry.ID).Error; err != nil {
		return nil, fmt.Errorf("handover: pop context: %w", err)
	}

	chat.AssistantConfig = entry.Config
	chat.ThreadID = entry.ThreadID
	chat.Status = status
	chat.SessionID = entry.SessionID
	chat.Meta = entry.Meta
	return former, nil
}

// Depth returns the number of saved contexts for a chat.
func Depth(tx *gorm.DB, chatID string) (int64, error) {
	var count int64
	if err := tx.Model(&models.ContextStackEntry{}).Where("chat_id = ?", chatID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("handover: count stack: %w", err)
	}
	return count, nil
}
