// Package chat is the lifecycle facade callers go through: create, post,
// close, hand-over, hand-back, and reads. Every mutating operation opens a
// new dispatch round, advances the chat's fence in the same transaction,
// and schedules the round's command after commit.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/assistant"
	"github.com/zulandar/switchboard/internal/fault"
	"github.com/zulandar/switchboard/internal/handover"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/scheduler"
)

// Snapshot is the caller-visible view of a chat.
type Snapshot struct {
	ChatID    string    `json:"chatId"`
	Status    string    `json:"status"`
	Data      string    `json:"data,omitempty"`
	SessionID string    `json:"sessionId"`
	Meta      string    `json:"meta,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func snapshotOf(c *models.ChatState) Snapshot {
	return Snapshot{
		ChatID:    c.ID,
		Status:    c.Status,
		Data:      c.Data,
		SessionID: c.SessionID,
		Meta:      c.Meta,
		LastError: c.LastError,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// Facade exposes the chat lifecycle.
type Facade struct {
	db       *gorm.DB
	registry *scheduler.Registry
	logger   zerolog.Logger
}

// Opts holds parameters for NewFacade.
type Opts struct {
	DB       *gorm.DB
	Registry *scheduler.Registry
	Logger   zerolog.Logger
}

func NewFacade(opts Opts) *Facade {
	return &Facade{
		db:       opts.DB,
		registry: opts.Registry,
		logger:   opts.Logger.With().Str("component", "chat").Logger(),
	}
}

// loadOwned fetches a chat and enforces ownership. Missing chats are
// NotFound; someone else's chat is PermissionDenied, deliberately distinct
// so callers can tell the two apart.
func loadOwned(tx *gorm.DB, ownerID, chatID string) (*models.ChatState, error) {
	var chat models.ChatState
	res := tx.Limit(1).Find(&chat, "id = ?", chatID)
	if res.Error != nil {
		return nil, fmt.Errorf("chat: load %s: %w", chatID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fault.Newf(fault.NotFound, "chat: %s not found", chatID)
	}
	if chat.OwnerID != ownerID {
		return nil, fault.Newf(fault.PermissionDenied, "chat: %s does not belong to caller", chatID)
	}
	return &chat, nil
}

// openRound creates a Dispatch row and moves the chat's fence to it. Every
// in-flight command from the previous round goes stale at this moment.
func openRound(tx *gorm.DB, chat *models.ChatState, status string) (string, error) {
	dispatchID := models.NewID()
	d := models.Dispatch{ID: dispatchID, ChatID: chat.ID}
	if err := tx.Create(&d).Error; err != nil {
		return "", fmt.Errorf("chat: create dispatch: %w", err)
	}
	err := tx.Model(&models.ChatState{}).Where("id = ?", chat.ID).
		Updates(map[string]interface{}{
			"latest_dispatch_id": dispatchID,
			"status":             status,
		}).Error
	if err != nil {
		return "", fmt.Errorf("chat: advance fence: %w", err)
	}
	chat.LatestDispatchID = dispatchID
	chat.Status = status
	return dispatchID, nil
}

func storeUserMessages(tx *gorm.DB, chatID, dispatchID string, messages []string) error {
	for i, text := range messages {
		msg := models.ChatMessage{
			ChatID:           chatID,
			DispatchID:       dispatchID,
			Role:             models.RoleUser,
			Content:          text,
			InBatchSortIndex: i,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("chat: store message: %w", err)
		}
	}
	return nil
}

func (f *Facade) common(chat *models.ChatState, dispatchID string) queue.CommonData {
	return queue.CommonData{OwnerID: chat.OwnerID, ChatID: chat.ID, DispatchID: dispatchID}
}

func (f *Facade) schedulerFor(config string) (scheduler.CommandScheduler, error) {
	cfg, err := assistant.ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return f.registry.For(cfg.Engine)
}

// Create starts a new chat and schedules its first turn.
func (f *Facade) Create(ctx context.Context, ownerID, config string, messages []string, meta string) (Snapshot, error) {
	cs, err := f.schedulerFor(config)
	if err != nil {
		return Snapshot{}, err
	}

	chat := &models.ChatState{
		ID:              models.NewID(),
		OwnerID:         ownerID,
		AssistantConfig: config,
		Status:          models.ChatStatusUserInput,
		SessionID:       models.NewID(),
		Meta:            meta,
	}
	var dispatchID string
	err = f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(chat).Error; err != nil {
			return fmt.Errorf("chat: create: %w", err)
		}
		dispatchID, err = openRound(tx, chat, models.ChatStatusProcessing)
		if err != nil {
			return err
		}
		return storeUserMessages(tx, chat.ID, dispatchID, messages)
	})
	if err != nil {
		return Snapshot{}, err
	}
	if err := cs.Create(ctx, f.common(chat, dispatchID), messages); err != nil {
		return Snapshot{}, fmt.Errorf("chat: schedule first turn: %w", err)
	}
	f.logger.Info().Str("chat", chat.ID).Str("owner", ownerID).Msg("chat created")
	return snapshotOf(chat), nil
}

// PostMessage appends user messages and schedules the next turn. Only a
// chat waiting for user input accepts messages.
func (f *Facade) PostMessage(ctx context.Context, ownerID, chatID string, messages []string) (Snapshot, error) {
	if len(messages) == 0 {
		return Snapshot{}, fault.New(fault.FailedPrecondition, "chat: no messages to post")
	}
	var chat *models.ChatState
	var cs scheduler.CommandScheduler
	var dispatchID string
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		chat, err = loadOwned(tx, ownerID, chatID)
		if err != nil {
			return err
		}
		if chat.Status != models.ChatStatusUserInput {
			return fault.Newf(fault.FailedPrecondition, "chat: %s is %s, not awaiting input", chatID, chat.Status)
		}
		cs, err = f.schedulerFor(chat.AssistantConfig)
		if err != nil {
			return err
		}
		dispatchID, err = openRound(tx, chat, models.ChatStatusProcessing)
		if err != nil {
			return err
		}
		return storeUserMessages(tx, chat.ID, dispatchID, messages)
	})
	if err != nil {
		return Snapshot{}, err
	}
	if err := cs.Post(ctx, f.common(chat, dispatchID), messages); err != nil {
		return Snapshot{}, fmt.Errorf("chat: schedule turn: %w", err)
	}
	return snapshotOf(chat), nil
}

// CloseChat moves the chat to closing and schedules the teardown round. A
// chat can be closed while idle or mid-turn; closing mid-turn fences the
// in-flight round out.
func (f *Facade) CloseChat(ctx context.Context, ownerID, chatID string, farewell []string) (Snapshot, error) {
	var chat *models.ChatState
	var cs scheduler.CommandScheduler
	var dispatchID string
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		chat, err = loadOwned(tx, ownerID, chatID)
		if err != nil {
			return err
		}
		if chat.Status != models.ChatStatusUserInput && chat.Status != models.ChatStatusProcessing {
			return fault.Newf(fault.FailedPrecondition, "chat: %s is %s and cannot be closed", chatID, chat.Status)
		}
		cs, err = f.schedulerFor(chat.AssistantConfig)
		if err != nil {
			return err
		}
		dispatchID, err = openRound(tx, chat, models.ChatStatusClosing)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	if err := cs.Close(ctx, f.common(chat, dispatchID), farewell); err != nil {
		return Snapshot{}, fmt.Errorf("chat: schedule close: %w", err)
	}
	return snapshotOf(chat), nil
}

// HandOver pushes the current context and installs a new assistant config,
// then schedules the new context's first turn.
func (f *Facade) HandOver(ctx context.Context, ownerID, chatID, newConfig string, messages []string, meta string) (Snapshot, error) {
	cs, err := f.schedulerFor(newConfig)
	if err != nil {
		return Snapshot{}, err
	}
	var chat *models.ChatState
	var dispatchID string
	err = f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		chat, err = loadOwned(tx, ownerID, chatID)
		if err != nil {
			return err
		}
		if chat.Status == models.ChatStatusClosing || models.TerminalStatus(chat.Status) {
			return fault.Newf(fault.FailedPrecondition, "chat: %s is %s and cannot hand over", chatID, chat.Status)
		}
		if err := handover.HandOver(tx, chat, handover.Opts{NewConfig: newConfig, Meta: meta}); err != nil {
			return err
		}
		dispatchID, err = openRound(tx, chat, models.ChatStatusProcessing)
		if err != nil {
			return err
		}
		return storeUserMessages(tx, chat.ID, dispatchID, messages)
	})
	if err != nil {
		return Snapshot{}, err
	}
	if err := cs.Create(ctx, f.common(chat, dispatchID), messages); err != nil {
		return Snapshot{}, fmt.Errorf("chat: schedule handed-over turn: %w", err)
	}
	f.logger.Info().Str("chat", chat.ID).Msg("context handed over")
	return snapshotOf(chat), nil
}

// HandBack pops the saved context and, when messages ride along, schedules
// a turn in the restored context. Without messages the restored chat simply
// waits for user input.
func (f *Facade) HandBack(ctx context.Context, ownerID, chatID string, messages []string) (Snapshot, error) {
	var chat *models.ChatState
	var cs scheduler.CommandScheduler
	var dispatchID string
	var former *handover.Former
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		chat, err = loadOwned(tx, ownerID, chatID)
		if err != nil {
			return err
		}
		if chat.Status == models.ChatStatusClosing || models.TerminalStatus(chat.Status) {
			return fault.Newf(fault.FailedPrecondition, "chat: %s is %s and cannot hand back", chatID, chat.Status)
		}
		if former, err = handover.HandBack(tx, chat, len(messages) > 0); err != nil {
			return err
		}
		if len(messages) == 0 {
			// the restored context waits for input; fence out any
			// in-flight round from before the hand-back
			dispatchID, err = openRound(tx, chat, chat.Status)
			return err
		}
		cs, err = f.schedulerFor(chat.AssistantConfig)
		if err != nil {
			return err
		}
		dispatchID, err = openRound(tx, chat, models.ChatStatusProcessing)
		if err != nil {
			return err
		}
		return storeUserMessages(tx, chat.ID, dispatchID, messages)
	})
	if err != nil {
		return Snapshot{}, err
	}
	if cs != nil {
		if err := cs.Post(ctx, f.common(chat, dispatchID), messages); err != nil {
			return Snapshot{}, fmt.Errorf("chat: schedule handed-back turn: %w", err)
		}
	}
	// the facade has no assistant clients, so the helper thread is only
	// reported here; engine-initiated hand-backs delete it themselves
	f.logger.Info().Str("chat", chat.ID).Str("released_thread", former.ThreadID).Msg("context handed back")
	return snapshotOf(chat), nil
}

// Get returns the caller's view of a chat.
func (f *Facade) Get(ctx context.Context, ownerID, chatID string) (Snapshot, error) {
	chat, err := loadOwned(f.db.WithContext(ctx), ownerID, chatID)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(chat), nil
}

// Messages returns the chat transcript in conversation order.
func (f *Facade) Messages(ctx context.Context, ownerID, chatID string) ([]models.ChatMessage, error) {
	if _, err := loadOwned(f.db.WithContext(ctx), ownerID, chatID); err != nil {
		return nil, err
	}
	var msgs []models.ChatMessage
	err := f.db.WithContext(ctx).
		Order("created_at ASC, in_batch_sort_index ASC, id ASC").
		Find(&msgs, "chat_id = ?", chatID).Error
	if err != nil {
		return nil, fmt.Errorf("chat: load messages: %w", err)
	}
	return msgs, nil
}
