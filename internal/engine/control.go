package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/queue"
)

// Control is the surface handlers use to affect the world. Every state
// write re-checks the dispatch fence, so writes from a superseded round are
// dropped silently rather than erred.
type Control struct {
	db         *gorm.DB
	scheduler  queue.Scheduler
	queueName  string
	common     queue.CommonData
	remaining  []queue.Action
	suspended  bool
	dispatcher *Dispatcher
	logger     zerolog.Logger
}

// StateUpdate names the ChatState fields a handler may touch. Nil fields
// are left unchanged; the merge is field-explicit so the fence guard stays
// auditable.
type StateUpdate struct {
	Status          *string
	Data            *string
	ThreadID        *string
	AssistantConfig *string
	SessionID       *string
	Meta            *string
	LastError       *string
}

func (u StateUpdate) fields() map[string]interface{} {
	fields := make(map[string]interface{})
	if u.Status != nil {
		fields["status"] = *u.Status
	}
	if u.Data != nil {
		fields["data"] = *u.Data
	}
	if u.ThreadID != nil {
		fields["thread_id"] = *u.ThreadID
	}
	if u.AssistantConfig != nil {
		fields["assistant_config"] = *u.AssistantConfig
	}
	if u.SessionID != nil {
		fields["session_id"] = *u.SessionID
	}
	if u.Meta != nil {
		fields["meta"] = *u.Meta
	}
	if u.LastError != nil {
		fields["last_error"] = *u.LastError
	}
	return fields
}

// Common returns the command's common data.
func (c *Control) Common() queue.CommonData { return c.common }

// QueueName returns the queue this round runs on.
func (c *Control) QueueName() string { return c.queueName }

// Remaining returns the actions that follow the current one.
func (c *Control) Remaining() []queue.Action { return c.remaining }

// UpdateChatState merges upd into the chat if and only if this command's
// round is still current. Returns false when the write was dropped because
// a newer round took over; that is not an error.
func (c *Control) UpdateChatState(ctx context.Context, upd StateUpdate) (bool, error) {
	fields := upd.fields()
	if len(fields) == 0 {
		return true, nil
	}
	applied := false
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat models.ChatState
		res := tx.Limit(1).Find(&chat, "id = ?", c.common.ChatID)
		if res.Error != nil {
			return fmt.Errorf("engine: load chat for update: %w", res.Error)
		}
		if res.RowsAffected == 0 || chat.LatestDispatchID != c.common.DispatchID {
			return nil
		}
		if err := tx.Model(&models.ChatState{}).Where("id = ?", c.common.ChatID).Updates(fields).Error; err != nil {
			return fmt.Errorf("engine: update chat state: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		c.logger.Debug().
			Str("chat", c.common.ChatID).
			Str("dispatch", c.common.DispatchID).
			Msg("state write from stale round dropped")
	}
	return applied, err
}

// ContinueQueue replaces the remaining action list for this round. The
// dispatcher schedules it after the current Run is marked complete, keeping
// queue draining an explicit trampoline bounded by the list length.
func (c *Control) ContinueQueue(next []queue.Action) {
	c.remaining = next
}

// Suspend hands the rest of this round to a suspended continuation: the
// dispatcher completes the current Run without scheduling the remaining
// actions, and the resume command carries them instead.
func (c *Control) Suspend() {
	c.suspended = true
}

// Schedule enqueues a command on this round's queue.
func (c *Control) Schedule(ctx context.Context, cmd queue.Command) error {
	return c.scheduler.Schedule(ctx, c.queueName, cmd)
}

// CompleteQueue runs the injected completion callback. Callback failures
// are logged and swallowed; a notification problem must not fail the round.
func (c *Control) CompleteQueue(ctx context.Context, chat *models.ChatState) {
	if c.dispatcher == nil || c.dispatcher.onComplete == nil {
		return
	}
	if err := c.dispatcher.onComplete(ctx, chat); err != nil {
		c.logger.Error().Err(err).Str("chat", chat.ID).Msg("completion callback failed")
	}
}
