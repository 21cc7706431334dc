// Package engine implements the guarded dispatch/run protocol: effective
// at-most-once execution of queued command steps despite at-least-once
// delivery and concurrent retries. All mutual exclusion is expressed as
// transactional conditional writes; no locks are held between steps.
package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/fault"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/queue"
)

// Handler executes one action against the chat it was dispatched for.
// Handlers observe and mutate the world only through the Control surface;
// a returned error is classified by the dispatcher, so handlers never need
// to decide retry policy themselves.
type Handler func(ctx context.Context, chat *models.ChatState, action queue.Action, ctl *Control) error

// CompletionFunc runs after a command's action list is exhausted, e.g. to
// notify subscribers. Failures are logged and swallowed, never propagated.
type CompletionFunc func(ctx context.Context, chat *models.ChatState) error

// CleanupFunc runs after a round fails terminally.
type CleanupFunc func(ctx context.Context, chat *models.ChatState) error

// Dispatcher guards and executes command steps.
type Dispatcher struct {
	db         *gorm.DB
	scheduler  queue.Scheduler
	handlers   map[string]Handler
	onComplete CompletionFunc
	cleanup    CleanupFunc
	logger     zerolog.Logger
}

// Opts holds parameters for creating a Dispatcher.
type Opts struct {
	DB         *gorm.DB
	Scheduler  queue.Scheduler
	OnComplete CompletionFunc
	Cleanup    CleanupFunc
	Logger     zerolog.Logger
}

// New creates a Dispatcher.
func New(opts Opts) (*Dispatcher, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("engine: db is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("engine: scheduler is required")
	}
	return &Dispatcher{
		db:         opts.DB,
		scheduler:  opts.Scheduler,
		handlers:   make(map[string]Handler),
		onComplete: opts.OnComplete,
		cleanup:    opts.Cleanup,
		logger:     opts.Logger,
	}, nil
}

// Register binds a handler to an action kind.
func (d *Dispatcher) Register(kind string, h Handler) {
	d.handlers[kind] = h
}

// Dispatch runs one delivery through the guard protocol. It returns whether
// this dispatcher recognized the command; a returned error means the step
// should be redelivered by the queue.
func (d *Dispatcher) Dispatch(ctx context.Context, del queue.Delivery) (bool, error) {
	cmd := del.Command
	var handler Handler
	if len(cmd.Actions) > 0 {
		var ok bool
		handler, ok = d.handlers[cmd.Actions[0].Kind]
		if !ok {
			return false, nil
		}
	}

	chat, proceed, err := d.guard(ctx, cmd, del)
	if err != nil {
		return true, err
	}
	if !proceed {
		return true, nil
	}

	ctl := &Control{
		db:         d.db,
		scheduler:  d.scheduler,
		queueName:  del.Queue,
		common:     cmd.Common,
		dispatcher: d,
		logger:     d.logger,
	}
	var runErr error
	if handler != nil {
		ctl.remaining = cmd.Actions[1:]
		runErr = handler(ctx, chat, cmd.Actions[0], ctl)
	}

	if runErr == nil {
		return true, d.finishStep(ctx, del, chat, ctl)
	}
	return d.failStep(ctx, del, chat, runErr)
}

// guard is the single transaction that decides whether this delivery runs:
// chat must exist, the round must still be current, and no Run for this
// task id may be complete or concurrently running. On the way out it writes
// the Run receipt.
func (d *Dispatcher) guard(ctx context.Context, cmd queue.Command, del queue.Delivery) (*models.ChatState, bool, error) {
	var chat models.ChatState
	proceed := false
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Limit(1).Find(&chat, "id = ?", cmd.Common.ChatID)
		if res.Error != nil {
			return fmt.Errorf("engine: load chat %s: %w", cmd.Common.ChatID, res.Error)
		}
		if res.RowsAffected == 0 {
			// chat deleted out from under the round
			return nil
		}
		if chat.LatestDispatchID != cmd.Common.DispatchID {
			// a newer round superseded this one; expected under races,
			// not an error
			d.logger.Debug().
				Str("chat", chat.ID).
				Str("dispatch", cmd.Common.DispatchID).
				Str("current", chat.LatestDispatchID).
				Msg("stale round, dropping")
			return nil
		}

		var run models.Run
		res = tx.Limit(1).Find(&run, "dispatch_id = ? AND task_id = ?", cmd.Common.DispatchID, del.TaskID)
		if res.Error != nil {
			return fmt.Errorf("engine: load run %s/%s: %w", cmd.Common.DispatchID, del.TaskID, res.Error)
		}
		if res.RowsAffected > 0 {
			switch run.Status {
			case models.RunStatusComplete:
				// duplicate delivery of a finished step
				return nil
			case models.RunStatusRunning:
				// another delivery of the same task is executing right now
				return nil
			}
			// waitingForRetry: this is the redelivery we asked for
			err := tx.Model(&models.Run{}).
				Where("dispatch_id = ? AND task_id = ?", cmd.Common.DispatchID, del.TaskID).
				Updates(map[string]interface{}{
					"status":      models.RunStatusRunning,
					"run_attempt": del.RetryCount,
				}).Error
			if err != nil {
				return fmt.Errorf("engine: restart run: %w", err)
			}
			proceed = true
			return nil
		}

		run = models.Run{
			DispatchID: cmd.Common.DispatchID,
			TaskID:     del.TaskID,
			Status:     models.RunStatusRunning,
			RunAttempt: del.RetryCount,
		}
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("engine: create run: %w", err)
		}
		proceed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &chat, proceed, nil
}

// finishStep marks the Run complete and either schedules the remaining
// actions or completes the queue.
func (d *Dispatcher) finishStep(ctx context.Context, del queue.Delivery, chat *models.ChatState, ctl *Control) error {
	if err := d.markRun(ctx, del, models.RunStatusComplete); err != nil {
		return err
	}
	if ctl.suspended {
		// a suspended continuation owns the rest of this round; the
		// resume command carries the remaining actions
		return nil
	}
	if len(ctl.remaining) > 0 {
		next := queue.Command{Common: del.Command.Common, Actions: ctl.remaining}
		if err := d.scheduler.Schedule(ctx, del.Queue, next); err != nil {
			return fmt.Errorf("engine: schedule continuation: %w", err)
		}
		return nil
	}
	ctl.CompleteQueue(ctx, chat)
	return nil
}

// failStep classifies a handler failure. Transient errors within the retry
// budget mark the Run waitingForRetry and propagate so the queue's backoff
// redelivers the task; everything else is terminal for the chat.
func (d *Dispatcher) failStep(ctx context.Context, del queue.Delivery, chat *models.ChatState, runErr error) (bool, error) {
	if fault.Retryable(runErr) {
		max := d.scheduler.MaxRetries(del.Queue)
		if max < 0 || del.RetryCount+1 < max {
			if err := d.markRun(ctx, del, models.RunStatusWaitingForRetry); err != nil {
				return true, err
			}
			return true, runErr
		}
		d.logger.Warn().Err(runErr).
			Str("chat", chat.ID).
			Int("attempt", del.RetryCount).
			Msg("retry budget exhausted, failing chat")
	}

	d.failChat(ctx, del.Command.Common, runErr)
	if err := d.markRun(ctx, del, models.RunStatusComplete); err != nil {
		return true, err
	}
	if d.cleanup != nil {
		if err := d.cleanup(ctx, chat); err != nil {
			d.logger.Error().Err(err).Str("chat", chat.ID).Msg("cleanup failed")
		}
	}
	return true, nil
}

// failChat records the terminal failure on the chat, unless a newer round
// already took over.
func (d *Dispatcher) failChat(ctx context.Context, common queue.CommonData, cause error) {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat models.ChatState
		res := tx.Limit(1).Find(&chat, "id = ?", common.ChatID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || chat.LatestDispatchID != common.DispatchID {
			return nil
		}
		return tx.Model(&models.ChatState{}).Where("id = ?", common.ChatID).
			Updates(map[string]interface{}{
				"status":     models.ChatStatusFailed,
				"last_error": cause.Error(),
			}).Error
	})
	if err != nil {
		d.logger.Error().Err(err).Str("chat", common.ChatID).Msg("record chat failure failed")
	}
}

func (d *Dispatcher) markRun(ctx context.Context, del queue.Delivery, status string) error {
	err := d.db.WithContext(ctx).Model(&models.Run{}).
		Where("dispatch_id = ? AND task_id = ?", del.Command.Common.DispatchID, del.TaskID).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("engine: mark run %s: %w", status, err)
	}
	return nil
}
