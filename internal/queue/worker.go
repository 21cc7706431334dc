package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/models"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultClaimTTL     = 5 * time.Minute
	backoffBase         = 5 * time.Second
	backoffMax          = 10 * time.Minute
	claimAttempts       = 3
)

// Handler processes one delivery. Returning an error requeues the task with
// backoff until the queue's retry limit is exhausted.
type Handler func(ctx context.Context, d Delivery) error

// Worker polls the configured queues and hands claimed tasks to a Handler.
// Multiple workers may run concurrently against the same store; claims are
// guarded updates, so a task is executed by one worker at a time but may be
// redelivered after a claim expires.
type Worker struct {
	queue    *DBQueue
	db       *gorm.DB
	handler  Handler
	queues   []string
	poll     time.Duration
	claimTTL time.Duration
	logger   zerolog.Logger
}

// WorkerOpts holds parameters for creating a Worker.
type WorkerOpts struct {
	Queue    *DBQueue
	Handler  Handler
	Queues   []string
	Poll     time.Duration
	ClaimTTL time.Duration
	Logger   zerolog.Logger
}

// NewWorker creates a Worker.
func NewWorker(opts WorkerOpts) (*Worker, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue: worker: queue is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("queue: worker: handler is required")
	}
	if len(opts.Queues) == 0 {
		return nil, fmt.Errorf("queue: worker: at least one queue is required")
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultPollInterval
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	return &Worker{
		queue:    opts.Queue,
		db:       opts.Queue.db,
		handler:  opts.Handler,
		queues:   opts.Queues,
		poll:     opts.Poll,
		claimTTL: opts.ClaimTTL,
		logger:   opts.Logger,
	}, nil
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		w.Drain(ctx)
		w.releaseExpired()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.poll):
		}
	}
}

// Drain processes ready tasks until none are left. Exposed for tests and
// the CLI's run-to-completion mode.
func (w *Worker) Drain(ctx context.Context) {
	for {
		task, ok := w.claimNext()
		if !ok {
			return
		}
		w.process(ctx, task)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// claimNext finds the oldest ready task and claims it with a guarded
// update. Losing the race to another worker just moves on to the next
// candidate.
func (w *Worker) claimNext() (*models.QueueTask, bool) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var task models.QueueTask
		res := w.db.
			Where("queue IN ? AND status = ? AND not_before <= ?", w.queues, models.TaskStatusPending, time.Now()).
			Order("created_at ASC, id ASC").
			Limit(1).
			Find(&task)
		if res.Error != nil {
			w.logger.Error().Err(res.Error).Msg("claim query failed")
			return nil, false
		}
		if res.RowsAffected == 0 {
			return nil, false
		}

		now := time.Now()
		upd := w.db.Model(&models.QueueTask{}).
			Where("id = ? AND status = ?", task.ID, models.TaskStatusPending).
			Updates(map[string]interface{}{
				"status":     models.TaskStatusClaimed,
				"claimed_at": now,
			})
		if upd.Error != nil {
			w.logger.Error().Err(upd.Error).Msg("claim update failed")
			return nil, false
		}
		if upd.RowsAffected == 1 {
			task.Status = models.TaskStatusClaimed
			task.ClaimedAt = &now
			return &task, true
		}
		// lost the race; retry with the next candidate
	}
	return nil, false
}

// process runs the handler for one claimed task and settles the row.
func (w *Worker) process(ctx context.Context, task *models.QueueTask) {
	var cmd Command
	if err := json.Unmarshal([]byte(task.Payload), &cmd); err != nil {
		w.logger.Error().Err(err).Str("task", task.TaskID).Msg("malformed payload, dead-lettering")
		w.settle(task, models.TaskStatusDead, nil)
		return
	}

	d := Delivery{
		Queue:      task.Queue,
		TaskID:     task.TaskID,
		RetryCount: task.RetryCount,
		Command:    cmd,
	}
	err := w.handler(ctx, d)
	if err == nil {
		w.settle(task, models.TaskStatusDone, nil)
		return
	}

	max := w.queue.MaxRetries(task.Queue)
	if max >= 0 && task.RetryCount+1 >= max {
		w.logger.Error().Err(err).
			Str("task", task.TaskID).
			Int("retries", task.RetryCount).
			Msg("retries exhausted, dead-lettering")
		w.settle(task, models.TaskStatusDead, nil)
		return
	}

	delay := backoff(task.RetryCount)
	notBefore := time.Now().Add(delay)
	w.logger.Warn().Err(err).
		Str("task", task.TaskID).
		Dur("backoff", delay).
		Msg("handler failed, requeueing")
	w.settle(task, models.TaskStatusPending, map[string]interface{}{
		"retry_count": task.RetryCount + 1,
		"not_before":  notBefore,
		"claimed_at":  nil,
	})
}

// settle writes the task's final status plus any extra fields.
func (w *Worker) settle(task *models.QueueTask, status string, extra map[string]interface{}) {
	fields := map[string]interface{}{"status": status}
	for k, v := range extra {
		fields[k] = v
	}
	if err := w.db.Model(&models.QueueTask{}).Where("id = ?", task.ID).Updates(fields).Error; err != nil {
		w.logger.Error().Err(err).Str("task", task.TaskID).Msg("settle failed")
	}
}

// releaseExpired returns tasks whose claim outlived the TTL to pending.
// This is the crash-recovery path that makes delivery at-least-once.
func (w *Worker) releaseExpired() {
	cutoff := time.Now().Add(-w.claimTTL)
	res := w.db.Model(&models.QueueTask{}).
		Where("queue IN ? AND status = ? AND claimed_at < ?", w.queues, models.TaskStatusClaimed, cutoff).
		Updates(map[string]interface{}{
			"status":     models.TaskStatusPending,
			"claimed_at": nil,
		})
	if res.Error != nil {
		w.logger.Error().Err(res.Error).Msg("release expired claims failed")
		return
	}
	if res.RowsAffected > 0 {
		w.logger.Warn().Int64("count", res.RowsAffected).Msg("released expired claims")
	}
}

// backoff returns the delay before the next redelivery.
func backoff(retry int) time.Duration {
	d := backoffBase
	for i := 0; i < retry && d < backoffMax; i++ {
		d *= 2
	}
	if d > backoffMax {
		d = backoffMax
	}
	return d
}
