package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/models"
)

// DBQueue is an at-least-once task queue persisted in the relational store.
// A crashed worker's claim expires and the task is redelivered with the
// same TaskID, which is what the engine's Run receipts absorb.
type DBQueue struct {
	db                *gorm.DB
	defaultMaxRetries int
	maxRetries        map[string]int
	logger            zerolog.Logger
}

// DBQueueOpts holds parameters for creating a DBQueue.
type DBQueueOpts struct {
	DB                *gorm.DB
	DefaultMaxRetries int
	MaxRetries        map[string]int // per-queue overrides; -1 means unlimited
	Logger            zerolog.Logger
}

// NewDBQueue creates a DBQueue.
func NewDBQueue(opts DBQueueOpts) (*DBQueue, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("queue: db is required")
	}
	if opts.DefaultMaxRetries == 0 {
		opts.DefaultMaxRetries = 10
	}
	return &DBQueue{
		db:                opts.DB,
		defaultMaxRetries: opts.DefaultMaxRetries,
		maxRetries:        opts.MaxRetries,
		logger:            opts.Logger,
	}, nil
}

// Schedule enqueues cmd on the named queue with a fresh task id.
func (q *DBQueue) Schedule(ctx context.Context, queueName string, cmd Command) error {
	if queueName == "" {
		return fmt.Errorf("queue: queue name is required")
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("queue: marshal command: %w", err)
	}
	task := models.QueueTask{
		Queue:     queueName,
		TaskID:    uuid.NewString(),
		Payload:   string(payload),
		Status:    models.TaskStatusPending,
		NotBefore: time.Now(),
	}
	if err := q.db.WithContext(ctx).Create(&task).Error; err != nil {
		return fmt.Errorf("queue: schedule on %s: %w", queueName, err)
	}
	q.logger.Debug().
		Str("queue", queueName).
		Str("task", task.TaskID).
		Str("chat", cmd.Common.ChatID).
		Str("dispatch", cmd.Common.DispatchID).
		Msg("scheduled command")
	return nil
}

// MaxRetries returns the retry limit for the named queue.
func (q *DBQueue) MaxRetries(queueName string) int {
	if v, ok := q.maxRetries[queueName]; ok {
		return v
	}
	return q.defaultMaxRetries
}
