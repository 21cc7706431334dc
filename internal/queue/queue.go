// Package queue defines the command shape delivered to workers and the
// scheduler contract the dispatch engine depends on, plus a gorm-backed
// at-least-once implementation.
package queue

import "context"

// CommonData identifies the chat and round a command belongs to. DispatchID
// is checked against the chat's fence before any step runs.
type CommonData struct {
	OwnerID    string            `json:"ownerId"`
	ChatID     string            `json:"chatId"`
	DispatchID string            `json:"dispatchId"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Action is one step in a command. Kind is the discriminant; the remaining
// fields are payload for the kinds that need them.
type Action struct {
	Kind           string   `json:"kind"`
	Messages       []string `json:"messages,omitempty"`
	ContinuationID string   `json:"continuationId,omitempty"`
}

// Command is an ordered action list bound to one dispatch round. Workers
// execute the first action and reschedule the remainder, so queue draining
// is a trampoline bounded by the list length.
type Command struct {
	Common  CommonData `json:"common"`
	Actions []Action   `json:"actions"`
}

// Delivery is one physical delivery of a command to a worker. TaskID is
// stable across redeliveries; RetryCount says how many came before.
type Delivery struct {
	Queue      string
	TaskID     string
	RetryCount int
	Command    Command
}

// Scheduler is the queue capability the engine and the lifecycle facade
// consume. Implementations deliver commands at least once, possibly out of
// order, with a per-delivery retry counter.
type Scheduler interface {
	// Schedule enqueues cmd on the named queue.
	Schedule(ctx context.Context, queueName string, cmd Command) error
	// MaxRetries returns the queue's configured retry limit; -1 means
	// unlimited.
	MaxRetries(queueName string) int
}
