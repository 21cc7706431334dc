// Package scheduler maps chat lifecycle intents to the queued command a
// chat's engine executes, and routes each engine tag to its queue.
package scheduler

import (
	"context"
	"sync"

	"github.com/zulandar/switchboard/internal/assistant"
	"github.com/zulandar/switchboard/internal/fault"
	"github.com/zulandar/switchboard/internal/queue"
)

// CommandScheduler turns one lifecycle intent into a scheduled command for
// a given chat round.
type CommandScheduler interface {
	// Create schedules the first turn of a fresh chat: thread creation
	// plus the initial messages.
	Create(ctx context.Context, common queue.CommonData, messages []string) error
	// Post schedules a user-input turn on an existing thread.
	Post(ctx context.Context, common queue.CommonData, messages []string) error
	// Close schedules the closing round, optionally running a farewell
	// turn before the thread is torn down.
	Close(ctx context.Context, common queue.CommonData, farewell []string) error
}

// Registry routes engine tags to their command schedulers.
type Registry struct {
	mu    sync.RWMutex
	byTag map[string]CommandScheduler
}

func NewRegistry() *Registry {
	return &Registry{byTag: make(map[string]CommandScheduler)}
}

func (r *Registry) Register(tag string, cs CommandScheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTag[tag] = cs
}

// For returns the scheduler for an engine tag. An unknown tag is a
// permanent fault: no amount of retrying conjures a backend.
func (r *Registry) For(tag string) (CommandScheduler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.byTag[tag]
	if !ok {
		return nil, fault.Newf(fault.Unimplemented, "scheduler: no engine registered for tag %q", tag)
	}
	return cs, nil
}

// AssistantScheduler schedules assistant-backed turns on one queue.
type AssistantScheduler struct {
	queueName string
	scheduler queue.Scheduler
}

func NewAssistantScheduler(queueName string, s queue.Scheduler) *AssistantScheduler {
	return &AssistantScheduler{queueName: queueName, scheduler: s}
}

func (a *AssistantScheduler) Create(ctx context.Context, common queue.CommonData, messages []string) error {
	return a.scheduler.Schedule(ctx, a.queueName, queue.Command{
		Common: common,
		Actions: []queue.Action{
			{Kind: assistant.ActionCreateThread},
			{Kind: assistant.ActionPostMessages, Messages: messages},
			{Kind: assistant.ActionRunAssistant},
			{Kind: assistant.ActionRetrieveReplies},
		},
	})
}

func (a *AssistantScheduler) Post(ctx context.Context, common queue.CommonData, messages []string) error {
	return a.scheduler.Schedule(ctx, a.queueName, queue.Command{
		Common: common,
		Actions: []queue.Action{
			{Kind: assistant.ActionPostMessages, Messages: messages},
			{Kind: assistant.ActionRunAssistant},
			{Kind: assistant.ActionRetrieveReplies},
		},
	})
}

func (a *AssistantScheduler) Close(ctx context.Context, common queue.CommonData, farewell []string) error {
	var actions []queue.Action
	if len(farewell) > 0 {
		actions = []queue.Action{
			{Kind: assistant.ActionPostMessages, Messages: farewell},
			{Kind: assistant.ActionRunAssistant},
			{Kind: assistant.ActionRetrieveReplies},
		}
	}
	actions = append(actions, queue.Action{Kind: assistant.ActionCloseThread})
	return a.scheduler.Schedule(ctx, a.queueName, queue.Command{Common: common, Actions: actions})
}
