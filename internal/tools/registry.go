// Package tools runs batches of assistant-requested tool calls with strict
// index ordering, failure chaining, and suspend/resume checkpoints
// persisted through ContinuationRecord.
package tools

import (
	"context"
	"sync"

	"github.com/zulandar/switchboard/internal/continuation"
	"github.com/zulandar/switchboard/internal/queue"
)

// Result is the outcome of one tool invocation.
type Result struct {
	// Data, when non-empty, replaces the chat's domain data wholesale.
	Data string `json:"data,omitempty"`
	// Value is the payload handed back to the assistant.
	Value string `json:"value,omitempty"`
	// Error marks the call failed; later calls in the batch are chained
	// as failed.
	Error string `json:"error,omitempty"`
}

// Call is one tool invocation requested by the assistant.
type Call struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Args       string `json:"args"`
}

// Response pairs a call id with its result for hand-back to the assistant.
type Response struct {
	ToolCallID string `json:"toolCallId"`
	Result     Result `json:"result"`
}

// Hand-over action kinds.
const (
	HandOverKindOver = "handOver"
	HandOverKindBack = "handBack"
)

// HandOverAction is a hand-over or hand-back a tool requested as a side
// effect. It is recorded on the continuation and executed by the chat
// worker only after the batch resolves, never mid-batch.
type HandOverAction struct {
	Kind     string   `json:"kind"`
	Config   string   `json:"config,omitempty"`
	Messages []string `json:"messages,omitempty"`
	Meta     string   `json:"meta,omitempty"`
}

// ChatContext identifies the chat a batch runs for.
type ChatContext struct {
	ChatID    string
	OwnerID   string
	SessionID string
	Meta      map[string]string
}

// ResumeCommandFactory builds the command an external system schedules to
// resume a suspended batch, possibly days later in a different process. The
// continuation id is already bound in.
type ResumeCommandFactory func() queue.Command

// ResumeBuilder builds a resume command for a given continuation id. The
// Dispatcher binds the id before any tool runs, so suspending tools can
// hand the finished command to whoever will wake the chat.
type ResumeBuilder func(continuationID string) queue.Command

// Func executes one tool call. data is the running accumulator; a resolved
// Result with non-empty Data replaces it for subsequent calls. Returning a
// suspended continuation pauses the batch at this call. A returned error is
// folded into a failed Result; it never crashes the batch.
type Func func(ctx context.Context, data string, args string, resume ResumeCommandFactory, chat ChatContext, recordHandOver func(HandOverAction)) (continuation.Continuation[Result], error)

// Registry maps dispatcher ids to tool tables.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]map[string]Func)}
}

// Register binds a tool function under a dispatcher id.
func (r *Registry) Register(dispatcherID, toolName string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table, ok := r.tables[dispatcherID]
	if !ok {
		table = make(map[string]Func)
		r.tables[dispatcherID] = table
	}
	table[toolName] = fn
}

// table returns the tool table for a dispatcher id.
func (r *Registry) table(dispatcherID string) (map[string]Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.tables[dispatcherID]
	return table, ok
}
