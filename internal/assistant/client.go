// Package assistant drives chat turns against an assistant backend: thread
// management, runs, tool batches, and reply retrieval, expressed as queue
// action handlers on the dispatch engine.
package assistant

import (
	"context"
	"encoding/json"

	"github.com/zulandar/switchboard/internal/fault"
	"github.com/zulandar/switchboard/internal/tools"
)

// Config is the decoded AssistantConfig stored on a chat. Engine selects
// the backend; Payload is passed through to it opaquely.
type Config struct {
	Engine  string          `json:"engine"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseConfig decodes a stored assistant config. A config that does not
// decode is a permanent fault: retrying will not fix the stored bytes.
func ParseConfig(raw string) (Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fault.AsPermanent(fault.Wrap(fault.Internal, err, "assistant: invalid config"))
	}
	if cfg.Engine == "" {
		return Config{}, fault.AsPermanent(fault.New(fault.Internal, "assistant: config missing engine"))
	}
	return cfg, nil
}

// RunOutput is the backend's answer to a run step: either more tool calls
// to execute, or nothing, meaning replies are ready for retrieval. Data,
// when non-empty, replaces the chat's domain data.
type RunOutput struct {
	Data      string
	ToolCalls []tools.Call
}

// Client is one assistant backend. Implementations are keyed by the engine
// tag in the chat's config.
type Client interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessages(ctx context.Context, threadID string, messages []string) error
	Run(ctx context.Context, threadID string, payload json.RawMessage, data string) (RunOutput, error)
	SubmitToolOutputs(ctx context.Context, threadID string, outputs []tools.Response) (RunOutput, error)
	RetrieveMessages(ctx context.Context, threadID string) ([]string, error)
	DeleteThread(ctx context.Context, threadID string) error
}
