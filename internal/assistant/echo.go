package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zulandar/switchboard/internal/fault"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/tools"
)

// EchoClient is the local development backend: every posted message comes
// back prefixed with "echo:". Threads live in process memory, so it is only
// useful for single-process runs and tests.
type EchoClient struct {
	mu      sync.Mutex
	threads map[string][]string
}

func NewEchoClient() *EchoClient {
	return &EchoClient{threads: make(map[string][]string)}
}

func (c *EchoClient) CreateThread(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := models.NewID()
	c.threads[id] = nil
	return id, nil
}

func (c *EchoClient) PostMessages(_ context.Context, threadID string, messages []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.threads[threadID]; !ok {
		return fault.Newf(fault.NotFound, "echo: thread %s not found", threadID)
	}
	c.threads[threadID] = append(c.threads[threadID], messages...)
	return nil
}

func (c *EchoClient) Run(_ context.Context, threadID string, _ json.RawMessage, _ string) (RunOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.threads[threadID]; !ok {
		return RunOutput{}, fault.Newf(fault.NotFound, "echo: thread %s not found", threadID)
	}
	return RunOutput{}, nil
}

func (c *EchoClient) SubmitToolOutputs(_ context.Context, threadID string, _ []tools.Response) (RunOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.threads[threadID]; !ok {
		return RunOutput{}, fault.Newf(fault.NotFound, "echo: thread %s not found", threadID)
	}
	return RunOutput{}, nil
}

func (c *EchoClient) RetrieveMessages(_ context.Context, threadID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.threads[threadID]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "echo: thread %s not found", threadID)
	}
	c.threads[threadID] = nil
	out := make([]string, len(pending))
	for i, m := range pending {
		out[i] = fmt.Sprintf("echo: %s", m)
	}
	return out, nil
}

func (c *EchoClient) DeleteThread(_ context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.threads[threadID]; !ok {
		return fault.Newf(fault.NotFound, "echo: thread %s not found", threadID)
	}
	delete(c.threads, threadID)
	return nil
}
