package tools

import (
	"context"
	"fmt"
)

// callState is the persisted shape of one call inside a batch: resolved
// calls carry a Response, unresolved ones carry nil.
type callState struct {
	call     Call
	response *Response
}

// batchOutcome is what one pass over a batch produced.
type batchOutcome struct {
	states []callState
	// suspendedAt is the index the run paused on, or -1 when the batch
	// resolved fully.
	suspendedAt int
	// data is the accumulator after the last executed call.
	data string
	// handOver is a pending hand-over a tool recorded, nil if none.
	handOver *HandOverAction
}

func (b batchOutcome) resolved() bool { return b.suspendedAt < 0 }

// responses collects the resolved responses in call order. Only valid on a
// resolved batch.
func (b batchOutcome) responses() []Response {
	out := make([]Response, 0, len(b.states))
	for _, s := range b.states {
		if s.response != nil {
			out = append(out, *s.response)
		}
	}
	return out
}

// runBatch executes the calls in strict index order. Already-resolved calls
// are skipped but still feed the failure chain and data accumulator. Once
// any call fails, every later call is resolved as failed without running.
// A suspended tool stops the loop at its index.
func runBatch(ctx context.Context, table map[string]Func, states []callState, data string, resume ResumeCommandFactory, chat ChatContext) batchOutcome {
	out := batchOutcome{states: states, suspendedAt: -1, data: data}
	failed := false

	record := func(a HandOverAction) {
		a2 := a
		out.handOver = &a2
	}

	for i := range out.states {
		s := &out.states[i]
		if s.response != nil {
			if s.response.Result.Error != "" {
				failed = true
			} else if s.response.Result.Data != "" {
				out.data = s.response.Result.Data
			}
			continue
		}
		if failed {
			s.response = &Response{
				ToolCallID: s.call.ToolCallID,
				Result:     Result{Error: fmt.Sprintf("tool call %s not processed: an earlier call in the batch failed", s.call.ToolCallID)},
			}
			continue
		}
		fn, ok := table[s.call.ToolName]
		if !ok {
			s.response = &Response{
				ToolCallID: s.call.ToolCallID,
				Result:     Result{Error: fmt.Sprintf("unknown tool %q", s.call.ToolName)},
			}
			failed = true
			continue
		}
		cont, err := fn(ctx, out.data, s.call.Args, resume, chat, record)
		if err != nil {
			s.response = &Response{
				ToolCallID: s.call.ToolCallID,
				Result:     Result{Error: err.Error()},
			}
			failed = true
			continue
		}
		res, ok := cont.Value()
		if !ok {
			out.suspendedAt = i
			return out
		}
		s.response = &Response{ToolCallID: s.call.ToolCallID, Result: res}
		if res.Error != "" {
			failed = true
		} else if res.Data != "" {
			out.data = res.Data
		}
	}
	return out
}
