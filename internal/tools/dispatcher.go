package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/fault"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/queue"
)

// Batch is the outcome of dispatching or resuming a batch of tool calls.
type Batch struct {
	// ContinuationID is empty when the batch resolved on the first pass
	// and nothing was persisted.
	ContinuationID string
	Resolved       bool
	Responses      []Response
	// Data is the accumulator after the last resolved call.
	Data string
	// HandOver is a pending hand-over recorded by a tool, nil if none.
	HandOver *HandOverAction
}

// Dispatcher runs tool batches against a Registry and checkpoints suspended
// ones so a later process can resume them.
type Dispatcher struct {
	db       *gorm.DB
	registry *Registry
	logger   zerolog.Logger
}

// Opts configures a Dispatcher.
type Opts struct {
	DB       *gorm.DB
	Registry *Registry
	Logger   zerolog.Logger
}

func New(opts Opts) *Dispatcher {
	return &Dispatcher{
		db:       opts.DB,
		registry: opts.Registry,
		logger:   opts.Logger.With().Str("component", "tools").Logger(),
	}
}

// Dispatch runs a fresh batch of calls. When every call resolves on this
// first pass nothing is written; the caller submits the responses and moves
// on. When a call suspends, the whole batch state is persisted atomically
// under a new continuation id so Resume can pick it up after restart.
func (d *Dispatcher) Dispatch(ctx context.Context, dispatcherID string, chat ChatContext, data string, calls []Call, build ResumeBuilder) (Batch, error) {
	table, ok := d.registry.table(dispatcherID)
	if !ok {
		return Batch{}, fault.Newf(fault.Unimplemented, "tools: no dispatcher registered for %q", dispatcherID)
	}

	id := models.NewID()
	resume := func() queue.Command { return build(id) }
	states := make([]callState, len(calls))
	for i, c := range calls {
		states[i] = callState{call: c}
	}
	out := runBatch(ctx, table, states, data, resume, chat)
	if out.resolved() {
		return Batch{Resolved: true, Responses: out.responses(), Data: out.data, HandOver: out.handOver}, nil
	}

	if err := d.persist(id, dispatcherID, chat.ChatID, out); err != nil {
		return Batch{}, fmt.Errorf("tools: persisting suspended batch: %w", err)
	}
	d.logger.Info().Str("chatId", chat.ChatID).Str("continuationId", id).
		Int("suspendedAt", out.suspendedAt).Msg("tool batch suspended")
	return Batch{ContinuationID: id, Resolved: false, Data: out.data, HandOver: out.handOver}, nil
}

// Resume re-runs a persisted batch from the first unresolved call. Resuming
// an already-resolved continuation returns the stored responses without
// running anything, so redelivered resume commands are harmless. The batch
// state is written back whether the run resolves or suspends again.
func (d *Dispatcher) Resume(ctx context.Context, continuationID string, chat ChatContext, build ResumeBuilder) (Batch, error) {
	resume := func() queue.Command { return build(continuationID) }
	var rec models.ContinuationRecord
	err := d.db.Preload("Calls", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("call_index ASC")
	}).First(&rec, "id = ?", continuationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Batch{}, fault.Newf(fault.FailedPrecondition, "tools: continuation %s not found", continuationID)
	}
	if err != nil {
		return Batch{}, fmt.Errorf("tools: loading continuation %s: %w", continuationID, err)
	}

	if rec.State == models.ContinuationResolved {
		batch, err := recordToBatch(rec)
		if err != nil {
			return Batch{}, err
		}
		return batch, nil
	}

	table, ok := d.registry.table(rec.DispatcherID)
	if !ok {
		return Batch{}, fault.Newf(fault.Unimplemented, "tools: no dispatcher registered for %q", rec.DispatcherID)
	}

	states := make([]callState, len(rec.Calls))
	for i, c := range rec.Calls {
		states[i] = callState{call: Call{ToolCallID: c.ToolCallID, ToolName: c.ToolName, Args: c.Args}}
		if c.Response != nil {
			var resp Response
			if err := json.Unmarshal([]byte(*c.Response), &resp); err != nil {
				return Batch{}, fmt.Errorf("tools: decoding stored response for call %d of %s: %w", c.CallIndex, continuationID, err)
			}
			states[i].response = &resp
		}
	}

	out := runBatch(ctx, table, states, rec.Data, resume, chat)
	if out.handOver == nil && rec.HandOverAction != "" {
		var ho HandOverAction
		if err := json.Unmarshal([]byte(rec.HandOverAction), &ho); err != nil {
			return Batch{}, fmt.Errorf("tools: decoding stored hand-over for %s: %w", continuationID, err)
		}
		out.handOver = &ho
	}
	if err := d.update(continuationID, out); err != nil {
		return Batch{}, fmt.Errorf("tools: updating continuation %s: %w", continuationID, err)
	}
	if out.resolved() {
		return Batch{ContinuationID: continuationID, Resolved: true, Responses: out.responses(), Data: out.data, HandOver: out.handOver}, nil
	}
	d.logger.Info().Str("chatId", chat.ChatID).Str("continuationId", continuationID).
		Int("suspendedAt", out.suspendedAt).Msg("tool batch suspended again")
	return Batch{ContinuationID: continuationID, Resolved: false, Data: out.data, HandOver: out.handOver}, nil
}

// persist writes a fresh suspended batch under id.
func (d *Dispatcher) persist(id, dispatcherID, chatID string, out batchOutcome) error {
	rec := models.ContinuationRecord{
		ID:           id,
		ChatID:       chatID,
		DispatcherID: dispatcherID,
		State:        models.ContinuationSuspended,
		Data:         out.data,
	}
	if out.handOver != nil {
		raw, err := json.Marshal(out.handOver)
		if err != nil {
			return err
		}
		rec.HandOverAction = string(raw)
	}
	calls, err := callRecords(id, out.states)
	if err != nil {
		return err
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return tx.Create(&calls).Error
	})
}

// update writes the batch state back after a resume pass.
func (d *Dispatcher) update(id string, out batchOutcome) error {
	state := models.ContinuationSuspended
	if out.resolved() {
		state = models.ContinuationResolved
	}
	fields := map[string]any{"state": state, "data": out.data}
	if out.handOver != nil {
		raw, err := json.Marshal(out.handOver)
		if err != nil {
			return err
		}
		fields["hand_over_action"] = string(raw)
	}
	calls, err := callRecords(id, out.states)
	if err != nil {
		return err
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ContinuationRecord{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return err
		}
		for i := range calls {
			if calls[i].Response == nil {
				continue
			}
			err := tx.Model(&models.ToolCallRecord{}).
				Where("continuation_id = ? AND call_index = ?", id, calls[i].CallIndex).
				Update("response", calls[i].Response).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func callRecords(continuationID string, states []callState) ([]models.ToolCallRecord, error) {
	out := make([]models.ToolCallRecord, len(states))
	for i, s := range states {
		out[i] = models.ToolCallRecord{
			ContinuationID: continuationID,
			CallIndex:      i,
			ToolCallID:     s.call.ToolCallID,
			ToolName:       s.call.ToolName,
			Args:           s.call.Args,
		}
		if s.response != nil {
			raw, err := json.Marshal(s.response)
			if err != nil {
				return nil, err
			}
			enc := string(raw)
			out[i].Response = &enc
		}
	}
	return out, nil
}

func recordToBatch(rec models.ContinuationRecord) (Batch, error) {
	batch := Batch{ContinuationID: rec.ID, Resolved: true, Data: rec.Data}
	for _, c := range rec.Calls {
		if c.Response == nil {
			return Batch{}, fault.Newf(fault.Internal, "tools: resolved continuation %s has unresolved call %d", rec.ID, c.CallIndex)
		}
		var resp Response
		if err := json.Unmarshal([]byte(*c.Response), &resp); err != nil {
			return Batch{}, fmt.Errorf("tools: decoding stored response for call %d of %s: %w", c.CallIndex, rec.ID, err)
		}
		batch.Responses = append(batch.Responses, resp)
	}
	if rec.HandOverAction != "" {
		var ho HandOverAction
		if err := json.Unmarshal([]byte(rec.HandOverAction), &ho); err != nil {
			return Batch{}, fmt.Errorf("tools: decoding stored hand-over for %s: %w", rec.ID, err)
		}
		batch.HandOver = &ho
	}
	return batch, nil
}
