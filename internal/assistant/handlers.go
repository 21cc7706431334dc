package assistant

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/fault"
	"github.com/zulandar/switchboard/internal/handover"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/tools"
)

// Action kinds the assistant handlers own. A turn is an ordered list of
// these, e.g. create [createThread postMessages runAssistant
// retrieveReplies], post [postMessages runAssistant retrieveReplies],
// close [closeThread].
const (
	ActionCreateThread       = "createThread"
	ActionPostMessages       = "postMessages"
	ActionRunAssistant       = "runAssistant"
	ActionRetrieveReplies    = "retrieveReplies"
	ActionResumeContinuation = "resumeContinuation"
	ActionCloseThread        = "closeThread"
)

// Handlers binds assistant backends and the tool dispatcher to the engine's
// action kinds.
type Handlers struct {
	db      *gorm.DB
	clients map[string]Client
	tools   *tools.Dispatcher
	logger  zerolog.Logger
}

// HandlersOpts holds parameters for NewHandlers.
type HandlersOpts struct {
	DB      *gorm.DB
	Clients map[string]Client
	Tools   *tools.Dispatcher
	Logger  zerolog.Logger
}

func NewHandlers(opts HandlersOpts) *Handlers {
	return &Handlers{
		db:      opts.DB,
		clients: opts.Clients,
		tools:   opts.Tools,
		logger:  opts.Logger.With().Str("component", "assistant").Logger(),
	}
}

// Register binds every assistant action kind on the dispatcher.
func (h *Handlers) Register(d *engine.Dispatcher) {
	d.Register(ActionCreateThread, h.handleCreateThread)
	d.Register(ActionPostMessages, h.handlePostMessages)
	d.Register(ActionRunAssistant, h.handleRunAssistant)
	d.Register(ActionRetrieveReplies, h.handleRetrieveReplies)
	d.Register(ActionResumeContinuation, h.handleResumeContinuation)
	d.Register(ActionCloseThread, h.handleCloseThread)
}

func (h *Handlers) clientFor(cfg Config) (Client, error) {
	c, ok := h.clients[cfg.Engine]
	if !ok {
		return nil, fault.Newf(fault.Unimplemented, "assistant: no client for engine %q", cfg.Engine)
	}
	return c, nil
}

func (h *Handlers) setup(chat *models.ChatState) (Config, Client, error) {
	cfg, err := ParseConfig(chat.AssistantConfig)
	if err != nil {
		return Config{}, nil, err
	}
	client, err := h.clientFor(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, client, nil
}

func chatContext(chat *models.ChatState, common queue.CommonData) tools.ChatContext {
	return tools.ChatContext{
		ChatID:    chat.ID,
		OwnerID:   chat.OwnerID,
		SessionID: chat.SessionID,
		Meta:      common.Meta,
	}
}

// resumeBuilder captures the rest of the current round so a resume command
// carries it: after the batch resolves the turn picks up exactly where it
// suspended.
func (h *Handlers) resumeBuilder(ctl *engine.Control) tools.ResumeBuilder {
	common := ctl.Common()
	rest := append([]queue.Action(nil), ctl.Remaining()...)
	return func(continuationID string) queue.Command {
		actions := append([]queue.Action{{Kind: ActionResumeContinuation, ContinuationID: continuationID}}, rest...)
		return queue.Command{Common: common, Actions: actions}
	}
}

func (h *Handlers) handleCreateThread(ctx context.Context, chat *models.ChatState, _ queue.Action, ctl *engine.Control) error {
	if chat.ThreadID != "" {
		return nil
	}
	_, client, err := h.setup(chat)
	if err != nil {
		return err
	}
	threadID, err := client.CreateThread(ctx)
	if err != nil {
		return fmt.Errorf("assistant: create thread: %w", err)
	}
	applied, err := ctl.UpdateChatState(ctx, engine.StateUpdate{ThreadID: &threadID})
	if err != nil {
		return err
	}
	if applied {
		chat.ThreadID = threadID
	}
	return nil
}

func (h *Handlers) handlePostMessages(ctx context.Context, chat *models.ChatState, action queue.Action, ctl *engine.Control) error {
	if len(action.Messages) == 0 {
		return nil
	}
	_, client, err := h.setup(chat)
	if err != nil {
		return err
	}
	if chat.ThreadID == "" {
		return fault.New(fault.FailedPrecondition, "assistant: chat has no thread")
	}
	if err := client.PostMessages(ctx, chat.ThreadID, action.Messages); err != nil {
		return fmt.Errorf("assistant: post messages: %w", err)
	}
	return nil
}

func (h *Handlers) handleRunAssistant(ctx context.Context, chat *models.ChatState, _ queue.Action, ctl *engine.Control) error {
	cfg, client, err := h.setup(chat)
	if err != nil {
		return err
	}
	if chat.ThreadID == "" {
		return fault.New(fault.FailedPrecondition, "assistant: chat has no thread")
	}
	out, err := client.Run(ctx, chat.ThreadID, cfg.Payload, chat.Data)
	if err != nil {
		return fmt.Errorf("assistant: run: %w", err)
	}
	return h.drive(ctx, chat, ctl, cfg, client, out)
}

func (h *Handlers) handleResumeContinuation(ctx context.Context, chat *models.ChatState, action queue.Action, ctl *engine.Control) error {
	cfg, client, err := h.setup(chat)
	if err != nil {
		return err
	}
	batch, err := h.tools.Resume(ctx, action.ContinuationID, chatContext(chat, ctl.Common()), h.resumeBuilder(ctl))
	if err != nil {
		return err
	}
	return h.afterBatch(ctx, chat, ctl, cfg, client, batch)
}

// drive loops run output through tool batches until the backend stops
// asking for tools, a batch suspends, or a tool hands the chat over.
func (h *Handlers) drive(ctx context.Context, chat *models.ChatState, ctl *engine.Control, cfg Config, client Client, out RunOutput) error {
	for {
		if err := h.applyData(ctx, chat, ctl, out.Data); err != nil {
			return err
		}
		if len(out.ToolCalls) == 0 {
			return nil
		}
		batch, err := h.tools.Dispatch(ctx, cfg.Engine, chatContext(chat, ctl.Common()), chat.Data, out.ToolCalls, h.resumeBuilder(ctl))
		if err != nil {
			return err
		}
		next, done, err := h.settleBatch(ctx, chat, ctl, client, batch)
		if err != nil || done {
			return err
		}
		out = next
	}
}

// afterBatch finishes a resumed batch and then re-enters the drive loop if
// the backend asks for more tools.
func (h *Handlers) afterBatch(ctx context.Context, chat *models.ChatState, ctl *engine.Control, cfg Config, client Client, batch tools.Batch) error {
	next, done, err := h.settleBatch(ctx, chat, ctl, client, batch)
	if err != nil || done {
		return err
	}
	return h.drive(ctx, chat, ctl, cfg, client, next)
}

// settleBatch handles the three ways a batch ends a drive iteration:
// suspension, a pending hand-over, or tool outputs to submit. done reports
// that the round's current step is finished.
func (h *Handlers) settleBatch(ctx context.Context, chat *models.ChatState, ctl *engine.Control, client Client, batch tools.Batch) (RunOutput, bool, error) {
	if !batch.Resolved {
		ctl.Suspend()
		return RunOutput{}, true, nil
	}
	if err := h.applyData(ctx, chat, ctl, batch.Data); err != nil {
		return RunOutput{}, true, err
	}
	if batch.HandOver != nil {
		return RunOutput{}, true, h.applyHandOver(ctx, chat, ctl, *batch.HandOver)
	}
	out, err := client.SubmitToolOutputs(ctx, chat.ThreadID, batch.Responses)
	if err != nil {
		return RunOutput{}, true, fmt.Errorf("assistant: submit tool outputs: %w", err)
	}
	return out, false, nil
}

func (h *Handlers) applyData(ctx context.Context, chat *models.ChatState, ctl *engine.Control, data string) error {
	if data == "" || data == chat.Data {
		return nil
	}
	applied, err := ctl.UpdateChatState(ctx, engine.StateUpdate{Data: &data})
	if err != nil {
		return err
	}
	if applied {
		chat.Data = data
	}
	return nil
}

// applyHandOver executes a hand-over a tool recorded during the batch. The
// context switch happens in one fenced transaction, and the rest of the
// round is replaced with the new context's turn.
func (h *Handlers) applyHandOver(ctx context.Context, chat *models.ChatState, ctl *engine.Control, ho tools.HandOverAction) error {
	common := ctl.Common()
	applied := false
	var former *handover.Former
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.ChatState
		res := tx.Limit(1).Find(&cur, "id = ?", chat.ID)
		if res.Error != nil {
			return fmt.Errorf("assistant: load chat for hand-over: %w", res.Error)
		}
		if res.RowsAffected == 0 || cur.LatestDispatchID != common.DispatchID {
			return nil
		}
		var err error
		switch ho.Kind {
		case tools.HandOverKindOver:
			// the replaced thread stays on the stack for the eventual
			// hand-back, so there is nothing to release here
			if err = handover.HandOver(tx, &cur, handover.Opts{NewConfig: ho.Config, Meta: ho.Meta}); err != nil {
				return err
			}
		case tools.HandOverKindBack:
			if former, err = handover.HandBack(tx, &cur, len(ho.Messages) > 0); err != nil {
				return err
			}
		default:
			return fault.AsPermanent(fault.Newf(fault.Internal, "assistant: unknown hand-over kind %q", ho.Kind))
		}
		*chat = cur
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		h.logger.Debug().Str("chat", chat.ID).Msg("hand-over from stale round dropped")
		ctl.ContinueQueue(nil)
		return nil
	}
	if former != nil {
		h.releaseFormerThread(ctx, chat.ID, former)
	}

	switch ho.Kind {
	case tools.HandOverKindOver:
		ctl.ContinueQueue([]queue.Action{
			{Kind: ActionCreateThread},
			{Kind: ActionPostMessages, Messages: ho.Messages},
			{Kind: ActionRunAssistant},
			{Kind: ActionRetrieveReplies},
		})
	case tools.HandOverKindBack:
		if len(ho.Messages) > 0 {
			ctl.ContinueQueue([]queue.Action{
				{Kind: ActionPostMessages, Messages: ho.Messages},
				{Kind: ActionRunAssistant},
				{Kind: ActionRetrieveReplies},
			})
		} else {
			// restored context waits for user input; nothing left to run
			ctl.ContinueQueue(nil)
		}
	}
	return nil
}

// releaseFormerThread deletes the thread abandoned by a hand-back. The
// restored context never references it again, so a failure here only
// leaks a thread on the engine side and is not worth failing the round.
func (h *Handlers) releaseFormerThread(ctx context.Context, chatID string, former *handover.Former) {
	if former.ThreadID == "" {
		return
	}
	cfg, err := ParseConfig(former.Config)
	if err != nil {
		h.logger.Warn().Err(err).Str("chat", chatID).Str("thread", former.ThreadID).
			Msg("cannot parse former config, leaving thread behind")
		return
	}
	client, err := h.clientFor(cfg)
	if err != nil {
		h.logger.Warn().Err(err).Str("chat", chatID).Str("thread", former.ThreadID).
			Msg("no client for former engine, leaving thread behind")
		return
	}
	if err := client.DeleteThread(ctx, former.ThreadID); err != nil && !fault.HasCode(err, fault.NotFound) {
		h.logger.Warn().Err(err).Str("chat", chatID).Str("thread", former.ThreadID).
			Msg("failed to delete thread released by hand-back")
	}
}

func (h *Handlers) handleRetrieveReplies(ctx context.Context, chat *models.ChatState, _ queue.Action, ctl *engine.Control) error {
	_, client, err := h.setup(chat)
	if err != nil {
		return err
	}
	if chat.ThreadID == "" {
		return fault.New(fault.FailedPrecondition, "assistant: chat has no thread")
	}
	replies, err := client.RetrieveMessages(ctx, chat.ThreadID)
	if err != nil {
		return fmt.Errorf("assistant: retrieve messages: %w", err)
	}

	common := ctl.Common()
	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.ChatState
		res := tx.Limit(1).Find(&cur, "id = ?", chat.ID)
		if res.Error != nil {
			return fmt.Errorf("assistant: load chat for replies: %w", res.Error)
		}
		if res.RowsAffected == 0 || cur.LatestDispatchID != common.DispatchID {
			return nil
		}
		for i, text := range replies {
			msg := models.ChatMessage{
				ChatID:           chat.ID,
				DispatchID:       common.DispatchID,
				Role:             models.RoleAssistant,
				Content:          text,
				InBatchSortIndex: i,
			}
			if err := tx.Create(&msg).Error; err != nil {
				return fmt.Errorf("assistant: store reply: %w", err)
			}
		}
		// a closing chat stays closing; only a normal turn returns the
		// chat to the user
		if cur.Status == models.ChatStatusProcessing {
			err := tx.Model(&models.ChatState{}).Where("id = ?", chat.ID).
				Update("status", models.ChatStatusUserInput).Error
			if err != nil {
				return fmt.Errorf("assistant: mark user input: %w", err)
			}
			chat.Status = models.ChatStatusUserInput
		}
		return nil
	})
}

func (h *Handlers) handleCloseThread(ctx context.Context, chat *models.ChatState, _ queue.Action, ctl *engine.Control) error {
	_, client, err := h.setup(chat)
	if err != nil {
		return err
	}
	if chat.ThreadID != "" {
		if err := client.DeleteThread(ctx, chat.ThreadID); err != nil && !fault.HasCode(err, fault.NotFound) {
			return fmt.Errorf("assistant: delete thread: %w", err)
		}
	}
	status := models.ChatStatusComplete
	empty := ""
	applied, err := ctl.UpdateChatState(ctx, engine.StateUpdate{Status: &status, ThreadID: &empty})
	if err != nil {
		return err
	}
	if applied {
		chat.Status = status
		chat.ThreadID = ""
	}
	return nil
}
