package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/switchboard/internal/fault"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/queue"
)

// mockScheduler records scheduled commands and serves retry limits.
type mockScheduler struct {
	mu        sync.Mutex
	scheduled []queue.Command
	max       int
}

func (m *mockScheduler) Schedule(ctx context.Context, queueName string, cmd queue.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, cmd)
	return nil
}

func (m *mockScheduler) MaxRetries(queueName string) int { return m.max }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = gdb.AutoMigrate(&models.ChatState{}, &models.Dispatch{}, &models.Run{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func seedChat(t *testing.T, gdb *gorm.DB, dispatchID string) *models.ChatState {
	t.Helper()
	chat := &models.ChatState{
		ID:               models.NewID(),
		OwnerID:          "alice",
		AssistantConfig:  `{"engine":"echo"}`,
		Status:           models.ChatStatusProcessing,
		LatestDispatchID: dispatchID,
		SessionID:        "sess-1",
	}
	if err := gdb.Create(chat).Error; err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	if err := gdb.Create(&models.Dispatch{ID: dispatchID, ChatID: chat.ID}).Error; err != nil {
		t.Fatalf("seed dispatch: %v", err)
	}
	return chat
}

func delivery(chat *models.ChatState, dispatchID, taskID string, retry int, actions ...queue.Action) queue.Delivery {
	return queue.Delivery{
		Queue:      "chat-echo",
		TaskID:     taskID,
		RetryCount: retry,
		Command: queue.Command{
			Common:  queue.CommonData{OwnerID: chat.OwnerID, ChatID: chat.ID, DispatchID: dispatchID},
			Actions: actions,
		},
	}
}

func newDispatcher(t *testing.T, gdb *gorm.DB, sched *mockScheduler, onComplete CompletionFunc) *Dispatcher {
	t.Helper()
	d, err := New(Opts{DB: gdb, Scheduler: sched, OnComplete: onComplete, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func loadRun(t *testing.T, gdb *gorm.DB, dispatchID, taskID string) *models.Run {
	t.Helper()
	var run models.Run
	res := gdb.Limit(1).Find(&run, "dispatch_id = ? AND task_id = ?", dispatchID, taskID)
	if res.Error != nil {
		t.Fatalf("load run: %v", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return &run
}

func TestDispatch_UnknownKindNotRecognized(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	recognized, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 0, queue.Action{Kind: "mystery"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recognized {
		t.Error("unregistered action kind should not be recognized")
	}
	if run := loadRun(t, gdb, "d1", "t1"); run != nil {
		t.Error("no Run receipt should be written for an unrecognized command")
	}
}

func TestDispatch_StaleRoundIsNoOp(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d2") // current round is d2

	called := false
	d.Register("step", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		called = true
		return nil
	})

	recognized, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 0, queue.Action{Kind: "step"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !recognized {
		t.Error("stale round is still a recognized command")
	}
	if called {
		t.Error("handler must not run for a superseded round")
	}
	if run := loadRun(t, gdb, "d1", "t1"); run != nil {
		t.Error("no Run receipt should be written for a stale round")
	}
}

func TestDispatch_MissingChatIsNoOp(t *testing.T) {
	gdb := openTestDB(t)
	d := newDispatcher(t, gdb, &mockScheduler{max: 5}, nil)

	called := false
	d.Register("step", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		called = true
		return nil
	})

	ghost := &models.ChatState{ID: "missing", OwnerID: "alice"}
	recognized, err := d.Dispatch(context.Background(), delivery(ghost, "d1", "t1", 0, queue.Action{Kind: "step"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !recognized || called {
		t.Errorf("recognized=%v called=%v, want true/false", recognized, called)
	}
}

func TestDispatch_DuplicateDeliveryIsNoOp(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	calls := 0
	d.Register("step", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		calls++
		return nil
	})

	del := delivery(chat, "d1", "t1", 0, queue.Action{Kind: "step"})
	if _, err := d.Dispatch(context.Background(), del); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), del); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1 (duplicate delivery must no-op)", calls)
	}
	run := loadRun(t, gdb, "d1", "t1")
	if run == nil || run.Status != models.RunStatusComplete {
		t.Errorf("run = %+v, want complete receipt", run)
	}
}

func TestDispatch_ConcurrentRunningIsNoOp(t *testing.T) {
	gdb := openTestDB(t)
	d := newDispatcher(t, gdb, &mockScheduler{max: 5}, nil)
	chat := seedChat(t, gdb, "d1")

	// Another delivery of the same task is mid-flight.
	if err := gdb.Create(&models.Run{DispatchID: "d1", TaskID: "t1", Status: models.RunStatusRunning}).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}

	called := false
	d.Register("step", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		called = true
		return nil
	})
	recognized, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 0, queue.Action{Kind: "step"}))
	if err != nil || !recognized {
		t.Fatalf("recognized=%v err=%v", recognized, err)
	}
	if called {
		t.Error("handler must not run while another delivery holds the Run")
	}
}

func TestDispatch_SchedulesContinuationForRemainingActions(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	d.Register("first", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		return nil
	})

	del := delivery(chat, "d1", "t1", 0, queue.Action{Kind: "first"}, queue.Action{Kind: "second"})
	if _, err := d.Dispatch(context.Background(), del); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(sched.scheduled) != 1 {
		t.Fatalf("scheduled = %d commands, want 1", len(sched.scheduled))
	}
	next := sched.scheduled[0]
	if len(next.Actions) != 1 || next.Actions[0].Kind != "second" {
		t.Errorf("continuation actions = %+v, want [second]", next.Actions)
	}
	if next.Common.DispatchID != "d1" {
		t.Errorf("continuation dispatch = %q, want d1 (same round)", next.Common.DispatchID)
	}
}

func TestDispatch_CompletionCallbackErrorsSwallowed(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	completed := 0
	d := newDispatcher(t, gdb, sched, func(ctx context.Context, chat *models.ChatState) error {
		completed++
		return errors.New("notifier down")
	})
	chat := seedChat(t, gdb, "d1")

	d.Register("only", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		return nil
	})
	_, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 0, queue.Action{Kind: "only"}))
	if err != nil {
		t.Fatalf("completion callback error must be swallowed, got %v", err)
	}
	if completed != 1 {
		t.Errorf("completion calls = %d, want 1", completed)
	}
	if len(sched.scheduled) != 0 {
		t.Errorf("scheduled = %d commands, want 0 after final action", len(sched.scheduled))
	}
}

func TestDispatch_PermanentErrorFailsChat(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	d.Register("boom", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		return fault.AsPermanent(errors.New("malformed tool args"))
	})
	recognized, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 0, queue.Action{Kind: "boom"}))
	if err != nil {
		t.Fatalf("permanent failure must not propagate, got %v", err)
	}
	if !recognized {
		t.Error("command should be recognized")
	}

	var got models.ChatState
	if err := gdb.First(&got, "id = ?", chat.ID).Error; err != nil {
		t.Fatalf("load chat: %v", err)
	}
	if got.Status != models.ChatStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "malformed tool args") {
		t.Errorf("lastError = %q, want cause recorded", got.LastError)
	}
	run := loadRun(t, gdb, "d1", "t1")
	if run == nil || run.Status != models.RunStatusComplete {
		t.Errorf("run = %+v, want complete", run)
	}
}

func TestDispatch_TransientErrorWaitsForRetry(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	d.Register("flaky", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		return errors.New("upstream timeout")
	})
	_, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 0, queue.Action{Kind: "flaky"}))
	if err == nil {
		t.Fatal("transient failure must propagate for queue redelivery")
	}

	run := loadRun(t, gdb, "d1", "t1")
	if run == nil || run.Status != models.RunStatusWaitingForRetry {
		t.Errorf("run = %+v, want waitingForRetry", run)
	}
	var got models.ChatState
	if err := gdb.First(&got, "id = ?", chat.ID).Error; err != nil {
		t.Fatalf("load chat: %v", err)
	}
	if got.Status != models.ChatStatusProcessing {
		t.Errorf("status = %q, want processing (not failed yet)", got.Status)
	}
}

func TestDispatch_RetryAfterWaitingForRetryRuns(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	calls := 0
	d.Register("flaky", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		calls++
		if calls == 1 {
			return errors.New("upstream timeout")
		}
		return nil
	})

	if _, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 0, queue.Action{Kind: "flaky"})); err == nil {
		t.Fatal("first attempt should fail transiently")
	}
	if _, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 1, queue.Action{Kind: "flaky"})); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
	run := loadRun(t, gdb, "d1", "t1")
	if run == nil || run.Status != models.RunStatusComplete {
		t.Errorf("run = %+v, want complete after retry", run)
	}
	if run != nil && run.RunAttempt != 1 {
		t.Errorf("runAttempt = %d, want 1", run.RunAttempt)
	}
}

func TestDispatch_LastAttemptEscalatesToTerminal(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 3}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	d.Register("flaky", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		return errors.New("still broken")
	})

	// retry count 2 of max 3: this is the final allowed attempt
	_, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 2, queue.Action{Kind: "flaky"}))
	if err != nil {
		t.Fatalf("exhausted retries must not propagate, got %v", err)
	}
	var got models.ChatState
	if err := gdb.First(&got, "id = ?", chat.ID).Error; err != nil {
		t.Fatalf("load chat: %v", err)
	}
	if got.Status != models.ChatStatusFailed {
		t.Errorf("status = %q, want failed after exhausting retries", got.Status)
	}
}

func TestDispatch_UnlimitedRetriesNeverEscalate(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: -1}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	d.Register("flaky", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		return errors.New("still broken")
	})
	_, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 99, queue.Action{Kind: "flaky"}))
	if err == nil {
		t.Fatal("unlimited queue should keep propagating for retry")
	}
	run := loadRun(t, gdb, "d1", "t1")
	if run == nil || run.Status != models.RunStatusWaitingForRetry {
		t.Errorf("run = %+v, want waitingForRetry", run)
	}
}

func TestDispatch_PreconditionErrorIsTerminal(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	d.Register("step", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		return fault.New(fault.FailedPrecondition, "continuation missing")
	})
	_, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 0, queue.Action{Kind: "step"}))
	if err != nil {
		t.Fatalf("precondition failure must not be retried, got %v", err)
	}
	var got models.ChatState
	if err := gdb.First(&got, "id = ?", chat.ID).Error; err != nil {
		t.Fatalf("load chat: %v", err)
	}
	if got.Status != models.ChatStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestUpdateChatState_StaleRoundDropped(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	var applied bool
	var updateErr error
	d.Register("step", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		// a newer round takes over mid-handler
		if err := gdb.Model(&models.ChatState{}).Where("id = ?", chat.ID).
			Update("latest_dispatch_id", "d2").Error; err != nil {
			t.Fatalf("advance fence: %v", err)
		}
		data := `{"step":"done"}`
		applied, updateErr = ctl.UpdateChatState(ctx, StateUpdate{Data: &data})
		return nil
	})

	if _, err := d.Dispatch(context.Background(), delivery(chat, "d1", "t1", 0, queue.Action{Kind: "step"})); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if updateErr != nil {
		t.Fatalf("stale update must not error: %v", updateErr)
	}
	if applied {
		t.Error("stale update should report not applied")
	}
	var got models.ChatState
	if err := gdb.First(&got, "id = ?", chat.ID).Error; err != nil {
		t.Fatalf("load chat: %v", err)
	}
	if got.Data != "" {
		t.Errorf("data = %q, want unchanged", got.Data)
	}
}

func TestControl_SuspendSkipsContinuationAndCompletion(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	completed := 0
	d := newDispatcher(t, gdb, sched, func(ctx context.Context, chat *models.ChatState) error {
		completed++
		return nil
	})
	chat := seedChat(t, gdb, "d1")

	d.Register("pause", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		ctl.Suspend()
		return nil
	})
	del := delivery(chat, "d1", "t1", 0, queue.Action{Kind: "pause"}, queue.Action{Kind: "after"})
	if _, err := d.Dispatch(context.Background(), del); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(sched.scheduled) != 0 {
		t.Error("suspended round must not schedule remaining actions")
	}
	if completed != 0 {
		t.Error("suspended round must not run the completion callback")
	}
	run := loadRun(t, gdb, "d1", "t1")
	if run == nil || run.Status != models.RunStatusComplete {
		t.Errorf("run = %+v, want complete", run)
	}
}

func TestControl_ContinueQueueReplacesRemaining(t *testing.T) {
	gdb := openTestDB(t)
	sched := &mockScheduler{max: 5}
	d := newDispatcher(t, gdb, sched, nil)
	chat := seedChat(t, gdb, "d1")

	d.Register("redirect", func(ctx context.Context, chat *models.ChatState, a queue.Action, ctl *Control) error {
		ctl.ContinueQueue([]queue.Action{{Kind: "replacement"}})
		return nil
	})
	del := delivery(chat, "d1", "t1", 0, queue.Action{Kind: "redirect"}, queue.Action{Kind: "original"})
	if _, err := d.Dispatch(context.Background(), del); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sched.scheduled) != 1 {
		t.Fatalf("scheduled = %d, want 1", len(sched.scheduled))
	}
	if got := sched.scheduled[0].Actions[0].Kind; got != "replacement" {
		t.Errorf("next action = %q, want replacement", got)
	}
}
