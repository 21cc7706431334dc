package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/switchboard/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = gdb.AutoMigrate(
		&models.ChatState{}, &models.Dispatch{}, &models.Run{},
		&models.QueueTask{}, &models.ContinuationRecord{}, &models.ToolCallRecord{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func newJanitor(gdb *gorm.DB) *Janitor {
	return New(Opts{
		DB:            gdb,
		Schedule:      "@hourly",
		Retention:     time.Hour,
		WarnSuspended: time.Hour,
		Logger:        zerolog.Nop(),
	})
}

func aged(gdb *gorm.DB, model any, where string, args ...any) {
	gdb.Model(model).Where(where, args...).Update("updated_at", time.Now().Add(-2*time.Hour))
}

func TestSweep_PrunesOldRoundsKeepsFence(t *testing.T) {
	gdb := openTestDB(t)
	chat := models.ChatState{
		ID: models.NewID(), OwnerID: "alice", AssistantConfig: `{"engine":"echo"}`,
		Status: models.ChatStatusComplete, LatestDispatchID: "d2",
	}
	gdb.Create(&chat)
	aged(gdb, &models.ChatState{}, "id = ?", chat.ID)

	old := models.Dispatch{ID: "d1", ChatID: chat.ID}
	latest := models.Dispatch{ID: "d2", ChatID: chat.ID}
	gdb.Create(&old)
	gdb.Create(&latest)
	gdb.Model(&models.Dispatch{}).Where("id = ?", "d1").Update("created_at", time.Now().Add(-2*time.Hour))
	gdb.Create(&models.Run{DispatchID: "d1", TaskID: "t1", Status: models.RunStatusComplete})
	gdb.Create(&models.Run{DispatchID: "d2", TaskID: "t2", Status: models.RunStatusComplete})

	if err := newJanitor(gdb).Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var dispatches []models.Dispatch
	gdb.Find(&dispatches, "chat_id = ?", chat.ID)
	if len(dispatches) != 1 || dispatches[0].ID != "d2" {
		t.Fatalf("expected only the fenced round to survive, got %+v", dispatches)
	}
	var runs []models.Run
	gdb.Find(&runs)
	if len(runs) != 1 || runs[0].DispatchID != "d2" {
		t.Fatalf("expected only the fenced round's receipts, got %+v", runs)
	}
}

func TestSweep_LeavesActiveChatsAlone(t *testing.T) {
	gdb := openTestDB(t)
	chat := models.ChatState{
		ID: models.NewID(), OwnerID: "alice", AssistantConfig: `{"engine":"echo"}`,
		Status: models.ChatStatusUserInput, LatestDispatchID: "d2",
	}
	gdb.Create(&chat)
	aged(gdb, &models.ChatState{}, "id = ?", chat.ID)
	gdb.Create(&models.Dispatch{ID: "d1", ChatID: chat.ID})
	gdb.Model(&models.Dispatch{}).Where("id = ?", "d1").Update("created_at", time.Now().Add(-2*time.Hour))

	if err := newJanitor(gdb).Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	var count int64
	gdb.Model(&models.Dispatch{}).Count(&count)
	if count != 1 {
		t.Fatal("active chats must keep their history")
	}
}

func TestSweep_PrunesSettledTasksAndResolvedContinuations(t *testing.T) {
	gdb := openTestDB(t)
	gdb.Create(&models.QueueTask{TaskID: "t-done", Queue: "chat-echo", Status: models.TaskStatusDone, Payload: "{}"})
	gdb.Create(&models.QueueTask{TaskID: "t-dead", Queue: "chat-echo", Status: models.TaskStatusDead, Payload: "{}"})
	gdb.Create(&models.QueueTask{TaskID: "t-pending", Queue: "chat-echo", Status: models.TaskStatusPending, Payload: "{}"})
	aged(gdb, &models.QueueTask{}, "task_id IN ?", []string{"t-done", "t-dead", "t-pending"})

	resp := `{"toolCallId":"c1","result":{"value":"ok"}}`
	gdb.Create(&models.ContinuationRecord{ID: "k-res", ChatID: "c1", DispatcherID: "echo", State: models.ContinuationResolved})
	gdb.Create(&models.ToolCallRecord{ContinuationID: "k-res", CallIndex: 0, ToolCallID: "c1", ToolName: "x", Response: &resp})
	gdb.Create(&models.ContinuationRecord{ID: "k-susp", ChatID: "c1", DispatcherID: "echo", State: models.ContinuationSuspended})
	aged(gdb, &models.ContinuationRecord{}, "id IN ?", []string{"k-res", "k-susp"})

	if err := newJanitor(gdb).Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var tasks []models.QueueTask
	gdb.Find(&tasks)
	if len(tasks) != 1 || tasks[0].TaskID != "t-pending" {
		t.Fatalf("expected only the pending task to survive, got %+v", tasks)
	}

	var recs []models.ContinuationRecord
	gdb.Find(&recs)
	if len(recs) != 1 || recs[0].ID != "k-susp" {
		t.Fatalf("suspended continuations must never be pruned, got %+v", recs)
	}
	var calls int64
	gdb.Model(&models.ToolCallRecord{}).Count(&calls)
	if calls != 0 {
		t.Fatal("resolved continuation's calls must be pruned with it")
	}
}
