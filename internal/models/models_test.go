package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

func TestChatState_Fields(t *testing.T) {
	typ := reflect.TypeOf(ChatState{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:32")
	assertGormTag(t, typ, "OwnerID", "not null")
	assertGormTag(t, typ, "OwnerID", "index")
	assertGormTag(t, typ, "AssistantConfig", "not null")
	assertGormTag(t, typ, "Status", "default:userInput")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "LatestDispatchID", "size:32")
	assertGormTag(t, typ, "LastError", "type:text")
}

func TestRun_CompositeKey(t *testing.T) {
	typ := reflect.TypeOf(Run{})

	assertGormTag(t, typ, "DispatchID", "primaryKey")
	assertGormTag(t, typ, "TaskID", "primaryKey")
	assertGormTag(t, typ, "Status", "default:running")
}

func TestToolCallRecord_CompositeKey(t *testing.T) {
	typ := reflect.TypeOf(ToolCallRecord{})

	assertGormTag(t, typ, "ContinuationID", "primaryKey")
	assertGormTag(t, typ, "CallIndex", "primaryKey")

	f, ok := typ.FieldByName("Response")
	if !ok {
		t.Fatal("ToolCallRecord.Response: field not found")
	}
	if f.Type.Kind() != reflect.Ptr {
		t.Error("ToolCallRecord.Response must be nullable (pointer type)")
	}
}

func TestQueueTask_Fields(t *testing.T) {
	typ := reflect.TypeOf(QueueTask{})

	assertGormTag(t, typ, "TaskID", "uniqueIndex")
	assertGormTag(t, typ, "Status", "default:pending")
	assertGormTag(t, typ, "NotBefore", "index")
}

func TestTerminalStatus(t *testing.T) {
	for status, want := range map[string]bool{
		ChatStatusUserInput:  false,
		ChatStatusProcessing: false,
		ChatStatusClosing:    false,
		ChatStatusComplete:   true,
		ChatStatusFailed:     true,
	} {
		if got := TerminalStatus(status); got != want {
			t.Errorf("TerminalStatus(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if len(a) != 32 {
		t.Errorf("NewID length = %d, want 32", len(a))
	}
	if a == b {
		t.Error("NewID should not repeat")
	}
	if strings.Contains(a, "-") {
		t.Errorf("NewID %q should not contain dashes", a)
	}
}
