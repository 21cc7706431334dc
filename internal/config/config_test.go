package config

import (
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DB.Driver != "sqlite" {
		t.Errorf("db.driver = %q, want sqlite", cfg.DB.Driver)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("server.addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Queues.DefaultMaxRetries != 10 {
		t.Errorf("default_max_retries = %d, want 10", cfg.Queues.DefaultMaxRetries)
	}
	if cfg.Workers.PollDuration() != 2*time.Second {
		t.Errorf("poll interval = %s, want 2s", cfg.Workers.PollDuration())
	}
	if cfg.Notify.Sink != "log" {
		t.Errorf("notify.sink = %q, want log", cfg.Notify.Sink)
	}
	if len(cfg.Engines) != 1 || cfg.Engines[0].Tag != "echo" {
		t.Errorf("engines = %+v, want default echo engine", cfg.Engines)
	}
}

func TestParse_EngineQueueDerived(t *testing.T) {
	cfg, err := Parse([]byte("engines:\n  - tag: openai\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engines[0].Queue != "chat-openai" {
		t.Errorf("queue = %q, want chat-openai", cfg.Engines[0].Queue)
	}
}

func TestParse_InvalidDriver(t *testing.T) {
	_, err := Parse([]byte("db:\n  driver: postgres\n"))
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "db.driver") {
		t.Errorf("error = %q, want to mention db.driver", err.Error())
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte("workers:\n  poll_interval: soon\n"))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("error = %q, want to mention poll_interval", err.Error())
	}
}

func TestParse_SlackRequiresCredentials(t *testing.T) {
	_, err := Parse([]byte("notify:\n  sink: slack\n"))
	if err == nil {
		t.Fatal("expected error for slack sink without credentials")
	}
	if !strings.Contains(err.Error(), "notify.slack") {
		t.Errorf("error = %q, want to mention notify.slack", err.Error())
	}
}

func TestQueueNames_Deduplicates(t *testing.T) {
	cfg, err := Parse([]byte("engines:\n  - tag: a\n    queue: shared\n  - tag: b\n    queue: shared\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := cfg.QueueNames()
	if len(names) != 1 || names[0] != "shared" {
		t.Errorf("QueueNames = %v, want [shared]", names)
	}
}

func TestMaxRetriesByQueue(t *testing.T) {
	cfg, err := Parse([]byte("queues:\n  definitions:\n    - name: chat-echo\n      max_retries: -1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := cfg.MaxRetriesByQueue()
	if m["chat-echo"] != -1 {
		t.Errorf("max retries = %d, want -1", m["chat-echo"])
	}
}
