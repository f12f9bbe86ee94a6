package taskmanager

import (
	"testing"

	"github.com/basket/inboxd/internal/cache"
	"github.com/basket/inboxd/internal/config"
	"github.com/basket/inboxd/internal/inference"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	c := cache.New()
	sup := inference.New(inference.Config{Cache: c})
	return New(Config{Cache: c, Inference: sup})
}

func TestManager_SubmitEnqueuesFreshFingerprint(t *testing.T) {
	m := newTestManager(t)
	if err := m.Submit(config.QueueGeneral, "sync_inbox", nil, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if depth := m.Depth(config.QueueGeneral); depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestManager_SubmitDuplicateFingerprintIsSilentNoOp(t *testing.T) {
	m := newTestManager(t)
	if err := m.Submit(config.QueueGeneral, "sync_inbox", nil, nil); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := m.Submit(config.QueueGeneral, "sync_inbox", nil, nil); err != nil {
		t.Fatalf("duplicate submit should be a silent no-op, got error: %v", err)
	}
	if depth := m.Depth(config.QueueGeneral); depth != 1 {
		t.Fatalf("expected depth to stay at 1 after duplicate, got %d", depth)
	}
}

func TestManager_SubmitUnknownQueueErrors(t *testing.T) {
	m := newTestManager(t)
	if err := m.Submit(config.QueueName("nonexistent"), "x", nil, nil); err == nil {
		t.Fatal("expected error for unknown queue")
	}
}

func TestManager_SubmitRejectedAfterStop(t *testing.T) {
	m := newTestManager(t)
	m.stopping.Store(true)
	if err := m.Submit(config.QueueGeneral, "sync_inbox", nil, nil); err == nil {
		t.Fatal("expected ErrShuttingDown after stop flag set")
	}
}

func TestManager_RegisterSchemaRejectsInvalidNamedArgs(t *testing.T) {
	m := newTestManager(t)
	schema := []byte(`{
		"type": "object",
		"properties": {"thread_id": {"type": "string"}},
		"required": ["thread_id"]
	}`)
	if err := m.RegisterSchema("process_inbox_thread", schema); err != nil {
		t.Fatalf("register schema: %v", err)
	}

	if err := m.Submit(config.QueueGeneral, "process_inbox_thread", nil, nil); err == nil {
		t.Fatal("expected schema validation error for missing required field")
	}

	if err := m.Submit(config.QueueGeneral, "process_inbox_thread", nil, map[string]string{"thread_id": "abc"}); err != nil {
		t.Fatalf("expected valid named args to pass, got: %v", err)
	}
}

func TestManager_DifferentArgsProduceDistinctFingerprintsBothEnqueue(t *testing.T) {
	m := newTestManager(t)
	if err := m.Submit(config.QueueGeneral, "f", []string{"a"}, nil); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if err := m.Submit(config.QueueGeneral, "f", []string{"b"}, nil); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if depth := m.Depth(config.QueueGeneral); depth != 2 {
		t.Fatalf("expected depth 2 for distinct args, got %d", depth)
	}
}
