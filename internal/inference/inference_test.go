package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/inboxd/internal/cache"
	"github.com/basket/inboxd/internal/shared"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return New(Config{
		Embedding:      ModelConfig{Enabled: false},
		Completion:     ModelConfig{Enabled: false},
		IdleShutdown:   50 * time.Millisecond,
		ReadyTimeout:   time.Second,
		GraceTerminate: 50 * time.Millisecond,
		LogDir:         t.TempDir(),
		Cache:          cache.New(),
	})
}

func TestSupervisor_NewStartsIdle(t *testing.T) {
	s := newTestSupervisor(t)
	for _, mt := range []ModelType{ModelEmbedding, ModelCompletion} {
		if st := s.State(mt); st.State != StateIdle {
			t.Fatalf("expected %s idle at construction, got %s", mt, st.State)
		}
	}
}

func TestSupervisor_UseService_DisabledModelShortCircuits(t *testing.T) {
	s := newTestSupervisor(t)
	called := false
	err := s.UseService(context.Background(), ModelCompletion, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected fn to run directly when model disabled")
	}
	if st := s.State(ModelCompletion); st.State != StateIdle {
		t.Fatalf("disabled model should never leave idle, got %s", st.State)
	}
}

func TestSupervisor_UseService_PropagatesTaskError(t *testing.T) {
	s := newTestSupervisor(t)
	wantErr := errors.New("task failed")
	err := s.UseService(context.Background(), ModelEmbedding, func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected task error to propagate, got %v", err)
	}
}

func TestSupervisor_ForceStop_ResetsDisabledServicesToIdle(t *testing.T) {
	s := newTestSupervisor(t)
	s.ForceStop()
	for _, mt := range []ModelType{ModelEmbedding, ModelCompletion} {
		if st := s.State(mt); st.State != StateIdle || st.PID != 0 {
			t.Fatalf("expected %s idle with no pid after ForceStop, got %+v", mt, st)
		}
	}
}

func TestSupervisor_AcquireOnDisabledServiceNeverReturnsServiceUnavailable(t *testing.T) {
	s := newTestSupervisor(t)
	err := s.UseService(context.Background(), ModelEmbedding, func(ctx context.Context) error { return nil })
	if errors.Is(err, shared.ErrServiceUnavailable) {
		t.Fatalf("disabled model must short-circuit, not attempt to start")
	}
}
