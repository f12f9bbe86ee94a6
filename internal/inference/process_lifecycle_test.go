package inference

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/basket/inboxd/internal/cache"
)

// TestMain lets this test binary double as the fake model-server child
// process: spawn() execs os.Args[0], and when INBOXD_TEST_FAKE_SERVER is set
// in the environment that re-exec serves /health instead of running tests.
// Mirrors the stdlib's own os/exec helper-process test pattern.
func TestMain(m *testing.M) {
	if os.Getenv("INBOXD_TEST_FAKE_SERVER") == "1" {
		runFakeModelServer()
		return
	}
	os.Exit(m.Run())
}

func runFakeModelServer() {
	fs := flag.NewFlagSet("fake-model-server", flag.ExitOnError)
	modelPath := fs.String("model", "", "")
	port := fs.Int("port", 0, "")
	fs.Int("ctx-size", 0, "")
	_ = fs.Parse(os.Args[1:])

	status := "ok"
	switch {
	case strings.Contains(*modelPath, "badstatus"):
		status = "loading"
	case strings.Contains(*modelPath, "unhealthy"):
		status = ""
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if status == "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", *port), Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = srv.Close()
	}()

	_ = srv.ListenAndServe()
	os.Exit(0)
}

// fakeModelConfig points a ModelConfig's Executable at this test binary
// re-exec'd as a fake model server (see TestMain), reserving a free port for
// it to bind and tagging ModelPath so runFakeModelServer knows which /health
// body to serve.
func fakeModelConfig(t *testing.T, variant string) ModelConfig {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("resolve test executable: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	t.Setenv("INBOXD_TEST_FAKE_SERVER", "1")
	return ModelConfig{
		Enabled:    true,
		Executable: exe,
		ModelPath:  variant,
		Port:       port,
		ContextLen: 512,
	}
}

func newLiveSupervisor(t *testing.T, mc ModelConfig, readyTimeout time.Duration) *Supervisor {
	t.Helper()
	return New(Config{
		Completion:     mc,
		Embedding:      ModelConfig{Enabled: false},
		IdleShutdown:   150 * time.Millisecond,
		ReadyTimeout:   readyTimeout,
		GraceTerminate: 500 * time.Millisecond,
		LogDir:         t.TempDir(),
		Cache:          cache.New(),
	})
}

func waitForState(t *testing.T, s *Supervisor, mt ModelType, want State, within time.Duration) ServiceState {
	t.Helper()
	deadline := time.Now().Add(within)
	var last ServiceState
	for time.Now().Before(deadline) {
		last = s.State(mt)
		if last.State == want {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %s, last state %+v", mt, want, last)
	return last
}

func TestAcquire_SpawnsProcessAndReachesReady(t *testing.T) {
	mc := fakeModelConfig(t, "good")
	s := newLiveSupervisor(t, mc, 3*time.Second)
	defer s.ForceStop()

	if err := s.Acquire(context.Background(), ModelCompletion); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	st := s.State(ModelCompletion)
	if st.State != StateReady {
		t.Fatalf("expected ready, got %+v", st)
	}
	if st.PID == 0 {
		t.Fatalf("expected a live pid once ready")
	}
}

func TestAcquire_CompletionRejectsBodyWithoutOkStatus(t *testing.T) {
	mc := fakeModelConfig(t, "badstatus")
	s := newLiveSupervisor(t, mc, 1500*time.Millisecond)
	defer s.ForceStop()

	if err := s.Acquire(context.Background(), ModelCompletion); err == nil {
		t.Fatal("expected readiness timeout for a 200 response missing status=ok")
	}
	if st := s.State(ModelCompletion); st.State != StateIdle {
		t.Fatalf("expected idle after a failed readiness poll, got %+v", st)
	}
}

func TestRelease_EntersDrainingThenIdleAfterIdleTimer(t *testing.T) {
	mc := fakeModelConfig(t, "good")
	s := newLiveSupervisor(t, mc, 3*time.Second)
	defer s.ForceStop()

	if err := s.Acquire(context.Background(), ModelCompletion); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Release(ModelCompletion)

	if st := s.State(ModelCompletion); st.State != StateDraining {
		t.Fatalf("expected draining immediately after last release, got %+v", st)
	}

	waitForState(t, s, ModelCompletion, StateIdle, 2*time.Second)
}

func TestRelease_ReacquireWithinDrainWindowReusesProcess(t *testing.T) {
	mc := fakeModelConfig(t, "good")
	s := newLiveSupervisor(t, mc, 3*time.Second)
	defer s.ForceStop()

	if err := s.Acquire(context.Background(), ModelCompletion); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	firstPID := s.State(ModelCompletion).PID
	s.Release(ModelCompletion)

	if err := s.Acquire(context.Background(), ModelCompletion); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	st := s.State(ModelCompletion)
	if st.State != StateReady {
		t.Fatalf("expected ready after re-acquire inside drain window, got %+v", st)
	}
	if st.PID != firstPID {
		t.Fatalf("expected the same warm process to be reused, got pid %d want %d", st.PID, firstPID)
	}
}

func TestForceStop_TerminatesReadyProcessAndResetsToIdle(t *testing.T) {
	mc := fakeModelConfig(t, "good")
	s := newLiveSupervisor(t, mc, 3*time.Second)

	if err := s.Acquire(context.Background(), ModelCompletion); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	s.ForceStop()

	st := s.State(ModelCompletion)
	if st.State != StateIdle || st.PID != 0 {
		t.Fatalf("expected idle with no pid after ForceStop, got %+v", st)
	}
}

func TestAcquire_ConcurrentCallersShareOneSpawnedProcess(t *testing.T) {
	mc := fakeModelConfig(t, "good")
	s := newLiveSupervisor(t, mc, 3*time.Second)
	defer s.ForceStop()

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			errs <- s.Acquire(context.Background(), ModelCompletion)
		}()
	}
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent Acquire failed: %v", err)
		}
	}

	st := s.State(ModelCompletion)
	if st.State != StateReady {
		t.Fatalf("expected ready, got %+v", st)
	}
	if st.UsageCount != callers {
		t.Fatalf("expected usage count %d, got %d", callers, st.UsageCount)
	}
}
