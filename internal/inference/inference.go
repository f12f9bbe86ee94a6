// Package inference implements the Inference Supervisor (C3): lifecycle
// management for the two external model-server child processes, exposing a
// scoped UseService acquisition primitive and an unconditional ForceStop.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/inboxd/internal/cache"
	"github.com/basket/inboxd/internal/shared"
)

// ModelConfig describes one model server's launch parameters.
type ModelConfig struct {
	Enabled    bool
	Executable string
	ModelPath  string
	Port       int
	ContextLen int
}

// Config configures the Supervisor.
type Config struct {
	Embedding      ModelConfig
	Completion     ModelConfig
	IdleShutdown   time.Duration // default 5s
	ReadyTimeout   time.Duration // default 60s
	GraceTerminate time.Duration // default 5s
	LogDir         string
	Cache          cache.Store
	Logger         *slog.Logger
}

// Supervisor owns both model-server process handles and drives their state
// machines. ServiceState is mirrored into the Shared Cache after every
// transition so other processes can observe it (spec §3).
type Supervisor struct {
	cfg Config
	mu  map[ModelType]*modelGuard
}

type modelGuard struct {
	proc  *spawnedProcess
	state ServiceState
	timer *time.Timer
}

// New constructs a Supervisor. Both services start IDLE.
func New(cfg Config) *Supervisor {
	if cfg.IdleShutdown <= 0 {
		cfg.IdleShutdown = 5 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	if cfg.GraceTerminate <= 0 {
		cfg.GraceTerminate = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Supervisor{
		cfg: cfg,
		mu:  map[ModelType]*modelGuard{},
	}
	for _, mt := range []ModelType{ModelEmbedding, ModelCompletion} {
		s.mu[mt] = &modelGuard{state: ServiceState{State: StateIdle}}
	}
	return s
}

func (s *Supervisor) modelConfig(mt ModelType) ModelConfig {
	if mt == ModelEmbedding {
		return s.cfg.Embedding
	}
	return s.cfg.Completion
}

func lockName(mt ModelType) string { return "service_state." + string(mt) }
func cacheKey(mt ModelType) string { return "service_state." + string(mt) }

// UseService guarantees the named service is READY for the duration of fn,
// then releases it. If the model is disabled in config, fn runs directly
// with no process ever started (spec §4.3: "the completion model is
// optional at runtime").
func (s *Supervisor) UseService(ctx context.Context, mt ModelType, fn func(ctx context.Context) error) error {
	mc := s.modelConfig(mt)
	if !mc.Enabled {
		return fn(ctx)
	}
	if err := s.Acquire(ctx, mt); err != nil {
		return err
	}
	defer s.Release(mt)
	return fn(ctx)
}

// Acquire increments the service's usage count, starting the process if
// necessary and blocking until it reports READY (or the 60s readiness
// timeout elapses).
func (s *Supervisor) Acquire(ctx context.Context, mt ModelType) error {
	g := s.mu[mt]
	mc := s.modelConfig(mt)

	var needSpawn bool
	var stateAfter State
	err := s.cfg.Cache.WithLock(lockName(mt), func() error {
		switch g.state.State {
		case StateReady:
			g.state.UsageCount++
			if g.timer != nil {
				g.timer.Stop()
				g.timer = nil
			}
			g.state.ShutdownScheduled = false
		case StateDraining:
			g.state.UsageCount = 1
			g.state.State = StateReady
			g.state.ShutdownScheduled = false
			if g.timer != nil {
				g.timer.Stop()
				g.timer = nil
			}
		case StateIdle:
			g.state.State = StateStarting
			needSpawn = true
		case StateStarting, StateStopping:
			// A concurrent acquirer is already driving this transition; the
			// caller will retry after a short wait below.
		}
		stateAfter = g.state.State
		s.mirror(mt, g.state)
		return nil
	})
	if err != nil {
		return err
	}

	if stateAfter == StateStarting && !needSpawn {
		// Another goroutine is spawning; wait for it to finish rather than
		// racing a second process onto the same port.
		return s.waitForReady(ctx, mt)
	}
	if !needSpawn {
		return nil
	}
	return s.spawnAndWaitReady(ctx, mt, mc)
}

func (s *Supervisor) spawnAndWaitReady(ctx context.Context, mt ModelType, mc ModelConfig) error {
	g := s.mu[mt]
	proc, err := spawn(s.cfg.LogDir, mt, mc)
	if err != nil {
		s.cfg.Logger.Error("inference: spawn failed", "model", mt, "error", err)
		_ = s.cfg.Cache.WithLock(lockName(mt), func() error {
			g.state = ServiceState{State: StateIdle}
			s.mirror(mt, g.state)
			return nil
		})
		return fmt.Errorf("%w: %s: %v", shared.ErrServiceUnavailable, mt, err)
	}

	ready := pollReady(mt, mc.Port, s.cfg.ReadyTimeout)
	if !ready {
		s.cfg.Logger.Error("inference: readiness timeout", "model", mt, "timeout", s.cfg.ReadyTimeout)
		proc.terminate(s.cfg.GraceTerminate)
		_ = s.cfg.Cache.WithLock(lockName(mt), func() error {
			g.state = ServiceState{State: StateIdle}
			s.mirror(mt, g.state)
			return nil
		})
		return fmt.Errorf("%w: %s: readiness timeout", shared.ErrServiceUnavailable, mt)
	}

	return s.cfg.Cache.WithLock(lockName(mt), func() error {
		g.proc = proc
		g.state = ServiceState{
			State:      StateReady,
			PID:        proc.cmd.Process.Pid,
			UsageCount: 1,
			LastUsedAt: now(),
		}
		s.mirror(mt, g.state)
		return nil
	})
}

// waitForReady polls the in-process state until it leaves STARTING, for
// callers that raced a concurrent Acquire's spawn.
func (s *Supervisor) waitForReady(ctx context.Context, mt ModelType) error {
	g := s.mu[mt]
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	for time.Now().Before(deadline) {
		var state ServiceState
		_ = s.cfg.Cache.WithLock(lockName(mt), func() error {
			if g.state.State == StateReady {
				g.state.UsageCount++
				g.state.ShutdownScheduled = false
				if g.timer != nil {
					g.timer.Stop()
					g.timer = nil
				}
			}
			state = g.state
			return nil
		})
		if state.State == StateReady {
			return nil
		}
		if state.State == StateIdle {
			return fmt.Errorf("%w: %s", shared.ErrServiceUnavailable, mt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %s: readiness timeout", shared.ErrServiceUnavailable, mt)
}

// Release decrements the usage count; at zero it arms a delayed shutdown
// timer (DRAINING) rather than stopping the process immediately, so a
// quick re-Acquire within the delay window reuses the warm process.
func (s *Supervisor) Release(mt ModelType) {
	g := s.mu[mt]
	_ = s.cfg.Cache.WithLock(lockName(mt), func() error {
		if g.state.State != StateReady {
			return nil
		}
		if !g.proc.alive() {
			g.state = ServiceState{State: StateIdle}
			g.proc = nil
			s.mirror(mt, g.state)
			return nil
		}
		g.state.UsageCount--
		if g.state.UsageCount < 0 {
			g.state.UsageCount = 0
		}
		g.state.LastUsedAt = now()
		if g.state.UsageCount == 0 {
			g.state.State = StateDraining
			g.state.ShutdownScheduled = true
			g.timer = time.AfterFunc(s.cfg.IdleShutdown, func() { s.drain(mt) })
		}
		s.mirror(mt, g.state)
		return nil
	})
}

// drain fires when a DRAINING service's idle timer elapses with no
// intervening Acquire: transition to STOPPING and terminate the child.
func (s *Supervisor) drain(mt ModelType) {
	g := s.mu[mt]
	var proc *spawnedProcess
	_ = s.cfg.Cache.WithLock(lockName(mt), func() error {
		if g.state.State != StateDraining {
			return nil
		}
		g.state.State = StateStopping
		proc = g.proc
		s.mirror(mt, g.state)
		return nil
	})
	if proc == nil {
		return
	}
	proc.terminate(s.cfg.GraceTerminate)
	_ = s.cfg.Cache.WithLock(lockName(mt), func() error {
		g.state = ServiceState{State: StateIdle}
		g.proc = nil
		g.timer = nil
		s.mirror(mt, g.state)
		return nil
	})
}

// ForceStop unconditionally terminates both services: graceful signal,
// then kill after the grace period if still alive. All ServiceState resets
// to idle. Called at daemon shutdown.
func (s *Supervisor) ForceStop() {
	for _, mt := range []ModelType{ModelEmbedding, ModelCompletion} {
		g := s.mu[mt]
		var proc *spawnedProcess
		_ = s.cfg.Cache.WithLock(lockName(mt), func() error {
			if g.timer != nil {
				g.timer.Stop()
				g.timer = nil
			}
			proc = g.proc
			g.state.State = StateStopping
			s.mirror(mt, g.state)
			return nil
		})
		if proc != nil {
			proc.terminate(s.cfg.GraceTerminate)
		}
		_ = s.cfg.Cache.WithLock(lockName(mt), func() error {
			g.state = ServiceState{State: StateIdle}
			g.proc = nil
			s.mirror(mt, g.state)
			return nil
		})
	}
}

// State returns a snapshot of the current ServiceState for mt, primarily
// for the status TUI and tests.
func (s *Supervisor) State(mt ModelType) ServiceState {
	g := s.mu[mt]
	var state ServiceState
	_ = s.cfg.Cache.WithLock(lockName(mt), func() error {
		state = g.state
		return nil
	})
	return state
}

func (s *Supervisor) mirror(mt ModelType, state ServiceState) {
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	s.cfg.Cache.Set(cacheKey(mt), raw)
}

var now = time.Now
