// Package scheduler implements the Scheduler (C6): a single-threaded loop
// that wakes once per second and submits due RecurringSpecs onto their
// target queues, grounded on the teacher's internal/cron ticker/Start/Stop
// shape but adapted for wall-clock-independent rescheduling rather than
// cron's DueSchedules-from-a-store query.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SubmitFunc routes a due spec's task onto its target queue through the
// Task Manager (including C5 dedup), the same entry point any other
// producer uses.
type SubmitFunc func(queueName, callableID string, args []string, named map[string]string) error

// RecurringSpec is a task definition the scheduler re-submits on a
// fixed-interval or cron-expression cadence. Mutable only before Start;
// read-only once the scheduler loop is running (spec: "Mutable only at
// startup; read-only during scheduler operation").
type RecurringSpec struct {
	CallableID string
	Queue      string
	Args       []string
	Named      map[string]string

	// Exactly one of Interval or CronExpr should be set. Interval is the
	// common case (next_run += interval, no catch-up); CronExpr covers
	// schedules that don't reduce to a fixed period.
	Interval time.Duration
	CronExpr string

	nextRun time.Time
}

// Config holds the scheduler's dependencies.
type Config struct {
	Specs  []RecurringSpec
	Submit SubmitFunc
	Logger *slog.Logger
	// Tick is the loop's wake interval; defaults to 1 second per spec.
	Tick time.Duration
	// StartupGrace delays every spec's first run so one-time setup tasks
	// enqueued ahead of it get a head start; defaults to 5 seconds.
	StartupGrace time.Duration
}

// Scheduler runs Config.Specs against the wall clock, submitting each when
// its next_run is due and never catching up on missed ticks.
type Scheduler struct {
	specs  []RecurringSpec
	submit SubmitFunc
	logger *slog.Logger
	tick   time.Duration
	grace  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. Each spec is assigned next_run = now + grace
// immediately (spec §4.6's startup grace), before Start is ever called.
func New(cfg Config) *Scheduler {
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	grace := cfg.StartupGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	specs := make([]RecurringSpec, len(cfg.Specs))
	copy(specs, cfg.Specs)
	start := now().Add(grace)
	for i := range specs {
		specs[i].nextRun = start
	}

	return &Scheduler{
		specs:  specs,
		submit: cfg.Submit,
		logger: logger,
		tick:   tick,
		grace:  grace,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "tick", s.tick, "specs", len(s.specs), "startup_grace", s.grace)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(now())
		}
	}
}

// fireDue submits every spec whose next_run has passed, then advances its
// next_run from the point it was scheduled for — not from wall-clock now,
// so a late tick never causes a burst of catch-up submissions.
func (s *Scheduler) fireDue(t time.Time) {
	for i := range s.specs {
		spec := &s.specs[i]
		if spec.nextRun.After(t) {
			continue
		}

		if err := s.submit(spec.Queue, spec.CallableID, spec.Args, spec.Named); err != nil {
			s.logger.Error("scheduler: submit failed", "callable_id", spec.CallableID, "queue", spec.Queue, "error", err)
		} else {
			s.logger.Info("scheduler: spec fired", "callable_id", spec.CallableID, "queue", spec.Queue, "next_run", spec.nextRun)
		}

		spec.nextRun = s.advance(*spec)
	}
}

func (s *Scheduler) advance(spec RecurringSpec) time.Time {
	if spec.CronExpr != "" {
		sched, err := cronParser.Parse(spec.CronExpr)
		if err != nil {
			s.logger.Error("scheduler: invalid cron expression, falling back to tick interval",
				"callable_id", spec.CallableID, "cron_expr", spec.CronExpr, "error", err)
			return spec.nextRun.Add(s.tick)
		}
		return sched.Next(spec.nextRun)
	}
	if spec.Interval <= 0 {
		return spec.nextRun.Add(s.tick)
	}
	return spec.nextRun.Add(spec.Interval)
}

// now is overridable in tests so spec.nextRun comparisons don't race real
// wall-clock time.
var now = time.Now
