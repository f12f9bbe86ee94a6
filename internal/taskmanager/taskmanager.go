// Package taskmanager wires the Task Queues (C4), Deduplication Index (C5),
// Scheduler (C6), and Worker Pool (C7) into the single entry point every
// producer — the host's own setup code, a recurring spec, or a callable
// running inside a worker — submits work through.
package taskmanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/inboxd/internal/cache"
	"github.com/basket/inboxd/internal/config"
	"github.com/basket/inboxd/internal/dedup"
	"github.com/basket/inboxd/internal/inference"
	"github.com/basket/inboxd/internal/logmux"
	"github.com/basket/inboxd/internal/queue"
	"github.com/basket/inboxd/internal/scheduler"
	"github.com/basket/inboxd/internal/shared"
	"github.com/basket/inboxd/internal/worker"
)

// CompletionFunc is forwarded every CompletionEvent a worker produces, for
// the Completion Notifier (C8) to react to.
type CompletionFunc func(queueName string, event worker.CompletionEvent)

// Config holds a Manager's dependencies and initial wiring.
type Config struct {
	Cache      *cache.Cache
	Inference  *inference.Supervisor
	Logs       *logmux.Mux
	Logger     *slog.Logger
	ExePath    string
	WorkerEnv  []string
	Recurring  []config.RecurringSpecConfig
	OnComplete CompletionFunc
}

// Manager is the Task Manager: it owns the three named queues, the dedup
// index, the worker pool, and the scheduler goroutine (spec §3: "The Task
// Manager exclusively owns queues, workers, pipes, the dedup registry, and
// the scheduler goroutine").
type Manager struct {
	logger *slog.Logger

	queues map[config.QueueName]*queue.Queue
	dedup  *dedup.Index
	pool   *worker.Pool
	sched  *scheduler.Scheduler

	schemasMu sync.RWMutex
	schemas   map[string]*jsonschema.Schema

	stopping atomic.Bool
}

// New constructs a Manager with its three fixed queues already created
// (spec §3: "The core declares three: general, completion, embedding").
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		logger: logger,
		queues: map[config.QueueName]*queue.Queue{
			config.QueueGeneral:    queue.New(string(config.QueueGeneral)),
			config.QueueCompletion: queue.New(string(config.QueueCompletion)),
			config.QueueEmbedding:  queue.New(string(config.QueueEmbedding)),
		},
		dedup:   dedup.New(),
		schemas: make(map[string]*jsonschema.Schema),
	}

	m.pool = worker.NewPool(worker.Config{
		Logger:    logger,
		Cache:     cfg.Cache,
		Dedup:     m.dedup,
		Inference: cfg.Inference,
		Submit:    m.submitFromWorker,
		ExePath:   cfg.ExePath,
		WorkerEnv: cfg.WorkerEnv,
		Logs:      cfg.Logs,
		OnComplete: func(queueName string, event worker.CompletionEvent, _ dedup.Fingerprint) {
			if cfg.OnComplete != nil {
				cfg.OnComplete(queueName, event)
			}
		},
	})

	specs := make([]scheduler.RecurringSpec, 0, len(cfg.Recurring))
	for _, rs := range cfg.Recurring {
		specs = append(specs, scheduler.RecurringSpec{
			CallableID: rs.CallableID,
			Queue:      string(rs.Queue),
			Args:       rs.Args,
			Named:      rs.Named,
			Interval:   time.Duration(rs.IntervalS) * time.Second,
			CronExpr:   rs.CronExpr,
		})
	}
	m.sched = scheduler.New(scheduler.Config{
		Specs:  specs,
		Submit: m.submitInternal,
		Logger: logger,
	})

	return m
}

// RegisterSchema compiles schemaJSON and requires every future Submit for
// callableID to validate its named args against it before dedup/enqueue.
func (m *Manager) RegisterSchema(callableID string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", callableID, err)
	}
	c := jsonschema.NewCompiler()
	resource := "schema/" + callableID + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", callableID, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", callableID, err)
	}

	m.schemasMu.Lock()
	m.schemas[callableID] = schema
	m.schemasMu.Unlock()
	return nil
}

// Start spawns the worker pool and begins the scheduler loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.pool.Start(ctx, m.queues); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	m.sched.Start(ctx)
	return nil
}

// Stop marks the manager as shutting down (new Submits are rejected),
// stops the scheduler, then stops the worker pool with the given grace
// period for in-flight tasks.
func (m *Manager) Stop(grace time.Duration) {
	m.stopping.Store(true)
	m.sched.Stop()
	m.pool.Stop(grace)
}

// Submit is the single entry point every producer uses: it validates named
// args against a registered schema (if any), computes the fingerprint,
// checks C5, and on a fresh fingerprint enqueues onto the named queue.
// A duplicate fingerprint is a silent no-op (spec §4.5).
func (m *Manager) Submit(queueName config.QueueName, callableID string, args []string, named map[string]string) error {
	return m.submitInternal(string(queueName), callableID, args, named)
}

func (m *Manager) submitInternal(queueName, callableID string, args []string, named map[string]string) error {
	if m.stopping.Load() {
		return shared.ErrShuttingDown
	}

	if err := m.validateNamed(callableID, named); err != nil {
		return err
	}

	q, ok := m.queues[config.QueueName(queueName)]
	if !ok {
		return fmt.Errorf("unknown queue %q", queueName)
	}

	fp := dedup.ComputeFingerprint(callableID, args, named)
	if !m.dedup.TryInsert(fp) {
		m.logger.Debug("submit: duplicate fingerprint, dropped", "callable_id", callableID, "queue", queueName)
		return nil
	}

	q.Push(queue.Task{CallableID: callableID, Args: args, Named: named, Fingerprint: fp})
	return nil
}

// submitFromWorker is the worker-originated path (the "submit" ambient RPC
// method); identical semantics to Submit, just reached through the pool's
// injected SubmitFunc instead of a direct call.
func (m *Manager) submitFromWorker(queueName, callableID string, args []string, named map[string]string) error {
	return m.submitInternal(queueName, callableID, args, named)
}

func (m *Manager) validateNamed(callableID string, named map[string]string) error {
	m.schemasMu.RLock()
	schema, ok := m.schemas[callableID]
	m.schemasMu.RUnlock()
	if !ok {
		return nil
	}

	asAny := make(map[string]any, len(named))
	for k, v := range named {
		asAny[k] = v
	}
	if err := schema.Validate(asAny); err != nil {
		return fmt.Errorf("named args for %s failed schema validation: %w", callableID, err)
	}
	return nil
}

// Depth reports the current backlog of the named queue, for status/health
// reporting (the tui's `inboxd status` view, e.g.).
func (m *Manager) Depth(queueName config.QueueName) int {
	q, ok := m.queues[queueName]
	if !ok {
		return 0
	}
	return q.Depth()
}
