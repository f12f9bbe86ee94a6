package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/basket/inboxd/internal/cache"
	"github.com/basket/inboxd/internal/dedup"
	"github.com/basket/inboxd/internal/inference"
	"github.com/basket/inboxd/internal/logmux"
	"github.com/basket/inboxd/internal/queue"
)

// SubmitFunc lets the host answer a worker-originated "submit" ambient call
// by routing it back into the TaskManager. Injected rather than imported
// directly, since internal/taskmanager is the package that constructs a
// Pool in the first place.
type SubmitFunc func(queueName, callableID string, args []string, named map[string]string) error

// CompletionFunc is invoked once per finished task, on the host side, so
// the Completion Notifier (C8) can react without the Pool needing to know
// anything about state-changing callables or the mailbox.
type CompletionFunc func(queueName string, event CompletionEvent, fp dedup.Fingerprint)

// Pool is the host-side view of the Worker Pool (C7): one OS process per
// queue name, each driven by a goroutine that pops tasks off that queue and
// forwards them across the process's duplex pipe.
type Pool struct {
	logger     *slog.Logger
	cache      *cache.Cache
	dedupIdx   *dedup.Index
	inference  *inference.Supervisor
	submit     SubmitFunc
	onComplete CompletionFunc
	workerArgs func(queueName string) []string
	workerEnv  []string
	exePath    string
	logs       *logmux.Mux

	mu      sync.Mutex
	workers map[string]*procHandle
	wg      sync.WaitGroup
}

type procHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	conn   *Conn
	queue  *queue.Queue
	stopCh chan struct{}
}

// Config holds a Pool's host-side dependencies.
type Config struct {
	Logger     *slog.Logger
	Cache      *cache.Cache
	Dedup      *dedup.Index
	Inference  *inference.Supervisor
	Submit     SubmitFunc
	OnComplete CompletionFunc
	ExePath    string // defaults to os.Executable() if empty
	WorkerArgs func(queueName string) []string
	// WorkerEnv is appended to each worker subprocess's environment (in
	// addition to its own inherited environment) — e.g. the completion and
	// embedding model ports, so a worker's callables can reach the
	// already-started local model server without the host needing a
	// dedicated ambient RPC method just to hand out a port number.
	WorkerEnv []string
	Logs      *logmux.Mux
}

// NewPool constructs a Pool. The worker subprocess is launched by invoking
// ExePath with WorkerArgs(queueName) — by default `worker <queueName>`,
// matching the self-reexec pattern where the binary recognizes its own
// hidden subcommand.
func NewPool(cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkerArgs == nil {
		cfg.WorkerArgs = func(queueName string) []string { return []string{"worker", queueName} }
	}
	return &Pool{
		logger:     cfg.Logger,
		cache:      cfg.Cache,
		dedupIdx:   cfg.Dedup,
		inference:  cfg.Inference,
		submit:     cfg.Submit,
		onComplete: cfg.OnComplete,
		workerArgs: cfg.WorkerArgs,
		workerEnv:  cfg.WorkerEnv,
		exePath:    cfg.ExePath,
		logs:       cfg.Logs,
		workers:    make(map[string]*procHandle),
	}
}

// Start spawns one worker process per entry in queues and begins the
// per-queue pop-and-forward loop for each.
func (p *Pool) Start(ctx context.Context, queues map[string]*queue.Queue) error {
	for name, q := range queues {
		if err := p.startOne(ctx, name, q); err != nil {
			return fmt.Errorf("start worker %q: %w", name, err)
		}
	}
	return nil
}

func (p *Pool) startOne(ctx context.Context, queueName string, q *queue.Queue) error {
	cmd := exec.Command(p.exePath, p.workerArgs(queueName)...)
	if len(p.workerEnv) > 0 {
		cmd.Env = append(os.Environ(), p.workerEnv...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	h := &procHandle{
		cmd:    cmd,
		stdin:  stdin,
		queue:  q,
		stopCh: make(chan struct{}),
	}
	h.conn = NewConn(stdin, p.hostHandler)

	p.mu.Lock()
	p.workers[queueName] = h
	p.mu.Unlock()

	// The worker's own slog output is JSON lines on its stderr (mirroring
	// the teacher's mcp transport, which backgrounds a stderr scanner);
	// the log multiplexer copies these lines verbatim into the shared
	// sink so all records converge in one stream.
	if p.logs != nil {
		p.logs.Attach(queueName, stderr)
	}

	go func() {
		if err := h.conn.Serve(ctx, stdout); err != nil {
			p.logger.Warn("worker connection closed", "queue", queueName, "error", err)
		}
	}()

	p.wg.Add(1)
	go p.driveQueue(ctx, queueName, h)
	return nil
}

// driveQueue is the host-side half of spec §4.7 step 1: "blocks on its
// queue with a 1-second timeout". The worker itself is idle between
// deliveries; this goroutine is what actually polls.
func (p *Pool) driveQueue(ctx context.Context, queueName string, h *procHandle) {
	defer p.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		task, ok := h.queue.Pop(time.Second)
		if !ok {
			continue
		}

		payload := TaskPayload{CallableID: task.CallableID, Args: task.Args, Named: task.Named}
		raw, err := h.conn.Call(ctx, "task.run", payload)
		if err != nil {
			p.logger.Error("worker task delivery failed", "queue", queueName, "callable_id", task.CallableID, "error", err)
			p.dedupIdx.Remove(task.Fingerprint)
			continue
		}

		var event CompletionEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			p.logger.Error("decode completion event failed", "queue", queueName, "error", err)
		}
		p.dedupIdx.Remove(task.Fingerprint)
		if p.onComplete != nil {
			p.onComplete(queueName, event, task.Fingerprint)
		}
	}
}

// hostHandler answers the ambient calls a worker makes back into the host:
// cache operations, the two-phase named lock, inference acquire/release,
// and worker-originated Submit.
func (p *Pool) hostHandler(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "cache.get":
		var req cacheGetParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		v, ok := p.cache.Get(req.Key)
		return json.Marshal(cacheGetResult{Value: v, OK: ok})

	case "cache.set":
		var req cacheSetParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		p.cache.Set(req.Key, req.Value)
		return json.Marshal(struct{}{})

	case "cache.delete":
		var req cacheDeleteParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		p.cache.Delete(req.Key)
		return json.Marshal(struct{}{})

	case "lock.acquire":
		var req lockParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		p.cache.Lock(req.Name)
		return json.Marshal(struct{}{})

	case "lock.release":
		var req lockParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		p.cache.Unlock(req.Name)
		return json.Marshal(struct{}{})

	case "service.acquire":
		var req serviceParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		if err := p.inference.Acquire(ctx, inference.ModelType(req.ModelType)); err != nil {
			return nil, err
		}
		return json.Marshal(struct{}{})

	case "service.release":
		var req serviceParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		p.inference.Release(inference.ModelType(req.ModelType))
		return json.Marshal(struct{}{})

	case "submit":
		var req submitParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		if p.submit == nil {
			return nil, fmt.Errorf("submit not wired")
		}
		if err := p.submit(req.Queue, req.CallableID, req.Args, req.Named); err != nil {
			return nil, err
		}
		return json.Marshal(struct{}{})

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// Stop flips every worker's stop flag, closes its stdin (which the worker
// side observes as EOF and exits its Serve loop on), then joins each
// process, killing it if it has not exited within grace (spec §4.7/§5:
// "Stop is best-effort graceful; the host then sends a terminate signal and
// joins").
func (p *Pool) Stop(grace time.Duration) {
	p.mu.Lock()
	handles := make([]*procHandle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		close(h.stopCh)
	}
	p.wg.Wait()

	for _, h := range handles {
		_ = h.stdin.Close()
	}
	for _, h := range handles {
		waitWithGrace(h.cmd, grace)
	}
}

func waitWithGrace(cmd *exec.Cmd, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}
}
