package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/inboxd/internal/shared"
)

// Run is the worker subprocess's entry point: cmd/inboxd's worker
// subcommand calls this with its own stdin/stdout once it has resolved
// which queue it is serving. It blocks until stdin closes (the host's
// graceful-stop signal) or ctx is canceled.
func Run(ctx context.Context, queueName string, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var conn *Conn
	handler := func(hctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		if method != "task.run" {
			return nil, fmt.Errorf("worker %s: unknown method %q", queueName, method)
		}
		var task TaskPayload
		if err := json.Unmarshal(params, &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		event := execute(hctx, conn, queueName, task, logger)
		return json.Marshal(event)
	}
	conn = NewConn(stdout, handler)

	logger.Info("worker started", "queue", queueName)
	err := conn.Serve(ctx, stdin)
	logger.Info("worker exiting", "queue", queueName)
	return err
}

// execute resolves and invokes one task, catching both returned errors and
// panics (spec §4.7: "exceptions inside a task are caught, logged with
// full context, and do not terminate the worker"), and always produces a
// CompletionEvent regardless of outcome (spec's resolved Open Question).
func execute(ctx context.Context, conn *Conn, queueName string, task TaskPayload, logger *slog.Logger) (event CompletionEvent) {
	event = CompletionEvent{CallableID: task.CallableID, ThreadID: task.Named["thread_id"], Timestamp: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			event.Failed = true
			event.Error = fmt.Sprintf("panic: %v", r)
			logger.Error("task panicked", "queue", queueName, "callable_id", task.CallableID, "panic", r)
		}
	}()

	store := NewRemoteStore(conn)
	store.Set("last_task", []byte(task.CallableID))

	ambient := Ambient{
		Cache:      store,
		UseService: NewRemoteInference(conn).UseService,
		Submit:     NewRemoteSubmit(conn).Submit,
	}
	actx := WithAmbient(ctx, ambient)
	actx = shared.WithTaskID(actx, task.CallableID)

	fn, ok := Lookup(task.CallableID)
	if !ok {
		event.Failed = true
		event.Error = "unregistered callable: " + task.CallableID
		logger.Error("unregistered callable", "queue", queueName, "callable_id", task.CallableID)
		return event
	}

	if err := fn(actx, task.Args, task.Named); err != nil {
		event.Failed = true
		event.Error = err.Error()
		logger.Error("task failed", "queue", queueName, "callable_id", task.CallableID, "error", err)
		return event
	}

	logger.Info("task completed", "queue", queueName, "callable_id", task.CallableID)
	return event
}
