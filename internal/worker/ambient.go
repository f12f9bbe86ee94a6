package worker

import (
	"context"
	"encoding/json"
	"time"
)

// TaskPayload is what the host sends a worker to execute: the wire form of
// queue.Task.
type TaskPayload struct {
	CallableID string            `json:"callable_id"`
	Args       []string          `json:"args,omitempty"`
	Named      map[string]string `json:"named,omitempty"`
}

// CompletionEvent is produced exactly once per executed task (spec §3) and
// doubles as the response payload to the host's "task.run" call — the
// host's per-worker reader treats the RPC response as the completion event
// rather than needing a second round trip.
type CompletionEvent struct {
	CallableID string    `json:"callable_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Failed     bool      `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

type cacheGetParams struct {
	Key string `json:"key"`
}
type cacheGetResult struct {
	Value []byte `json:"value,omitempty"`
	OK    bool   `json:"ok"`
}
type cacheSetParams struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}
type cacheDeleteParams struct {
	Key string `json:"key"`
}
type lockParams struct {
	Name string `json:"name"`
}
type serviceParams struct {
	ModelType string `json:"model_type"`
}
type submitParams struct {
	Queue      string            `json:"queue"`
	CallableID string            `json:"callable_id"`
	Args       []string          `json:"args,omitempty"`
	Named      map[string]string `json:"named,omitempty"`
}

// RemoteStore implements cache.Store by round-tripping every operation over
// a worker's Conn to the host, which owns the authoritative Cache.
type RemoteStore struct {
	conn *Conn
}

// NewRemoteStore wraps a worker-side Conn as a cache.Store.
func NewRemoteStore(conn *Conn) *RemoteStore { return &RemoteStore{conn: conn} }

func (r *RemoteStore) Get(key string) ([]byte, bool) {
	raw, err := r.conn.Call(context.Background(), "cache.get", cacheGetParams{Key: key})
	if err != nil {
		return nil, false
	}
	var res cacheGetResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false
	}
	return res.Value, res.OK
}

func (r *RemoteStore) Set(key string, value []byte) {
	_, _ = r.conn.Call(context.Background(), "cache.set", cacheSetParams{Key: key, Value: value})
}

func (r *RemoteStore) Delete(key string) {
	_, _ = r.conn.Call(context.Background(), "cache.delete", cacheDeleteParams{Key: key})
}

func (r *RemoteStore) WithLock(name string, fn func() error) error {
	if _, err := r.conn.Call(context.Background(), "lock.acquire", lockParams{Name: name}); err != nil {
		return err
	}
	defer func() { _, _ = r.conn.Call(context.Background(), "lock.release", lockParams{Name: name}) }()
	return fn()
}

// RemoteInference proxies UseService's acquire/release halves over the
// worker's Conn; the wrapped fn itself still runs locally in the worker
// (it is the worker's own HTTP call to the already-started model server),
// matching the spec's "scoped acquisition" contract without requiring the
// model-server handle itself to cross the process boundary.
type RemoteInference struct {
	conn *Conn
}

func NewRemoteInference(conn *Conn) *RemoteInference { return &RemoteInference{conn: conn} }

func (r *RemoteInference) UseService(ctx context.Context, modelType string, fn func(ctx context.Context) error) error {
	if _, err := r.conn.Call(ctx, "service.acquire", serviceParams{ModelType: modelType}); err != nil {
		return err
	}
	defer func() { _, _ = r.conn.Call(context.Background(), "service.release", serviceParams{ModelType: modelType}) }()
	return fn(ctx)
}

// RemoteSubmit lets a callable running inside a worker submit a new task,
// proxied to the host's TaskManager.Submit.
type RemoteSubmit struct {
	conn *Conn
}

func NewRemoteSubmit(conn *Conn) *RemoteSubmit { return &RemoteSubmit{conn: conn} }

func (r *RemoteSubmit) Submit(ctx context.Context, queueName, callableID string, args []string, named map[string]string) error {
	_, err := r.conn.Call(ctx, "submit", submitParams{Queue: queueName, CallableID: callableID, Args: args, Named: named})
	return err
}
