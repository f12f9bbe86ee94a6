// Package worker implements the Worker Pool (C7): one dedicated OS process
// per queue name, communicating with the host over a newline-delimited JSON
// duplex connection. The same connection carries task delivery, completion
// events, and the worker's ambient calls back into the host (cache
// Get/Set/Delete/WithLock, UseService acquire/release, Submit-from-worker) —
// the Go analogue of Python's multiprocessing.Manager proxy, built the way
// the teacher's internal/mcp/transport.go frames a subprocess's stdio as a
// newline-delimited JSON channel.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Message is the single envelope shape used in both directions. A "req"
// expects a matching "resp" carrying the same ID; either side of the
// connection may originate a "req" at any time, which is what lets a
// worker's ambient call interleave with an in-flight task delivery.
type Message struct {
	ID     uint64          `json:"id"`
	Type   string          `json:"type"` // "req" | "resp"
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handler answers an inbound request. Returning an error sends it back as
// the response's Error field rather than propagating a Go error locally.
type Handler func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

// Conn is a bidirectional, correlation-ID-multiplexed JSON-lines connection
// over a pair of plain byte streams (a process's stdin/stdout, from either
// side of the pipe).
type Conn struct {
	w       io.Writer
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan Message

	nextID  atomic.Uint64
	handler Handler
}

// NewConn wraps w (the outbound half) with handler answering any inbound
// requests. Call Serve with the inbound half to start reading.
func NewConn(w io.Writer, handler Handler) *Conn {
	return &Conn{
		w:       w,
		pending: make(map[uint64]chan Message),
		handler: handler,
	}
}

// Call sends method(params) as a request and blocks for the matching
// response. params and the returned raw result are both plain JSON values.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(Message{ID: id, Type: "req", Method: method, Params: raw}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Result, nil
	}
}

func (c *Conn) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.w.Write(data)
	return err
}

// Serve reads newline-delimited Messages from r until it closes or ctx is
// done, routing "resp" frames to their waiting Call and dispatching "req"
// frames to handler in their own goroutine (so a handler that itself calls
// back out over the same Conn cannot deadlock against Serve's read loop).
func (c *Conn) Serve(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
	}()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "resp":
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		case "req":
			go c.dispatch(ctx, msg)
		}
	}
	return scanner.Err()
}

func (c *Conn) dispatch(ctx context.Context, msg Message) {
	var result json.RawMessage
	var errStr string
	if c.handler == nil {
		errStr = "no handler registered for " + msg.Method
	} else {
		res, err := c.handler(ctx, msg.Method, msg.Params)
		if err != nil {
			errStr = err.Error()
		} else {
			result = res
		}
	}
	_ = c.send(Message{ID: msg.ID, Type: "resp", Result: result, Error: errStr})
}
