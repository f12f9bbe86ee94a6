package logmux

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMux_ForwardsLinesFromSingleWorker(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	sink := lockedWriter{w: &buf, mu: &mu}

	m := New(sink)
	r, w := io.Pipe()
	m.Attach("embedding", r)

	go func() {
		_, _ = w.Write([]byte("{\"msg\":\"one\"}\n{\"msg\":\"two\"}\n"))
		_ = w.Close()
	}()

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Count(buf.String(), "\n") == 2
	})

	m.Close()

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(buf.String(), "\"msg\":\"one\"") || !strings.Contains(buf.String(), "\"msg\":\"two\"") {
		t.Fatalf("missing forwarded lines: %q", buf.String())
	}
}

func TestMux_InterleavesWithoutCorruptingLines(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	sink := lockedWriter{w: &buf, mu: &mu}

	m := New(sink)
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	m.Attach("embedding", r1)
	m.Attach("completion", r2)

	go func() {
		for i := 0; i < 20; i++ {
			_, _ = w1.Write([]byte("{\"q\":\"embedding\"}\n"))
		}
		_ = w1.Close()
	}()
	go func() {
		for i := 0; i < 20; i++ {
			_, _ = w2.Write([]byte("{\"q\":\"completion\"}\n"))
		}
		_ = w2.Close()
	}()

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Count(buf.String(), "\n") == 40
	})

	m.Close()

	mu.Lock()
	defer mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if line != `{"q":"embedding"}` && line != `{"q":"completion"}` {
			t.Fatalf("corrupted line: %q", line)
		}
	}
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}
