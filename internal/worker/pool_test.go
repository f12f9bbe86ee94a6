package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/basket/inboxd/internal/cache"
	"github.com/basket/inboxd/internal/dedup"
	"github.com/basket/inboxd/internal/inference"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	c := cache.New()
	sup := inference.New(inference.Config{Cache: c})
	var submitted []submitParams
	p := NewPool(Config{
		Cache:     c,
		Dedup:     dedup.New(),
		Inference: sup,
		Submit: func(queueName, callableID string, args []string, named map[string]string) error {
			submitted = append(submitted, submitParams{Queue: queueName, CallableID: callableID, Args: args, Named: named})
			return nil
		},
	})
	return p
}

func TestPool_HostHandler_CacheRoundTrip(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	setParams, _ := json.Marshal(cacheSetParams{Key: "k", Value: []byte("v")})
	if _, err := p.hostHandler(ctx, "cache.set", setParams); err != nil {
		t.Fatalf("cache.set: %v", err)
	}

	getParams, _ := json.Marshal(cacheGetParams{Key: "k"})
	raw, err := p.hostHandler(ctx, "cache.get", getParams)
	if err != nil {
		t.Fatalf("cache.get: %v", err)
	}
	var res cacheGetResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !res.OK || string(res.Value) != "v" {
		t.Fatalf("unexpected result: %+v", res)
	}

	delParams, _ := json.Marshal(cacheDeleteParams{Key: "k"})
	if _, err := p.hostHandler(ctx, "cache.delete", delParams); err != nil {
		t.Fatalf("cache.delete: %v", err)
	}
	raw, _ = p.hostHandler(ctx, "cache.get", getParams)
	_ = json.Unmarshal(raw, &res)
	if res.OK {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestPool_HostHandler_LockAcquireRelease(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	params, _ := json.Marshal(lockParams{Name: "mylock"})

	if _, err := p.hostHandler(ctx, "lock.acquire", params); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := p.hostHandler(ctx, "lock.release", params); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestPool_HostHandler_SubmitRoutesToInjectedFunc(t *testing.T) {
	c := cache.New()
	sup := inference.New(inference.Config{Cache: c})
	called := false
	p := NewPool(Config{
		Cache:     c,
		Dedup:     dedup.New(),
		Inference: sup,
		Submit: func(queueName, callableID string, args []string, named map[string]string) error {
			called = true
			if queueName != "default" || callableID != "sync_inbox" {
				t.Fatalf("unexpected submit args: %s %s", queueName, callableID)
			}
			return nil
		},
	})

	params, _ := json.Marshal(submitParams{Queue: "default", CallableID: "sync_inbox"})
	if _, err := p.hostHandler(context.Background(), "submit", params); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !called {
		t.Fatal("expected injected submit func to be called")
	}
}

func TestPool_HostHandler_UnknownMethod(t *testing.T) {
	p := newTestPool(t)
	if _, err := p.hostHandler(context.Background(), "bogus", nil); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestPool_HostHandler_SubmitWithoutInjectedFuncErrors(t *testing.T) {
	c := cache.New()
	sup := inference.New(inference.Config{Cache: c})
	p := NewPool(Config{Cache: c, Dedup: dedup.New(), Inference: sup})

	params, _ := json.Marshal(submitParams{Queue: "default", CallableID: "x"})
	if _, err := p.hostHandler(context.Background(), "submit", params); err == nil {
		t.Fatal("expected error when Submit is not wired")
	}
}
