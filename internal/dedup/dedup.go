// Package dedup implements the Deduplication Index (C5): a process-wide set
// of pending-task fingerprints, keyed by a 128-bit hash over a task's
// canonicalized (callable-id, positional args, named args).
package dedup

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is the 128-bit dedup key for a task. The pack only carries a
// 64-bit non-cryptographic hash (cespare/xxhash/v2); two independent digests
// over the same canonical bytes, computed with distinct seeds, are
// concatenated to reach the 128 bits the spec calls for. Collisions beyond
// the hash are accepted per spec §4.5 — the only consequence is missed dedup.
type Fingerprint [16]byte

func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", [16]byte(f))
}

const (
	seedLow  uint64 = 0x9e3779b97f4a7c15
	seedHigh uint64 = 0xc6a4a7935bd1e995
)

// Fingerprint computes the dedup fingerprint for a task: callable-id, a
// canonical serialization of positional args in order, and a canonical
// serialization of named args sorted by key.
func ComputeFingerprint(callableID string, args []string, named map[string]string) Fingerprint {
	canon := canonicalize(callableID, args, named)

	low := xxhash.NewWithSeed(seedLow)
	low.WriteString(canon)
	high := xxhash.NewWithSeed(seedHigh)
	high.WriteString(canon)

	var fp Fingerprint
	binary.BigEndian.PutUint64(fp[0:8], low.Sum64())
	binary.BigEndian.PutUint64(fp[8:16], high.Sum64())
	return fp
}

func canonicalize(callableID string, args []string, named map[string]string) string {
	var b strings.Builder
	b.WriteString(callableID)
	b.WriteByte(0)
	for _, a := range args {
		b.WriteString(a)
		b.WriteByte(0)
	}
	b.WriteByte(0)

	keys := make([]string, 0, len(named))
	for k := range named {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(named[k])
		b.WriteByte(0)
	}
	return b.String()
}

// Index is the process-wide pending-task registry (PendingTaskRegistry).
// An entry exists from the moment Submit accepts a task until the worker's
// execute-finally returns, regardless of success.
type Index struct {
	mu      sync.Mutex
	pending map[Fingerprint]struct{}
}

// New returns an empty Index.
func New() *Index {
	return &Index{pending: make(map[Fingerprint]struct{})}
}

// TryInsert returns true and inserts fp if it was absent; returns false
// without modifying the index if fp was already present. Under concurrent
// racing callers exactly one observes true.
func (idx *Index) TryInsert(fp Fingerprint) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.pending[fp]; exists {
		return false
	}
	idx.pending[fp] = struct{}{}
	return true
}

// Remove clears fp from the registry. Idempotent.
func (idx *Index) Remove(fp Fingerprint) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.pending, fp)
}

// Contains reports whether fp is currently pending. Intended for tests and
// diagnostics only — callers must not use it as a substitute for TryInsert,
// which is the only race-safe check-and-set operation.
func (idx *Index) Contains(fp Fingerprint) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.pending[fp]
	return ok
}

// Len returns the number of fingerprints currently pending.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.pending)
}
