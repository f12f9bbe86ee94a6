package worker

import "context"

// Callable is the shape every registered task body implements. It is
// invoked inside a worker process with the submitted args and an ambient
// context carrying the cache/inference/submit proxies (spec §9: "dynamic
// callable resolution" → a static map built at registration time, never a
// closure crossing the process boundary).
type Callable func(ctx context.Context, args []string, named map[string]string) error

var registry = map[string]Callable{}

// Register adds a callable under id. Call this from an init() in
// internal/tasks so the worker binary's static map is populated before
// Run starts serving task deliveries.
func Register(id string, fn Callable) {
	registry[id] = fn
}

// Lookup resolves a callable-id to its function, as the worker does on
// every task delivery.
func Lookup(id string) (Callable, bool) {
	fn, ok := registry[id]
	return fn, ok
}
