package worker

import (
	"context"

	"github.com/basket/inboxd/internal/cache"
)

// Ambient is the small process-wide handle set a worker makes available to
// the callable it invokes, in place of the module-level globals the source
// uses (spec §9: "explicit process-wide handles ... passed to callables via
// a small ambient context rather than module-level variables").
type Ambient struct {
	Cache      cache.Store
	UseService func(ctx context.Context, modelType string, fn func(ctx context.Context) error) error
	Submit     func(ctx context.Context, queueName, callableID string, args []string, named map[string]string) error
}

type ambientKey struct{}

// WithAmbient attaches the worker's ambient handles to ctx.
func WithAmbient(ctx context.Context, a Ambient) context.Context {
	return context.WithValue(ctx, ambientKey{}, a)
}

// FromContext retrieves the ambient handles a callable was invoked with.
func FromContext(ctx context.Context) (Ambient, bool) {
	a, ok := ctx.Value(ambientKey{}).(Ambient)
	return a, ok
}
