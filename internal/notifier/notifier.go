// Package notifier implements the Completion Notifier (C8): it watches
// completed tasks for "state-changing" callables and, for those, pushes the
// affected mailbox state out over the Event Bus. Grounded on the teacher's
// internal/gateway broadcast-on-mutation pattern (a mutating RPC call
// triggers a gateway.broadcast of the updated resource), adapted here to
// react to worker completions instead of inbound RPCs.
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/basket/inboxd/internal/cache"
	"github.com/basket/inboxd/internal/eventbus"
	"github.com/basket/inboxd/internal/mailstore"
	"github.com/basket/inboxd/internal/worker"
)

// cacheKeyPrefix is where a callable stages the mailbox state it produced,
// under "mailbox_state.<thread_id>", via its ambient Cache handle — mirroring
// the pattern inference.Supervisor uses to publish ServiceState. A worker
// never touches the mailbox DB directly; the Notifier is the only reader and
// writer of mailstore outside of startup.
const cacheKeyPrefix = "mailbox_state."

// Config holds a Notifier's dependencies.
type Config struct {
	Mailstore *mailstore.Store
	Cache     *cache.Cache
	Bus       *eventbus.Bus
	Logger    *slog.Logger

	// StateChanging is the configured set of callable IDs whose completion
	// should trigger a mailbox-state broadcast (spec §4.8). Non-members are
	// ignored.
	StateChanging []string
}

// Notifier reacts to worker completions on the host side, deciding which
// ones represent a mailbox mutation worth telling connected UIs about.
type Notifier struct {
	store         *mailstore.Store
	cache         *cache.Cache
	bus           *eventbus.Bus
	logger        *slog.Logger
	stateChanging map[string]struct{}
}

// New constructs a Notifier. A nil Bus or Mailstore makes HandleCompletion a
// no-op, which lets a host run without either wired (e.g. in tests).
func New(cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(cfg.StateChanging))
	for _, id := range cfg.StateChanging {
		set[id] = struct{}{}
	}
	return &Notifier{
		store:         cfg.Mailstore,
		cache:         cfg.Cache,
		bus:           cfg.Bus,
		logger:        logger,
		stateChanging: set,
	}
}

// HandleCompletion is the taskmanager.CompletionFunc this Notifier exposes:
// wire it in as Config.OnComplete. Failed tasks and non-state-changing
// callables are ignored; for a member of the configured set, the latest
// mailbox state for the task's thread is loaded and broadcast.
func (n *Notifier) HandleCompletion(queueName string, event worker.CompletionEvent) {
	if event.Failed {
		return
	}
	if _, ok := n.stateChanging[event.CallableID]; !ok {
		return
	}
	if n.bus == nil || n.store == nil {
		return
	}
	if event.ThreadID == "" {
		n.logger.Warn("notifier: state-changing callable completed without a thread id",
			"queue", queueName, "callable_id", event.CallableID)
		return
	}

	ctx := context.Background()
	n.applyStagedState(event.ThreadID)

	state, err := n.store.LatestState(ctx, event.ThreadID)
	if err != nil {
		n.logger.Warn("notifier: failed to load mailbox state after completion",
			"queue", queueName, "callable_id", event.CallableID, "thread_id", event.ThreadID, "error", err)
		return
	}

	n.bus.Broadcast(state)
	n.logger.Debug("notifier: broadcast mailbox state", "thread_id", event.ThreadID, "callable_id", event.CallableID)
}

// applyStagedState persists whatever mailbox state the completed callable
// staged into the Shared Cache under cacheKeyPrefix+threadID, then clears
// the staged entry. A callable that made no mailbox changes leaves nothing
// staged, and this is a no-op.
func (n *Notifier) applyStagedState(threadID string) {
	if n.cache == nil {
		return
	}
	raw, ok := n.cache.Get(cacheKeyPrefix + threadID)
	if !ok {
		return
	}
	defer n.cache.Delete(cacheKeyPrefix + threadID)

	var staged mailstore.MailboxState
	if err := json.Unmarshal(raw, &staged); err != nil {
		n.logger.Warn("notifier: staged mailbox state is malformed", "thread_id", threadID, "error", err)
		return
	}
	if err := n.store.UpsertThread(context.Background(), staged); err != nil {
		n.logger.Warn("notifier: failed to persist staged mailbox state", "thread_id", threadID, "error", err)
	}
}
