package notifier

import (
	"context"
	"log/slog"
	"sync"
)

// Registry fans intents out to all registered notifiers. Delivery is
// best-effort: per-notifier failures are logged, not returned.
type Registry struct {
	mu        sync.RWMutex
	notifiers []Notifier
}

// NewRegistry creates an empty notifier registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a notifier.
func (r *Registry) Register(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers = append(r.notifiers, n)
}

// Notify delivers the intent to every registered notifier.
func (r *Registry) Notify(ctx context.Context, intent Intent) {
	r.mu.RLock()
	targets := make([]Notifier, len(r.notifiers))
	copy(targets, r.notifiers)
	r.mu.RUnlock()

	for _, n := range targets {
		if err := n.Notify(ctx, intent); err != nil {
			slog.Warn("notification delivery failed",
				"notifier", n.Name(),
				"kind", intent.Kind,
				"run_id", intent.RunID,
				"error", err,
			)
		}
	}
}
