// Package notifier defines the notification-intent port. The core emits
// intents; delivery (chat, email, webhooks) is an external concern.
package notifier

import "context"

// Kind classifies a notification intent.
type Kind string

const (
	KindHitlRequested Kind = "hitl.requested"
	KindHitlEscalated Kind = "hitl.escalated"
	KindHitlExpired   Kind = "hitl.expired"
	KindRunFailed     Kind = "run.failed"
	KindRunTimedOut   Kind = "run.timed_out"
)

// Intent is one notification the core wants delivered.
type Intent struct {
	Kind     Kind              `json:"kind"`
	TenantID string            `json:"tenant_id"`
	RunID    string            `json:"run_id"`
	HitlID   string            `json:"hitl_id,omitempty"`
	Title    string            `json:"title"`
	Body     string            `json:"body,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Notifier delivers notification intents. Failures are logged by the caller
// and never fail the operation that produced the intent.
type Notifier interface {
	// Name identifies the notifier for logging.
	Name() string

	// Notify delivers the intent.
	Notify(ctx context.Context, intent Intent) error
}
