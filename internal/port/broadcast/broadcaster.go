// Package broadcast defines the port for publishing real-time run events to
// local observers.
package broadcast

import "context"

// Broadcaster routes a typed event to all subscribers of a topic. Delivery is
// at-least-once and best-effort: a slow observer may miss updates, the
// persisted event log is the canonical record.
type Broadcaster interface {
	// Publish sends a typed event to the topic's subscribers without blocking.
	Publish(ctx context.Context, topic, eventType string, payload any)
}
