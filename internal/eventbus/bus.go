// Package eventbus provides the in-process fan-out hub that routes run events
// from the lifecycle engine to local observers (WebSocket hub, SSE streams).
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Envelope is the unit delivered to subscribers.
type Envelope struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin,omitempty"` // publishing instance ID
	Timestamp time.Time       `json:"timestamp"`
}

// Subscription is a live topic subscription. Receive from C; call Cancel when
// done. The channel is closed after Cancel returns.
type Subscription struct {
	C      <-chan Envelope
	cancel func()
}

// Cancel detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Cancel() {
	s.cancel()
}

type subscriber struct {
	ch     chan Envelope
	closed bool
}

// Bus is a topic-keyed fan-out with bounded per-subscriber buffers.
// When a subscriber's buffer is full the oldest envelope is dropped so a slow
// observer never blocks the publisher. The persisted event log stays the
// canonical record.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]map[*subscriber]struct{}
	bufSize int
	dropped atomic.Int64
}

// New creates a Bus with the given per-subscriber buffer capacity.
func New(bufSize int) *Bus {
	if bufSize < 1 {
		bufSize = 256
	}
	return &Bus{
		topics:  make(map[string]map[*subscriber]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscriber on topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &subscriber{ch: make(chan Envelope, b.bufSize)}

	b.mu.Lock()
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return &Subscription{
		C: sub.ch,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				if set, ok := b.topics[topic]; ok {
					delete(set, sub)
					if len(set) == 0 {
						delete(b.topics, topic)
					}
				}
				sub.closed = true
				b.mu.Unlock()
				close(sub.ch)
			})
		},
	}
}

// Publish routes a typed event to all subscribers of topic without blocking.
func (b *Bus) Publish(_ context.Context, topic, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("event payload marshal failed", "topic", topic, "type", eventType, "error", err)
		return
	}
	b.publish(Envelope{
		Topic:     topic,
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	})
}

// publish delivers a pre-built envelope locally.
func (b *Bus) publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.topics[env.Topic] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Full buffer: evict the oldest so the newest always lands.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- env:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns the total number of envelopes evicted from full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
