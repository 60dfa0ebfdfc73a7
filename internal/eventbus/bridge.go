package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/BotForge/internal/port/messagequeue"
)

// Bridge relays bus envelopes between orchestrator instances over the message
// queue so observers connected to one instance see events for runs dispatched
// by another.
type Bridge struct {
	bus        *Bus
	queue      messagequeue.Queue
	instanceID string
	cancels    []func()
}

// NewBridge creates a Bridge identified by instanceID. The ID guards against
// re-delivering an instance's own envelopes when they echo back.
func NewBridge(bus *Bus, queue messagequeue.Queue, instanceID string) *Bridge {
	return &Bridge{bus: bus, queue: queue, instanceID: instanceID}
}

// Start subscribes to the relay subjects. Call Stop to detach.
func (br *Bridge) Start(ctx context.Context) error {
	for _, subject := range []string{messagequeue.SubjectRunEvents, messagequeue.SubjectRunnerEvents} {
		cancel, err := br.queue.Subscribe(ctx, subject, br.handle)
		if err != nil {
			br.Stop()
			return fmt.Errorf("bridge subscribe %s: %w", subject, err)
		}
		br.cancels = append(br.cancels, cancel)
	}
	return nil
}

// Stop cancels the relay subscriptions.
func (br *Bridge) Stop() {
	for _, cancel := range br.cancels {
		cancel()
	}
	br.cancels = nil
}

// Publish implements the broadcast port on top of the local bus plus the
// relay: local subscribers get the envelope directly and peer instances
// receive it over the queue.
func (br *Bridge) Publish(ctx context.Context, topic, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("event payload marshal failed", "topic", topic, "type", eventType, "error", err)
		return
	}
	env := Envelope{
		Topic:     topic,
		Type:      eventType,
		Payload:   data,
		Origin:    br.instanceID,
		Timestamp: time.Now().UTC(),
	}
	br.bus.publish(env)
	br.Relay(ctx, env)
}

// Relay publishes a local envelope to the peer instances.
func (br *Bridge) Relay(ctx context.Context, env Envelope) {
	env.Origin = br.instanceID

	subject := messagequeue.SubjectRunEvents
	if env.Topic == "runners" {
		subject = messagequeue.SubjectRunnerEvents
	}

	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("bridge envelope marshal failed", "topic", env.Topic, "error", err)
		return
	}
	if err := br.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("bridge relay failed", "subject", subject, "topic", env.Topic, "error", err)
	}
}

// handle re-injects a remote envelope into the local bus.
func (br *Bridge) handle(_ context.Context, subject string, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("bridge envelope decode: %w", err)
	}

	// Our own envelope echoed back through the stream.
	if env.Origin == br.instanceID {
		return nil
	}

	if env.Topic == "" || strings.ContainsAny(env.Topic, " \t\n") {
		slog.Warn("bridge dropped malformed envelope", "subject", subject)
		return nil
	}

	br.bus.publish(env)
	return nil
}
