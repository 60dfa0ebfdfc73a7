// Package ws implements the WebSocket observer endpoint. Clients subscribe to
// run topics and receive the event stream fanned out by the event bus.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/BotForge/internal/eventbus"
)

// ClientMessage is a command sent by an observer client.
type ClientMessage struct {
	Type  string `json:"type"`  // "subscribe" or "unsubscribe"
	Topic string `json:"topic"` // e.g. "run:<id>" or "runners"
}

// writeTimeout bounds a single frame write to a slow client.
const writeTimeout = 10 * time.Second

// outboundBuffer is the per-connection send queue depth.
const outboundBuffer = 64

// conn is one observer connection with its topic subscriptions.
type conn struct {
	ws     *websocket.Conn
	out    chan eventbus.Envelope
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*eventbus.Subscription
}

// Hub upgrades observer connections and feeds them from the event bus.
type Hub struct {
	bus *eventbus.Bus

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a hub backed by the given event bus.
func NewHub(bus *eventbus.Bus) *Hub {
	return &Hub{
		bus:   bus,
		conns: make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the request and serves the subscribe/event protocol until
// the client disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		ws:     ws,
		out:    make(chan eventbus.Envelope, outboundBuffer),
		cancel: cancel,
		subs:   make(map[string]*eventbus.Subscription),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("observer connected", "remote", r.RemoteAddr)

	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)

	h.remove(c)
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

// readLoop consumes subscribe/unsubscribe commands until the connection drops.
func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("observer sent malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			h.subscribe(ctx, c, msg.Topic)
		case "unsubscribe":
			c.unsubscribe(msg.Topic)
		}
	}
}

// subscribe attaches the connection to a bus topic and pumps envelopes into
// the connection's outbound queue.
func (h *Hub) subscribe(ctx context.Context, c *conn, topic string) {
	if topic == "" {
		return
	}

	c.mu.Lock()
	if _, dup := c.subs[topic]; dup {
		c.mu.Unlock()
		return
	}
	sub := h.bus.Subscribe(topic)
	c.subs[topic] = sub
	c.mu.Unlock()

	go func() {
		for {
			select {
			case env, ok := <-sub.C:
				if !ok {
					return
				}
				select {
				case c.out <- env:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *conn) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// writeLoop serializes all frame writes for one connection.
func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case env := <-c.out:
			data, err := json.Marshal(env)
			if err != nil {
				slog.Error("observer envelope marshal failed", "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("observer write failed", "error", err)
				c.cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// ConnectionCount returns the number of active observer connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	h.mu.Unlock()

	c.mu.Lock()
	subs := make([]*eventbus.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*eventbus.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	c.cancel()
	slog.Info("observer disconnected")
}
