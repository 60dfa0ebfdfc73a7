package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/BotForge/internal/domain/runner"
)

// Session is one authenticated runner connection.
type Session struct {
	gw     *Gateway
	ws     *websocket.Conn
	runner *runner.Runner
	out    chan Frame
	cancel context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]struct{}
	lastSeen time.Time
	draining bool
	busy     bool
	closed   bool
}

func newSession(gw *Gateway, ws *websocket.Conn, r *runner.Runner, cancel context.CancelFunc) *Session {
	return &Session{
		gw:       gw,
		ws:       ws,
		runner:   r,
		out:      make(chan Frame, 16),
		cancel:   cancel,
		jobs:     make(map[string]struct{}),
		lastSeen: time.Now().UTC(),
	}
}

// RunnerID returns the authenticated runner's ID.
func (s *Session) RunnerID() string { return s.runner.ID }

// TenantID returns the runner's tenant.
func (s *Session) TenantID() string { return s.runner.TenantID }

// Runner returns the runner profile captured at handshake, with the current
// job list filled in so selector matching sees live capacity.
func (s *Session) Runner() *runner.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.runner
	cp.CurrentJobs = make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		cp.CurrentJobs = append(cp.CurrentJobs, id)
	}
	return &cp
}

// Jobs returns the run IDs currently placed on this session.
func (s *Session) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		out = append(out, id)
	}
	return out
}

func (s *Session) addJob(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[runID] = struct{}{}
}

func (s *Session) removeJob(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, runID)
}

func (s *Session) hasJob(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[runID]
	return ok
}

// setBusy tracks the persisted busy/online flip. Returns true when the value
// changed, so the caller only writes the status once per edge.
func (s *Session) setBusy(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy == v {
		return false
	}
	s.busy = v
	return true
}

func (s *Session) hasCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.runner.MaxConcurrentJobs
	if limit <= 0 {
		limit = 1
	}
	return len(s.jobs) < limit
}

func (s *Session) setDraining(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = v
}

func (s *Session) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now().UTC()
}

func (s *Session) seenSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.After(cutoff)
}

// Send queues a frame for delivery. Returns false when the session is closed
// or its outbound queue is saturated.
func (s *Session) Send(ctx context.Context, f Frame) bool {
	select {
	case s.out <- f:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(s.gw.cfg.WriteTimeout):
		return false
	}
}

// close tears the session down once. Safe to call from multiple goroutines.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.ws.Close(code, reason)
}

// readLoop consumes runner frames until the connection drops.
func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			return
		}
		s.touch()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("runner sent malformed frame", "runner_id", s.RunnerID(), "error", err)
			continue
		}
		s.gw.handleFrame(ctx, s, f)
	}
}

// writeLoop serializes all frame writes for the session.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case f := <-s.out:
			data, err := json.Marshal(f)
			if err != nil {
				slog.Error("gateway frame marshal failed", "type", f.Type, "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, s.gw.cfg.WriteTimeout)
			err = s.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("gateway write failed", "runner_id", s.RunnerID(), "error", err)
				s.cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
