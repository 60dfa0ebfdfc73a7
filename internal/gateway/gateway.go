package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/BotForge/internal/adapter/otel"
	"github.com/Strob0t/BotForge/internal/config"
	"github.com/Strob0t/BotForge/internal/domain/event"
	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/domain/runner"
	"github.com/Strob0t/BotForge/internal/middleware"
	"github.com/Strob0t/BotForge/internal/port/broadcast"
	"github.com/Strob0t/BotForge/internal/port/database"
	"github.com/Strob0t/BotForge/internal/port/eventstore"
	"github.com/Strob0t/BotForge/internal/service"
)

var _ service.Commander = (*Gateway)(nil)

// Gateway terminates runner WebSocket sessions and drives job dispatch. It
// implements service.Commander so the lifecycle can reach placed jobs.
type Gateway struct {
	store     database.Store
	events    eventstore.Store
	lifecycle *service.Lifecycle
	registry  *Registry
	bus       broadcast.Broadcaster
	metrics   *otel.Metrics
	cfg       *config.Gateway

	kick chan struct{}
}

// New creates the runner gateway.
func New(
	store database.Store,
	events eventstore.Store,
	lifecycle *service.Lifecycle,
	bus broadcast.Broadcaster,
	metrics *otel.Metrics,
	cfg *config.Gateway,
) *Gateway {
	return &Gateway{
		store:     store,
		events:    events,
		lifecycle: lifecycle,
		registry:  NewRegistry(),
		bus:       bus,
		metrics:   metrics,
		cfg:       cfg,
		kick:      make(chan struct{}, 1),
	}
}

// Registry exposes the live sessions, mainly for readiness and tests.
func (g *Gateway) Registry() *Registry { return g.registry }

// HashKey returns the hex SHA-256 digest stored for a runner API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HandleWS upgrades a runner connection, runs the handshake and serves the
// session until it drops.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // runners authenticate with an API key, not an origin
	})
	if err != nil {
		slog.Error("runner websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	profile, resumable, err := g.handshake(ctx, ws)
	if err != nil {
		slog.Warn("runner handshake rejected", "remote", r.RemoteAddr, "error", err)
		g.sendAuthError(ctx, ws, err)
		_ = ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	s := newSession(g, ws, profile, cancel)
	if profile.Status == runner.StatusDraining {
		s.setDraining(true)
	}
	for _, runID := range resumable {
		s.addJob(runID)
	}
	g.attach(ctx, s)

	go s.writeLoop(ctx)
	s.readLoop(ctx)

	g.detach(ctx, s)
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

// handshake reads the auth frame under the configured deadline and verifies
// the API key. Returns the runner profile and any runs still placed on it
// from a previous session.
func (g *Gateway) handshake(ctx context.Context, ws *websocket.Conn) (*runner.Runner, []string, error) {
	hctx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	defer cancel()

	_, data, err := ws.Read(hctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read auth frame: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != TypeRunnerAuth {
		return nil, nil, fmt.Errorf("first frame must be %s", TypeRunnerAuth)
	}
	var req AuthRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		return nil, nil, fmt.Errorf("decode auth frame: %w", err)
	}
	if req.APIKey == "" {
		return nil, nil, fmt.Errorf("missing api key")
	}

	keyHash := HashKey(req.APIKey)
	rec, err := g.store.GetRunnerByKeyHash(hctx, keyHash)
	if err != nil {
		return nil, nil, fmt.Errorf("unknown api key")
	}
	if subtle.ConstantTimeCompare([]byte(rec.APIKeyHash), []byte(keyHash)) != 1 {
		return nil, nil, fmt.Errorf("unknown api key")
	}

	tctx := middleware.WithTenantID(hctx, rec.TenantID)
	now := time.Now().UTC()
	// A draining runner keeps its status across reconnects.
	if rec.Status != runner.StatusDraining {
		if err := g.store.UpdateRunnerStatus(tctx, rec.ID, runner.StatusOnline); err != nil {
			return nil, nil, fmt.Errorf("bring runner online: %w", err)
		}
		rec.Status = runner.StatusOnline
	}
	if err := g.store.TouchRunnerHeartbeat(tctx, rec.ID, now); err != nil {
		slog.Warn("heartbeat touch at handshake failed", "runner_id", rec.ID, "error", err)
	}
	rec.LastHeartbeatAt = &now

	// Runs still placed on this runner survive a reconnect.
	placed, err := g.store.ListRunsByRunner(tctx, rec.ID,
		[]run.Status{run.StatusLeased, run.StatusRunning, run.StatusPaused, run.StatusWaitingApproval}, 100)
	if err != nil {
		slog.Warn("resumable run lookup failed", "runner_id", rec.ID, "error", err)
	}
	resumable := make([]string, 0, len(placed))
	for i := range placed {
		resumable = append(resumable, placed[i].ID)
	}

	ack, err := NewFrame(TypeAuthAck, AuthAck{
		RunnerID:         rec.ID,
		HeartbeatSeconds: int(g.cfg.HeartbeatInterval.Seconds()),
		ResumableJobs:    resumable,
	})
	if err != nil {
		return nil, nil, err
	}
	ackData, _ := json.Marshal(ack)
	wctx, wcancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer wcancel()
	if err := ws.Write(wctx, websocket.MessageText, ackData); err != nil {
		return nil, nil, fmt.Errorf("write auth ack: %w", err)
	}
	return rec, resumable, nil
}

func (g *Gateway) sendAuthError(ctx context.Context, ws *websocket.Conn, cause error) {
	f, err := NewFrame(TypeAuthError, AuthError{Reason: cause.Error()})
	if err != nil {
		return
	}
	data, _ := json.Marshal(f)
	wctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()
	_ = ws.Write(wctx, websocket.MessageText, data)
}

// attach registers the session, kicking any previous one for the runner.
func (g *Gateway) attach(ctx context.Context, s *Session) {
	if old := g.registry.Add(s); old != nil {
		slog.Info("kicking stale runner session", "runner_id", s.RunnerID())
		old.close(websocket.StatusGoingAway, "superseded by new connection")
	}

	slog.Info("runner connected", "runner_id", s.RunnerID(), "jobs", len(s.Jobs()))
	if g.metrics != nil {
		g.metrics.RunnersOnline.Add(ctx, 1)
	}
	g.bus.Publish(ctx, event.TopicRunners, string(event.TypeRunnerOnline), map[string]string{
		"runner_id": s.RunnerID(),
	})
	// Resumed jobs may already saturate the runner.
	g.syncRunnerStatus(middleware.WithTenantID(ctx, s.TenantID()), s)
	g.Kick()
}

// detach cleans up after a session ends. When the session is still the
// registered one, its runner goes offline and in-flight jobs are orphaned; a
// kicked session leaves its replacement's state alone.
func (g *Gateway) detach(ctx context.Context, s *Session) {
	if !g.registry.Remove(s) {
		return
	}

	slog.Info("runner disconnected", "runner_id", s.RunnerID(), "orphaned_jobs", len(s.Jobs()))
	if g.metrics != nil {
		g.metrics.RunnersOnline.Add(ctx, -1)
	}

	tctx := middleware.WithTenantID(ctx, s.TenantID())
	if err := g.store.UpdateRunnerStatus(tctx, s.RunnerID(), runner.StatusOffline); err != nil {
		slog.Warn("mark runner offline failed", "runner_id", s.RunnerID(), "error", err)
	}
	g.bus.Publish(ctx, event.TopicRunners, string(event.TypeRunnerOffline), map[string]string{
		"runner_id": s.RunnerID(),
		"reason":    "connection closed",
	})

	for _, runID := range s.Jobs() {
		if err := g.lifecycle.OrphanRun(tctx, runID); err != nil {
			slog.Error("orphan run after disconnect failed", "run_id", runID, "error", err)
		}
	}
}

// handleFrame routes one runner frame. Handler errors are logged, never sent
// back; the runner's own state machine recovers from rejected reports. Job
// frames are only honoured for runs placed on this session.
func (g *Gateway) handleFrame(ctx context.Context, s *Session, f Frame) {
	tctx := middleware.WithTenantID(ctx, s.TenantID())

	switch f.Type {
	case TypeRunnerHeartbeat:
		g.handleHeartbeat(tctx, s, f.Data)
	case TypeJobStarted:
		var p JobStarted
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		if !g.ownsJob(s, f.Type, p.RunID) {
			return
		}
		if err := g.lifecycle.MarkStarted(tctx, p.RunID); err != nil {
			slog.Warn("job start rejected", "run_id", p.RunID, "error", err)
		}
	case TypeJobProgress:
		var p JobProgress
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		if !g.ownsJob(s, f.Type, p.RunID) {
			return
		}
		if err := g.lifecycle.UpdateProgress(tctx, p.RunID, p.Delta); err != nil {
			slog.Debug("progress rejected", "run_id", p.RunID, "error", err)
		}
		if p.Step != nil {
			if err := g.lifecycle.RecordStep(tctx, p.RunID, p.Step); err != nil {
				slog.Debug("step marker rejected", "run_id", p.RunID, "error", err)
			}
		}
	case TypeJobResult:
		var p JobResult
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		if !g.ownsJob(s, f.Type, p.RunID) {
			return
		}
		if err := g.lifecycle.Complete(tctx, p.RunID, &p.Result); err != nil {
			slog.Warn("job result rejected", "run_id", p.RunID, "error", err)
		}
		s.removeJob(p.RunID)
		g.syncRunnerStatus(tctx, s)
		g.Kick()
	case TypeJobHitl:
		var p JobHitl
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		if !g.ownsJob(s, f.Type, p.RunID) {
			return
		}
		if _, err := g.lifecycle.RequestHitl(tctx, p.RunID, &p.Input); err != nil {
			slog.Warn("approval request rejected", "run_id", p.RunID, "error", err)
		}
	case TypeJobLogs:
		var p JobLogs
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		if !g.ownsJob(s, f.Type, p.RunID) {
			return
		}
		for i := range p.Lines {
			p.Lines[i].RunID = p.RunID
			p.Lines[i].TenantID = s.TenantID()
		}
		if err := g.events.AppendLogs(tctx, p.Lines); err != nil {
			slog.Error("run log append failed", "run_id", p.RunID, "error", err)
		}
	default:
		slog.Debug("unknown runner frame", "type", f.Type, "runner_id", s.RunnerID())
	}
}

// ownsJob checks that the reported run is placed on this session. Frames for
// runs the runner does not hold are dropped: a compromised or confused runner
// must not touch other runners' work.
func (g *Gateway) ownsJob(s *Session, frameType, runID string) bool {
	if runID == "" || !s.hasJob(runID) {
		slog.Warn("frame for unowned run dropped",
			"type", frameType, "run_id", runID, "runner_id", s.RunnerID())
		return false
	}
	return true
}

// syncRunnerStatus persists the busy/online edge derived from the session's
// live job count. Draining and offline transitions are handled elsewhere.
func (g *Gateway) syncRunnerStatus(ctx context.Context, s *Session) {
	if s.isDraining() {
		return
	}
	busy := !s.hasCapacity()
	if !s.setBusy(busy) {
		return
	}
	status := runner.StatusOnline
	if busy {
		status = runner.StatusBusy
	}
	if err := g.store.UpdateRunnerStatus(ctx, s.RunnerID(), status); err != nil {
		slog.Warn("runner status update failed", "runner_id", s.RunnerID(), "status", status, "error", err)
	}
}

func (g *Gateway) handleHeartbeat(ctx context.Context, s *Session, data json.RawMessage) {
	var hb Heartbeat
	if len(data) > 0 {
		if err := json.Unmarshal(data, &hb); err != nil {
			return
		}
	}
	if err := g.store.TouchRunnerHeartbeat(ctx, s.RunnerID(), time.Now().UTC()); err != nil {
		slog.Warn("heartbeat touch failed", "runner_id", s.RunnerID(), "error", err)
	}
}

// SetDraining flips assignment eligibility for a connected runner. Placed
// jobs are unaffected. Reports whether the runner had a live session.
func (g *Gateway) SetDraining(runnerID string, draining bool) bool {
	s := g.registry.Get(runnerID)
	if s == nil {
		return false
	}
	s.setDraining(draining)
	if !draining {
		g.Kick()
	}
	return true
}

// Kick nudges the dispatch loop. Coalescing.
func (g *Gateway) Kick() {
	select {
	case g.kick <- struct{}{}:
	default:
	}
}

// Start launches the dispatch and liveness loops until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) {
	go g.dispatchLoop(ctx)
	go g.livenessLoop(ctx)
}

// dispatchLoop assigns queued runs to connected runners with spare capacity.
// It wakes on enqueue signals and falls back to a periodic sweep so nothing
// starves if a signal is lost.
func (g *Gateway) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.lifecycle.WakeCh():
		case <-g.kick:
		case <-ticker.C:
		}
		g.dispatchPass(ctx)
	}
}

// dispatchPass offers work to every connected runner until the queue has
// nothing eligible for it.
func (g *Gateway) dispatchPass(ctx context.Context) {
	for _, s := range g.registry.All() {
		if s.isDraining() {
			continue
		}
		for s.hasCapacity() {
			if !g.assignOne(ctx, s) {
				break
			}
		}
	}
}

// assignOne claims and delivers a single job. Returns false when no work was
// placed on the session.
func (g *Gateway) assignOne(ctx context.Context, s *Session) bool {
	tctx := middleware.WithTenantID(ctx, s.TenantID())

	asg, err := g.lifecycle.ClaimFor(tctx, s.Runner())
	if err != nil {
		slog.Error("queue claim failed", "runner_id", s.RunnerID(), "error", err)
		return false
	}
	if asg == nil {
		return false
	}

	actx, span := otel.StartAssignSpan(tctx, asg.RunID, s.RunnerID())
	defer span.End()

	f, err := NewFrame(TypeJobAssign, asg)
	if err != nil {
		slog.Error("assignment marshal failed", "run_id", asg.RunID, "error", err)
		if rerr := g.lifecycle.Requeue(actx, asg.RunID); rerr != nil {
			slog.Error("requeue after marshal failure failed", "run_id", asg.RunID, "error", rerr)
		}
		return false
	}

	s.addJob(asg.RunID)
	if !s.Send(actx, f) {
		s.removeJob(asg.RunID)
		slog.Warn("assignment delivery failed, requeueing", "run_id", asg.RunID, "runner_id", s.RunnerID())
		if err := g.lifecycle.Requeue(actx, asg.RunID); err != nil {
			slog.Error("requeue after delivery failure failed", "run_id", asg.RunID, "error", err)
		}
		return false
	}

	slog.Info("job assigned", "run_id", asg.RunID, "runner_id", s.RunnerID())
	g.syncRunnerStatus(tctx, s)
	return true
}

// livenessLoop force-closes sessions that stopped heartbeating. The scheduler
// tick separately catches runners whose instance died with them.
func (g *Gateway) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-g.cfg.HeartbeatTimeout)
			for _, s := range g.registry.All() {
				if !s.seenSince(cutoff) {
					slog.Warn("runner heartbeat timeout", "runner_id", s.RunnerID())
					s.close(websocket.StatusGoingAway, "heartbeat timeout")
				}
			}
		}
	}
}

// CancelJob implements service.Commander.
func (g *Gateway) CancelJob(ctx context.Context, runnerID, runID, reason string) error {
	s := g.registry.Get(runnerID)
	if s == nil {
		return fmt.Errorf("runner %s not connected", runnerID)
	}
	f, err := NewFrame(TypeJobCancel, JobCancel{RunID: runID, Reason: reason})
	if err != nil {
		return err
	}
	if !s.Send(ctx, f) {
		return fmt.Errorf("cancel frame delivery to %s failed", runnerID)
	}
	s.removeJob(runID)
	g.syncRunnerStatus(middleware.WithTenantID(ctx, s.TenantID()), s)
	return nil
}

// PauseJob implements service.Commander.
func (g *Gateway) PauseJob(ctx context.Context, runnerID, runID string) error {
	s := g.registry.Get(runnerID)
	if s == nil {
		return fmt.Errorf("runner %s not connected", runnerID)
	}
	f, err := NewFrame(TypeJobPause, JobPause{RunID: runID})
	if err != nil {
		return err
	}
	if !s.Send(ctx, f) {
		return fmt.Errorf("pause frame delivery to %s failed", runnerID)
	}
	return nil
}

// ResumeJob implements service.Commander.
func (g *Gateway) ResumeJob(ctx context.Context, runnerID, runID string, payload json.RawMessage) error {
	s := g.registry.Get(runnerID)
	if s == nil {
		return fmt.Errorf("runner %s not connected", runnerID)
	}
	f, err := NewFrame(TypeJobResume, JobResume{RunID: runID, Payload: payload})
	if err != nil {
		return err
	}
	if !s.Send(ctx, f) {
		return fmt.Errorf("resume frame delivery to %s failed", runnerID)
	}
	return nil
}
