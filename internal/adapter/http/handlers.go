package http

import (
	"log/slog"
	"net/http"

	"github.com/Strob0t/BotForge/internal/config"
	"github.com/Strob0t/BotForge/internal/domain/hitl"
	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/port/database"
	"github.com/Strob0t/BotForge/internal/port/eventstore"
	"github.com/Strob0t/BotForge/internal/service"
)

// headerActorID carries the acting user's identity, stamped by the auth layer
// in front of this service.
const headerActorID = "X-Actor-ID"

// Drainer flips assignment eligibility on a runner's live gateway session.
type Drainer interface {
	SetDraining(runnerID string, draining bool) bool
}

// Handlers holds dependencies for all control API handlers.
type Handlers struct {
	lifecycle *service.Lifecycle
	store     database.Store
	events    eventstore.Store
	cfg       *config.Config
	drainer   Drainer
	natsUp    func() bool
}

// NewHandlers creates the control API handler set. drainer and natsUp may be
// nil when the instance runs without a gateway or NATS relay.
func NewHandlers(
	lifecycle *service.Lifecycle,
	store database.Store,
	events eventstore.Store,
	cfg *config.Config,
	drainer Drainer,
	natsUp func() bool,
) *Handlers {
	return &Handlers{
		lifecycle: lifecycle,
		store:     store,
		events:    events,
		cfg:       cfg,
		drainer:   drainer,
		natsUp:    natsUp,
	}
}

func actorID(r *http.Request) string {
	if id := r.Header.Get(headerActorID); id != "" {
		return id
	}
	return "anonymous"
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// runDetail is a run plus the aggregate counts the UI shows on the detail view.
type runDetail struct {
	run.Run
	ChildCount int `json:"child_count"`
	EventCount int `json:"event_count"`
}

func (h *Handlers) runDetail(r *http.Request, ru *run.Run) runDetail {
	d := runDetail{Run: *ru}
	ctx := r.Context()
	if n, err := h.store.CountRunChildren(ctx, ru.ID); err == nil {
		d.ChildCount = n
	}
	if n, err := h.events.CountByRun(ctx, ru.ID); err == nil {
		d.EventCount = n
	}
	return d
}

// CreateRun starts a new run.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.CreateRequest](w, r, h.cfg.Runs.MaxInputBytes)
	if !ok {
		return
	}
	req.TriggeredBy = actorID(r)

	created, err := h.lifecycle.Create(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "bot not found")
		return
	}
	writeJSON(w, http.StatusCreated, h.runDetail(r, created))
}

// GetRun returns one run with child and event counts.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ru, err := h.lifecycle.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, h.runDetail(r, ru))
}

// ListRuns returns a filtered page of runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.RunFilter{
		BotID:       q.Get("bot_id"),
		RunnerID:    q.Get("runner_id"),
		ParentRunID: q.Get("parent_run_id"),
		TriggerType: run.TriggerType(q.Get("trigger_type")),
		Tag:         q.Get("tag"),
		Limit:       queryInt(r, "limit", 50),
		Offset:      queryInt(r, "offset", 0),
	}
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, run.Status(s))
	}

	runs, err := h.lifecycle.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// ListRunChildren returns the direct children of a run.
func (h *Handlers) ListRunChildren(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.lifecycle.Get(r.Context(), id); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	children, err := h.lifecycle.ListChildren(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to list children")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": children, "count": len(children)})
}

// ListRunEvents returns the persisted timeline of a run.
func (h *Handlers) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.EventFilter{
		Types:    q["type"],
		Severity: q.Get("severity"),
		StepID:   q.Get("step_id"),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}

	events, err := h.lifecycle.Events(r.Context(), urlParam(r, "id"), filter)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// ListRunLogs returns a filtered page of run log lines.
func (h *Handlers) ListRunLogs(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.lifecycle.Get(r.Context(), id); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}

	q := r.URL.Query()
	filter := database.LogFilter{
		Level:  q.Get("level"),
		Source: q.Get("source"),
		StepID: q.Get("step_id"),
		Limit:  queryInt(r, "limit", 200),
		Offset: queryInt(r, "offset", 0),
	}
	lines, err := h.events.ListLogsByRun(r.Context(), id, filter)
	if err != nil {
		writeDomainError(w, err, "failed to list logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines, "count": len(lines)})
}

type cancelRequest struct {
	Reason          string `json:"reason,omitempty"`
	CascadeChildren bool   `json:"cascade_children,omitempty"`
}

// CancelRun cancels a non-terminal run, optionally cascading to its children.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[cancelRequest](w, r, h.cfg.Runs.MaxInputBytes)
	if !ok {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by " + actorID(r)
	}

	id := urlParam(r, "id")
	if err := h.lifecycle.Cancel(r.Context(), id, reason, req.CascadeChildren); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	h.respondWithRun(w, r, id)
}

// PauseRun suspends a running run at the next step boundary.
func (h *Handlers) PauseRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.lifecycle.Pause(r.Context(), id); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	h.respondWithRun(w, r, id)
}

// ResumeRun continues a paused run.
func (h *Handlers) ResumeRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.lifecycle.Resume(r.Context(), id); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	h.respondWithRun(w, r, id)
}

// RetryRun clones a terminal, non-succeeded run into a fresh one.
func (h *Handlers) RetryRun(w http.ResponseWriter, r *http.Request) {
	created, err := h.lifecycle.RetryNow(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusCreated, h.runDetail(r, created))
}

func (h *Handlers) respondWithRun(w http.ResponseWriter, r *http.Request, id string) {
	ru, err := h.lifecycle.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, h.runDetail(r, ru))
}

// ---------------------------------------------------------------------------
// Approvals
// ---------------------------------------------------------------------------

// GetApproval returns one approval request.
func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.lifecycle.GetHitlRequest(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "approval request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ListApprovals returns a filtered page of approval requests.
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.HitlFilter{
		RunID:      q.Get("run_id"),
		AssignedTo: q.Get("assigned_to"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, hitl.Status(s))
	}

	reqs, err := h.lifecycle.ListHitlRequests(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, "failed to list approvals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs, "count": len(reqs)})
}

// ResolveApproval applies a human decision to a pending approval request.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	res, ok := readJSON[hitl.Resolution](w, r, h.cfg.Runs.MaxInputBytes)
	if !ok {
		return
	}
	if res.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	req, err := h.lifecycle.ResolveHitl(r.Context(), urlParam(r, "id"), actorID(r), &res)
	if err != nil {
		writeDomainError(w, err, "approval request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Healthz is the liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz is the readiness probe: database reachable, NATS connected when
// configured.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Warn("readiness check failed", "component", "postgres", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "component": "postgres"})
		return
	}
	if h.natsUp != nil && !h.natsUp() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "component": "nats"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
