package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Strob0t/BotForge/internal/domain"
	"github.com/Strob0t/BotForge/internal/domain/bot"
	"github.com/Strob0t/BotForge/internal/domain/event"
	"github.com/Strob0t/BotForge/internal/domain/hitl"
	"github.com/Strob0t/BotForge/internal/domain/queue"
	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/domain/runlog"
	"github.com/Strob0t/BotForge/internal/domain/runner"
	"github.com/Strob0t/BotForge/internal/port/database"
)

// Ensure mockStore implements database.Store at compile time.
var _ database.Store = (*mockStore)(nil)

// mockStore is a minimal in-memory implementation of database.Store for
// testing. It honours the conditional-update contract but not tenant scoping.
type mockStore struct {
	mu      sync.Mutex
	runs    map[string]*run.Run
	entries []queue.Entry
	runners map[string]*runner.Runner
	hitls   map[string]*hitl.Request
	bots    map[string]*bot.Bot
	vers    map[string]*bot.Version

	// Error hooks. Set these to inject failures.
	createRunErr  error
	claimErr      error
	condErr       error
	createHitlErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:    map[string]*run.Run{},
		runners: map[string]*runner.Runner{},
		hitls:   map[string]*hitl.Request{},
		bots:    map[string]*bot.Bot{},
		vers:    map[string]*bot.Version{},
	}
}

func (m *mockStore) CreateRun(_ context.Context, r *run.Run) error {
	if m.createRunErr != nil {
		return m.createRunErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) ListRuns(_ context.Context, filter database.RunFilter) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.runs {
		if filter.ParentRunID != "" && r.ParentRunID != filter.ParentRunID {
			continue
		}
		if filter.BotID != "" && r.BotID != filter.BotID {
			continue
		}
		if filter.RunnerID != "" && r.RunnerID != filter.RunnerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, r.Status) {
			continue
		}
		out = append(out, *r)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *mockStore) ListChildRuns(ctx context.Context, parentID string) ([]run.Run, error) {
	return m.ListRuns(ctx, database.RunFilter{ParentRunID: parentID})
}

func (m *mockStore) CountRunChildren(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.ParentRunID == id {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) ConditionalUpdateRun(_ context.Context, id string, whereStatusIn []run.Status, patch database.RunPatch) (int64, error) {
	if m.condErr != nil {
		return 0, m.condErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return 0, nil
	}
	if !containsStatus(whereStatusIn, r.Status) {
		return 0, nil
	}
	applyPatch(r, patch)
	r.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func applyPatch(r *run.Run, p database.RunPatch) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.RunnerID != nil {
		r.RunnerID = *p.RunnerID
	}
	if p.ErrorCode != nil {
		r.ErrorCode = *p.ErrorCode
	}
	if p.ErrorMessage != nil {
		r.ErrorMessage = *p.ErrorMessage
	}
	if p.Outputs != nil {
		r.Outputs = p.Outputs
	}
	if p.Inputs != nil {
		r.Inputs = p.Inputs
	}
	if p.RetryCount != nil {
		r.RetryCount = *p.RetryCount
	}
	if p.NextRetryAt != nil {
		r.NextRetryAt = p.NextRetryAt
	}
	if p.RetryHistory != nil {
		r.RetryHistory = p.RetryHistory
	}
	if p.QueuedAt != nil {
		r.QueuedAt = p.QueuedAt
	}
	if p.LeasedAt != nil {
		r.LeasedAt = p.LeasedAt
	}
	if p.StartedAt != nil {
		r.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		r.CompletedAt = p.CompletedAt
	}
	if p.QueueDuration != nil {
		r.QueueDurationMs = *p.QueueDuration
	}
	if p.Duration != nil {
		r.DurationMs = *p.Duration
	}
	if p.CompletedSteps != nil && *p.CompletedSteps > r.CompletedSteps {
		r.CompletedSteps = *p.CompletedSteps
	}
	if p.FailedSteps != nil && *p.FailedSteps > r.FailedSteps {
		r.FailedSteps = *p.FailedSteps
	}
	if p.TotalSteps != nil && *p.TotalSteps > r.TotalSteps {
		r.TotalSteps = *p.TotalSteps
	}
	if p.Progress != nil && *p.Progress > r.Progress {
		r.Progress = *p.Progress
	}
	if p.CurrentNodeID != nil {
		r.CurrentNodeID = *p.CurrentNodeID
	}
	if p.MemoryPeakMB != nil && *p.MemoryPeakMB > r.MemoryPeakMB {
		r.MemoryPeakMB = *p.MemoryPeakMB
	}
}

func containsStatus(set []run.Status, s run.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (m *mockStore) CountActiveRuns(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if !r.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) CountRunsSince(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if !r.CreatedAt.Before(t) {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) ListExpiredRuns(_ context.Context, now time.Time, limit int) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.runs {
		if !r.Status.IsTerminal() && !r.TimeoutAt.After(now) {
			out = append(out, *r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) ListDueRetries(_ context.Context, now time.Time, limit int) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.runs {
		if r.Status == run.StatusRetryScheduled && r.NextRetryAt != nil && !r.NextRetryAt.After(now) {
			out = append(out, *r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) ListRunsByRunner(_ context.Context, runnerID string, statuses []run.Status, limit int) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.runs {
		if r.RunnerID == runnerID && containsStatus(statuses, r.Status) {
			out = append(out, *r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) QueueInsert(_ context.Context, e *queue.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *mockStore) QueueClaim(_ context.Context, profile *runner.Runner) (*queue.Entry, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	best := -1
	for i, e := range m.entries {
		if e.AvailableAt.After(now) || !profile.Matches(e.Selector) {
			continue
		}
		if best == -1 || e.Priority < m.entries[best].Priority {
			best = i
		}
	}
	if best == -1 {
		return nil, nil
	}
	e := m.entries[best]
	m.entries = append(m.entries[:best], m.entries[best+1:]...)
	return &e, nil
}

func (m *mockStore) QueueRemove(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.RunID == runID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockStore) QueueDepth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *mockStore) CreateRunner(_ context.Context, r *runner.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runners[r.ID] = &cp
	return nil
}

func (m *mockStore) GetRunner(_ context.Context, id string) (*runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) GetRunnerByKeyHash(_ context.Context, keyHash string) (*runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runners {
		if r.APIKeyHash == keyHash {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListRunners(_ context.Context) ([]runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []runner.Runner
	for _, r := range m.runners {
		out = append(out, *r)
	}
	return out, nil
}

func (m *mockStore) UpdateRunnerStatus(_ context.Context, id string, status runner.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	return nil
}

func (m *mockStore) TouchRunnerHeartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.LastHeartbeatAt = &at
	return nil
}

func (m *mockStore) MarkStaleRunnersOffline(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.runners {
		if r.Status != runner.StatusOnline && r.Status != runner.StatusBusy {
			continue
		}
		if r.LastHeartbeatAt == nil || r.LastHeartbeatAt.Before(cutoff) {
			r.Status = runner.StatusOffline
			ids = append(ids, id)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (m *mockStore) CreateHitl(_ context.Context, req *hitl.Request) error {
	if m.createHitlErr != nil {
		return m.createHitlErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.hitls[req.ID] = &cp
	return nil
}

func (m *mockStore) GetHitl(_ context.Context, id string) (*hitl.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hitls[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *mockStore) GetPendingHitlByRun(_ context.Context, runID string) (*hitl.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.hitls {
		if h.RunID == runID && h.Status == hitl.StatusPending {
			cp := *h
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListHitl(_ context.Context, filter database.HitlFilter) ([]hitl.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hitl.Request
	for _, h := range m.hitls {
		if filter.RunID != "" && h.RunID != filter.RunID {
			continue
		}
		out = append(out, *h)
	}
	return out, nil
}

func (m *mockStore) ResolveHitl(_ context.Context, id string, from hitl.Status, patch database.HitlPatch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hitls[id]
	if !ok || h.Status != from {
		return 0, nil
	}
	h.Status = patch.Status
	h.Action = patch.Action
	h.ResolvedBy = patch.ResolvedBy
	h.ResolvedAt = &patch.ResolvedAt
	h.Comments = patch.Comments
	h.ModifiedData = patch.ModifiedData
	if patch.AuditEntry != nil {
		h.AuditTrail = append(h.AuditTrail, *patch.AuditEntry)
	}
	return 1, nil
}

func (m *mockStore) ListExpiredHitl(_ context.Context, now time.Time, limit int) ([]hitl.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hitl.Request
	for _, h := range m.hitls {
		if h.Status == hitl.StatusPending && h.AutoExpire && h.Deadline != nil && !h.Deadline.After(now) {
			out = append(out, *h)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) GetBot(_ context.Context, id string) (*bot.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *mockStore) GetBotVersion(_ context.Context, id string) (*bot.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *mockStore) GetLatestBotVersion(_ context.Context, botID string) (*bot.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok || b.LatestVersionID == "" {
		return nil, domain.ErrNotFound
	}
	v, ok := m.vers[b.LatestVersionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *mockStore) Ping(_ context.Context) error { return nil }

// mockEventStore records appended events in order.
type mockEventStore struct {
	mu     sync.Mutex
	events []event.RunEvent
	logs   []runlog.Line

	appendErr error
}

func (m *mockEventStore) Append(_ context.Context, ev *event.RunEvent) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

func (m *mockEventStore) AppendLog(_ context.Context, line *runlog.Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *line)
	return nil
}

func (m *mockEventStore) AppendLogs(_ context.Context, lines []runlog.Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, lines...)
	return nil
}

func (m *mockEventStore) ListByRun(_ context.Context, runID string, _ database.EventFilter) ([]event.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.RunEvent
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEventStore) ListLogsByRun(_ context.Context, runID string, _ database.LogFilter) ([]runlog.Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []runlog.Line
	for _, l := range m.logs {
		if l.RunID == runID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockEventStore) CountByRun(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.RunID == runID {
			n++
		}
	}
	return n, nil
}

// types returns the event types recorded for a run, in order.
func (m *mockEventStore) types(runID string) []event.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Type
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// mockBroadcaster records published bus envelopes.
type mockBroadcaster struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	topic     string
	eventType string
	payload   any
}

func (m *mockBroadcaster) Publish(_ context.Context, topic, eventType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedEvent{topic, eventType, payload})
}

func (m *mockBroadcaster) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// mockCommander records control frames sent to runners.
type mockCommander struct {
	mu       sync.Mutex
	cancels  []string
	pauses   []string
	resumes  []string
	payloads map[string]json.RawMessage

	cancelErr error
}

func newMockCommander() *mockCommander {
	return &mockCommander{payloads: map[string]json.RawMessage{}}
}

func (m *mockCommander) CancelJob(_ context.Context, _, runID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, runID)
	return m.cancelErr
}

func (m *mockCommander) PauseJob(_ context.Context, _, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauses = append(m.pauses, runID)
	return nil
}

func (m *mockCommander) ResumeJob(_ context.Context, _, runID string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumes = append(m.resumes, runID)
	m.payloads[runID] = payload
	return nil
}

func (m *mockCommander) cancelled(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.cancels {
		if id == runID {
			return true
		}
	}
	return false
}

// mockResolver returns a fixed secret map.
type mockResolver struct {
	secrets map[string]string
	err     error
}

func (m *mockResolver) Resolve(_ context.Context, _ string, names []string) (map[string]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]string{}
	for _, n := range names {
		if v, ok := m.secrets[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}
