package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/BotForge/internal/domain"
	"github.com/Strob0t/BotForge/internal/domain/event"
	"github.com/Strob0t/BotForge/internal/domain/hitl"
	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/port/notifier"
)

// seedRun places a run directly into the store in the given status.
func (f *fixture) seedRun(t *testing.T, id string, status run.Status) *run.Run {
	t.Helper()
	now := time.Now().UTC()
	started := now.Add(-time.Minute)
	r := &run.Run{
		ID:             id,
		BotID:          "bot-1",
		BotVersionID:   "ver-1",
		Status:         status,
		Priority:       run.PriorityNormal,
		RootRunID:      id,
		RunnerID:       "runner-1",
		PlanHash:       "sha256:abc",
		Retry:          run.RetryPolicy{MaxRetries: 2, DelaySeconds: 30, BackoffMultiplier: 2, MaxDelaySeconds: 900},
		TimeoutSeconds: 3600,
		TimeoutAt:      now.Add(time.Hour),
		StartedAt:      &started,
		CreatedAt:      now,
	}
	f.store.runs[id] = r
	return r
}

func TestLifecycle_MarkStarted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusLeased)

	if err := f.svc.MarkStarted(context.Background(), "r1"); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusRunning {
		t.Errorf("status = %s, want running", r.Status)
	}
	if r.StartedAt == nil {
		t.Error("started_at not set")
	}
}

func TestLifecycle_MarkStarted_NotLeased(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusCancelled)

	err := f.svc.MarkStarted(context.Background(), "r1")
	if !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("err = %v, want ErrIllegalState", err)
	}
}

func TestLifecycle_UpdateProgress_MonotonicCounters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := f.seedRun(t, "r1", run.StatusRunning)
	r.CompletedSteps = 5

	err := f.svc.UpdateProgress(context.Background(), "r1", run.ProgressDelta{CompletedSteps: 3, Progress: 40})
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	got, _ := f.store.GetRun(context.Background(), "r1")
	if got.CompletedSteps != 5 {
		t.Errorf("completed_steps = %d, want 5 (stale delta must not regress)", got.CompletedSteps)
	}
	if got.Progress != 40 {
		t.Errorf("progress = %d, want 40", got.Progress)
	}
	if f.bus.count() == 0 {
		t.Error("progress not published to bus")
	}
}

func TestLifecycle_RecordStep_BuildsTimeline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusRunning)

	steps := []run.StepReport{
		{Index: 0, StepID: "s1", NodeID: "n1", NodeType: "http.request", Phase: run.StepStart},
		{Index: 0, StepID: "s1", NodeID: "n1", Phase: run.StepEnd, DurationMs: 120},
		{Index: 1, StepID: "s2", NodeID: "n2", Phase: run.StepStart},
		{Index: 1, StepID: "s2", NodeID: "n2", Phase: run.StepError, Error: "element vanished"},
	}
	for i := range steps {
		if err := f.svc.RecordStep(context.Background(), "r1", &steps[i]); err != nil {
			t.Fatalf("RecordStep %d: %v", i, err)
		}
	}

	want := []event.Type{event.TypeStepStart, event.TypeStepEnd, event.TypeStepStart, event.TypeStepError}
	got := f.events.types("r1")
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	first := f.events.events[0]
	if first.StepID != "s1" || first.NodeID != "n1" {
		t.Errorf("step coordinates = %s/%s, want s1/n1", first.StepID, first.NodeID)
	}
	last := f.events.events[3]
	if last.Severity != event.SeverityError {
		t.Errorf("step error severity = %s, want error", last.Severity)
	}
}

func TestLifecycle_RecordStep_TerminalRunRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusSucceeded)

	err := f.svc.RecordStep(context.Background(), "r1", &run.StepReport{StepID: "s1", Phase: run.StepStart})
	if !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("err = %v, want ErrIllegalState", err)
	}
	if len(f.events.types("r1")) != 0 {
		t.Error("no step events expected on a terminal run")
	}
}

func TestLifecycle_Complete_Success(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusRunning)

	err := f.svc.Complete(context.Background(), "r1", &run.Result{
		Success:       true,
		Output:        []byte(`{"rows":12}`),
		StepsExecuted: 4,
		DurationMs:    1500,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", r.Status)
	}
	if r.DurationMs != 1500 {
		t.Errorf("duration = %d, want 1500", r.DurationMs)
	}
	if string(r.Outputs) != `{"rows":12}` {
		t.Errorf("outputs = %s", r.Outputs)
	}
	if got := f.events.types("r1"); len(got) != 1 || got[0] != event.TypeRunCompleted {
		t.Errorf("events = %v, want [run.completed]", got)
	}
}

func TestLifecycle_Complete_RetriableSchedulesBackoff(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusRunning)

	err := f.svc.Complete(context.Background(), "r1", &run.Result{
		Success:      false,
		Retriable:    true,
		ErrorCode:    "SELECTOR_NOT_FOUND",
		ErrorMessage: "element vanished",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusRetryScheduled {
		t.Fatalf("status = %s, want retry_scheduled", r.Status)
	}
	// The attempt is only consumed when the tick promotes the run back to
	// queued, so the count stays put while the backoff runs.
	if r.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", r.RetryCount)
	}
	if r.NextRetryAt == nil {
		t.Fatal("next_retry_at not set")
	}
	// First attempt waits the base delay.
	wantDelay := 30 * time.Second
	gotDelay := r.NextRetryAt.Sub(r.RetryHistory[0].ScheduledAt)
	if gotDelay != wantDelay {
		t.Errorf("delay = %v, want %v", gotDelay, wantDelay)
	}
	if len(r.RetryHistory) != 1 || r.RetryHistory[0].ErrorCode != "SELECTOR_NOT_FOUND" {
		t.Errorf("retry history = %+v", r.RetryHistory)
	}
	if r.RetryHistory[0].Attempt != 1 {
		t.Errorf("history attempt = %d, want 1", r.RetryHistory[0].Attempt)
	}
	if r.RunnerID != "" {
		t.Errorf("runner_id = %q, want cleared", r.RunnerID)
	}
}

func TestLifecycle_Complete_ExhaustedRetriesFail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := f.seedRun(t, "r1", run.StatusRunning)
	r.RetryCount = 2 // budget of 2 consumed

	err := f.svc.Complete(context.Background(), "r1", &run.Result{
		Success:      false,
		Retriable:    true,
		ErrorCode:    "APP_CRASH",
		ErrorMessage: "target application crashed",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ := f.store.GetRun(context.Background(), "r1")
	if got.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorCode != "APP_CRASH" {
		t.Errorf("error_code = %s", got.ErrorCode)
	}
	if kinds := f.notify.kinds(); len(kinds) != 1 || kinds[0] != notifier.KindRunFailed {
		t.Errorf("notifications = %v, want [run.failed]", kinds)
	}
}

func TestLifecycle_Complete_NonRetriableFailsImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusRunning)

	err := f.svc.Complete(context.Background(), "r1", &run.Result{
		Success:   false,
		Retriable: false,
		ErrorCode: "BAD_INPUT",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusFailed {
		t.Errorf("status = %s, want failed", r.Status)
	}
	if r.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", r.RetryCount)
	}
}

func TestLifecycle_Cancel_QueuedRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := f.seedRun(t, "r1", run.StatusQueued)
	r.RunnerID = ""
	f.store.entries = append(f.store.entries, queueEntryFor(r))

	if err := f.svc.Cancel(context.Background(), "r1", "operator request", false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, _ := f.store.GetRun(context.Background(), "r1")
	if got.Status != run.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.ErrorCode != run.ErrCodeCancelled {
		t.Errorf("error_code = %s", got.ErrorCode)
	}
	if depth, _ := f.store.QueueDepth(context.Background()); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
	if f.cmd.cancelled("r1") {
		t.Error("no cancel frame expected for a queued run")
	}
}

func TestLifecycle_Cancel_RunningRunSendsFrame(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusRunning)

	if err := f.svc.Cancel(context.Background(), "r1", "stop", false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !f.cmd.cancelled("r1") {
		t.Error("cancel frame not sent to runner")
	}
}

func TestLifecycle_Cancel_TerminalIsIllegal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusSucceeded)

	err := f.svc.Cancel(context.Background(), "r1", "late", false)
	if !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("err = %v, want ErrIllegalState", err)
	}
}

func TestLifecycle_Cancel_CascadesToChildren(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	parent := f.seedRun(t, "parent", run.StatusRunning)
	child := f.seedRun(t, "child", run.StatusRunning)
	child.ParentRunID = parent.ID
	grandchild := f.seedRun(t, "grandchild", run.StatusQueued)
	grandchild.ParentRunID = child.ID
	grandchild.RunnerID = ""

	if err := f.svc.Cancel(context.Background(), "parent", "teardown", true); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	for _, id := range []string{"parent", "child", "grandchild"} {
		r, _ := f.store.GetRun(context.Background(), id)
		if r.Status != run.StatusCancelled {
			t.Errorf("%s status = %s, want cancelled", id, r.Status)
		}
	}
}

func TestLifecycle_Cancel_ResolvesPendingApproval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", nil)

	if err := f.svc.Cancel(context.Background(), "r1", "operator request", false); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, _ := f.store.GetHitl(context.Background(), req.ID)
	if got.Status != hitl.StatusCancelled {
		t.Fatalf("request status = %s, want cancelled", got.Status)
	}
	if got.ResolvedBy != "system" {
		t.Errorf("resolved_by = %q, want system", got.ResolvedBy)
	}
	last := got.AuditTrail[len(got.AuditTrail)-1]
	if last.Action != "cancelled" || last.ActorID != "system" {
		t.Errorf("audit tail = %+v", last)
	}
	if _, err := f.store.GetPendingHitlByRun(context.Background(), "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("cancelled run must not keep a pending approval")
	}
}

func TestLifecycle_PauseResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusRunning)

	if err := f.svc.Pause(context.Background(), "r1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusPaused {
		t.Fatalf("status = %s, want paused", r.Status)
	}
	if len(f.cmd.pauses) != 1 {
		t.Error("pause frame not sent")
	}

	if err := f.svc.Resume(context.Background(), "r1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	r, _ = f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusRunning {
		t.Fatalf("status = %s, want running", r.Status)
	}
	if len(f.cmd.resumes) != 1 {
		t.Error("resume frame not sent")
	}
}

func TestLifecycle_Pause_OnlyFromRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusQueued)

	if err := f.svc.Pause(context.Background(), "r1"); !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("err = %v, want ErrIllegalState", err)
	}
}

func TestLifecycle_ForceTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := f.seedRun(t, "r1", run.StatusRunning)

	if err := f.svc.ForceTimeout(context.Background(), r); err != nil {
		t.Fatalf("ForceTimeout: %v", err)
	}

	got, _ := f.store.GetRun(context.Background(), "r1")
	if got.Status != run.StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", got.Status)
	}
	if got.ErrorCode != run.ErrCodeTimeout {
		t.Errorf("error_code = %s, want %s", got.ErrorCode, run.ErrCodeTimeout)
	}
	if !f.cmd.cancelled("r1") {
		t.Error("cancel frame not sent after timeout")
	}
	if kinds := f.notify.kinds(); len(kinds) != 1 || kinds[0] != notifier.KindRunTimedOut {
		t.Errorf("notifications = %v, want [run.timed_out]", kinds)
	}
}

func TestLifecycle_ForceTimeout_ExpiresPendingApproval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", nil)
	parked, _ := f.store.GetRun(context.Background(), "r1")

	if err := f.svc.ForceTimeout(context.Background(), parked); err != nil {
		t.Fatalf("ForceTimeout: %v", err)
	}

	got, _ := f.store.GetHitl(context.Background(), req.ID)
	if got.Status != hitl.StatusExpired {
		t.Fatalf("request status = %s, want expired", got.Status)
	}
	if _, err := f.store.GetPendingHitlByRun(context.Background(), "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("timed out run must not keep a pending approval")
	}
}

func TestLifecycle_ForceTimeout_AlreadyTerminalIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := f.seedRun(t, "r1", run.StatusSucceeded)

	if err := f.svc.ForceTimeout(context.Background(), r); err != nil {
		t.Fatalf("ForceTimeout: %v", err)
	}
	got, _ := f.store.GetRun(context.Background(), "r1")
	if got.Status != run.StatusSucceeded {
		t.Errorf("status = %s, terminal run must not change", got.Status)
	}
	if len(f.events.types("r1")) != 0 {
		t.Error("no events expected for a no-op timeout")
	}
}

func TestLifecycle_OrphanRun_RetriesWhenBudgetLeft(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusRunning)

	if err := f.svc.OrphanRun(context.Background(), "r1"); err != nil {
		t.Fatalf("OrphanRun: %v", err)
	}

	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusRetryScheduled {
		t.Fatalf("status = %s, want retry_scheduled", r.Status)
	}
	if r.ErrorCode != run.ErrCodeRunnerDisconnected {
		t.Errorf("error_code = %s, want %s", r.ErrorCode, run.ErrCodeRunnerDisconnected)
	}
}

func TestLifecycle_OrphanRun_FailsWithoutBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := f.seedRun(t, "r1", run.StatusRunning)
	r.Retry.MaxRetries = 0

	if err := f.svc.OrphanRun(context.Background(), "r1"); err != nil {
		t.Fatalf("OrphanRun: %v", err)
	}
	got, _ := f.store.GetRun(context.Background(), "r1")
	if got.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestLifecycle_RetryNow_CreatesLinkedRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedBot(t)
	orig := f.seedRun(t, "r1", run.StatusFailed)
	orig.Inputs = []byte(`{"invoice":"A-17"}`)

	fresh, err := f.svc.RetryNow(context.Background(), "r1")
	if err != nil {
		t.Fatalf("RetryNow: %v", err)
	}

	if fresh.ID == orig.ID {
		t.Fatal("retry must create a new run")
	}
	if fresh.TriggerType != run.TriggerRetry {
		t.Errorf("trigger = %s, want retry", fresh.TriggerType)
	}
	if fresh.Labels["retried_from"] != orig.ID {
		t.Errorf("retried_from label = %q, want %s", fresh.Labels["retried_from"], orig.ID)
	}
	if string(fresh.Inputs) != string(orig.Inputs) {
		t.Error("inputs not carried over")
	}
}

func TestLifecycle_RetryNow_ActiveRunRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusRunning)

	if _, err := f.svc.RetryNow(context.Background(), "r1"); !errors.Is(err, domain.ErrNotRetriable) {
		t.Fatalf("err = %v, want ErrNotRetriable", err)
	}
}
