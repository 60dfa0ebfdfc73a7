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

func TestLifecycle_RequestHitl_ParksRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	r := f.seedRun(t, "r1", run.StatusRunning)
	r.HitlConfig = &run.HitlConfig{
		AllowedActions:  []string{"approve", "reject", "modify"},
		DeadlineMinutes: 30,
		AutoExpire:      true,
	}

	req, err := f.svc.RequestHitl(context.Background(), "r1", &HitlInput{
		StepID: "step-7",
		Prompt: "Approve transfer of 1200 EUR?",
		Data:   []byte(`{"amount":1200}`),
	})
	if err != nil {
		t.Fatalf("RequestHitl: %v", err)
	}

	got, _ := f.store.GetRun(context.Background(), "r1")
	if got.Status != run.StatusWaitingApproval {
		t.Fatalf("status = %s, want waiting_approval", got.Status)
	}
	if req.Status != hitl.StatusPending {
		t.Errorf("request status = %s, want pending", req.Status)
	}
	if req.Deadline == nil {
		t.Fatal("deadline not set")
	}
	if len(req.AuditTrail) != 1 || req.AuditTrail[0].Action != "requested" {
		t.Errorf("audit trail = %+v, want opening requested entry", req.AuditTrail)
	}
	wantDeadline := time.Until(*req.Deadline)
	if wantDeadline < 29*time.Minute || wantDeadline > 31*time.Minute {
		t.Errorf("deadline in %v, want ~30m", wantDeadline)
	}
	if kinds := f.notify.kinds(); len(kinds) != 1 || kinds[0] != notifier.KindHitlRequested {
		t.Errorf("notifications = %v, want [hitl.requested]", kinds)
	}
}

func TestLifecycle_RequestHitl_OnlyFromRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedRun(t, "r1", run.StatusQueued)

	_, err := f.svc.RequestHitl(context.Background(), "r1", &HitlInput{Prompt: "?"})
	if !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("err = %v, want ErrIllegalState", err)
	}
}

// parkRun puts a run into waiting_approval with a pending request attached.
func (f *fixture) parkRun(t *testing.T, runID string, cfg *run.HitlConfig) *hitl.Request {
	t.Helper()
	r := f.seedRun(t, runID, run.StatusRunning)
	r.HitlConfig = cfg
	req, err := f.svc.RequestHitl(context.Background(), runID, &HitlInput{
		Prompt: "proceed?",
		Data:   []byte(`{"v":1}`),
	})
	if err != nil {
		t.Fatalf("parkRun: %v", err)
	}
	return req
}

func TestLifecycle_ResolveHitl_NonApproverForbidden(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", &run.HitlConfig{
		ApproverIDs: []string{"alice", "bob"},
	})

	_, err := f.svc.ResolveHitl(context.Background(), req.ID, "mallory", &hitl.Resolution{
		Action: hitl.ActionApprove,
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	got, _ := f.store.GetRun(context.Background(), "r1")
	if got.Status != run.StatusWaitingApproval {
		t.Errorf("status = %s, want waiting_approval untouched", got.Status)
	}
}

func TestLifecycle_ResolveHitl_ApproveResumesRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", nil)

	resolved, err := f.svc.ResolveHitl(context.Background(), req.ID, "alice", &hitl.Resolution{
		Action:   hitl.ActionApprove,
		Comments: "looks right",
	})
	if err != nil {
		t.Fatalf("ResolveHitl: %v", err)
	}

	if resolved.Status != hitl.StatusApproved {
		t.Errorf("request status = %s, want approved", resolved.Status)
	}
	if len(resolved.AuditTrail) != 2 {
		t.Fatalf("audit trail = %+v, want requested + approve", resolved.AuditTrail)
	}
	if resolved.AuditTrail[0].Action != "requested" || resolved.AuditTrail[1].ActorID != "alice" {
		t.Errorf("audit trail = %+v", resolved.AuditTrail)
	}

	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusRunning {
		t.Errorf("run status = %s, want running", r.Status)
	}
	if len(f.cmd.resumes) != 1 {
		t.Error("resume frame not sent")
	}
}

func TestLifecycle_ResolveHitl_RejectFinalizesRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", nil)

	_, err := f.svc.ResolveHitl(context.Background(), req.ID, "bob", &hitl.Resolution{
		Action: hitl.ActionReject,
	})
	if err != nil {
		t.Fatalf("ResolveHitl: %v", err)
	}

	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusRejected {
		t.Fatalf("run status = %s, want rejected", r.Status)
	}
	if !f.cmd.cancelled("r1") {
		t.Error("cancel frame not sent after rejection")
	}
}

func TestLifecycle_ResolveHitl_ModifyAppliesData(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", &run.HitlConfig{
		AllowedActions:   []string{"approve", "reject", "modify"},
		DataModification: true,
	})

	modified := []byte(`{"amount":900}`)
	_, err := f.svc.ResolveHitl(context.Background(), req.ID, "carol", &hitl.Resolution{
		Action:       hitl.ActionModify,
		ModifiedData: modified,
	})
	if err != nil {
		t.Fatalf("ResolveHitl: %v", err)
	}

	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusRunning {
		t.Fatalf("run status = %s, want running", r.Status)
	}
	if string(r.Inputs) != string(modified) {
		t.Errorf("inputs = %s, want modified data", r.Inputs)
	}
	if string(f.cmd.payloads["r1"]) != string(modified) {
		t.Error("resume frame missing modified payload")
	}
}

func TestLifecycle_ResolveHitl_ModifyWithoutPermission(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", &run.HitlConfig{
		AllowedActions: []string{"approve", "reject", "modify"},
	})

	_, err := f.svc.ResolveHitl(context.Background(), req.ID, "carol", &hitl.Resolution{
		Action:       hitl.ActionModify,
		ModifiedData: []byte(`{}`),
	})
	if !errors.Is(err, domain.ErrActionNotAllowed) {
		t.Fatalf("err = %v, want ErrActionNotAllowed", err)
	}
}

func TestLifecycle_ResolveHitl_DefaultActionsExcludeModify(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", nil)

	_, err := f.svc.ResolveHitl(context.Background(), req.ID, "dave", &hitl.Resolution{
		Action: hitl.ActionModify,
	})
	if !errors.Is(err, domain.ErrActionNotAllowed) {
		t.Fatalf("err = %v, want ErrActionNotAllowed", err)
	}
}

func TestLifecycle_ResolveHitl_AlreadyResolved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", nil)

	if _, err := f.svc.ResolveHitl(context.Background(), req.ID, "alice", &hitl.Resolution{Action: hitl.ActionApprove}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := f.svc.ResolveHitl(context.Background(), req.ID, "bob", &hitl.Resolution{Action: hitl.ActionReject})
	if !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("err = %v, want ErrAlreadyResolved", err)
	}
}

func TestLifecycle_ResolveHitl_EscalateOpensNewRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", &run.HitlConfig{
		AllowedActions: []string{"approve", "reject", "escalate"},
	})

	resolved, err := f.svc.ResolveHitl(context.Background(), req.ID, "erin", &hitl.Resolution{
		Action:   hitl.ActionEscalate,
		Comments: "above my limit",
	})
	if err != nil {
		t.Fatalf("ResolveHitl: %v", err)
	}
	if resolved.Status != hitl.StatusEscalated {
		t.Errorf("request status = %s, want escalated", resolved.Status)
	}

	// The run stays parked and a fresh pending request exists.
	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusWaitingApproval {
		t.Errorf("run status = %s, want waiting_approval", r.Status)
	}
	next, err := f.store.GetPendingHitlByRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("no follow-up pending request: %v", err)
	}
	if next.ID == req.ID {
		t.Error("follow-up request must be new")
	}
}

func TestLifecycle_ExpireHitl_FailsRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", &run.HitlConfig{AutoExpire: true, DeadlineMinutes: 1})

	if err := f.svc.ExpireHitl(context.Background(), req); err != nil {
		t.Fatalf("ExpireHitl: %v", err)
	}

	got, _ := f.store.GetHitl(context.Background(), req.ID)
	if got.Status != hitl.StatusExpired {
		t.Errorf("request status = %s, want expired", got.Status)
	}

	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusFailed {
		t.Fatalf("run status = %s, want failed", r.Status)
	}
	if r.ErrorCode != run.ErrCodeHitlExpired {
		t.Errorf("error_code = %s, want %s", r.ErrorCode, run.ErrCodeHitlExpired)
	}
}

func TestLifecycle_ExpireHitl_AutoReject(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", &run.HitlConfig{
		AutoExpire:            true,
		AutoRejectAfterExpiry: true,
		DeadlineMinutes:       1,
	})

	if err := f.svc.ExpireHitl(context.Background(), req); err != nil {
		t.Fatalf("ExpireHitl: %v", err)
	}
	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusRejected {
		t.Fatalf("run status = %s, want rejected", r.Status)
	}
}

func TestLifecycle_ExpireHitl_ResolvedRaceIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := f.parkRun(t, "r1", nil)

	if _, err := f.svc.ResolveHitl(context.Background(), req.ID, "alice", &hitl.Resolution{Action: hitl.ActionApprove}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := f.svc.ExpireHitl(context.Background(), req); err != nil {
		t.Fatalf("ExpireHitl: %v", err)
	}

	r, _ := f.store.GetRun(context.Background(), "r1")
	if r.Status != run.StatusRunning {
		t.Errorf("run status = %s, approval won the race", r.Status)
	}
}

func TestLifecycle_RequestHitl_EmitsTimelineEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.parkRun(t, "r1", nil)

	types := f.events.types("r1")
	if len(types) != 1 || types[0] != event.TypeHitlRequested {
		t.Errorf("events = %v, want [hitl.requested]", types)
	}
}
