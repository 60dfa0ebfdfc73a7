package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/BotForge/internal/domain"
	"github.com/Strob0t/BotForge/internal/domain/event"
	"github.com/Strob0t/BotForge/internal/domain/hitl"
	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/port/database"
	"github.com/Strob0t/BotForge/internal/port/notifier"
)

// HitlInput is the approval checkpoint a runner reports when the plan reaches
// a human-in-the-loop step.
type HitlInput struct {
	StepID string          `json:"step_id,omitempty"`
	NodeID string          `json:"node_id,omitempty"`
	Prompt string          `json:"prompt,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RequestHitl parks a running run in waiting_approval and opens a pending
// approval request shaped by the run's HITL config.
func (s *Lifecycle) RequestHitl(ctx context.Context, runID string, in *HitlInput) (*hitl.Request, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	waiting := run.StatusWaitingApproval
	rows, err := s.store.ConditionalUpdateRun(ctx, runID,
		[]run.Status{run.StatusRunning},
		database.RunPatch{Status: &waiting},
	)
	if err != nil {
		return nil, fmt.Errorf("park run %s for approval: %w", runID, err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: run %s is not running", domain.ErrIllegalState, runID)
	}

	req := s.buildHitlRequest(r, in)
	if err := s.store.CreateHitl(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}

	s.emit(ctx, r, event.TypeHitlRequested, event.SeverityInfo, map[string]any{
		"hitl_id": req.ID,
		"step_id": req.StepID,
		"prompt":  req.Prompt,
	})
	if s.metrics != nil {
		s.metrics.HitlRequested.Add(ctx, 1)
	}
	if s.notify != nil {
		s.notify.Notify(ctx, notifier.Intent{
			Kind:     notifier.KindHitlRequested,
			TenantID: r.TenantID,
			RunID:    r.ID,
			HitlID:   req.ID,
			Title:    "Approval required",
			Body:     req.Prompt,
			Meta:     map[string]string{"bot_id": r.BotID},
		})
	}
	return req, nil
}

func (s *Lifecycle) buildHitlRequest(r *run.Run, in *HitlInput) *hitl.Request {
	now := time.Now().UTC()
	req := &hitl.Request{
		ID:         uuid.NewString(),
		RunID:      r.ID,
		TenantID:   r.TenantID,
		StepID:     in.StepID,
		NodeID:     in.NodeID,
		Status:     hitl.StatusPending,
		Prompt:     in.Prompt,
		Data:       in.Data,
		AutoExpire: true,
		AuditTrail: []hitl.AuditEntry{{
			Action:    "requested",
			ActorID:   "system",
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	deadline := s.cfg.DefaultHitlDeadline
	if cfg := r.HitlConfig; cfg != nil {
		for _, a := range cfg.AllowedActions {
			req.AllowedActions = append(req.AllowedActions, hitl.Action(a))
		}
		req.ApproverIDs = cfg.ApproverIDs
		req.DataModificationAllowed = cfg.DataModification
		req.AutoExpire = cfg.AutoExpire
		if cfg.DeadlineMinutes > 0 {
			deadline = time.Duration(cfg.DeadlineMinutes) * time.Minute
		}
	}
	if deadline > 0 {
		d := now.Add(deadline)
		req.Deadline = &d
	}
	return req
}

// ResolveHitl applies a human decision to a pending approval request and
// advances the blocked run accordingly.
func (s *Lifecycle) ResolveHitl(ctx context.Context, hitlID, actorID string, res *hitl.Resolution) (*hitl.Request, error) {
	req, err := s.store.GetHitl(ctx, hitlID)
	if err != nil {
		return nil, err
	}
	if req.Status != hitl.StatusPending {
		return nil, fmt.Errorf("%w: request %s is %s", domain.ErrAlreadyResolved, hitlID, req.Status)
	}
	if len(req.ApproverIDs) > 0 && !slices.Contains(req.ApproverIDs, actorID) {
		return nil, fmt.Errorf("%w: %s is not an approver for this request", domain.ErrForbidden, actorID)
	}
	if !req.Allows(res.Action) {
		return nil, fmt.Errorf("%w: %s", domain.ErrActionNotAllowed, res.Action)
	}
	if res.Action == hitl.ActionModify {
		if !req.DataModificationAllowed {
			return nil, fmt.Errorf("%w: data modification is disabled for this request", domain.ErrActionNotAllowed)
		}
		if len(res.ModifiedData) == 0 {
			return nil, fmt.Errorf("%w: modify requires modified_data", domain.ErrValidation)
		}
	}

	status, ok := hitl.StatusFor(res.Action)
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrValidation, res.Action)
	}

	now := time.Now().UTC()
	rows, err := s.store.ResolveHitl(ctx, hitlID, hitl.StatusPending, database.HitlPatch{
		Status:       status,
		Action:       res.Action,
		ResolvedBy:   actorID,
		ResolvedAt:   now,
		Comments:     res.Comments,
		ModifiedData: res.ModifiedData,
		AuditEntry: &hitl.AuditEntry{
			Action:    string(res.Action),
			ActorID:   actorID,
			Comments:  res.Comments,
			Timestamp: now,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("resolve approval %s: %w", hitlID, err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: request %s", domain.ErrAlreadyResolved, hitlID)
	}
	if s.metrics != nil {
		s.metrics.HitlResolved.Add(ctx, 1)
	}

	r, err := s.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	switch res.Action {
	case hitl.ActionApprove:
		err = s.resumeApproved(ctx, r, req, event.TypeHitlApproved, nil)
	case hitl.ActionModify:
		err = s.resumeApproved(ctx, r, req, event.TypeHitlModified, res.ModifiedData)
	case hitl.ActionReject:
		err = s.rejectRun(ctx, r, req, actorID)
	case hitl.ActionEscalate:
		err = s.escalate(ctx, r, req, actorID, res.Comments)
	}
	if err != nil {
		return nil, err
	}

	return s.store.GetHitl(ctx, hitlID)
}

// resumeApproved moves the run back to running and ships the resume frame,
// carrying modified inputs when the reviewer changed them.
func (s *Lifecycle) resumeApproved(ctx context.Context, r *run.Run, req *hitl.Request, evType event.Type, modified json.RawMessage) error {
	running := run.StatusRunning
	patch := database.RunPatch{Status: &running}
	if len(modified) > 0 {
		patch.Inputs = modified
	}
	rows, err := s.store.ConditionalUpdateRun(ctx, r.ID,
		[]run.Status{run.StatusWaitingApproval},
		patch,
	)
	if err != nil {
		return fmt.Errorf("resume approved run %s: %w", r.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s left waiting_approval", domain.ErrIllegalState, r.ID)
	}

	if r.RunnerID != "" && s.commander != nil {
		if err := s.commander.ResumeJob(ctx, r.RunnerID, r.ID, modified); err != nil {
			slog.Warn("resume frame delivery failed", "run_id", r.ID, "runner_id", r.RunnerID, "error", err)
		}
	}
	s.emit(ctx, r, evType, event.SeverityInfo, map[string]any{
		"hitl_id":  req.ID,
		"modified": len(modified) > 0,
	})
	return nil
}

// rejectRun finalizes a run whose approval was denied.
func (s *Lifecycle) rejectRun(ctx context.Context, r *run.Run, req *hitl.Request, actorID string) error {
	now := time.Now().UTC()
	rejected := run.StatusRejected
	msg := fmt.Sprintf("approval rejected by %s", actorID)
	rows, err := s.store.ConditionalUpdateRun(ctx, r.ID,
		[]run.Status{run.StatusWaitingApproval},
		database.RunPatch{
			Status:       &rejected,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		},
	)
	if err != nil {
		return fmt.Errorf("reject run %s: %w", r.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s left waiting_approval", domain.ErrIllegalState, r.ID)
	}

	if r.RunnerID != "" && s.commander != nil {
		if err := s.commander.CancelJob(ctx, r.RunnerID, r.ID, msg); err != nil {
			slog.Warn("cancel frame after rejection failed", "run_id", r.ID, "runner_id", r.RunnerID, "error", err)
		}
	}
	s.emit(ctx, r, event.TypeHitlRejected, event.SeverityWarn, map[string]any{
		"hitl_id":     req.ID,
		"resolved_by": actorID,
	})
	if s.metrics != nil {
		s.metrics.RunsFailed.Add(ctx, 1)
	}
	return nil
}

// escalate opens a fresh pending request for the escalation approvers. The
// run stays parked in waiting_approval.
func (s *Lifecycle) escalate(ctx context.Context, r *run.Run, req *hitl.Request, actorID, comments string) error {
	now := time.Now().UTC()
	next := &hitl.Request{
		ID:                      uuid.NewString(),
		RunID:                   req.RunID,
		TenantID:                req.TenantID,
		StepID:                  req.StepID,
		NodeID:                  req.NodeID,
		Status:                  hitl.StatusPending,
		Prompt:                  req.Prompt,
		Data:                    req.Data,
		AllowedActions:          req.AllowedActions,
		DataModificationAllowed: req.DataModificationAllowed,
		ApproverIDs:             req.ApproverIDs,
		Deadline:                req.Deadline,
		AutoExpire:              req.AutoExpire,
		AuditTrail: []hitl.AuditEntry{{
			Action:    "escalated_from",
			ActorID:   actorID,
			Comments:  req.ID,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateHitl(ctx, next); err != nil {
		return fmt.Errorf("create escalated approval: %w", err)
	}

	s.emit(ctx, r, event.TypeHitlEscalated, event.SeverityWarn, map[string]any{
		"hitl_id":      req.ID,
		"next_hitl_id": next.ID,
		"escalated_by": actorID,
	})
	if s.notify != nil {
		s.notify.Notify(ctx, notifier.Intent{
			Kind:     notifier.KindHitlEscalated,
			TenantID: r.TenantID,
			RunID:    r.ID,
			HitlID:   next.ID,
			Title:    "Approval escalated",
			Body:     comments,
		})
	}
	return nil
}

// ExpireHitl auto-expires a pending request past its deadline. The blocked
// run fails with HITL_EXPIRED, or is rejected when the run's config asks for
// auto-reject. Called by the scheduler tick.
func (s *Lifecycle) ExpireHitl(ctx context.Context, req *hitl.Request) error {
	now := time.Now().UTC()
	rows, err := s.store.ResolveHitl(ctx, req.ID, hitl.StatusPending, database.HitlPatch{
		Status:     hitl.StatusExpired,
		ResolvedAt: now,
		AuditEntry: &hitl.AuditEntry{
			Action:    "expired",
			ActorID:   "system",
			Timestamp: now,
		},
	})
	if err != nil {
		return fmt.Errorf("expire approval %s: %w", req.ID, err)
	}
	if rows == 0 {
		// A human got there first.
		return nil
	}
	if s.metrics != nil {
		s.metrics.HitlExpired.Add(ctx, 1)
	}

	r, err := s.store.GetRun(ctx, req.RunID)
	if err != nil {
		return err
	}

	autoReject := r.HitlConfig != nil && r.HitlConfig.AutoRejectAfterExpiry
	target := run.StatusFailed
	if autoReject {
		target = run.StatusRejected
	}
	code := run.ErrCodeHitlExpired
	msg := "approval request expired"
	duration := s.runDuration(r, 0, now)
	if _, err := s.store.ConditionalUpdateRun(ctx, r.ID,
		[]run.Status{run.StatusWaitingApproval},
		database.RunPatch{
			Status:       &target,
			ErrorCode:    &code,
			ErrorMessage: &msg,
			CompletedAt:  &now,
			Duration:     &duration,
		},
	); err != nil {
		return fmt.Errorf("finalize run %s after approval expiry: %w", r.ID, err)
	}

	if r.RunnerID != "" && s.commander != nil {
		if err := s.commander.CancelJob(ctx, r.RunnerID, r.ID, msg); err != nil {
			slog.Warn("cancel frame after approval expiry failed", "run_id", r.ID, "runner_id", r.RunnerID, "error", err)
		}
	}
	s.emit(ctx, r, event.TypeHitlExpired, event.SeverityError, map[string]any{
		"hitl_id": req.ID,
	})
	if s.metrics != nil {
		s.metrics.RunsFailed.Add(ctx, 1)
	}
	if s.notify != nil {
		s.notify.Notify(ctx, notifier.Intent{
			Kind:     notifier.KindHitlExpired,
			TenantID: r.TenantID,
			RunID:    r.ID,
			HitlID:   req.ID,
			Title:    "Approval request expired",
		})
	}
	return nil
}

// closePendingHitl resolves the approval request left open when a parked run
// is finalized out from under it, e.g. by cancel or timeout. Best effort: the
// run is already terminal, so failures are logged, not returned.
func (s *Lifecycle) closePendingHitl(ctx context.Context, r *run.Run, to hitl.Status, action string) {
	if r.Status != run.StatusWaitingApproval {
		return
	}
	req, err := s.store.GetPendingHitlByRun(ctx, r.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("pending approval lookup failed", "run_id", r.ID, "error", err)
		}
		return
	}

	now := time.Now().UTC()
	if _, err := s.store.ResolveHitl(ctx, req.ID, hitl.StatusPending, database.HitlPatch{
		Status:     to,
		ResolvedBy: "system",
		ResolvedAt: now,
		AuditEntry: &hitl.AuditEntry{
			Action:    action,
			ActorID:   "system",
			Timestamp: now,
		},
	}); err != nil {
		slog.Warn("close pending approval failed", "run_id", r.ID, "hitl_id", req.ID, "error", err)
	}
}

// GetHitlRequest returns one approval request.
func (s *Lifecycle) GetHitlRequest(ctx context.Context, id string) (*hitl.Request, error) {
	return s.store.GetHitl(ctx, id)
}

// ListHitlRequests returns a filtered page of approval requests.
func (s *Lifecycle) ListHitlRequests(ctx context.Context, filter database.HitlFilter) ([]hitl.Request, error) {
	return s.store.ListHitl(ctx, filter)
}
