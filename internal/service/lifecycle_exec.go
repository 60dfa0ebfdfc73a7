package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/BotForge/internal/domain"
	"github.com/Strob0t/BotForge/internal/domain/event"
	"github.com/Strob0t/BotForge/internal/domain/hitl"
	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/port/database"
	"github.com/Strob0t/BotForge/internal/port/notifier"
)

// MarkStarted records that the runner began executing an assigned job.
func (s *Lifecycle) MarkStarted(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	running := run.StatusRunning
	rows, err := s.store.ConditionalUpdateRun(ctx, runID,
		[]run.Status{run.StatusLeased},
		database.RunPatch{Status: &running, StartedAt: &now},
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s is not leased", domain.ErrIllegalState, runID)
	}

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	s.emit(ctx, r, event.TypeRunStarted, event.SeverityInfo, nil)
	return nil
}

// UpdateProgress applies a progress delta from the runner. Counters only move
// forward; a stale delta arriving out of order cannot regress them. Progress
// is fanned out to observers but not persisted to the event timeline.
func (s *Lifecycle) UpdateProgress(ctx context.Context, runID string, delta run.ProgressDelta) error {
	patch := database.RunPatch{}
	if delta.CompletedSteps > 0 {
		patch.CompletedSteps = &delta.CompletedSteps
	}
	if delta.FailedSteps > 0 {
		patch.FailedSteps = &delta.FailedSteps
	}
	if delta.TotalSteps > 0 {
		patch.TotalSteps = &delta.TotalSteps
	}
	if delta.Progress > 0 {
		patch.Progress = &delta.Progress
	}
	if delta.CurrentNodeID != "" {
		patch.CurrentNodeID = &delta.CurrentNodeID
	}
	if delta.MemoryPeakMB > 0 {
		patch.MemoryPeakMB = &delta.MemoryPeakMB
	}

	rows, err := s.store.ConditionalUpdateRun(ctx, runID,
		[]run.Status{run.StatusRunning, run.StatusPaused, run.StatusWaitingApproval},
		patch,
	)
	if err != nil {
		return fmt.Errorf("update progress for run %s: %w", runID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s is not executing", domain.ErrIllegalState, runID)
	}

	s.bus.Publish(ctx, event.RunTopic(runID), "run.progress", map[string]any{
		"run_id":          runID,
		"completed_steps": delta.CompletedSteps,
		"failed_steps":    delta.FailedSteps,
		"progress":        delta.Progress,
		"current_node_id": delta.CurrentNodeID,
	})
	return nil
}

// RecordStep lands a per-step marker from the runner on the run's persisted
// timeline. Markers carry no state transition, so any non-terminal run that
// still executes may report them.
func (s *Lifecycle) RecordStep(ctx context.Context, runID string, step *run.StepReport) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is already %s", domain.ErrIllegalState, runID, r.Status)
	}

	evType := event.TypeStepStart
	severity := event.SeverityInfo
	payload := map[string]any{"index": step.Index}
	if step.NodeType != "" {
		payload["node_type"] = step.NodeType
	}
	switch step.Phase {
	case run.StepEnd:
		evType = event.TypeStepEnd
		if step.DurationMs > 0 {
			payload["duration_ms"] = step.DurationMs
		}
	case run.StepError:
		evType = event.TypeStepError
		severity = event.SeverityError
		if step.Error != "" {
			payload["error"] = step.Error
		}
	}

	s.emitStep(ctx, r, evType, severity, step.StepID, step.NodeID, payload)
	return nil
}

// Complete records the terminal outcome reported by the runner. Retriable
// failures with retry budget left are rescheduled instead of finalized.
func (s *Lifecycle) Complete(ctx context.Context, runID string, result *run.Result) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	from := []run.Status{run.StatusRunning, run.StatusLeased, run.StatusPaused, run.StatusWaitingApproval}

	if result.Success {
		return s.succeed(ctx, r, from, result)
	}
	if result.Retriable && r.Retry.CanRetry(r.RetryCount) {
		return s.scheduleRetry(ctx, r, from, result.ErrorCode, result.ErrorMessage)
	}
	return s.fail(ctx, r, from, result.ErrorCode, result.ErrorMessage)
}

func (s *Lifecycle) succeed(ctx context.Context, r *run.Run, from []run.Status, result *run.Result) error {
	now := time.Now().UTC()
	succeeded := run.StatusSucceeded
	duration := s.runDuration(r, result.DurationMs, now)

	patch := database.RunPatch{
		Status:      &succeeded,
		Outputs:     result.Output,
		CompletedAt: &now,
		Duration:    &duration,
	}
	if result.StepsExecuted > 0 {
		patch.CompletedSteps = &result.StepsExecuted
	}
	if result.StepsFailed > 0 {
		patch.FailedSteps = &result.StepsFailed
	}

	rows, err := s.store.ConditionalUpdateRun(ctx, r.ID, from, patch)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", r.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s already finalized", domain.ErrIllegalState, r.ID)
	}

	s.emit(ctx, r, event.TypeRunCompleted, event.SeverityInfo, map[string]any{
		"duration_ms": duration,
	})
	if s.metrics != nil {
		s.metrics.RunsCompleted.Add(ctx, 1)
		s.metrics.RunDuration.Record(ctx, float64(duration)/1000)
	}
	return nil
}

// fail finalizes a run as failed and fires the failure notification.
func (s *Lifecycle) fail(ctx context.Context, r *run.Run, from []run.Status, code, msg string) error {
	now := time.Now().UTC()
	failed := run.StatusFailed
	duration := s.runDuration(r, 0, now)

	rows, err := s.store.ConditionalUpdateRun(ctx, r.ID, from, database.RunPatch{
		Status:       &failed,
		ErrorCode:    &code,
		ErrorMessage: &msg,
		CompletedAt:  &now,
		Duration:     &duration,
	})
	if err != nil {
		return fmt.Errorf("fail run %s: %w", r.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s already finalized", domain.ErrIllegalState, r.ID)
	}

	s.emit(ctx, r, event.TypeRunFailed, event.SeverityError, map[string]any{
		"error_code":    code,
		"error_message": msg,
	})
	if s.metrics != nil {
		s.metrics.RunsFailed.Add(ctx, 1)
	}
	if s.notify != nil {
		s.notify.Notify(ctx, notifier.Intent{
			Kind:     notifier.KindRunFailed,
			TenantID: r.TenantID,
			RunID:    r.ID,
			Title:    "Run failed",
			Body:     msg,
			Meta:     map[string]string{"error_code": code, "bot_id": r.BotID},
		})
	}
	return nil
}

// scheduleRetry moves the run to retry_scheduled with exponential backoff.
// The tick promotes it back to queued once next_retry_at passes; retry_count
// is only bumped at that promotion, so it always reads "attempts consumed".
func (s *Lifecycle) scheduleRetry(ctx context.Context, r *run.Run, from []run.Status, code, msg string) error {
	now := time.Now().UTC()
	delay := r.Retry.NextRetryDelay(r.RetryCount)
	nextAt := now.Add(delay)

	attempt := run.RetryAttempt{
		Attempt:      r.RetryCount + 1,
		ErrorCode:    code,
		ErrorMessage: msg,
		DelaySeconds: int(delay.Seconds()),
		ScheduledAt:  now,
		NextRetryAt:  nextAt,
	}
	history := append(append([]run.RetryAttempt{}, r.RetryHistory...), attempt)

	scheduled := run.StatusRetryScheduled
	empty := ""
	rows, err := s.store.ConditionalUpdateRun(ctx, r.ID, from, database.RunPatch{
		Status:       &scheduled,
		RunnerID:     &empty,
		ErrorCode:    &code,
		ErrorMessage: &msg,
		NextRetryAt:  &nextAt,
		RetryHistory: history,
	})
	if err != nil {
		return fmt.Errorf("schedule retry for run %s: %w", r.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s already finalized", domain.ErrIllegalState, r.ID)
	}

	s.emit(ctx, r, event.TypeRunRetry, event.SeverityWarn, map[string]any{
		"attempt":       attempt.Attempt,
		"delay_seconds": attempt.DelaySeconds,
		"next_retry_at": nextAt,
		"error_code":    code,
	})
	if s.metrics != nil {
		s.metrics.RunsRetried.Add(ctx, 1)
	}
	return nil
}

// Cancel moves a non-terminal run to cancelled, removes any queue entry and
// tells the runner to abort if the job is already placed. With cascade, active
// children are cancelled too, page by page.
func (s *Lifecycle) Cancel(ctx context.Context, runID, reason string, cascade bool) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is already %s", domain.ErrIllegalState, runID, r.Status)
	}

	now := time.Now().UTC()
	cancelled := run.StatusCancelled
	code := run.ErrCodeCancelled
	rows, err := s.store.ConditionalUpdateRun(ctx, runID,
		run.ActiveStatuses(),
		database.RunPatch{
			Status:       &cancelled,
			ErrorCode:    &code,
			ErrorMessage: &reason,
			CompletedAt:  &now,
		},
	)
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s already finalized", domain.ErrIllegalState, runID)
	}

	if err := s.store.QueueRemove(ctx, runID); err != nil {
		slog.Warn("queue remove after cancel failed", "run_id", runID, "error", err)
	}
	s.closePendingHitl(ctx, r, hitl.StatusCancelled, "cancelled")

	if r.RunnerID != "" && s.commander != nil {
		if err := s.commander.CancelJob(ctx, r.RunnerID, runID, reason); err != nil {
			slog.Warn("cancel frame delivery failed", "run_id", runID, "runner_id", r.RunnerID, "error", err)
		}
	}

	s.emit(ctx, r, event.TypeRunCancelled, event.SeverityWarn, map[string]any{
		"reason": reason,
	})
	if s.metrics != nil {
		s.metrics.RunsCancelled.Add(ctx, 1)
	}

	if cascade {
		s.cancelChildren(ctx, runID, reason)
	}
	return nil
}

// cancelChildren cancels the active descendants of a run, one page at a time.
// Failures on individual children are logged and skipped.
func (s *Lifecycle) cancelChildren(ctx context.Context, parentID, reason string) {
	batch := s.cfg.ChildCancelBatch
	if batch <= 0 {
		batch = 100
	}
	for {
		children, err := s.store.ListRuns(ctx, database.RunFilter{
			ParentRunID: parentID,
			Statuses:    run.ActiveStatuses(),
			Limit:       batch,
		})
		if err != nil {
			slog.Error("list children for cascade cancel failed", "parent_run_id", parentID, "error", err)
			return
		}
		if len(children) == 0 {
			return
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for i := range children {
			child := children[i].ID
			g.Go(func() error {
				if err := s.Cancel(gctx, child, reason, true); err != nil {
					slog.Warn("cascade cancel failed", "run_id", child, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
		if len(children) < batch {
			return
		}
	}
}

// Pause suspends a running run at the next step boundary.
func (s *Lifecycle) Pause(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	paused := run.StatusPaused
	rows, err := s.store.ConditionalUpdateRun(ctx, runID,
		[]run.Status{run.StatusRunning},
		database.RunPatch{Status: &paused},
	)
	if err != nil {
		return fmt.Errorf("pause run %s: %w", runID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s is not running", domain.ErrIllegalState, runID)
	}

	if r.RunnerID != "" && s.commander != nil {
		if err := s.commander.PauseJob(ctx, r.RunnerID, runID); err != nil {
			slog.Warn("pause frame delivery failed", "run_id", runID, "runner_id", r.RunnerID, "error", err)
		}
	}
	s.emit(ctx, r, event.TypeRunPaused, event.SeverityInfo, nil)
	return nil
}

// Resume continues a paused run.
func (s *Lifecycle) Resume(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	running := run.StatusRunning
	rows, err := s.store.ConditionalUpdateRun(ctx, runID,
		[]run.Status{run.StatusPaused},
		database.RunPatch{Status: &running},
	)
	if err != nil {
		return fmt.Errorf("resume run %s: %w", runID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s is not paused", domain.ErrIllegalState, runID)
	}

	if r.RunnerID != "" && s.commander != nil {
		if err := s.commander.ResumeJob(ctx, r.RunnerID, runID, nil); err != nil {
			slog.Warn("resume frame delivery failed", "run_id", runID, "runner_id", r.RunnerID, "error", err)
		}
	}
	s.emit(ctx, r, event.TypeRunResumed, event.SeverityInfo, nil)
	return nil
}

// ForceTimeout finalizes a run whose wall-clock deadline passed. Called by
// the scheduler tick; idempotent when racing a concurrent completion.
func (s *Lifecycle) ForceTimeout(ctx context.Context, r *run.Run) error {
	now := time.Now().UTC()
	timedOut := run.StatusTimedOut
	code := run.ErrCodeTimeout
	msg := fmt.Sprintf("run exceeded its %ds timeout", r.TimeoutSeconds)
	duration := s.runDuration(r, 0, now)

	rows, err := s.store.ConditionalUpdateRun(ctx, r.ID,
		run.ActiveStatuses(),
		database.RunPatch{
			Status:       &timedOut,
			ErrorCode:    &code,
			ErrorMessage: &msg,
			CompletedAt:  &now,
			Duration:     &duration,
		},
	)
	if err != nil {
		return fmt.Errorf("timeout run %s: %w", r.ID, err)
	}
	if rows == 0 {
		return nil
	}

	if err := s.store.QueueRemove(ctx, r.ID); err != nil {
		slog.Warn("queue remove after timeout failed", "run_id", r.ID, "error", err)
	}
	s.closePendingHitl(ctx, r, hitl.StatusExpired, "expired")
	if r.RunnerID != "" && s.commander != nil {
		if err := s.commander.CancelJob(ctx, r.RunnerID, r.ID, msg); err != nil {
			slog.Warn("cancel frame after timeout failed", "run_id", r.ID, "runner_id", r.RunnerID, "error", err)
		}
	}

	s.emit(ctx, r, event.TypeRunTimedOut, event.SeverityError, map[string]any{
		"timeout_seconds": r.TimeoutSeconds,
	})
	if s.metrics != nil {
		s.metrics.RunsTimedOut.Add(ctx, 1)
	}
	if s.notify != nil {
		s.notify.Notify(ctx, notifier.Intent{
			Kind:     notifier.KindRunTimedOut,
			TenantID: r.TenantID,
			RunID:    r.ID,
			Title:    "Run timed out",
			Body:     msg,
			Meta:     map[string]string{"bot_id": r.BotID},
		})
	}
	return nil
}

// OrphanRun handles a run whose runner disconnected mid-flight: retried when
// budget remains, failed otherwise.
func (s *Lifecycle) OrphanRun(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return nil
	}

	from := []run.Status{run.StatusLeased, run.StatusRunning, run.StatusPaused, run.StatusWaitingApproval}
	msg := fmt.Sprintf("runner %s disconnected", r.RunnerID)

	if r.Retry.CanRetry(r.RetryCount) {
		return s.scheduleRetry(ctx, r, from, run.ErrCodeRunnerDisconnected, msg)
	}
	return s.fail(ctx, r, from, run.ErrCodeRunnerDisconnected, msg)
}

// RetryNow creates a fresh run duplicating a terminal one. The new run links
// back to the original through the retried_from label.
func (s *Lifecycle) RetryNow(ctx context.Context, runID string) (*run.Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !r.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is still %s", domain.ErrNotRetriable, runID, r.Status)
	}
	if r.Status == run.StatusSucceeded {
		return nil, fmt.Errorf("%w: run %s succeeded", domain.ErrNotRetriable, runID)
	}

	labels := make(map[string]string, len(r.Labels)+1)
	for k, v := range r.Labels {
		labels[k] = v
	}
	labels["retried_from"] = r.ID

	retry := r.Retry
	return s.Create(ctx, &run.CreateRequest{
		BotID:          r.BotID,
		VersionID:      r.BotVersionID,
		Inputs:         r.Inputs,
		Priority:       r.Priority,
		TriggerType:    run.TriggerRetry,
		TimeoutSeconds: r.TimeoutSeconds,
		Retry:          &retry,
		HitlConfig:     r.HitlConfig,
		Selector:       r.Selector,
		Tags:           r.Tags,
		Labels:         labels,
	})
}

// runDuration prefers the runner-reported duration, falling back to
// wall-clock from the recorded start.
func (s *Lifecycle) runDuration(r *run.Run, reportedMs int64, now time.Time) int64 {
	if reportedMs > 0 {
		return reportedMs
	}
	if r.StartedAt != nil {
		return now.Sub(*r.StartedAt).Milliseconds()
	}
	return 0
}
