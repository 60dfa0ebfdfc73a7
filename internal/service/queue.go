package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/BotForge/internal/domain/event"
	"github.com/Strob0t/BotForge/internal/domain/queue"
	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/domain/runner"
	"github.com/Strob0t/BotForge/internal/port/database"
	"github.com/Strob0t/BotForge/internal/port/secretsource"
)

// Assignment is the job payload handed to a runner after a successful claim.
type Assignment struct {
	RunID          string            `json:"run_id"`
	BotID          string            `json:"bot_id"`
	BotVersionID   string            `json:"bot_version_id"`
	PlanHash       string            `json:"plan_hash"`
	Plan           json.RawMessage   `json:"plan,omitempty"`
	PackageURL     string            `json:"package_url,omitempty"`
	Inputs         json.RawMessage   `json:"inputs,omitempty"`
	Secrets        map[string]string `json:"secrets,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Attempt        int               `json:"attempt"`
	TotalSteps     int               `json:"total_steps"`
}

// SetSecretResolver registers the vault used to materialize plan secrets at
// assignment time. Without one, jobs are assigned with no secrets.
func (s *Lifecycle) SetSecretResolver(r secretsource.Resolver) {
	s.secrets = r
}

// enqueue moves a pending run into the queue and signals the dispatch loop.
// availableAt in the future hides the entry from claims until the tick
// promotes it (scheduled retries).
func (s *Lifecycle) enqueue(ctx context.Context, r *run.Run, availableAt time.Time) error {
	now := time.Now().UTC()
	queued := run.StatusQueued
	rows, err := s.store.ConditionalUpdateRun(ctx, r.ID,
		[]run.Status{run.StatusPending},
		database.RunPatch{Status: &queued, QueuedAt: &now},
	)
	if err != nil {
		return fmt.Errorf("enqueue run %s: %w", r.ID, err)
	}
	if rows == 0 {
		// Cancelled between create and enqueue.
		return nil
	}
	r.Status = queued
	r.QueuedAt = &now

	entry := &queue.Entry{
		RunID:       r.ID,
		TenantID:    r.TenantID,
		Priority:    r.Priority,
		Selector:    r.Selector,
		EnqueuedAt:  now,
		AvailableAt: availableAt,
	}
	if err := s.store.QueueInsert(ctx, entry); err != nil {
		return fmt.Errorf("queue insert run %s: %w", r.ID, err)
	}

	s.emit(ctx, r, event.TypeRunQueued, event.SeverityInfo, map[string]any{
		"priority": r.Priority,
	})
	if s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, 1)
	}
	if !availableAt.After(now) {
		s.wakeDispatch()
	}
	s.maybeWakePinned(ctx, r)
	return nil
}

// maybeWakePinned fires the power-management callback when the run pins a
// runner that is currently offline. The queue entry stays put until the
// runner reconnects or the run times out.
func (s *Lifecycle) maybeWakePinned(ctx context.Context, r *run.Run) {
	if s.power == nil || r.Selector.PinnedRunnerID == "" {
		return
	}
	pinned, err := s.store.GetRunner(ctx, r.Selector.PinnedRunnerID)
	if err != nil {
		slog.Warn("pinned runner lookup failed", "run_id", r.ID, "runner_id", r.Selector.PinnedRunnerID, "error", err)
		return
	}
	if pinned.Status != runner.StatusOffline || pinned.VMConfig == nil {
		return
	}
	if err := s.power.Wake(ctx, pinned); err != nil {
		slog.Warn("pinned runner wake failed", "run_id", r.ID, "runner_id", pinned.ID, "error", err)
	}
}

// ClaimFor claims the best eligible queue entry for the runner, leases the
// run and builds its assignment. Returns (nil, nil) when nothing is claimable.
// Entries whose run was cancelled while queued are skipped.
func (s *Lifecycle) ClaimFor(ctx context.Context, profile *runner.Runner) (*Assignment, error) {
	for {
		entry, err := s.store.QueueClaim(ctx, profile)
		if err != nil {
			return nil, fmt.Errorf("queue claim: %w", err)
		}
		if entry == nil {
			return nil, nil
		}
		if s.metrics != nil {
			s.metrics.QueueDepth.Add(ctx, -1)
		}

		asg, err := s.lease(ctx, entry, profile)
		if err != nil {
			return nil, err
		}
		if asg == nil {
			// Run left the queued state while its entry sat in the queue.
			continue
		}
		return asg, nil
	}
}

// lease transitions the claimed run to leased and assembles the assignment.
// Returns (nil, nil) if the run is no longer queued.
func (s *Lifecycle) lease(ctx context.Context, entry *queue.Entry, profile *runner.Runner) (*Assignment, error) {
	now := time.Now().UTC()
	leased := run.StatusLeased
	waitMs := now.Sub(entry.EnqueuedAt).Milliseconds()

	rows, err := s.store.ConditionalUpdateRun(ctx, entry.RunID,
		[]run.Status{run.StatusQueued},
		database.RunPatch{
			Status:        &leased,
			RunnerID:      &profile.ID,
			LeasedAt:      &now,
			QueueDuration: &waitMs,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("lease run %s: %w", entry.RunID, err)
	}
	if rows == 0 {
		return nil, nil
	}

	r, err := s.store.GetRun(ctx, entry.RunID)
	if err != nil {
		return nil, fmt.Errorf("get leased run %s: %w", entry.RunID, err)
	}

	version, err := s.store.GetBotVersion(ctx, r.BotVersionID)
	if err != nil {
		return nil, fmt.Errorf("get bot version for run %s: %w", r.ID, err)
	}

	secrets := map[string]string{}
	if s.secrets != nil && len(version.SecretNames) > 0 {
		secrets, err = s.secrets.Resolve(ctx, r.TenantID, version.SecretNames)
		if err != nil {
			// A missing vault should not wedge the queue: assign without
			// secrets and let the plan fail loudly on the runner.
			slog.Error("secret resolution failed", "run_id", r.ID, "error", err)
			secrets = map[string]string{}
		}
	}

	s.emit(ctx, r, event.TypeRunLeased, event.SeverityInfo, map[string]any{
		"runner_id":     profile.ID,
		"queue_wait_ms": waitMs,
	})
	if s.metrics != nil {
		s.metrics.JobsAssigned.Add(ctx, 1)
		s.metrics.QueueWaitTime.Record(ctx, float64(waitMs)/1000)
	}

	return &Assignment{
		RunID:          r.ID,
		BotID:          r.BotID,
		BotVersionID:   r.BotVersionID,
		PlanHash:       r.PlanHash,
		Plan:           version.CompiledPlan,
		PackageURL:     version.PackageURL,
		Inputs:         r.Inputs,
		Secrets:        secrets,
		TimeoutSeconds: r.TimeoutSeconds,
		Attempt:        r.RetryCount,
		TotalSteps:     r.TotalSteps,
	}, nil
}

// EnqueueRetry promotes a retry_scheduled run whose backoff elapsed back into
// the queue, consuming one retry attempt. Called by the scheduler tick.
func (s *Lifecycle) EnqueueRetry(ctx context.Context, r *run.Run) error {
	now := time.Now().UTC()
	queued := run.StatusQueued
	count := r.RetryCount + 1
	rows, err := s.store.ConditionalUpdateRun(ctx, r.ID,
		[]run.Status{run.StatusRetryScheduled},
		database.RunPatch{Status: &queued, QueuedAt: &now, RetryCount: &count},
	)
	if err != nil {
		return fmt.Errorf("promote retry for run %s: %w", r.ID, err)
	}
	if rows == 0 {
		return nil
	}

	entry := &queue.Entry{
		RunID:       r.ID,
		TenantID:    r.TenantID,
		Priority:    r.Priority,
		Selector:    r.Selector,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
	if err := s.store.QueueInsert(ctx, entry); err != nil {
		return fmt.Errorf("queue insert run %s: %w", r.ID, err)
	}

	s.emit(ctx, r, event.TypeRunQueued, event.SeverityInfo, map[string]any{
		"priority": r.Priority,
		"attempt":  count,
	})
	if s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, 1)
	}
	s.wakeDispatch()
	return nil
}

// Requeue puts a leased run back in the queue, e.g. when assignment delivery
// to the runner failed before the job started.
func (s *Lifecycle) Requeue(ctx context.Context, runID string) error {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	queued := run.StatusQueued
	empty := ""
	rows, err := s.store.ConditionalUpdateRun(ctx, runID,
		[]run.Status{run.StatusLeased},
		database.RunPatch{Status: &queued, RunnerID: &empty},
	)
	if err != nil {
		return fmt.Errorf("requeue run %s: %w", runID, err)
	}
	if rows == 0 {
		return nil
	}

	now := time.Now().UTC()
	entry := &queue.Entry{
		RunID:       r.ID,
		TenantID:    r.TenantID,
		Priority:    r.Priority,
		Selector:    r.Selector,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
	if err := s.store.QueueInsert(ctx, entry); err != nil {
		return fmt.Errorf("queue insert run %s: %w", runID, err)
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.Add(ctx, 1)
	}
	s.wakeDispatch()
	return nil
}
