package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/BotForge/internal/adapter/otel"
	"github.com/Strob0t/BotForge/internal/config"
	"github.com/Strob0t/BotForge/internal/domain/event"
	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/middleware"
	"github.com/Strob0t/BotForge/internal/port/broadcast"
	"github.com/Strob0t/BotForge/internal/port/database"
)

// Tick is the maintenance sweep run by the cluster leader. Each pass is
// bounded by the configured batch size; anything left over is picked up on
// the next interval. All passes are idempotent under conditional updates, so
// a leader handover mid-pass is harmless.
type Tick struct {
	store     database.Store
	lifecycle *Lifecycle
	bus       broadcast.Broadcaster
	cfg       *config.Tick
}

// NewTick creates the scheduler tick.
func NewTick(store database.Store, lifecycle *Lifecycle, bus broadcast.Broadcaster, cfg *config.Tick) *Tick {
	return &Tick{store: store, lifecycle: lifecycle, bus: bus, cfg: cfg}
}

// Start launches the tick loop and returns a stop function. Shaped for use
// as a leader.OnElected callback.
func (t *Tick) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Pass(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Pass runs all four maintenance sweeps once.
func (t *Tick) Pass(ctx context.Context) {
	t.sweepTimeouts(ctx)
	t.promoteRetries(ctx)
	t.sweepHitl(ctx)
	t.sweepRunners(ctx)
}

// sweepTimeouts finalizes runs whose wall-clock deadline passed.
func (t *Tick) sweepTimeouts(ctx context.Context) {
	ctx, span := otel.StartTickSpan(ctx, "timeouts")
	defer span.End()

	runs, err := t.store.ListExpiredRuns(ctx, time.Now().UTC(), t.cfg.BatchSize)
	if err != nil {
		slog.Error("tick: list expired runs failed", "error", err)
		return
	}
	for i := range runs {
		r := &runs[i]
		tctx := middleware.WithTenantID(ctx, r.TenantID)
		if err := t.lifecycle.ForceTimeout(tctx, r); err != nil {
			slog.Error("tick: timeout run failed", "run_id", r.ID, "error", err)
		}
	}
	if len(runs) > 0 {
		slog.Info("tick: timed out runs", "count", len(runs))
	}
}

// promoteRetries re-queues retry_scheduled runs whose backoff elapsed.
func (t *Tick) promoteRetries(ctx context.Context) {
	ctx, span := otel.StartTickSpan(ctx, "retries")
	defer span.End()

	runs, err := t.store.ListDueRetries(ctx, time.Now().UTC(), t.cfg.BatchSize)
	if err != nil {
		slog.Error("tick: list due retries failed", "error", err)
		return
	}
	for i := range runs {
		r := &runs[i]
		tctx := middleware.WithTenantID(ctx, r.TenantID)
		if err := t.lifecycle.EnqueueRetry(tctx, r); err != nil {
			slog.Error("tick: promote retry failed", "run_id", r.ID, "error", err)
		}
	}
}

// sweepHitl expires pending approval requests past their deadline.
func (t *Tick) sweepHitl(ctx context.Context) {
	ctx, span := otel.StartTickSpan(ctx, "hitl")
	defer span.End()

	reqs, err := t.store.ListExpiredHitl(ctx, time.Now().UTC(), t.cfg.BatchSize)
	if err != nil {
		slog.Error("tick: list expired approvals failed", "error", err)
		return
	}
	for i := range reqs {
		req := &reqs[i]
		tctx := middleware.WithTenantID(ctx, req.TenantID)
		if err := t.lifecycle.ExpireHitl(tctx, req); err != nil {
			slog.Error("tick: expire approval failed", "hitl_id", req.ID, "error", err)
		}
	}
}

// sweepRunners flips silent runners offline and orphans their in-flight runs.
// The gateway catches clean disconnects; this pass is the backstop for
// runners that died without closing their session.
func (t *Tick) sweepRunners(ctx context.Context) {
	ctx, span := otel.StartTickSpan(ctx, "runners")
	defer span.End()

	cutoff := time.Now().UTC().Add(-t.cfg.StaleRunner)
	ids, err := t.store.MarkStaleRunnersOffline(ctx, cutoff, t.cfg.BatchSize)
	if err != nil {
		slog.Error("tick: mark stale runners failed", "error", err)
		return
	}

	placed := []run.Status{run.StatusLeased, run.StatusRunning, run.StatusPaused, run.StatusWaitingApproval}
	for _, id := range ids {
		slog.Warn("tick: runner went silent", "runner_id", id)
		t.bus.Publish(ctx, event.TopicRunners, string(event.TypeRunnerOffline), map[string]string{
			"runner_id": id,
			"reason":    "heartbeat timeout",
		})

		runs, err := t.store.ListRunsByRunner(ctx, id, placed, t.cfg.BatchSize)
		if err != nil {
			slog.Error("tick: list runs on stale runner failed", "runner_id", id, "error", err)
			continue
		}
		for i := range runs {
			r := &runs[i]
			tctx := middleware.WithTenantID(ctx, r.TenantID)
			if err := t.lifecycle.OrphanRun(tctx, r.ID); err != nil {
				slog.Error("tick: orphan run failed", "run_id", r.ID, "error", err)
			}
		}
	}
}
