// Package service implements the dispatch core: run lifecycle, queueing,
// approvals and the scheduler tick.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/BotForge/internal/adapter/otel"
	"github.com/Strob0t/BotForge/internal/config"
	"github.com/Strob0t/BotForge/internal/domain"
	"github.com/Strob0t/BotForge/internal/domain/bot"
	"github.com/Strob0t/BotForge/internal/domain/event"
	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/logger"
	"github.com/Strob0t/BotForge/internal/port/broadcast"
	"github.com/Strob0t/BotForge/internal/port/cache"
	"github.com/Strob0t/BotForge/internal/port/database"
	"github.com/Strob0t/BotForge/internal/port/eventstore"
	"github.com/Strob0t/BotForge/internal/port/notifier"
	"github.com/Strob0t/BotForge/internal/port/powermgr"
	"github.com/Strob0t/BotForge/internal/port/secretsource"
)

// Commander delivers control frames to a connected runner. The gateway
// registers itself here so the lifecycle can reach running jobs.
type Commander interface {
	// CancelJob tells the runner to abort the run. Best-effort.
	CancelJob(ctx context.Context, runnerID, runID, reason string) error

	// PauseJob tells the runner to suspend the run at the next step boundary.
	PauseJob(ctx context.Context, runnerID, runID string) error

	// ResumeJob tells the runner to continue a paused or approved run.
	// Payload carries modified inputs when a reviewer changed them.
	ResumeJob(ctx context.Context, runnerID, runID string, payload json.RawMessage) error
}

// Lifecycle owns every run state transition. All writes go through the
// store's conditional update so concurrent actors cannot race past the
// state machine.
type Lifecycle struct {
	store     database.Store
	events    eventstore.Store
	bus       broadcast.Broadcaster
	cache     cache.Cache
	notify    *notifier.Registry
	metrics   *otel.Metrics
	cfg       *config.Runs
	commander Commander
	secrets   secretsource.Resolver
	power     powermgr.Manager

	wake chan struct{}
}

// NewLifecycle creates the lifecycle service.
func NewLifecycle(
	store database.Store,
	events eventstore.Store,
	bus broadcast.Broadcaster,
	versionCache cache.Cache,
	notify *notifier.Registry,
	metrics *otel.Metrics,
	cfg *config.Runs,
) *Lifecycle {
	return &Lifecycle{
		store:   store,
		events:  events,
		bus:     bus,
		cache:   versionCache,
		notify:  notify,
		metrics: metrics,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
	}
}

// SetCommander registers the runner gateway for control frame delivery.
func (s *Lifecycle) SetCommander(c Commander) {
	s.commander = c
}

// SetPowerManager registers the optional wake callback for pinned runners
// that are offline when their run is enqueued.
func (s *Lifecycle) SetPowerManager(p powermgr.Manager) {
	s.power = p
}

// WakeCh signals the dispatch loop that new work may be claimable. The
// channel is coalescing: a pending signal absorbs further kicks.
func (s *Lifecycle) WakeCh() <-chan struct{} {
	return s.wake
}

func (s *Lifecycle) wakeDispatch() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Create validates the request, applies defaults and quotas, persists the run
// and enqueues it for dispatch.
func (s *Lifecycle) Create(ctx context.Context, req *run.CreateRequest) (*run.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var parent *run.Run
	if req.ParentRunID != "" {
		p, err := s.store.GetRun(ctx, req.ParentRunID)
		if err != nil {
			return nil, fmt.Errorf("get parent run: %w", err)
		}
		if p.Depth+1 > run.MaxDepth {
			return nil, fmt.Errorf("%w: parent depth %d", domain.ErrDepthExceeded, p.Depth)
		}
		if p.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: parent run is %s", domain.ErrIllegalState, p.Status)
		}
		parent = p
	}

	if err := s.checkQuotas(ctx); err != nil {
		return nil, err
	}

	b, err := s.store.GetBot(ctx, req.BotID)
	if err != nil {
		return nil, fmt.Errorf("get bot: %w", err)
	}
	version, err := s.resolveVersion(ctx, b, req.VersionID)
	if err != nil {
		return nil, err
	}
	if !version.Runnable() {
		return nil, fmt.Errorf("%w: version %s is %s", domain.ErrBotNotCompiled, version.ID, version.Status)
	}

	r := s.buildRun(req, b, version, parent)

	if err := s.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if err := s.enqueue(ctx, r, time.Now().UTC()); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RunsCreated.Add(ctx, 1)
	}
	return r, nil
}

// buildRun assembles a pending Run from the request and resolved bot version.
func (s *Lifecycle) buildRun(req *run.CreateRequest, b *bot.Bot, version *bot.Version, parent *run.Run) *run.Run {
	now := time.Now().UTC()

	priority := req.Priority
	if priority == 0 {
		priority = run.PriorityNormal
	}

	timeoutS := req.TimeoutSeconds
	if timeoutS == 0 {
		timeoutS = b.DefaultTimeoutS
	}
	if timeoutS == 0 {
		timeoutS = int(s.cfg.DefaultTimeout.Seconds())
	}

	retry := run.DefaultRetryPolicy()
	if req.Retry != nil {
		retry = *req.Retry
	}

	trigger := req.TriggerType
	if trigger == "" {
		trigger = run.TriggerManual
	}
	if parent != nil {
		trigger = run.TriggerParent
	}

	r := &run.Run{
		ID:               uuid.NewString(),
		BotID:            b.ID,
		BotVersionID:     version.ID,
		PlanHash:         version.PlanHash,
		Status:           run.StatusPending,
		Priority:         priority,
		TriggerType:      trigger,
		TriggeredBy:      req.TriggeredBy,
		Inputs:           req.Inputs,
		Selector:         req.Selector,
		TimeoutSeconds:   timeoutS,
		TimeoutAt:        now.Add(time.Duration(timeoutS) * time.Second),
		Retry:            retry,
		RequiresApproval: b.RequiresApproval || req.HitlConfig != nil,
		HitlConfig:       req.HitlConfig,
		TotalSteps:       version.TotalSteps,
		Tags:             req.Tags,
		Labels:           req.Labels,
		CreatedAt:        now,
	}

	if parent != nil {
		r.ParentRunID = parent.ID
		r.RootRunID = parent.RootRunID
		r.Depth = parent.Depth + 1
	} else {
		// A root run is its own root.
		r.RootRunID = r.ID
	}
	return r
}

// checkQuotas enforces the tenant's concurrency and monthly caps.
func (s *Lifecycle) checkQuotas(ctx context.Context) error {
	if s.cfg.MaxConcurrent > 0 {
		active, err := s.store.CountActiveRuns(ctx)
		if err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		if active >= s.cfg.MaxConcurrent {
			return fmt.Errorf("%w: %d active runs (limit %d)", domain.ErrQuotaExceeded, active, s.cfg.MaxConcurrent)
		}
	}
	if s.cfg.MaxPerMonth > 0 {
		now := time.Now().UTC()
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		count, err := s.store.CountRunsSince(ctx, monthStart)
		if err != nil {
			return fmt.Errorf("count monthly runs: %w", err)
		}
		if count >= s.cfg.MaxPerMonth {
			return fmt.Errorf("%w: %d runs this month (limit %d)", domain.ErrQuotaExceeded, count, s.cfg.MaxPerMonth)
		}
	}
	return nil
}

// resolveVersion returns the requested bot version, or the latest runnable
// one when the request does not pin a version. Lookups go through the
// in-process cache keyed by version ID.
func (s *Lifecycle) resolveVersion(ctx context.Context, b *bot.Bot, versionID string) (*bot.Version, error) {
	if versionID == "" {
		v, err := s.store.GetLatestBotVersion(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("get latest bot version: %w", err)
		}
		return v, nil
	}

	key := "botver:" + versionID
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var v bot.Version
			if err := json.Unmarshal(data, &v); err == nil {
				return &v, nil
			}
		}
	}

	v, err := s.store.GetBotVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("get bot version: %w", err)
	}
	if v.BotID != b.ID {
		return nil, fmt.Errorf("%w: version %s does not belong to bot %s", domain.ErrValidation, versionID, b.ID)
	}

	if s.cache != nil {
		if data, err := json.Marshal(v); err == nil {
			_ = s.cache.Set(ctx, key, data, s.cfg.BotVersionCacheTTL)
		}
	}
	return v, nil
}

// Get returns a run by ID.
func (s *Lifecycle) Get(ctx context.Context, id string) (*run.Run, error) {
	return s.store.GetRun(ctx, id)
}

// List returns a filtered page of runs.
func (s *Lifecycle) List(ctx context.Context, filter database.RunFilter) ([]run.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// ListChildren returns the direct children of a run.
func (s *Lifecycle) ListChildren(ctx context.Context, parentID string) ([]run.Run, error) {
	return s.store.ListChildRuns(ctx, parentID)
}

// Events returns the persisted timeline of a run.
func (s *Lifecycle) Events(ctx context.Context, runID string, filter database.EventFilter) ([]event.RunEvent, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.events.ListByRun(ctx, runID, filter)
}

// emit appends a run event (best-effort) and publishes it on the run's topic.
// Persistence failures are logged, never propagated: the state transition
// that produced the event has already committed.
func (s *Lifecycle) emit(ctx context.Context, r *run.Run, evType event.Type, severity event.Severity, payload any) {
	s.emitStep(ctx, r, evType, severity, "", "", payload)
}

// emitStep is emit with step coordinates attached, used for the per-step
// timeline markers reported during execution.
func (s *Lifecycle) emitStep(ctx context.Context, r *run.Run, evType event.Type, severity event.Severity, stepID, nodeID string, payload any) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			slog.Error("event payload marshal failed", "run_id", r.ID, "type", evType, "error", err)
		} else {
			data = b
		}
	}

	ev := &event.RunEvent{
		ID:        uuid.NewString(),
		RunID:     r.ID,
		TenantID:  r.TenantID,
		Type:      evType,
		Severity:  severity,
		StepID:    stepID,
		NodeID:    nodeID,
		Payload:   data,
		RequestID: logger.RequestID(ctx),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.events.Append(ctx, ev); err != nil {
		slog.Error("run event append failed", "run_id", r.ID, "type", evType, "error", err)
	}

	s.bus.Publish(ctx, event.RunTopic(r.ID), string(evType), ev)
}
