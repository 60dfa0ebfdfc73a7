// Package database defines the transactional store port. The store is the
// serialization point for run state: every lifecycle transition goes through
// ConditionalUpdateRun so concurrent writers cannot race past the state machine.
package database

import (
	"context"
	"time"

	"github.com/Strob0t/BotForge/internal/domain/bot"
	"github.com/Strob0t/BotForge/internal/domain/hitl"
	"github.com/Strob0t/BotForge/internal/domain/queue"
	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/domain/runner"
)

// RunPatch is a partial update applied to a run inside a conditional update.
// Nil fields are left untouched.
type RunPatch struct {
	Status         *run.Status
	RunnerID       *string
	ErrorCode      *string
	ErrorMessage   *string
	Outputs        []byte
	Inputs         []byte
	RetryCount     *int
	NextRetryAt    *time.Time
	RetryHistory   []run.RetryAttempt
	QueuedAt       *time.Time
	LeasedAt       *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	QueueDuration  *int64
	Duration       *int64
	CompletedSteps *int
	FailedSteps    *int
	TotalSteps     *int
	Progress       *int
	CurrentNodeID  *string
	MemoryPeakMB   *int64
}

// RunFilter selects runs for paged listing. Zero values are ignored.
type RunFilter struct {
	Statuses    []run.Status
	BotID       string
	RunnerID    string
	ParentRunID string
	TriggerType run.TriggerType
	Tag         string
	Limit       int
	Offset      int
}

// EventFilter selects run events for paged listing.
type EventFilter struct {
	Types    []string
	Severity string
	StepID   string
	Limit    int
	Offset   int
}

// LogFilter selects run log lines for paged listing.
type LogFilter struct {
	Level  string
	Source string
	StepID string
	Limit  int
	Offset int
}

// HitlFilter selects approval requests for paged listing.
type HitlFilter struct {
	Statuses   []hitl.Status
	RunID      string
	AssignedTo string
	Limit      int
	Offset     int
}

// Store is the persistence port for runs, runners, the queue, HITL requests
// and bot metadata. Every operation is tenant-scoped via the request context.
type Store interface {
	// --- Runs ---
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]run.Run, error)
	ListChildRuns(ctx context.Context, parentID string) ([]run.Run, error)
	CountRunChildren(ctx context.Context, id string) (int, error)

	// ConditionalUpdateRun applies patch iff the run's current status is one
	// of whereStatusIn. Returns the number of rows affected (0 or 1). This is
	// the primitive that makes state transitions safe under concurrency.
	ConditionalUpdateRun(ctx context.Context, id string, whereStatusIn []run.Status, patch RunPatch) (int64, error)

	// CountActiveRuns returns the tenant's runs in non-terminal states.
	CountActiveRuns(ctx context.Context) (int, error)
	// CountRunsSince returns the tenant's runs created at or after t.
	CountRunsSince(ctx context.Context, t time.Time) (int, error)

	// ListExpiredRuns returns up to limit non-terminal runs with timeout_at <= now.
	ListExpiredRuns(ctx context.Context, now time.Time, limit int) ([]run.Run, error)
	// ListDueRetries returns up to limit retry_scheduled runs whose queue
	// entry is available at or before now.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]run.Run, error)
	// ListRunsByRunner returns up to limit runs placed on the runner in one of
	// the given states, across tenants. Used to orphan work on dead runners.
	ListRunsByRunner(ctx context.Context, runnerID string, statuses []run.Status, limit int) ([]run.Run, error)

	// --- Queue ---
	QueueInsert(ctx context.Context, e *queue.Entry) error
	// QueueClaim atomically deletes and returns the highest-priority entry
	// matching the runner profile, or nil when none is eligible.
	QueueClaim(ctx context.Context, profile *runner.Runner) (*queue.Entry, error)
	QueueRemove(ctx context.Context, runID string) error
	QueueDepth(ctx context.Context) (int, error)

	// --- Runners ---
	CreateRunner(ctx context.Context, r *runner.Runner) error
	GetRunner(ctx context.Context, id string) (*runner.Runner, error)
	GetRunnerByKeyHash(ctx context.Context, keyHash string) (*runner.Runner, error)
	ListRunners(ctx context.Context) ([]runner.Runner, error)
	UpdateRunnerStatus(ctx context.Context, id string, status runner.Status) error
	TouchRunnerHeartbeat(ctx context.Context, id string, at time.Time) error
	// MarkStaleRunnersOffline flips ONLINE runners silent since the cutoff to
	// OFFLINE; returns the affected runner IDs.
	MarkStaleRunnersOffline(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// --- HITL ---
	CreateHitl(ctx context.Context, req *hitl.Request) error
	GetHitl(ctx context.Context, id string) (*hitl.Request, error)
	GetPendingHitlByRun(ctx context.Context, runID string) (*hitl.Request, error)
	ListHitl(ctx context.Context, filter HitlFilter) ([]hitl.Request, error)
	// ResolveHitl conditionally resolves a pending request; returns rows affected.
	ResolveHitl(ctx context.Context, id string, from hitl.Status, patch HitlPatch) (int64, error)
	// ListExpiredHitl returns up to limit pending auto-expire requests past deadline.
	ListExpiredHitl(ctx context.Context, now time.Time, limit int) ([]hitl.Request, error)

	// --- Bots ---
	GetBot(ctx context.Context, id string) (*bot.Bot, error)
	GetBotVersion(ctx context.Context, id string) (*bot.Version, error)
	GetLatestBotVersion(ctx context.Context, botID string) (*bot.Version, error)

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error
}

// HitlPatch is the resolution applied to a pending HITL request.
type HitlPatch struct {
	Status       hitl.Status
	Action       hitl.Action
	ResolvedBy   string
	ResolvedAt   time.Time
	Comments     string
	ModifiedData []byte
	AuditEntry   *hitl.AuditEntry
}
