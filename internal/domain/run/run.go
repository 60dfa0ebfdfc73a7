// Package run defines the Run domain entity: one execution attempt of a
// compiled bot version, and the state machine that governs its lifecycle.
package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/BotForge/internal/domain"
)

// Status represents the current lifecycle state of a run.
type Status string

const (
	StatusPending         Status = "pending"
	StatusQueued          Status = "queued"
	StatusLeased          Status = "leased"
	StatusRunning         Status = "running"
	StatusPaused          Status = "paused"
	StatusWaitingApproval Status = "waiting_approval"
	StatusRetryScheduled  Status = "retry_scheduled"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusRejected        Status = "rejected"
	StatusTimedOut        Status = "timed_out"
	StatusCancelled       Status = "cancelled"
)

// Priority bands for queue ordering. Lower wins.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
	PriorityIdle     = 5
)

// MaxDepth is the maximum nesting depth for parent/child runs.
const MaxDepth = 10

// TriggerType records what initiated a run.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerAPI      TriggerType = "api"
	TriggerParent   TriggerType = "parent" // spawned by another run
	TriggerRetry    TriggerType = "retry"  // manual retry of a terminal run
)

// transitions is the set of legal status transitions. A run may additionally
// move from any non-terminal state to timed_out or cancelled.
var transitions = map[Status][]Status{
	StatusPending:         {StatusQueued},
	StatusQueued:          {StatusLeased},
	StatusLeased:          {StatusRunning, StatusQueued, StatusRetryScheduled, StatusSucceeded, StatusFailed},
	StatusRunning:         {StatusWaitingApproval, StatusPaused, StatusSucceeded, StatusFailed, StatusRetryScheduled},
	StatusPaused:          {StatusRunning, StatusFailed, StatusRetryScheduled},
	StatusWaitingApproval: {StatusRunning, StatusRejected, StatusFailed, StatusSucceeded, StatusRetryScheduled},
	StatusRetryScheduled:  {StatusQueued},
}

// terminal statuses absorb all further transitions.
var terminal = map[Status]bool{
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusRejected:  true,
	StatusTimedOut:  true,
	StatusCancelled: true,
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return terminal[s]
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	if terminal[s] {
		return false
	}
	// Any non-terminal state may time out or be cancelled.
	if next == StatusTimedOut || next == StatusCancelled {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// NextStatuses returns the legal successors of s, including the
// timeout/cancel escapes available from every non-terminal state.
func (s Status) NextStatuses() []Status {
	if terminal[s] {
		return nil
	}
	next := make([]Status, 0, len(transitions[s])+2)
	next = append(next, transitions[s]...)
	next = append(next, StatusTimedOut, StatusCancelled)
	return next
}

// ActiveStatuses are the states counted against the tenant's concurrency quota.
func ActiveStatuses() []Status {
	return []Status{
		StatusPending, StatusQueued, StatusLeased, StatusRunning,
		StatusPaused, StatusWaitingApproval, StatusRetryScheduled,
	}
}

// RetryPolicy controls retry scheduling after retriable failures.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	DelaySeconds      int     `json:"delay_seconds"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelaySeconds   int     `json:"max_delay_seconds"`
}

// DefaultRetryPolicy is applied when a create request carries no retry block.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        0,
		DelaySeconds:      30,
		BackoffMultiplier: 2,
		MaxDelaySeconds:   900,
	}
}

// RetryAttempt summarizes one scheduled retry for the run's retry history.
type RetryAttempt struct {
	Attempt      int       `json:"attempt"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DelaySeconds int       `json:"delay_seconds"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	NextRetryAt  time.Time `json:"next_retry_at"`
}

// HitlConfig controls human-in-the-loop behaviour for a run.
type HitlConfig struct {
	AllowedActions        []string `json:"allowed_actions,omitempty"`
	ApproverIDs           []string `json:"approver_ids,omitempty"`
	DeadlineMinutes       int      `json:"deadline_minutes,omitempty"`
	AutoExpire            bool     `json:"auto_expire,omitempty"`
	AutoRejectAfterExpiry bool     `json:"auto_reject_after_expiry,omitempty"`
	DataModification      bool     `json:"data_modification,omitempty"`
}

// Selector describes the runner requirements of a run.
type Selector struct {
	Labels         map[string]string `json:"labels,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Pool           string            `json:"pool,omitempty"`
	PinnedRunnerID string            `json:"pinned_runner_id,omitempty"`
}

// Run represents a single execution attempt of a bot version.
// Runs are never hard-deleted; terminal statuses are the canonical end state.
type Run struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenant_id"`
	BotID        string      `json:"bot_id"`
	BotVersionID string      `json:"bot_version_id"`
	PlanHash     string      `json:"plan_hash"`
	Status       Status      `json:"status"`
	Priority     int         `json:"priority"`
	TriggerType  TriggerType `json:"trigger_type"`
	TriggeredBy  string      `json:"triggered_by"`

	ParentRunID string `json:"parent_run_id,omitempty"`
	RootRunID   string `json:"root_run_id"`
	Depth       int    `json:"depth"`

	Inputs  json.RawMessage `json:"inputs,omitempty"`
	Outputs json.RawMessage `json:"outputs,omitempty"`

	RunnerID string   `json:"runner_id,omitempty"`
	Selector Selector `json:"selector"`

	TimeoutSeconds int       `json:"timeout_seconds"`
	TimeoutAt      time.Time `json:"timeout_at"`

	Retry        RetryPolicy    `json:"retry"`
	RetryCount   int            `json:"retry_count"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	RetryHistory []RetryAttempt `json:"retry_history,omitempty"`

	RequiresApproval bool        `json:"requires_approval"`
	HitlConfig       *HitlConfig `json:"hitl_config,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Progress counters. Monotonically non-decreasing.
	TotalSteps     int    `json:"total_steps"`
	CompletedSteps int    `json:"completed_steps"`
	FailedSteps    int    `json:"failed_steps"`
	CurrentNodeID  string `json:"current_node_id,omitempty"`
	Progress       int    `json:"progress"` // 0..100
	MemoryPeakMB   int64  `json:"memory_peak_mb,omitempty"`

	Tags   []string          `json:"tags,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`

	QueueDurationMs int64 `json:"queue_duration_ms,omitempty"`
	DurationMs      int64 `json:"duration_ms,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	LeasedAt    *time.Time `json:"leased_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a new run.
type CreateRequest struct {
	BotID          string            `json:"bot_id"`
	VersionID      string            `json:"version_id,omitempty"`
	Inputs         json.RawMessage   `json:"inputs,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	TriggerType    TriggerType       `json:"trigger_type,omitempty"`
	ParentRunID    string            `json:"parent_run_id,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Retry          *RetryPolicy      `json:"retry,omitempty"`
	HitlConfig     *HitlConfig       `json:"hitl_config,omitempty"`
	Selector       Selector          `json:"selector,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`

	// TriggeredBy is stamped by the API layer from the authenticated actor,
	// never taken from the request body.
	TriggeredBy string `json:"-"`
}

// Validate checks the request against domain constraints.
func (r *CreateRequest) Validate() error {
	if r.BotID == "" {
		return fmt.Errorf("%w: bot_id is required", domain.ErrValidation)
	}
	if r.Priority != 0 && (r.Priority < PriorityCritical || r.Priority > PriorityIdle) {
		return fmt.Errorf("%w: priority must be between %d and %d", domain.ErrValidation, PriorityCritical, PriorityIdle)
	}
	if r.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must not be negative", domain.ErrValidation)
	}
	if r.Retry != nil {
		if r.Retry.MaxRetries < 0 {
			return fmt.Errorf("%w: retry.max_retries must not be negative", domain.ErrValidation)
		}
		if r.Retry.BackoffMultiplier < 1 {
			return fmt.Errorf("%w: retry.backoff_multiplier must be >= 1", domain.ErrValidation)
		}
	}
	return nil
}

// ProgressDelta is applied by updateProgress. Counters only move forward.
type ProgressDelta struct {
	CompletedSteps int    `json:"completed_steps,omitempty"`
	FailedSteps    int    `json:"failed_steps,omitempty"`
	TotalSteps     int    `json:"total_steps,omitempty"`
	Progress       int    `json:"progress,omitempty"`
	CurrentNodeID  string `json:"current_node_id,omitempty"`
	MemoryPeakMB   int64  `json:"memory_peak_mb,omitempty"`
}

// StepPhase marks where a step report sits in the step's execution.
type StepPhase string

const (
	StepStart StepPhase = "start"
	StepEnd   StepPhase = "end"
	StepError StepPhase = "error"
)

// StepReport is a per-step execution marker streamed by the runner alongside
// progress deltas. Each one lands on the run's persisted timeline.
type StepReport struct {
	Index      int       `json:"index"`
	StepID     string    `json:"step_id"`
	NodeID     string    `json:"node_id,omitempty"`
	NodeType   string    `json:"node_type,omitempty"`
	Phase      StepPhase `json:"phase"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Result is the terminal outcome reported by a runner.
type Result struct {
	Success       bool            `json:"success"`
	Output        json.RawMessage `json:"output,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Retriable     bool            `json:"retriable"`
	StepsExecuted int             `json:"steps_executed"`
	StepsFailed   int             `json:"steps_failed"`
	DurationMs    int64           `json:"duration_ms"`
}

// Well-known error codes attached to failed runs.
const (
	ErrCodeRunnerDisconnected = "RUNNER_DISCONNECTED"
	ErrCodeTimeout            = "RUN_TIMEOUT"
	ErrCodeHitlExpired        = "HITL_EXPIRED"
	ErrCodeCancelled          = "RUN_CANCELLED"
)
