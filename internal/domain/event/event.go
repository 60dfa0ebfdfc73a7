// Package event defines the append-only RunEvent timeline entity.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of run event.
type Type string

const (
	TypeRunQueued    Type = "run.queued"
	TypeRunLeased    Type = "run.leased"
	TypeRunStarted   Type = "run.started"
	TypeRunPaused    Type = "run.paused"
	TypeRunResumed   Type = "run.resumed"
	TypeRunCompleted Type = "run.completed"
	TypeRunFailed    Type = "run.failed"
	TypeRunTimedOut  Type = "run.timed_out"
	TypeRunCancelled Type = "run.cancelled"
	TypeRunRetry     Type = "run.retry_scheduled"

	TypeStepStart Type = "step.start"
	TypeStepEnd   Type = "step.end"
	TypeStepError Type = "step.error"

	TypeHitlRequested Type = "hitl.requested"
	TypeHitlApproved  Type = "hitl.approved"
	TypeHitlRejected  Type = "hitl.rejected"
	TypeHitlModified  Type = "hitl.modified"
	TypeHitlEscalated Type = "hitl.escalated"
	TypeHitlExpired   Type = "hitl.expired"

	TypeRunnerOnline  Type = "runner.online"
	TypeRunnerOffline Type = "runner.offline"
)

// Severity classifies an event for display and filtering.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// RunEvent is a single immutable entry in a run's timeline.
type RunEvent struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	TenantID  string          `json:"tenant_id"`
	Type      Type            `json:"type"`
	Severity  Severity        `json:"severity"`
	StepID    string          `json:"step_id,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Topic names for event bus subscriptions.
const (
	TopicRunners = "runners"
)

// RunTopic returns the bus topic for a single run's events.
func RunTopic(runID string) string {
	return "run:" + runID
}
