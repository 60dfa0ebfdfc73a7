// Package gateway implements the persistent WebSocket channel between the
// core and its runners: handshake, heartbeats, job assignment and the job
// control frames (cancel, pause, resume).
package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/domain/runlog"
	"github.com/Strob0t/BotForge/internal/domain/runner"
	"github.com/Strob0t/BotForge/internal/service"
)

// Frame types sent by runners.
const (
	TypeRunnerAuth      = "runner:auth"
	TypeRunnerHeartbeat = "runner:heartbeat"
	TypeJobStarted      = "job:started"
	TypeJobProgress     = "job:progress"
	TypeJobResult       = "job:result"
	TypeJobHitl         = "job:hitl"
	TypeJobLogs         = "job:logs"
)

// Frame types sent by the core.
const (
	TypeAuthAck   = "auth:ok"
	TypeAuthError = "auth:error"
	TypeJobAssign = "job:assign"
	TypeJobCancel = "job:cancel"
	TypeJobPause  = "job:pause"
	TypeJobResume = "job:resume"
)

// Frame is the wire envelope for both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a typed frame.
func NewFrame(frameType string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s frame: %w", frameType, err)
	}
	return Frame{Type: frameType, Data: data}, nil
}

// AuthRequest is the first frame a runner must send after connecting.
type AuthRequest struct {
	APIKey       string              `json:"api_key"`
	Name         string              `json:"name,omitempty"`
	Capabilities runner.Capabilities `json:"capabilities"`
	Labels       map[string]string   `json:"labels,omitempty"`
	Pool         string              `json:"pool,omitempty"`
}

// AuthAck confirms a successful handshake.
type AuthAck struct {
	RunnerID         string   `json:"runner_id"`
	HeartbeatSeconds int      `json:"heartbeat_seconds"`
	ResumableJobs    []string `json:"resumable_jobs,omitempty"`
}

// AuthError reports a failed handshake before the connection closes.
type AuthError struct {
	Reason string `json:"reason"`
}

// Heartbeat is the runner's periodic liveness report.
type Heartbeat struct {
	ActiveJobs []string `json:"active_jobs,omitempty"`
}

// JobStarted reports that execution of an assigned run began.
type JobStarted struct {
	RunID string `json:"run_id"`
}

// JobProgress carries a progress delta for a running job, optionally with the
// step boundary that produced it.
type JobProgress struct {
	RunID string            `json:"run_id"`
	Delta run.ProgressDelta `json:"delta"`
	Step  *run.StepReport   `json:"step,omitempty"`
}

// JobResult carries the terminal outcome of a job.
type JobResult struct {
	RunID  string     `json:"run_id"`
	Result run.Result `json:"result"`
}

// JobHitl reports that the plan reached an approval checkpoint.
type JobHitl struct {
	RunID string            `json:"run_id"`
	Input service.HitlInput `json:"input"`
}

// JobLogs carries a batch of structured log lines from the runner.
type JobLogs struct {
	RunID string        `json:"run_id"`
	Lines []runlog.Line `json:"lines"`
}

// JobCancel tells the runner to abort a job.
type JobCancel struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// JobPause tells the runner to suspend a job at the next step boundary.
type JobPause struct {
	RunID string `json:"run_id"`
}

// JobResume tells the runner to continue a paused or approved job. Payload
// carries modified inputs when a reviewer changed them.
type JobResume struct {
	RunID   string          `json:"run_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
