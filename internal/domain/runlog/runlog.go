// Package runlog defines the structured run log line entity.
package runlog

import (
	"encoding/json"
	"time"
)

// Level is a log line severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Line is one structured log entry emitted during a run. Append-only.
type Line struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	TenantID  string          `json:"tenant_id"`
	Level     Level           `json:"level"`
	Source    string          `json:"source,omitempty"`
	StepID    string          `json:"step_id,omitempty"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
