// Package runner defines the registered execution agent entity and the
// capability matching used to pair queued runs with runners.
package runner

import (
	"slices"
	"time"

	"github.com/Strob0t/BotForge/internal/domain/run"
)

// Status of a registered runner.
type Status string

const (
	StatusOnline      Status = "online"
	StatusBusy        Status = "busy"
	StatusOffline     Status = "offline"
	StatusDraining    Status = "draining"
	StatusMaintenance Status = "maintenance"
)

// Capabilities advertised by a runner at handshake.
type Capabilities struct {
	OS                string   `json:"os"`
	HasDisplay        bool     `json:"has_display"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	InstalledSoftware []string `json:"installed_software,omitempty"`
	EngineVersion     string   `json:"engine_version,omitempty"`
	Tags              []string `json:"tags,omitempty"` // e.g. web.browser, desktop.automation
}

// VMConfig carries the optional power-management hints for a pinned runner
// hosted on a wake-able machine.
type VMConfig struct {
	MACAddress string `json:"mac_address,omitempty"`
	Host       string `json:"host,omitempty"`
	Provider   string `json:"provider,omitempty"`
}

// Runner is a registered execution agent.
type Runner struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	Name              string            `json:"name"`
	APIKeyHash        string            `json:"-"`
	Status            Status            `json:"status"`
	Capabilities      Capabilities      `json:"capabilities"`
	Labels            map[string]string `json:"labels,omitempty"`
	Pool              string            `json:"pool,omitempty"`
	MaxConcurrentJobs int               `json:"max_concurrent_jobs"`
	CurrentJobs       []string          `json:"current_jobs,omitempty"`
	LastHeartbeatAt   *time.Time        `json:"last_heartbeat_at,omitempty"`
	VMConfig          *VMConfig         `json:"vm_config,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Matches reports whether this runner satisfies the selector: either the
// selector pins this exact runner, or the selector's labels and capability
// tags are subsets of the runner's.
func (r *Runner) Matches(sel run.Selector) bool {
	if sel.PinnedRunnerID != "" {
		return sel.PinnedRunnerID == r.ID
	}
	if sel.Pool != "" && sel.Pool != r.Pool {
		return false
	}
	for k, v := range sel.Labels {
		if r.Labels[k] != v {
			return false
		}
	}
	for _, c := range sel.Capabilities {
		if !slices.Contains(r.Capabilities.Tags, c) {
			return false
		}
	}
	return true
}

// HasCapacity reports whether the runner can accept another job.
func (r *Runner) HasCapacity() bool {
	limit := r.MaxConcurrentJobs
	if limit <= 0 {
		limit = 1
	}
	return len(r.CurrentJobs) < limit
}
