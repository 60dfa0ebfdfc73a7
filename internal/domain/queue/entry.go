// Package queue defines the persistent priority queue entry entity.
package queue

import (
	"time"

	"github.com/Strob0t/BotForge/internal/domain/run"
)

// Entry is one run waiting for a runner. At most one entry exists per run.
// Claim ordering is (priority ASC, available_at ASC, enqueued_at ASC).
type Entry struct {
	RunID      string       `json:"run_id"`
	TenantID   string       `json:"tenant_id"`
	Priority   int          `json:"priority"`
	Selector   run.Selector `json:"selector"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	// AvailableAt delays delivery for scheduled retries. Entries with a
	// future AvailableAt are invisible to claims until promoted by the tick.
	AvailableAt time.Time `json:"available_at"`
}
