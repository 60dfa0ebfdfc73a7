// Package powermgr defines the optional power-management callback invoked
// when a run targets a pinned runner that is currently offline.
package powermgr

import (
	"context"

	"github.com/Strob0t/BotForge/internal/domain/runner"
)

// Manager wakes sleeping runner hosts. Implementations are external
// (wake-on-LAN, cloud VM start); the core only fires the callback and leaves
// the queue entry in place until the runner reconnects or the run times out.
type Manager interface {
	// Wake requests power-on for the runner's host. Idempotent.
	Wake(ctx context.Context, r *runner.Runner) error
}
