// Package eventstore defines the append-only store port for run events and
// structured run logs. There is deliberately no update or delete path.
package eventstore

import (
	"context"

	"github.com/Strob0t/BotForge/internal/domain/event"
	"github.com/Strob0t/BotForge/internal/domain/runlog"
	"github.com/Strob0t/BotForge/internal/port/database"
)

// Store persists the run timeline. Append failures must never fail the
// mutating operation they accompany; callers log and continue.
type Store interface {
	// Append inserts an immutable run event.
	Append(ctx context.Context, ev *event.RunEvent) error

	// AppendLog inserts one structured run log line.
	AppendLog(ctx context.Context, line *runlog.Line) error

	// AppendLogs inserts a batch of log lines in one round trip.
	AppendLogs(ctx context.Context, lines []runlog.Line) error

	// ListByRun returns a filtered page of events for a run, oldest first.
	ListByRun(ctx context.Context, runID string, filter database.EventFilter) ([]event.RunEvent, error)

	// ListLogsByRun returns a filtered page of log lines for a run, oldest first.
	ListLogsByRun(ctx context.Context, runID string, filter database.LogFilter) ([]runlog.Line, error)

	// CountByRun returns the number of events recorded for a run.
	CountByRun(ctx context.Context, runID string) (int, error)
}
