package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/BotForge/internal/domain/event"
	"github.com/Strob0t/BotForge/internal/domain/runlog"
	"github.com/Strob0t/BotForge/internal/port/database"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into the run_events table.
func (s *EventStore) Append(ctx context.Context, ev *event.RunEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_events (id, run_id, tenant_id, event_type, severity, step_id, node_id, payload, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.RunID, ev.TenantID, string(ev.Type), string(ev.Severity),
		nullIfEmpty(ev.StepID), nullIfEmpty(ev.NodeID), ev.Payload, ev.RequestID)
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

const eventColumns = `id, run_id, tenant_id, event_type, severity, COALESCE(step_id, ''), COALESCE(node_id, ''), payload, COALESCE(request_id, ''), created_at`

func scanEvent(scanner scannable, ev *event.RunEvent) error {
	return scanner.Scan(
		&ev.ID, &ev.RunID, &ev.TenantID, &ev.Type, &ev.Severity,
		&ev.StepID, &ev.NodeID, &ev.Payload, &ev.RequestID, &ev.CreatedAt,
	)
}

// ListByRun returns a filtered page of events for a run, oldest first.
func (s *EventStore) ListByRun(ctx context.Context, runID string, filter database.EventFilter) ([]event.RunEvent, error) {
	args := []any{runID, tenantFromCtx(ctx)}
	conditions := []string{"run_id = $1", "tenant_id = $2"}
	argIdx := 3

	if len(filter.Types) > 0 {
		conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d)", argIdx))
		args = append(args, filter.Types)
		argIdx++
	}
	if filter.Severity != "" {
		conditions = append(conditions, fmt.Sprintf("severity = $%d", argIdx))
		args = append(args, filter.Severity)
		argIdx++
	}
	if filter.StepID != "" {
		conditions = append(conditions, fmt.Sprintf("step_id = $%d", argIdx))
		args = append(args, filter.StepID)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM run_events WHERE %s ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`,
		eventColumns, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []event.RunEvent
	for rows.Next() {
		var ev event.RunEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountByRun returns the number of events recorded for a run.
func (s *EventStore) CountByRun(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM run_events WHERE run_id = $1 AND tenant_id = $2`,
		runID, tenantFromCtx(ctx)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events for run %s: %w", runID, err)
	}
	return n, nil
}

// AppendLog inserts one structured run log line.
func (s *EventStore) AppendLog(ctx context.Context, line *runlog.Line) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_logs (id, run_id, tenant_id, level, source, step_id, message, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		line.ID, line.RunID, line.TenantID, string(line.Level),
		nullIfEmpty(line.Source), nullIfEmpty(line.StepID), line.Message, line.Data)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// AppendLogs inserts a batch of log lines in one round trip.
func (s *EventStore) AppendLogs(ctx context.Context, lines []runlog.Line) error {
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range lines {
		line := &lines[i]
		batch.Queue(
			`INSERT INTO run_logs (id, run_id, tenant_id, level, source, step_id, message, data)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			line.ID, line.RunID, line.TenantID, string(line.Level),
			nullIfEmpty(line.Source), nullIfEmpty(line.StepID), line.Message, line.Data)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range lines {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("append run log batch: %w", err)
		}
	}
	return nil
}

const logColumns = `id, run_id, tenant_id, level, COALESCE(source, ''), COALESCE(step_id, ''), message, data, created_at`

// ListLogsByRun returns a filtered page of log lines for a run, oldest first.
func (s *EventStore) ListLogsByRun(ctx context.Context, runID string, filter database.LogFilter) ([]runlog.Line, error) {
	args := []any{runID, tenantFromCtx(ctx)}
	conditions := []string{"run_id = $1", "tenant_id = $2"}
	argIdx := 3

	if filter.Level != "" {
		conditions = append(conditions, fmt.Sprintf("level = $%d", argIdx))
		args = append(args, filter.Level)
		argIdx++
	}
	if filter.Source != "" {
		conditions = append(conditions, fmt.Sprintf("source = $%d", argIdx))
		args = append(args, filter.Source)
		argIdx++
	}
	if filter.StepID != "" {
		conditions = append(conditions, fmt.Sprintf("step_id = $%d", argIdx))
		args = append(args, filter.StepID)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM run_logs WHERE %s ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`,
		logColumns, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var lines []runlog.Line
	for rows.Next() {
		var line runlog.Line
		err := rows.Scan(
			&line.ID, &line.RunID, &line.TenantID, &line.Level,
			&line.Source, &line.StepID, &line.Message, &line.Data, &line.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
