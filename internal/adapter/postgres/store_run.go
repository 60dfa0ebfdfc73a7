package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/BotForge/internal/domain/run"
	"github.com/Strob0t/BotForge/internal/port/database"
)

// runColumns is the SELECT column list for runs queries.
const runColumns = `id, bot_id, bot_version_id, plan_hash, status, priority, trigger_type, triggered_by,
	COALESCE(parent_run_id::text, ''), root_run_id, depth, inputs, outputs,
	COALESCE(runner_id::text, ''), selector, timeout_seconds, timeout_at,
	retry_policy, retry_count, next_retry_at, retry_history,
	requires_approval, hitl_config, COALESCE(error_code, ''), COALESCE(error_message, ''),
	total_steps, completed_steps, failed_steps, COALESCE(current_node_id, ''), progress, memory_peak_mb,
	tags, labels, queue_duration_ms, duration_ms,
	created_at, queued_at, leased_at, started_at, completed_at, updated_at`

// scanRun scans a row into a Run, decoding the jsonb columns.
func scanRun(scanner scannable, r *run.Run) error {
	var selector, retryPolicy, retryHistory, hitlConfig, labels []byte
	err := scanner.Scan(
		&r.ID, &r.BotID, &r.BotVersionID, &r.PlanHash, &r.Status, &r.Priority, &r.TriggerType, &r.TriggeredBy,
		&r.ParentRunID, &r.RootRunID, &r.Depth, &r.Inputs, &r.Outputs,
		&r.RunnerID, &selector, &r.TimeoutSeconds, &r.TimeoutAt,
		&retryPolicy, &r.RetryCount, &r.NextRetryAt, &retryHistory,
		&r.RequiresApproval, &hitlConfig, &r.ErrorCode, &r.ErrorMessage,
		&r.TotalSteps, &r.CompletedSteps, &r.FailedSteps, &r.CurrentNodeID, &r.Progress, &r.MemoryPeakMB,
		&r.Tags, &labels, &r.QueueDurationMs, &r.DurationMs,
		&r.CreatedAt, &r.QueuedAt, &r.LeasedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(selector, &r.Selector); err != nil {
		return fmt.Errorf("decode selector: %w", err)
	}
	if err := json.Unmarshal(retryPolicy, &r.Retry); err != nil {
		return fmt.Errorf("decode retry policy: %w", err)
	}
	if len(retryHistory) > 0 {
		if err := json.Unmarshal(retryHistory, &r.RetryHistory); err != nil {
			return fmt.Errorf("decode retry history: %w", err)
		}
	}
	if len(hitlConfig) > 0 && string(hitlConfig) != "null" {
		r.HitlConfig = &run.HitlConfig{}
		if err := json.Unmarshal(hitlConfig, r.HitlConfig); err != nil {
			return fmt.Errorf("decode hitl config: %w", err)
		}
	}
	if len(labels) > 0 && string(labels) != "null" {
		if err := json.Unmarshal(labels, &r.Labels); err != nil {
			return fmt.Errorf("decode labels: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	selector, err := json.Marshal(r.Selector)
	if err != nil {
		return fmt.Errorf("marshal selector: %w", err)
	}
	retryPolicy, err := json.Marshal(r.Retry)
	if err != nil {
		return fmt.Errorf("marshal retry policy: %w", err)
	}
	labels, err := json.Marshal(r.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	var hitlConfig []byte
	if r.HitlConfig != nil {
		hitlConfig, err = json.Marshal(r.HitlConfig)
		if err != nil {
			return fmt.Errorf("marshal hitl config: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO runs (id, tenant_id, bot_id, bot_version_id, plan_hash, status, priority, trigger_type, triggered_by,
			parent_run_id, root_run_id, depth, inputs, selector, timeout_seconds, timeout_at,
			retry_policy, requires_approval, hitl_config, total_steps, tags, labels)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 RETURNING created_at, updated_at`,
		r.ID, tenantFromCtx(ctx), r.BotID, r.BotVersionID, r.PlanHash, string(r.Status), r.Priority,
		string(r.TriggerType), r.TriggeredBy, nullIfEmpty(r.ParentRunID), r.RootRunID, r.Depth,
		r.Inputs, selector, r.TimeoutSeconds, r.TimeoutAt,
		retryPolicy, r.RequiresApproval, hitlConfig, r.TotalSteps, pgTextArray(r.Tags), labels)

	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	r.TenantID = tenantFromCtx(ctx)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE id = $1 AND tenant_id = $2`, runColumns),
		id, tenantFromCtx(ctx))

	var r run.Run
	if err := scanRun(row, &r); err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	r.TenantID = tenantFromCtx(ctx)
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, filter database.RunFilter) ([]run.Run, error) {
	args := []any{tenantFromCtx(ctx)}
	conditions := []string{"tenant_id = $1"}
	argIdx := 2

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, statuses)
		argIdx++
	}
	if filter.BotID != "" {
		conditions = append(conditions, fmt.Sprintf("bot_id = $%d", argIdx))
		args = append(args, filter.BotID)
		argIdx++
	}
	if filter.RunnerID != "" {
		conditions = append(conditions, fmt.Sprintf("runner_id = $%d", argIdx))
		args = append(args, filter.RunnerID)
		argIdx++
	}
	if filter.ParentRunID != "" {
		conditions = append(conditions, fmt.Sprintf("parent_run_id = $%d", argIdx))
		args = append(args, filter.ParentRunID)
		argIdx++
	}
	if filter.TriggerType != "" {
		conditions = append(conditions, fmt.Sprintf("trigger_type = $%d", argIdx))
		args = append(args, string(filter.TriggerType))
		argIdx++
	}
	if filter.Tag != "" {
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(tags)", argIdx))
		args = append(args, filter.Tag)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		runColumns, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	tid := tenantFromCtx(ctx)
	var runs []run.Run
	for rows.Next() {
		var r run.Run
		if err := scanRun(rows, &r); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.TenantID = tid
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) ListChildRuns(ctx context.Context, parentID string) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE parent_run_id = $1 AND tenant_id = $2 ORDER BY created_at ASC`, runColumns),
		parentID, tenantFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list child runs of %s: %w", parentID, err)
	}
	defer rows.Close()

	tid := tenantFromCtx(ctx)
	var runs []run.Run
	for rows.Next() {
		var r run.Run
		if err := scanRun(rows, &r); err != nil {
			return nil, fmt.Errorf("scan child run: %w", err)
		}
		r.TenantID = tid
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) CountRunChildren(ctx context.Context, id string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE parent_run_id = $1 AND tenant_id = $2`,
		id, tenantFromCtx(ctx)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count run children %s: %w", id, err)
	}
	return n, nil
}

// ConditionalUpdateRun applies patch iff the run's current status is one of
// whereStatusIn. Returns rows affected (0 or 1). This single statement is the
// serialization point for every lifecycle transition.
func (s *Store) ConditionalUpdateRun(ctx context.Context, id string, whereStatusIn []run.Status, patch database.RunPatch) (int64, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id, tenantFromCtx(ctx)}
	argIdx := 3

	add := func(expr string, val any) {
		sets = append(sets, fmt.Sprintf(expr, argIdx))
		args = append(args, val)
		argIdx++
	}

	if patch.Status != nil {
		add("status = $%d", string(*patch.Status))
	}
	if patch.RunnerID != nil {
		add("runner_id = $%d", nullIfEmpty(*patch.RunnerID))
	}
	if patch.ErrorCode != nil {
		add("error_code = $%d", *patch.ErrorCode)
	}
	if patch.ErrorMessage != nil {
		add("error_message = $%d", *patch.ErrorMessage)
	}
	if patch.Outputs != nil {
		add("outputs = $%d", patch.Outputs)
	}
	if patch.Inputs != nil {
		add("inputs = $%d", patch.Inputs)
	}
	if patch.RetryCount != nil {
		add("retry_count = $%d", *patch.RetryCount)
	}
	if patch.NextRetryAt != nil {
		add("next_retry_at = $%d", nullTime(*patch.NextRetryAt))
	}
	if patch.RetryHistory != nil {
		history, err := json.Marshal(patch.RetryHistory)
		if err != nil {
			return 0, fmt.Errorf("marshal retry history: %w", err)
		}
		add("retry_history = $%d", history)
	}
	if patch.QueuedAt != nil {
		add("queued_at = $%d", *patch.QueuedAt)
	}
	if patch.LeasedAt != nil {
		add("leased_at = $%d", *patch.LeasedAt)
	}
	if patch.StartedAt != nil {
		add("started_at = $%d", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at = $%d", *patch.CompletedAt)
	}
	if patch.QueueDuration != nil {
		add("queue_duration_ms = $%d", *patch.QueueDuration)
	}
	if patch.Duration != nil {
		add("duration_ms = $%d", *patch.Duration)
	}
	if patch.CompletedSteps != nil {
		add("completed_steps = GREATEST(completed_steps, $%d)", *patch.CompletedSteps)
	}
	if patch.FailedSteps != nil {
		add("failed_steps = GREATEST(failed_steps, $%d)", *patch.FailedSteps)
	}
	if patch.TotalSteps != nil {
		add("total_steps = $%d", *patch.TotalSteps)
	}
	if patch.Progress != nil {
		add("progress = GREATEST(progress, $%d)", *patch.Progress)
	}
	if patch.CurrentNodeID != nil {
		add("current_node_id = $%d", *patch.CurrentNodeID)
	}
	if patch.MemoryPeakMB != nil {
		add("memory_peak_mb = GREATEST(memory_peak_mb, $%d)", *patch.MemoryPeakMB)
	}

	statuses := make([]string, len(whereStatusIn))
	for i, st := range whereStatusIn {
		statuses[i] = string(st)
	}
	query := fmt.Sprintf(`UPDATE runs SET %s WHERE id = $1 AND tenant_id = $2 AND status = ANY($%d)`,
		strings.Join(sets, ", "), argIdx)
	args = append(args, statuses)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("conditional update run %s: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountActiveRuns(ctx context.Context) (int, error) {
	active := run.ActiveStatuses()
	statuses := make([]string, len(active))
	for i, st := range active {
		statuses[i] = string(st)
	}

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE tenant_id = $1 AND status = ANY($2)`,
		tenantFromCtx(ctx), statuses).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return n, nil
}

func (s *Store) CountRunsSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE tenant_id = $1 AND created_at >= $2`,
		tenantFromCtx(ctx), t).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs since %s: %w", t.Format(time.RFC3339), err)
	}
	return n, nil
}

// ListExpiredRuns is tick-only and scans across tenants.
func (s *Store) ListExpiredRuns(ctx context.Context, now time.Time, limit int) ([]run.Run, error) {
	terminal := []string{
		string(run.StatusSucceeded), string(run.StatusFailed), string(run.StatusRejected),
		string(run.StatusTimedOut), string(run.StatusCancelled),
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE timeout_at <= $1 AND NOT (status = ANY($2)) ORDER BY timeout_at ASC LIMIT $3`, runColumnsWithTenant),
		now, terminal, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired runs: %w", err)
	}
	defer rows.Close()
	return scanRunsWithTenant(rows)
}

// ListDueRetries is tick-only and scans across tenants.
func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2 ORDER BY next_retry_at ASC LIMIT $3`, runColumnsWithTenant),
		string(run.StatusRetryScheduled), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	defer rows.Close()
	return scanRunsWithTenant(rows)
}

// ListRunsByRunner is tick-only and scans across tenants.
func (s *Store) ListRunsByRunner(ctx context.Context, runnerID string, statuses []run.Status, limit int) ([]run.Run, error) {
	states := make([]string, len(statuses))
	for i, st := range statuses {
		states[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE runner_id = $1 AND status = ANY($2) ORDER BY leased_at ASC LIMIT $3`, runColumnsWithTenant),
		runnerID, states, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs by runner: %w", err)
	}
	defer rows.Close()
	return scanRunsWithTenant(rows)
}

// runColumnsWithTenant prefixes the standard column list with tenant_id for
// cross-tenant maintenance queries.
const runColumnsWithTenant = `tenant_id, ` + runColumns

func scanRunsWithTenant(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]run.Run, error) {
	var runs []run.Run
	for rows.Next() {
		var r run.Run
		var tid string
		scanner := prependScanner{rows: rows, first: &tid}
		if err := scanRun(&scanner, &r); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.TenantID = tid
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// prependScanner injects an extra destination before the standard scan list.
type prependScanner struct {
	rows  interface{ Scan(dest ...any) error }
	first any
}

func (p *prependScanner) Scan(dest ...any) error {
	return p.rows.Scan(append([]any{p.first}, dest...)...)
}
