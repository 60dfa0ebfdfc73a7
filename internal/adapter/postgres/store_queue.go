package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/BotForge/internal/domain/queue"
	"github.com/Strob0t/BotForge/internal/domain/runner"
)

// QueueInsert adds a run to the dispatch queue. The primary key on run_id
// makes enqueue idempotent per run.
func (s *Store) QueueInsert(ctx context.Context, e *queue.Entry) error {
	selector, err := json.Marshal(e.Selector)
	if err != nil {
		return fmt.Errorf("marshal queue selector: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_queue (run_id, tenant_id, priority, selector, enqueued_at, available_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id) DO NOTHING`,
		e.RunID, e.TenantID, e.Priority, selector, e.EnqueuedAt, e.AvailableAt)
	if err != nil {
		return fmt.Errorf("queue insert %s: %w", e.RunID, err)
	}
	return nil
}

// QueueClaim atomically removes and returns the best eligible entry for the
// runner profile. The DELETE with FOR UPDATE SKIP LOCKED guarantees each
// entry is delivered to exactly one claimer under concurrency.
//
// All selector predicates are evaluated in SQL. A pin to this runner
// short-circuits the pool, label and capability checks, mirroring
// runner.Matches; unpinned entries must pass all three.
func (s *Store) QueueClaim(ctx context.Context, profile *runner.Runner) (*queue.Entry, error) {
	labels, err := json.Marshal(profile.Labels)
	if err != nil {
		return nil, fmt.Errorf("marshal runner labels: %w", err)
	}
	tags, err := json.Marshal(pgTextArray(profile.Capabilities.Tags))
	if err != nil {
		return nil, fmt.Errorf("marshal runner capability tags: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`DELETE FROM run_queue
		 WHERE run_id = (
			SELECT run_id FROM run_queue
			WHERE tenant_id = $1
			  AND available_at <= now()
			  AND (
				selector->>'pinned_runner_id' = $2
				OR (
					COALESCE(selector->>'pinned_runner_id', '') = ''
					AND (selector->>'pool' IS NULL OR selector->>'pool' = '' OR selector->>'pool' = $3)
					AND (selector->'labels' IS NULL OR $4::jsonb @> COALESCE(selector->'labels', '{}'::jsonb))
					AND (selector->'capabilities' IS NULL OR $5::jsonb @> COALESCE(selector->'capabilities', '[]'::jsonb))
				)
			  )
			ORDER BY priority ASC, available_at ASC, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING run_id, tenant_id, priority, selector, enqueued_at, available_at`,
		profile.TenantID, profile.ID, profile.Pool, labels, tags)

	var e queue.Entry
	var selector []byte
	err = row.Scan(&e.RunID, &e.TenantID, &e.Priority, &selector, &e.EnqueuedAt, &e.AvailableAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue claim: %w", err)
	}
	if err := json.Unmarshal(selector, &e.Selector); err != nil {
		return nil, fmt.Errorf("decode queue selector: %w", err)
	}
	return &e, nil
}

// QueueRemove deletes a run's queue entry if present. Missing entries are not
// an error; cancellation races with claims.
func (s *Store) QueueRemove(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM run_queue WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("queue remove %s: %w", runID, err)
	}
	return nil
}

// QueueDepth returns the tenant's number of waiting entries.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM run_queue WHERE tenant_id = $1`, tenantFromCtx(ctx)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
