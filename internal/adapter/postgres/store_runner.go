package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/BotForge/internal/domain/runner"
)

const runnerColumns = `id, tenant_id, name, api_key_hash, status, capabilities, labels,
	COALESCE(pool, ''), max_concurrent_jobs, current_jobs, last_heartbeat_at, vm_config, created_at, updated_at`

func scanRunner(scanner scannable, r *runner.Runner) error {
	var capabilities, labels, vmConfig []byte
	err := scanner.Scan(
		&r.ID, &r.TenantID, &r.Name, &r.APIKeyHash, &r.Status, &capabilities, &labels,
		&r.Pool, &r.MaxConcurrentJobs, &r.CurrentJobs, &r.LastHeartbeatAt, &vmConfig, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(capabilities, &r.Capabilities); err != nil {
		return fmt.Errorf("decode capabilities: %w", err)
	}
	if len(labels) > 0 && string(labels) != "null" {
		if err := json.Unmarshal(labels, &r.Labels); err != nil {
			return fmt.Errorf("decode labels: %w", err)
		}
	}
	if len(vmConfig) > 0 && string(vmConfig) != "null" {
		r.VMConfig = &runner.VMConfig{}
		if err := json.Unmarshal(vmConfig, r.VMConfig); err != nil {
			return fmt.Errorf("decode vm config: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateRunner(ctx context.Context, r *runner.Runner) error {
	capabilities, err := json.Marshal(r.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	labels, err := json.Marshal(r.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	var vmConfig []byte
	if r.VMConfig != nil {
		vmConfig, err = json.Marshal(r.VMConfig)
		if err != nil {
			return fmt.Errorf("marshal vm config: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO runners (id, tenant_id, name, api_key_hash, status, capabilities, labels, pool, max_concurrent_jobs, vm_config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		r.ID, tenantFromCtx(ctx), r.Name, r.APIKeyHash, string(r.Status),
		capabilities, labels, r.Pool, r.MaxConcurrentJobs, vmConfig)

	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return fmt.Errorf("create runner: %w", err)
	}
	r.TenantID = tenantFromCtx(ctx)
	return nil
}

func (s *Store) GetRunner(ctx context.Context, id string) (*runner.Runner, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runners WHERE id = $1 AND tenant_id = $2`, runnerColumns),
		id, tenantFromCtx(ctx))

	var r runner.Runner
	if err := scanRunner(row, &r); err != nil {
		return nil, notFoundWrap(err, "get runner %s", id)
	}
	return &r, nil
}

// GetRunnerByKeyHash looks a runner up by the SHA-256 hash of its API key.
// Not tenant-scoped: the key identifies the tenant at handshake time.
func (s *Store) GetRunnerByKeyHash(ctx context.Context, keyHash string) (*runner.Runner, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runners WHERE api_key_hash = $1`, runnerColumns), keyHash)

	var r runner.Runner
	if err := scanRunner(row, &r); err != nil {
		return nil, notFoundWrap(err, "get runner by key hash")
	}
	return &r, nil
}

func (s *Store) ListRunners(ctx context.Context) ([]runner.Runner, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM runners WHERE tenant_id = $1 ORDER BY created_at ASC`, runnerColumns),
		tenantFromCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var runners []runner.Runner
	for rows.Next() {
		var r runner.Runner
		if err := scanRunner(rows, &r); err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

func (s *Store) UpdateRunnerStatus(ctx context.Context, id string, status runner.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runners SET status = $2, updated_at = now() WHERE id = $1 AND tenant_id = $3`,
		id, string(status), tenantFromCtx(ctx))
	return execExpectOne(tag, err, "update runner status %s", id)
}

func (s *Store) TouchRunnerHeartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runners SET last_heartbeat_at = $2, updated_at = now() WHERE id = $1 AND tenant_id = $3`,
		id, at, tenantFromCtx(ctx))
	return execExpectOne(tag, err, "touch runner heartbeat %s", id)
}

// MarkStaleRunnersOffline is tick-only and scans across tenants.
func (s *Store) MarkStaleRunnersOffline(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE runners SET status = $1, updated_at = now()
		 WHERE id IN (
			SELECT id FROM runners
			WHERE status = ANY($2)
			  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $3)
			LIMIT $4
		 )
		 RETURNING id`,
		string(runner.StatusOffline),
		[]string{string(runner.StatusOnline), string(runner.StatusBusy)},
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("mark stale runners offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale runner id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
