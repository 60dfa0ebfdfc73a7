package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/BotForge/internal/domain/hitl"
	"github.com/Strob0t/BotForge/internal/port/database"
)

const hitlColumns = `id, run_id, COALESCE(step_id, ''), COALESCE(node_id, ''), status,
	COALESCE(prompt, ''), data, allowed_actions, data_modification_allowed,
	COALESCE(assigned_to, ''), approver_ids, deadline, auto_expire,
	COALESCE(action, ''), COALESCE(resolved_by, ''), resolved_at, COALESCE(comments, ''), modified_data,
	audit_trail, created_at, updated_at`

func scanHitl(scanner scannable, req *hitl.Request) error {
	var allowedActions []string
	var auditTrail []byte
	err := scanner.Scan(
		&req.ID, &req.RunID, &req.StepID, &req.NodeID, &req.Status,
		&req.Prompt, &req.Data, &allowedActions, &req.DataModificationAllowed,
		&req.AssignedTo, &req.ApproverIDs, &req.Deadline, &req.AutoExpire,
		&req.Action, &req.ResolvedBy, &req.ResolvedAt, &req.Comments, &req.ModifiedData,
		&auditTrail, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return err
	}
	req.AllowedActions = make([]hitl.Action, len(allowedActions))
	for i, a := range allowedActions {
		req.AllowedActions[i] = hitl.Action(a)
	}
	if len(auditTrail) > 0 && string(auditTrail) != "null" {
		if err := json.Unmarshal(auditTrail, &req.AuditTrail); err != nil {
			return fmt.Errorf("decode audit trail: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateHitl(ctx context.Context, req *hitl.Request) error {
	actions := make([]string, len(req.AllowedActions))
	for i, a := range req.AllowedActions {
		actions[i] = string(a)
	}
	audit, err := json.Marshal(orEmpty(req.AuditTrail))
	if err != nil {
		return fmt.Errorf("marshal audit trail: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO hitl_requests (id, run_id, tenant_id, step_id, node_id, status, prompt, data,
			allowed_actions, data_modification_allowed, assigned_to, approver_ids, deadline, auto_expire, audit_trail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING created_at, updated_at`,
		req.ID, req.RunID, tenantFromCtx(ctx), req.StepID, req.NodeID, string(req.Status),
		req.Prompt, req.Data, pgTextArray(actions), req.DataModificationAllowed,
		nullIfEmpty(req.AssignedTo), pgTextArray(req.ApproverIDs), req.Deadline, req.AutoExpire, audit)

	if err := row.Scan(&req.CreatedAt, &req.UpdatedAt); err != nil {
		return fmt.Errorf("create hitl request: %w", err)
	}
	req.TenantID = tenantFromCtx(ctx)
	return nil
}

func (s *Store) GetHitl(ctx context.Context, id string) (*hitl.Request, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM hitl_requests WHERE id = $1 AND tenant_id = $2`, hitlColumns),
		id, tenantFromCtx(ctx))

	var req hitl.Request
	if err := scanHitl(row, &req); err != nil {
		return nil, notFoundWrap(err, "get hitl request %s", id)
	}
	req.TenantID = tenantFromCtx(ctx)
	return &req, nil
}

func (s *Store) GetPendingHitlByRun(ctx context.Context, runID string) (*hitl.Request, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM hitl_requests WHERE run_id = $1 AND tenant_id = $2 AND status = $3
			ORDER BY created_at DESC LIMIT 1`, hitlColumns),
		runID, tenantFromCtx(ctx), string(hitl.StatusPending))

	var req hitl.Request
	if err := scanHitl(row, &req); err != nil {
		return nil, notFoundWrap(err, "get pending hitl for run %s", runID)
	}
	req.TenantID = tenantFromCtx(ctx)
	return &req, nil
}

func (s *Store) ListHitl(ctx context.Context, filter database.HitlFilter) ([]hitl.Request, error) {
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
	if filter.RunID != "" {
		conditions = append(conditions, fmt.Sprintf("run_id = $%d", argIdx))
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.AssignedTo != "" {
		conditions = append(conditions, fmt.Sprintf("(assigned_to = $%d OR $%d = ANY(approver_ids))", argIdx, argIdx))
		args = append(args, filter.AssignedTo)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM hitl_requests WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		hitlColumns, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list hitl requests: %w", err)
	}
	defer rows.Close()

	tid := tenantFromCtx(ctx)
	var reqs []hitl.Request
	for rows.Next() {
		var req hitl.Request
		if err := scanHitl(rows, &req); err != nil {
			return nil, fmt.Errorf("scan hitl request: %w", err)
		}
		req.TenantID = tid
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ResolveHitl conditionally resolves a request in status `from`, appending the
// resolution's audit entry in the same statement. Returns rows affected; zero
// means the request was already resolved by a concurrent decision.
func (s *Store) ResolveHitl(ctx context.Context, id string, from hitl.Status, patch database.HitlPatch) (int64, error) {
	var audit []byte
	if patch.AuditEntry != nil {
		entry, err := json.Marshal(patch.AuditEntry)
		if err != nil {
			return 0, fmt.Errorf("marshal audit entry: %w", err)
		}
		audit = entry
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE hitl_requests
		 SET status = $3, action = $4, resolved_by = $5, resolved_at = $6, comments = $7,
		     modified_data = $8,
		     audit_trail = CASE WHEN $9::jsonb IS NULL THEN audit_trail ELSE audit_trail || $9::jsonb END,
		     updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND status = $10`,
		id, tenantFromCtx(ctx), string(patch.Status), string(patch.Action),
		nullIfEmpty(patch.ResolvedBy), patch.ResolvedAt, patch.Comments,
		patch.ModifiedData, audit, string(from))
	if err != nil {
		return 0, fmt.Errorf("resolve hitl request %s: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

// ListExpiredHitl is tick-only and scans across tenants.
func (s *Store) ListExpiredHitl(ctx context.Context, now time.Time, limit int) ([]hitl.Request, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT tenant_id, %s FROM hitl_requests
			WHERE status = $1 AND auto_expire AND deadline IS NOT NULL AND deadline <= $2
			ORDER BY deadline ASC LIMIT $3`, hitlColumns),
		string(hitl.StatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired hitl requests: %w", err)
	}
	defer rows.Close()

	var reqs []hitl.Request
	for rows.Next() {
		var req hitl.Request
		var tid string
		scanner := prependScanner{rows: rows, first: &tid}
		if err := scanHitl(&scanner, &req); err != nil {
			return nil, fmt.Errorf("scan expired hitl request: %w", err)
		}
		req.TenantID = tid
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}
