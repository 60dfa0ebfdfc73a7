package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/BotForge/internal/domain/bot"
)

func (s *Store) GetBot(ctx context.Context, id string) (*bot.Bot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(latest_version_id::text, ''), default_timeout_seconds, requires_approval, created_at, updated_at
		 FROM bots WHERE id = $1 AND tenant_id = $2`, id, tenantFromCtx(ctx))

	var b bot.Bot
	err := row.Scan(&b.ID, &b.Name, &b.LatestVersionID, &b.DefaultTimeoutS, &b.RequiresApproval, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get bot %s", id)
	}
	b.TenantID = tenantFromCtx(ctx)
	return &b, nil
}

const botVersionColumns = `id, bot_id, status, plan_hash, compiled_plan, total_steps, secret_names, COALESCE(package_url, ''), created_at`

func scanBotVersion(scanner scannable, v *bot.Version) error {
	return scanner.Scan(
		&v.ID, &v.BotID, &v.Status, &v.PlanHash, &v.CompiledPlan,
		&v.TotalSteps, &v.SecretNames, &v.PackageURL, &v.CreatedAt,
	)
}

func (s *Store) GetBotVersion(ctx context.Context, id string) (*bot.Version, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM bot_versions WHERE id = $1 AND tenant_id = $2`, botVersionColumns),
		id, tenantFromCtx(ctx))

	var v bot.Version
	if err := scanBotVersion(row, &v); err != nil {
		return nil, notFoundWrap(err, "get bot version %s", id)
	}
	v.TenantID = tenantFromCtx(ctx)
	return &v, nil
}

func (s *Store) GetLatestBotVersion(ctx context.Context, botID string) (*bot.Version, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM bot_versions
			WHERE bot_id = $1 AND tenant_id = $2 AND status IN ('compiled', 'published')
			ORDER BY created_at DESC LIMIT 1`, botVersionColumns),
		botID, tenantFromCtx(ctx))

	var v bot.Version
	if err := scanBotVersion(row, &v); err != nil {
		return nil, notFoundWrap(err, "get latest version of bot %s", botID)
	}
	v.TenantID = tenantFromCtx(ctx)
	return &v, nil
}
