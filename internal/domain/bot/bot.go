// Package bot defines the bot and bot version entities consumed by the
// dispatch core. Authoring and compilation live outside this service; the
// core only needs the compiled plan and its hash.
package bot

import (
	"encoding/json"
	"time"
)

// VersionStatus of a bot version's compilation pipeline.
type VersionStatus string

const (
	VersionDraft     VersionStatus = "draft"
	VersionCompiled  VersionStatus = "compiled"
	VersionPublished VersionStatus = "published"
	VersionArchived  VersionStatus = "archived"
)

// Bot is a named, versioned automation artifact.
type Bot struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Name             string    `json:"name"`
	LatestVersionID  string    `json:"latest_version_id,omitempty"`
	DefaultTimeoutS  int       `json:"default_timeout_seconds,omitempty"`
	RequiresApproval bool      `json:"requires_approval"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Version is one compiled revision of a bot.
type Version struct {
	ID           string          `json:"id"`
	BotID        string          `json:"bot_id"`
	TenantID     string          `json:"tenant_id"`
	Status       VersionStatus   `json:"status"`
	PlanHash     string          `json:"plan_hash"`
	CompiledPlan json.RawMessage `json:"compiled_plan,omitempty"`
	TotalSteps   int             `json:"total_steps"`
	SecretNames  []string        `json:"secret_names,omitempty"`
	PackageURL   string          `json:"package_url,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Runnable reports whether a version may be dispatched: it must be compiled
// or published and carry a plan hash.
func (v *Version) Runnable() bool {
	return (v.Status == VersionCompiled || v.Status == VersionPublished) && v.PlanHash != ""
}
