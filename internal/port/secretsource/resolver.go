// Package secretsource defines the port for resolving the secrets a compiled
// plan references before the job is assigned to a runner.
package secretsource

import "context"

// Resolver maps the secret names declared by a bot version to their values.
// The vault itself (env, file, remote) is an external collaborator.
type Resolver interface {
	// Resolve returns a name→value map for the requested secret names.
	// Unknown names resolve to empty strings; callers decide whether that is
	// fatal for the plan.
	Resolve(ctx context.Context, tenantID string, names []string) (map[string]string, error)
}
