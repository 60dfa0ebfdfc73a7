package secrets

import (
	"context"
)

// VaultResolver implements the secret source port on top of a Vault.
type VaultResolver struct {
	vault *Vault
}

// NewVaultResolver creates a resolver backed by the given vault.
func NewVaultResolver(v *Vault) *VaultResolver {
	return &VaultResolver{vault: v}
}

// Resolve returns a name to value map for the requested secret names.
// Unknown names resolve to empty strings.
func (r *VaultResolver) Resolve(_ context.Context, tenantID string, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = r.vault.GetScoped(tenantID, name)
	}
	return out, nil
}
