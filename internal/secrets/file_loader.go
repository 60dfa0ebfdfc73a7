package secrets

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileLoader returns a Loader that reads a flat YAML map of secret names to
// values. Tenant-scoped entries use the "<tenantID>/<name>" key form.
func FileLoader(path string) Loader {
	return func() (map[string]string, error) {
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("read secrets file %s: %w", path, err)
		}
		vals := make(map[string]string)
		if err := yaml.Unmarshal(data, &vals); err != nil {
			return nil, fmt.Errorf("parse secrets file %s: %w", path, err)
		}
		return vals, nil
	}
}
