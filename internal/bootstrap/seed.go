// Package bootstrap seeds first-run files: a commented config template the
// operator can edit before starting the hub.
package bootstrap

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed templates/config.json5
var templateFS embed.FS

// EnsureConfigFile writes the config template to path unless a file already
// exists there. Returns true when the file was created.
func EnsureConfigFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	data, err := templateFS.ReadFile("templates/config.json5")
	if err != nil {
		return false, fmt.Errorf("read config template: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
