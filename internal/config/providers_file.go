package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// generatedChain is the on-disk shape of the provider-chain file. API keys
// are never written; they are re-resolved from env on load.
type generatedChain struct {
	Chain []ProviderSpec `json:"chain"`
}

// WriteProviderChain rewrites the generated provider-chain file. Called
// whenever provider settings change through the API.
func (c *Config) WriteProviderChain() error {
	path := ExpandHome(c.Providers.GeneratedPath)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(generatedChain{Chain: c.ProviderChain()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal provider chain: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write provider chain: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReplaceProviderChain installs a new chain from the settings API: env API
// keys are overlaid and the generated file rewritten so the change survives
// restarts.
func (c *Config) ReplaceProviderChain(specs []ProviderSpec) error {
	c.SetProviderChain(specs)
	c.applyEnvOverrides()
	return c.WriteProviderChain()
}

// loadProviderChain reads the generated file and overlays env API keys.
func (c *Config) loadProviderChain() error {
	path := ExpandHome(c.Providers.GeneratedPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var gen generatedChain
	if err := json.Unmarshal(data, &gen); err != nil {
		return fmt.Errorf("parse provider chain: %w", err)
	}
	c.SetProviderChain(gen.Chain)
	c.applyEnvOverrides()
	return nil
}

// WatchProviderChain watches the generated provider-chain file and invokes
// onChange with the refreshed chain after every rewrite. Blocks until ctx
// is cancelled; run it in a goroutine.
func (c *Config) WatchProviderChain(ctx context.Context, onChange func([]ProviderSpec)) error {
	path := ExpandHome(c.Providers.GeneratedPath)
	if path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and the atomic rename above replace the
	// file rather than writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := c.loadProviderChain(); err != nil {
				slog.Warn("provider chain reload failed", "path", path, "error", err)
				continue
			}
			slog.Info("provider chain reloaded", "path", path, "providers", len(c.Providers.Chain))
			if onChange != nil {
				onChange(c.ProviderChain())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("provider chain watcher error", "error", err)
		}
	}
}
