package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			ShutdownTimeout: 10,
		},
		Auth: AuthConfig{
			UserTokenExpiry: 3600,
		},
		Database: DatabaseConfig{
			Path: "~/.hearth/hearth.db",
		},
		Providers: ProvidersConfig{
			TurnDeadline:  60,
			GeneratedPath: "~/.hearth/providers.generated.json",
		},
		Registry: RegistryConfig{
			SkillTTL:      1800,
			SweepSchedule: "*/10 * * * *",
		},
		Spoke: SpokeConfig{
			HeartbeatInterval: 60,
			OutboundQueueSize: 256,
			CallTimeout:       30,
		},
		Agent: AgentConfig{
			MaxIterations: 5,
			ReadTimeout:   5,
		},
		Sessions: SessionsConfig{
			ActivityWindow: 900,
			ListPageSize:   50,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (first run).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Secrets (JWT secret, DB DSN, provider API keys) come from env only.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HEARTH_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("HEARTH_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("HEARTH_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}

	// Provider API keys: HEARTH_PROVIDER_<NAME>_API_KEY, name uppercased.
	for i := range c.Providers.Chain {
		key := "HEARTH_PROVIDER_" + envName(c.Providers.Chain[i].Name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			c.Providers.Chain[i].APIKey = v
		}
	}
}

func envName(name string) string {
	name = strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}

// Validate rejects configs the hub cannot start with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("HEARTH_JWT_SECRET is not set")
	}
	if len(c.Providers.Chain) == 0 {
		return fmt.Errorf("providers.chain is empty")
	}
	for i, p := range c.Providers.Chain {
		if p.Name == "" || p.Model == "" {
			return fmt.Errorf("providers.chain[%d]: name and model are required", i)
		}
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
