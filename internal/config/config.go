package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the Hearth hub.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Auth      AuthConfig      `json:"auth"`
	Database  DatabaseConfig  `json:"database"`
	Providers ProvidersConfig `json:"providers"`
	Registry  RegistryConfig  `json:"registry,omitempty"`
	Spoke     SpokeConfig     `json:"spoke,omitempty"`
	Agent     AgentConfig     `json:"agent,omitempty"`
	Sessions  SessionsConfig  `json:"sessions,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the HTTP/WebSocket listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// RateLimitRPM > 0 enables per-principal rate limiting at that RPM.
	RateLimitRPM    int             `json:"rate_limit_rpm,omitempty"`
	ShutdownTimeout DurationSeconds `json:"shutdown_timeout_seconds,omitempty"`
}

// AuthConfig configures identity and tokens.
// JWTSecret is NEVER read from the config file — env HEARTH_JWT_SECRET only.
type AuthConfig struct {
	JWTSecret       string          `json:"-"`
	UserTokenExpiry DurationSeconds `json:"user_token_expiry_seconds,omitempty"`
	EnrollmentHost  string          `json:"enrollment_host,omitempty"` // advertised in enrollment commands
}

// DatabaseConfig selects the storage engine. Path is a sqlite file; DSN
// (env HEARTH_DATABASE_DSN only, postgres://) overrides it when set.
type DatabaseConfig struct {
	Path string `json:"path,omitempty"`
	DSN  string `json:"-"`
}

// ProvidersConfig is the ordered LLM provider chain. The first entry is
// tried first; later entries are fallbacks.
type ProvidersConfig struct {
	Chain        []ProviderSpec  `json:"chain"`
	TurnDeadline DurationSeconds `json:"turn_deadline_seconds,omitempty"`
	// GeneratedPath is where the hub rewrites the effective chain whenever
	// provider settings change through the API. Watched for hot reload.
	GeneratedPath string `json:"generated_path,omitempty"`
}

// ProviderSpec describes one OpenAI-compatible provider endpoint.
// API keys come from env (HEARTH_PROVIDER_<NAME>_API_KEY), never the file.
type ProviderSpec struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"-"`
}

// RegistryConfig tunes skill liveness.
type RegistryConfig struct {
	SkillTTL      DurationSeconds `json:"skill_ttl_seconds,omitempty"`
	SweepSchedule string          `json:"sweep_schedule,omitempty"` // cron expression
}

// SpokeConfig tunes the device channel.
type SpokeConfig struct {
	HeartbeatInterval DurationSeconds `json:"heartbeat_interval_seconds,omitempty"`
	OutboundQueueSize int             `json:"outbound_queue_size,omitempty"`
	CallTimeout       DurationSeconds `json:"call_timeout_seconds,omitempty"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	MaxIterations int             `json:"max_iterations,omitempty"`
	ReadTimeout   DurationSeconds `json:"read_tool_timeout_seconds,omitempty"` // search/describe
}

// SessionsConfig tunes the session service.
type SessionsConfig struct {
	ActivityWindow DurationSeconds `json:"activity_window_seconds,omitempty"`
	ListPageSize   int             `json:"list_page_size,omitempty"`
}

// TelemetryConfig enables OTLP trace export when an endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// DurationSeconds is a duration stored as integer seconds in JSON.
type DurationSeconds int

// Duration converts to time.Duration, with a fallback for the zero value.
func (d DurationSeconds) Duration(fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return time.Duration(d) * time.Second
}

// Chain returns a copy of the provider chain under the read lock.
func (c *Config) ProviderChain() []ProviderSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProviderSpec, len(c.Providers.Chain))
	copy(out, c.Providers.Chain)
	return out
}

// SetProviderChain replaces the provider chain under the write lock.
func (c *Config) SetProviderChain(chain []ProviderSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Providers.Chain = chain
}
