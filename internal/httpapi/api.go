// Package httpapi is the hub's public HTTP surface: auth, user and device
// management, the skill registry endpoints, sessions, and the
// OpenAI-compatible chat endpoint with SSE streaming.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/hearth/internal/agent"
	"github.com/nextlevelbuilder/hearth/internal/config"
	"github.com/nextlevelbuilder/hearth/internal/identity"
	"github.com/nextlevelbuilder/hearth/internal/providers"
	"github.com/nextlevelbuilder/hearth/internal/registry"
	"github.com/nextlevelbuilder/hearth/internal/sessions"
	"github.com/nextlevelbuilder/hearth/internal/spoke"
	"github.com/nextlevelbuilder/hearth/internal/store"
)

// API holds the services the handlers delegate to.
type API struct {
	identity *identity.Service
	registry *registry.Registry
	sessions *sessions.Service
	loop     *agent.Loop
	hub      *spoke.Hub
	stores   *store.Stores
	logger   *slog.Logger

	cfg       *config.Config
	providers *providers.Chain

	limiter        *principalLimiter
	enrollmentHost string
	listPageSize   int
}

// Config wires an API. RateLimitRPM <= 0 disables rate limiting. Cfg and
// Providers enable the provider settings endpoints; leaving them nil (tests
// that don't care) skips those routes.
type Config struct {
	Identity       *identity.Service
	Registry       *registry.Registry
	Sessions       *sessions.Service
	Loop           *agent.Loop
	Hub            *spoke.Hub
	Stores         *store.Stores
	Logger         *slog.Logger
	Cfg            *config.Config
	Providers      *providers.Chain
	RateLimitRPM   int
	EnrollmentHost string
	ListPageSize   int
}

func New(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = 50
	}
	a := &API{
		identity:       cfg.Identity,
		registry:       cfg.Registry,
		sessions:       cfg.Sessions,
		loop:           cfg.Loop,
		hub:            cfg.Hub,
		stores:         cfg.Stores,
		logger:         cfg.Logger,
		cfg:            cfg.Cfg,
		providers:      cfg.Providers,
		enrollmentHost: cfg.EnrollmentHost,
		listPageSize:   cfg.ListPageSize,
	}
	if cfg.RateLimitRPM > 0 {
		a.limiter = newPrincipalLimiter(cfg.RateLimitRPM)
	}
	return a
}

// RegisterRoutes registers every route on the given mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	// Unauthenticated.
	mux.HandleFunc("POST /auth/setup", a.handleSetup)
	mux.HandleFunc("POST /auth/login", a.handleLogin)

	// Users.
	mux.HandleFunc("GET /users/me", a.auth(a.handleMe))
	mux.HandleFunc("GET /users", a.admin(a.handleListUsers))
	mux.HandleFunc("POST /users", a.admin(a.handleCreateUser))
	mux.HandleFunc("DELETE /users/{id}", a.admin(a.handleDeleteUser))

	// Devices.
	mux.HandleFunc("GET /devices", a.auth(a.handleListDevices))
	mux.HandleFunc("POST /devices/token", a.user(a.handleCreateDevice))
	mux.HandleFunc("DELETE /devices/{id}", a.user(a.handleDeleteDevice))

	// Skill registry.
	mux.HandleFunc("POST /skills/register", a.device(a.handleRegisterSkills))
	mux.HandleFunc("POST /skills/heartbeat", a.device(a.handleHeartbeat))
	mux.HandleFunc("GET /skills", a.auth(a.handleListSkills))
	mux.HandleFunc("GET /skills/search", a.auth(a.handleSearchSkills))
	mux.HandleFunc("POST /skills/execute", a.auth(a.handleExecuteSkill))

	// Chat.
	mux.HandleFunc("POST /v1/chat/completions", a.auth(a.handleChatCompletions))

	// Provider settings.
	if a.cfg != nil && a.providers != nil {
		mux.HandleFunc("GET /providers", a.admin(a.handleGetProviders))
		mux.HandleFunc("PUT /providers", a.admin(a.handleUpdateProviders))
	}

	// Sessions.
	mux.HandleFunc("GET /sessions", a.auth(a.handleListSessions))
	mux.HandleFunc("POST /sessions", a.auth(a.handleCreateSession))
	mux.HandleFunc("GET /sessions/{id}", a.auth(a.handleGetSession))
	mux.HandleFunc("PATCH /sessions/{id}", a.auth(a.handleRenameSession))
	mux.HandleFunc("DELETE /sessions/{id}", a.auth(a.handleDeleteSession))
	mux.HandleFunc("GET /sessions/{id}/messages", a.auth(a.handleSessionMessages))

	// Spoke channel.
	mux.HandleFunc("GET /ws/device", a.handleDeviceChannel)
}
