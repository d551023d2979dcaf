// Package gateway assembles the hub's services from configuration and runs
// the HTTP listener: public API, device channel endpoint, health check,
// provider hot reload and the registry sweeper.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/hearth/internal/agent"
	"github.com/nextlevelbuilder/hearth/internal/bus"
	"github.com/nextlevelbuilder/hearth/internal/config"
	"github.com/nextlevelbuilder/hearth/internal/httpapi"
	"github.com/nextlevelbuilder/hearth/internal/identity"
	"github.com/nextlevelbuilder/hearth/internal/providers"
	"github.com/nextlevelbuilder/hearth/internal/registry"
	"github.com/nextlevelbuilder/hearth/internal/sessions"
	"github.com/nextlevelbuilder/hearth/internal/spoke"
	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/internal/store/sqldb"
	"github.com/nextlevelbuilder/hearth/internal/tools"
	"github.com/nextlevelbuilder/hearth/pkg/protocol"
)

// ErrBindFailed wraps listener errors so the CLI can exit with its own code.
var ErrBindFailed = errors.New("bind failed")

// Server owns the wired service graph and the HTTP listener.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sqldb.DB
	stores   *store.Stores
	events   *bus.Bus
	identity *identity.Service
	registry *registry.Registry
	sweeper  *registry.Sweeper
	hub      *spoke.Hub
	chain    *providers.Chain
	sessions *sessions.Service
	loop     *agent.Loop
	api      *httpapi.API

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer opens the database and wires every service. The config must
// already be validated.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn := cfg.Database.DSN
	if conn == "" {
		conn = config.ExpandHome(cfg.Database.Path)
	}
	db, err := sqldb.Open(conn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	stores := db.Stores()

	events := bus.New()
	ident := identity.NewService(stores.Users, stores.Devices,
		cfg.Auth.JWTSecret, cfg.Auth.UserTokenExpiry.Duration(time.Hour))

	reg := registry.New(stores.Skills, stores.Devices, cfg.Registry.SkillTTL.Duration(30*time.Minute))
	sweeper, err := registry.NewSweeper(reg, cfg.Registry.SweepSchedule, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry sweeper: %w", err)
	}

	hub := spoke.NewHub(reg, events, spoke.Options{
		QueueSize:         cfg.Spoke.OutboundQueueSize,
		HeartbeatInterval: cfg.Spoke.HeartbeatInterval.Duration(60 * time.Second),
	}, logger)
	reg.SetPresence(hub)

	chain := providers.NewChain(logger, providers.FromSpecs(cfg.ProviderChain())...)

	readTimeout := cfg.Agent.ReadTimeout.Duration(5 * time.Second)
	callTimeout := cfg.Spoke.CallTimeout.Duration(30 * time.Second)
	toolReg := tools.NewRegistry(logger)
	toolReg.Register(tools.NewSearchSkillsTool(reg, readTimeout))
	toolReg.Register(tools.NewDescribeFunctionTool(reg, readTimeout))
	toolReg.Register(tools.NewPythonExecTool(reg, hub, callTimeout))

	sess := sessions.NewService(stores.Sessions, cfg.Sessions.ActivityWindow.Duration(sessions.DefaultActivityWindow))

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:      chain,
		Tools:         toolReg,
		Sessions:      sess,
		MaxIterations: cfg.Agent.MaxIterations,
		TurnDeadline:  cfg.Providers.TurnDeadline.Duration(60 * time.Second),
		Logger:        logger,
	})

	api := httpapi.New(httpapi.Config{
		Identity:       ident,
		Registry:       reg,
		Sessions:       sess,
		Loop:           loop,
		Hub:            hub,
		Stores:         stores,
		Logger:         logger,
		Cfg:            cfg,
		Providers:      chain,
		RateLimitRPM:   cfg.Gateway.RateLimitRPM,
		EnrollmentHost: cfg.Auth.EnrollmentHost,
		ListPageSize:   cfg.Sessions.ListPageSize,
	})

	return &Server{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		stores:   stores,
		events:   events,
		identity: ident,
		registry: reg,
		sweeper:  sweeper,
		hub:      hub,
		chain:    chain,
		sessions: sess,
		loop:     loop,
		api:      api,
	}, nil
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	s.api.RegisterRoutes(mux)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens and serves until ctx is cancelled, then drains: device
// channels close with a going-away, in-flight requests finish, then the
// database closes. A bind failure is wrapped in ErrBindFailed.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBindFailed, addr, err)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.withCORS(s.BuildMux()),
	}

	go s.sweeper.Run(ctx)
	go func() {
		if err := s.cfg.WatchProviderChain(ctx, func(specs []config.ProviderSpec) {
			s.chain.SetProviders(providers.FromSpecs(specs))
		}); err != nil {
			s.logger.Warn("provider chain watcher stopped", "error", err)
		}
	}()

	s.logger.Info("hearth hub listening", "addr", addr, "protocol", protocol.ProtocolVersion)

	go func() {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(),
			s.cfg.Gateway.ShutdownTimeout.Duration(10*time.Second))
		defer cancel()
		if err := s.hub.Shutdown(drainCtx); err != nil {
			s.logger.Warn("device channel drain incomplete", "error", err)
		}
		s.httpServer.Shutdown(drainCtx)
	}()

	err = s.httpServer.Serve(ln)
	s.db.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	s.logger.Info("hearth hub stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`+"\n", protocol.ProtocolVersion)
}

// withCORS allows the configured browser origins. Non-browser clients (no
// Origin header) pass through untouched; no config means no CORS headers.
func (s *Server) withCORS(next http.Handler) http.Handler {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, a := range allowed {
				if a == origin || a == "*" {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE")
					break
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
