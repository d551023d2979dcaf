package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hearth/internal/config"
	"github.com/nextlevelbuilder/hearth/internal/gateway"
	"github.com/nextlevelbuilder/hearth/internal/telemetry"
)

// Exit codes: 0 clean shutdown, 1 fatal config error, 2 port bind failure.
const (
	exitConfigError = 1
	exitBindError   = 2
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(exitConfigError)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "error", err)
		os.Exit(exitConfigError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(exitConfigError)
	}
	defer shutdownTracing(context.Background())

	srv, err := gateway.NewServer(cfg, slog.Default())
	if err != nil {
		slog.Error("server init failed", "error", err)
		os.Exit(exitConfigError)
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("server failed", "error", err)
		if errors.Is(err, gateway.ErrBindFailed) {
			os.Exit(exitBindError)
		}
		os.Exit(exitConfigError)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
