package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hearth/internal/config"
	"github.com/nextlevelbuilder/hearth/internal/store/sqldb"
)

// migrateCmd applies the embedded schema migrations and exits. The serve
// path migrates on open too; this exists for init containers and CI.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				slog.Error("config load failed", "error", err)
				os.Exit(exitConfigError)
			}
			conn := cfg.Database.DSN
			if conn == "" {
				conn = config.ExpandHome(cfg.Database.Path)
			}
			db, err := sqldb.Open(conn)
			if err != nil {
				slog.Error("migration failed", "error", err)
				os.Exit(exitConfigError)
			}
			db.Close()
			slog.Info("database schema up to date")
		},
	}
}
