package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hearth/internal/bootstrap"
	"github.com/nextlevelbuilder/hearth/internal/config"
)

// initCmd seeds a commented config template for first-run setup.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			path := config.ExpandHome(resolveConfigPath())
			created, err := bootstrap.EnsureConfigFile(path)
			if err != nil {
				slog.Error("config init failed", "error", err)
				os.Exit(exitConfigError)
			}
			if !created {
				fmt.Printf("config already exists at %s\n", path)
				return
			}
			fmt.Printf("wrote %s\n", path)
			fmt.Println("Set HEARTH_JWT_SECRET and your provider API keys, then run `hearth serve`.")
		},
	}
}
