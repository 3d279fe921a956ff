package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/systmms/tenantkeys/cmd/tenantkeys/commands"
	"github.com/systmms/tenantkeys/internal/config"
	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.SimplifyError(err))
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	defaultConfig := os.Getenv("TENANTKEYS_CONFIG")
	if defaultConfig == "" {
		defaultConfig = config.DefaultPath
	}

	rootCmd := &cobra.Command{
		Use:   "tenantkeys",
		Short: "Per-tenant provider credentials and usage billing",
		Long: `tenantkeys issues, stores and rotates third-party API credentials for
isolated tenants, meters their usage and reconciles the cost into invoices.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfig, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewGetCommand(cfg),
		commands.NewProvisionCommand(cfg),
		commands.NewRotateCommand(cfg),
		commands.NewSetKeyCommand(cfg),
		commands.NewValidateCommand(cfg),
		commands.NewListCommand(cfg),
		commands.NewServicesCommand(cfg),
		commands.NewTrackCommand(cfg),
		commands.NewReconcileCommand(cfg),
		commands.NewReplayCommand(cfg),
		commands.NewIngestCommand(cfg),
		commands.NewServeCommand(cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}
