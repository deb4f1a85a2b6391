package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/volatileguard/cmd/volatileguard/commands"
	"github.com/systmms/volatileguard/internal/config"
	dserrors "github.com/systmms/volatileguard/internal/errors"
	"github.com/systmms/volatileguard/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.SimplifyError(err))
		os.Exit(dserrors.ExitCode(err))
	}
}

func run() error {
	// Global flags
	var (
		configFile string
		noColor    bool
		verbose    bool
	)

	// Create config placeholder
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "volatileguard",
		Short: "Keep secrets in locked, encrypted memory",
		Long: `volatileguard holds secrets in memory that is locked into RAM, excluded
from core dumps, inaccessible while idle and encrypted at rest, and wipes
all of it on exit or termination signal.

Without a subcommand it initializes a vault, runs a readiness check and
reports the platform's memory protections.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize logger with parsed flags
			cfg.Logger = logging.New(verbose, noColor)
			cfg.Path = configFile
			cfg.Verbose = verbose
			cfg.Required = cmd.Flags().Changed("config")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.Run(cfg, nil)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewDoctorCommand(cfg, nil),
		commands.NewSelftestCommand(cfg, nil),
		commands.NewHoldCommand(cfg, nil),
		commands.NewCompletionCommand(),
	)

	return rootCmd.Execute()
}
