// Package cmd defines and implements the CLI commands for the awx-archiver
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aviationwx/awx-archiver/internal/config"
	"github.com/aviationwx/awx-archiver/internal/logging"
	"github.com/aviationwx/awx-archiver/internal/metrics"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "awx-archiver",
		Short: "Archives aviation webcam frames into a date-partitioned tree.",
		Long: `awx-archiver continuously captures webcam frames exposed by the
AviationWX API and persists them into a durable, date/camera-partitioned
archive under a retention budget. Frames are downloaded with resume and
integrity verification, scheduled oldest-first round-robin across
airports, and evicted by age and total-size budgets.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus ARCHIVER_* environment overrides)")

	cmd.AddCommand(newArchiveCmd())
	cmd.AddCommand(newRetentionCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// loadConfig reads configuration and builds the base logger.
func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
