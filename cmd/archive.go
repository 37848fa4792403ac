package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Runs one archive pass and exits",
		Long: `Fetches the airport catalog, resolves webcams, downloads pending
frames oldest-first round-robin, then applies the retention budget.
The pass is bounded by schedule.job_timeout_minutes.`,
		RunE: runArchiveCommand,
	}
}

func runArchiveCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	var deadline time.Time
	if cfg.Schedule.JobTimeoutMinutes > 0 {
		deadline = time.Now().UTC().Add(time.Duration(cfg.Schedule.JobTimeoutMinutes) * time.Minute)
	}

	stats, err := engine.RunPass(cmd.Context(), deadline)
	logger.Info("archive pass finished",
		zap.Int("airports_processed", stats.AirportsProcessed),
		zap.Int("images_fetched", stats.ImagesFetched),
		zap.Int("images_saved", stats.ImagesSaved),
		zap.Int("errors", stats.Errors),
		zap.Bool("timed_out", stats.TimedOut))
	return err
}
