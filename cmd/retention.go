package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRetentionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retention",
		Short: "Runs one retention pass and exits",
		Long: `Deletes archived frames that exceed the configured age budget, then
removes oldest frames until the tree fits the total-size budget.
Per-airport metadata snapshots are never deleted.`,
		RunE: runRetentionCommand,
	}
}

func runRetentionCommand(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	deleted, err := engine.ApplyRetention()
	if err != nil {
		return err
	}
	logger.Info("retention pass finished", zap.Int("deleted", deleted))
	return nil
}
