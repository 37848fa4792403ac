package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aviationwx/awx-archiver/internal/api"
	"github.com/aviationwx/awx-archiver/internal/config"
	"github.com/aviationwx/awx-archiver/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs archive passes on an interval with a status HTTP server",
		Long: `Runs the archiver as a long-lived service: one archive pass every
schedule.interval_minutes, with the status/metrics HTTP server the web UI
consumes. A pass that hangs past twice the interval loses its run lock so
the schedule self-heals.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	// Service logs are teed into the ring the /v1/logs endpoint serves.
	ring := worker.NewLogRing()
	logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		ringCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(ring), zapcore.InfoLevel)
		return zapcore.NewTee(core, ringCore)
	}))

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	interval := time.Duration(cfg.Schedule.IntervalMinutes) * time.Minute
	jobTimeout := time.Duration(cfg.Schedule.JobTimeoutMinutes) * time.Minute
	if jobTimeout <= 0 {
		// A pass must end before the next tick wants to start.
		jobTimeout = interval * 9 / 10
	}
	runner := worker.NewRunner(engine, worker.Config{
		Interval:   interval,
		JobTimeout: jobTimeout,
		Ring:       ring,
	}, nil, logger.Named("worker"))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:           api.NewServer(runner, logger.Named("api")).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("status server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
				// The service is not useful without its status surface.
				cancel()
			}
		}()
	}

	schedule(ctx, cfg.Schedule, runner, logger)

	select {
	case err := <-serverErr:
		return fmt.Errorf("status server: %w", err)
	default:
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}
	logger.Info("serve loop stopped")
	return nil
}

// schedule triggers a pass per tick until ctx is canceled. A tick that
// lands while a run is live is skipped, not queued.
func schedule(ctx context.Context, sched config.ScheduleConfig, runner *worker.Runner, logger *zap.Logger) {
	interval := time.Duration(sched.IntervalMinutes) * time.Minute

	trigger := func() {
		id, err := runner.StartPass(ctx)
		switch {
		case errors.Is(err, worker.ErrAlreadyRunning):
			logger.Warn("skipping tick, a run is already in progress")
		case err != nil:
			logger.Error("start pass failed", zap.Error(err))
		default:
			logger.Info("archive pass started", zap.String("run_id", id))
		}
	}

	if sched.FetchOnStart {
		trigger()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trigger()
		}
	}
}
