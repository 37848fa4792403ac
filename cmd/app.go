package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aviationwx/awx-archiver/internal/archive"
	"github.com/aviationwx/awx-archiver/internal/catalog"
	"github.com/aviationwx/awx-archiver/internal/clock"
	"github.com/aviationwx/awx-archiver/internal/config"
	"github.com/aviationwx/awx-archiver/internal/fetch"
	"github.com/aviationwx/awx-archiver/internal/ratelimit"
	"github.com/aviationwx/awx-archiver/internal/scheduler"
	"github.com/aviationwx/awx-archiver/internal/upstream"
	"github.com/aviationwx/awx-archiver/internal/webcam"
)

// buildEngine wires the full pipeline behind one scheduler engine. Every
// upstream-facing component shares the rate limiter and HTTP client.
func buildEngine(cfg config.Config, logger *zap.Logger) (*scheduler.Engine, error) {
	httpClient := &http.Client{
		Timeout: time.Duration(cfg.Source.RequestTimeoutSec) * time.Second,
	}
	clk := clock.NewSystem()

	delay := time.Duration(cfg.Source.RequestDelaySeconds * float64(time.Second))
	limiter := ratelimit.New(delay, logger.Named("ratelimit"))

	store, err := archive.New(cfg.Archive.OutputDir, logger.Named("archive"))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	statusURL := upstream.StatusURL(cfg.Source.AirportsAPIURL)
	deps := scheduler.Deps{
		Catalog: catalog.New(httpClient, limiter, cfg.Source, clk, logger.Named("catalog")),
		Webcams: webcam.NewResolver(httpClient, limiter, cfg.Source, logger.Named("webcam")),
		Fetcher: fetch.NewDownloader(httpClient, limiter, fetch.Config{
			APIKey:     cfg.Source.APIKey,
			MaxRetries: cfg.Source.MaxRetries,
			RetryDelay: time.Duration(cfg.Source.RetryDelaySec) * time.Second,
		}, clk, logger.Named("fetch")),
		Store: store,
		Calibrate: func(ctx context.Context) {
			limiter.Calibrate(ctx, httpClient, statusURL, cfg.Source.APIKey)
		},
		Clock:  clk,
		Logger: logger.Named("scheduler"),
	}
	return scheduler.New(deps, cfg), nil
}
