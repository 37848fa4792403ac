// Package scheduler builds per-airport pending queues and drives the
// oldest-first round-robin archive pass under a wall-clock deadline.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/aviationwx/awx-archiver/internal/archive"
	"github.com/aviationwx/awx-archiver/internal/catalog"
	"github.com/aviationwx/awx-archiver/internal/clock"
	"github.com/aviationwx/awx-archiver/internal/config"
	"github.com/aviationwx/awx-archiver/internal/fetch"
	"github.com/aviationwx/awx-archiver/internal/metrics"
	"github.com/aviationwx/awx-archiver/internal/webcam"
)

// Stats is the result record for one archive pass.
type Stats struct {
	AirportsProcessed int  `json:"airports_processed"`
	ImagesFetched     int  `json:"images_fetched"`
	ImagesSaved       int  `json:"images_saved"`
	Errors            int  `json:"errors"`
	TimedOut          bool `json:"timed_out"`
}

// Catalog lists and selects airports to archive.
type Catalog interface {
	FetchAll(ctx context.Context) ([]catalog.Airport, error)
	Select(all []catalog.Airport, sel config.AirportsConfig) []catalog.Airport
}

// WebcamSource resolves webcam descriptors, history frames, and the
// scrape fallback for one airport.
type WebcamSource interface {
	APIBase() string
	Webcams(ctx context.Context, code string) (webcam.Snapshot, error)
	HistoryFrames(ctx context.Context, code string, cam webcam.Webcam) ([]webcam.Frame, error)
	ScrapedImageURLs(ctx context.Context, code string) ([]string, error)
}

// Downloader fetches frame bytes, to disk for resumable history frames and
// to memory for current snapshots.
type Downloader interface {
	DownloadFile(ctx context.Context, url, dest string) (int64, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Engine owns one synchronous, sequential archive pass. No internal
// parallel fetches: the upstream enforces a per-minute request budget, so
// the pass self-throttles through the shared rate limiter instead.
type Engine struct {
	catalog   Catalog
	webcams   WebcamSource
	fetcher   Downloader
	store     *archive.Store
	calibrate func(context.Context)
	cfg       config.Config
	clock     clock.Clock
	logger    *zap.Logger
}

// Deps bundles the engine's collaborators. Calibrate is the optional
// rate-limit probe run once at the start of a pass.
type Deps struct {
	Catalog   Catalog
	Webcams   WebcamSource
	Fetcher   Downloader
	Store     *archive.Store
	Calibrate func(context.Context)
	Clock     clock.Clock
	Logger    *zap.Logger
}

// New constructs an Engine.
func New(deps Deps, cfg config.Config) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		catalog:   deps.Catalog,
		webcams:   deps.Webcams,
		fetcher:   deps.Fetcher,
		store:     deps.Store,
		calibrate: deps.Calibrate,
		cfg:       cfg,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}
}

// workItem is one pending fetch. A nil frame means "fetch the current
// snapshot"; scrapedURL carries the image URL for scrape-fallback items.
type workItem struct {
	cam        webcam.Webcam
	frame      *webcam.Frame
	scrapedURL string
}

func (it workItem) timestamp(now time.Time) int64 {
	if it.frame != nil {
		return it.frame.Timestamp
	}
	// Snapshot sentinels sort after every history frame.
	return now.Unix()
}

type airportQueue struct {
	code  string
	items []workItem
}

func sortQueue(items []workItem, now time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].timestamp(now) < items[j].timestamp(now)
	})
}

// RunPass executes one full archive pass. A zero deadline means unbounded.
// The deadline is checked before each round and before each item, never
// mid-download; retention runs even when the deadline was already past.
func (e *Engine) RunPass(ctx context.Context, deadline time.Time) (Stats, error) {
	started := e.clock.Now()
	var stats Stats

	defer func() {
		result := "ok"
		switch {
		case stats.TimedOut:
			result = "timed_out"
		case stats.Errors > 0:
			result = "error"
		}
		metrics.ObservePass(result, e.clock.Now().Sub(started))
	}()

	if e.expired(deadline) {
		e.logger.Warn("deadline already past, skipping fetch phase")
		stats.TimedOut = true
		e.runRetention(&stats)
		return stats, nil
	}

	if e.calibrate != nil {
		e.calibrate(ctx)
	}

	airports, err := e.selectAirports(ctx)
	if err != nil {
		stats.Errors++
		metrics.ObserveError("catalog")
		e.runRetention(&stats)
		return stats, err
	}

	queues := e.buildQueues(ctx, airports, &stats, started)
	e.drain(ctx, queues, deadline, &stats)
	e.runRetention(&stats)

	e.logger.Info("pass complete",
		zap.Int("airports", stats.AirportsProcessed),
		zap.Int("fetched", stats.ImagesFetched),
		zap.Int("saved", stats.ImagesSaved),
		zap.Int("errors", stats.Errors),
		zap.Bool("timed_out", stats.TimedOut),
		zap.Duration("elapsed", e.clock.Now().Sub(started)))
	return stats, nil
}

func (e *Engine) expired(deadline time.Time) bool {
	return !deadline.IsZero() && !e.clock.Now().Before(deadline)
}

func (e *Engine) selectAirports(ctx context.Context) ([]catalog.Airport, error) {
	all, err := e.catalog.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch airport catalog: %w", err)
	}
	selected := e.catalog.Select(all, e.cfg.Airports)
	e.logger.Info("airport selection",
		zap.Int("upstream", len(all)),
		zap.Int("selected", len(selected)))
	return selected, nil
}

// buildQueues derives each airport's pending queue: webcam descriptors,
// minus frames already on disk, plus one snapshot sentinel per camera
// without history. Queues come out sorted oldest first because upstream
// history windows expire, so older frames are the most urgent.
func (e *Engine) buildQueues(ctx context.Context, airports []catalog.Airport, stats *Stats, now time.Time) []*airportQueue {
	queues := make([]*airportQueue, 0, len(airports))
	for _, ap := range airports {
		if ap.Code == "" {
			e.logger.Warn("skipping airport without a code")
			continue
		}
		stats.AirportsProcessed++
		q := &airportQueue{code: ap.Code}

		snap, err := e.webcams.Webcams(ctx, ap.Code)
		if err != nil || len(snap.Webcams) == 0 {
			if err != nil {
				e.logger.Warn("webcams API failed, falling back to page scrape",
					zap.String("airport", ap.Code), zap.Error(err))
			}
			q.items = e.scrapeFallback(ctx, ap.Code, stats)
			if len(q.items) > 0 {
				queues = append(queues, q)
			}
			continue
		}

		if err := e.store.WriteMetadata(ap.Code, ap.Raw, snap.Raw, now); err != nil {
			e.logger.Error("metadata write failed", zap.String("airport", ap.Code), zap.Error(err))
			stats.Errors++
			metrics.ObserveError("metadata")
		}

		existing := e.store.ExistingFrames(ap.Code)
		for _, cam := range snap.Webcams {
			if e.cfg.Source.UseHistoryAPI && cam.HasHistory() {
				frames, err := e.webcams.HistoryFrames(ctx, ap.Code, cam)
				if err != nil {
					e.logger.Warn("history fetch failed, falling back to current snapshot",
						zap.String("airport", ap.Code), zap.Int("cam", cam.Index), zap.Error(err))
					stats.Errors++
					metrics.ObserveError("history")
					q.items = append(q.items, workItem{cam: cam})
					continue
				}
				for i := range frames {
					key := archive.FrameKey{Timestamp: frames[i].Timestamp, CamIndex: frames[i].CamIndex}
					if _, ok := existing[key]; ok {
						continue
					}
					q.items = append(q.items, workItem{cam: cam, frame: &frames[i]})
				}
				continue
			}
			if cam.CurrentImageURL(e.webcams.APIBase()) == "" {
				e.logger.Debug("webcam has no usable image URL",
					zap.String("airport", ap.Code), zap.Int("cam", cam.Index))
				continue
			}
			q.items = append(q.items, workItem{cam: cam})
		}

		sortQueue(q.items, now)
		if len(q.items) > 0 {
			queues = append(queues, q)
		}
	}
	return queues
}

func (e *Engine) scrapeFallback(ctx context.Context, code string, stats *Stats) []workItem {
	urls, err := e.webcams.ScrapedImageURLs(ctx, code)
	if err != nil {
		e.logger.Error("page scrape failed", zap.String("airport", code), zap.Error(err))
		stats.Errors++
		metrics.ObserveError("scrape")
		return nil
	}
	items := make([]workItem, 0, len(urls))
	for i, u := range urls {
		items = append(items, workItem{cam: webcam.Webcam{Index: i}, scrapedURL: u})
	}
	return items
}

// drain processes queues round-robin: one oldest item per airport per
// round, so a large backlog at one airport cannot starve the others.
func (e *Engine) drain(ctx context.Context, queues []*airportQueue, deadline time.Time, stats *Stats) {
	for len(queues) > 0 {
		if e.expired(deadline) || ctx.Err() != nil {
			stats.TimedOut = true
			e.logger.Warn("deadline reached with work remaining", zap.Int("airports_pending", len(queues)))
			return
		}

		remaining := queues[:0]
		for _, q := range queues {
			if e.expired(deadline) || ctx.Err() != nil {
				stats.TimedOut = true
				e.logger.Warn("deadline reached mid-round", zap.String("airport", q.code))
				return
			}
			item := q.items[0]
			q.items = q.items[1:]
			e.processItem(ctx, q.code, item, stats)
			if len(q.items) > 0 {
				remaining = append(remaining, q)
			}
		}
		queues = remaining
	}
}

func (e *Engine) processItem(ctx context.Context, code string, item workItem, stats *Stats) {
	if item.frame != nil {
		e.processHistoryFrame(ctx, code, item, stats)
		return
	}
	e.processSnapshot(ctx, code, item, stats)
}

func (e *Engine) processHistoryFrame(ctx context.Context, code string, item workItem, stats *Stats) {
	frame := item.frame
	dest := e.store.HistoryFramePath(code, item.cam.Slug(), frame.Timestamp, frame.CamIndex)
	if err := e.store.EnsureDir(filepath.Dir(dest)); err != nil {
		e.logger.Error("frame directory", zap.String("airport", code), zap.Error(err))
		stats.Errors++
		metrics.ObserveError("store")
		return
	}

	n, err := e.fetcher.DownloadFile(ctx, frame.URL, dest)
	if err != nil {
		e.observeFetchError(code, frame.URL, err, stats)
		return
	}
	stats.ImagesFetched++

	capture := time.Unix(frame.Timestamp, 0).UTC()
	if err := e.store.Finalize(dest, capture); err != nil {
		e.logger.Error("finalize frame", zap.String("path", dest), zap.Error(err))
		stats.Errors++
		metrics.ObserveError("store")
		return
	}
	stats.ImagesSaved++
	metrics.ObserveFrame(code, "saved", n)
}

func (e *Engine) processSnapshot(ctx context.Context, code string, item workItem, stats *Stats) {
	url := item.scrapedURL
	if url == "" {
		url = item.cam.CurrentImageURL(e.webcams.APIBase())
	}
	if url == "" {
		return
	}

	data, err := e.fetcher.Download(ctx, url)
	if err != nil {
		e.observeFetchError(code, url, err, stats)
		return
	}
	stats.ImagesFetched++

	capture := e.clock.Now()
	dest := e.store.SnapshotPath(code, item.cam.Slug(), capture, url)
	created, err := e.store.WriteFrame(dest, data, capture)
	if err != nil {
		e.logger.Error("write snapshot", zap.String("path", dest), zap.Error(err))
		stats.Errors++
		metrics.ObserveError("store")
		return
	}
	if created {
		stats.ImagesSaved++
		metrics.ObserveFrame(code, "saved", int64(len(data)))
		return
	}
	metrics.ObserveFrame(code, "skipped", 0)
}

// observeFetchError classifies a download failure. Vanished resources and
// non-image bodies are skips, not errors.
func (e *Engine) observeFetchError(code, url string, err error, stats *Stats) {
	switch {
	case errors.Is(err, fetch.ErrGone):
		e.logger.Info("frame gone upstream", zap.String("airport", code), zap.String("url", url))
		metrics.ObserveFrame(code, "skipped", 0)
	case errors.Is(err, fetch.ErrNotImage):
		e.logger.Info("non-image response", zap.String("airport", code), zap.String("url", url))
		metrics.ObserveFrame(code, "skipped", 0)
	default:
		e.logger.Error("frame download failed",
			zap.String("airport", code), zap.String("url", url), zap.Error(err))
		stats.Errors++
		metrics.ObserveError("download")
		metrics.ObserveFrame(code, "failed", 0)
	}
}

// ApplyRetention runs one standalone retention pass using the configured
// budgets.
func (e *Engine) ApplyRetention() (int, error) {
	budget, err := e.retentionBudget()
	if err != nil {
		return 0, err
	}
	deleted, err := e.store.ApplyRetention(budget, e.clock.Now())
	if err != nil {
		return 0, err
	}
	metrics.ObserveRetention(deleted)
	return deleted, nil
}

func (e *Engine) runRetention(stats *Stats) {
	deleted, err := e.ApplyRetention()
	if err != nil {
		e.logger.Error("retention failed", zap.Error(err))
		stats.Errors++
		metrics.ObserveError("retention")
		return
	}
	if deleted > 0 {
		e.logger.Info("retention removed files", zap.Int("deleted", deleted))
	}
}

func (e *Engine) retentionBudget() (archive.RetentionBudget, error) {
	maxBytes, err := archive.ParseStorageSize(e.cfg.Archive.RetentionMax)
	if err != nil {
		return archive.RetentionBudget{}, fmt.Errorf("retention size budget: %w", err)
	}
	return archive.RetentionBudget{
		MaxAgeDays:    e.cfg.Archive.RetentionDays,
		MaxTotalBytes: maxBytes,
	}, nil
}
