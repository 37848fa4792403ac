// Package fetch downloads single webcam frames with resume support,
// rate limiting, and server-declared integrity verification.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aviationwx/awx-archiver/internal/clock"
	"github.com/aviationwx/awx-archiver/internal/upstream"
)

// MinImageSize is the smallest plausible webcam frame. Files below it are
// treated as partial transfers and re-fetched.
const MinImageSize = 1024

var (
	// ErrGone marks a 404/410: the frame aged out upstream. Never retried.
	ErrGone = errors.New("resource permanently gone")
	// ErrNotImage marks a non-image content type. Treated as "no content",
	// not a failure; never retried.
	ErrNotImage = errors.New("response is not an image")
	// ErrIntegrity marks a digest or Content-Range mismatch. Retryable: it
	// usually means a truncated or corrupted transfer.
	ErrIntegrity = errors.New("integrity check failed")
)

// Limiter gates requests and can be credited back a slot that consumed no
// useful upstream quota.
type Limiter interface {
	Wait(ctx context.Context) error
	Credit()
}

// Config tunes the Downloader.
type Config struct {
	APIKey     string
	MaxRetries int
	RetryDelay time.Duration
	MinSize    int64
}

// Downloader fetches one frame at a time.
type Downloader struct {
	client  *http.Client
	limiter Limiter
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
}

// NewDownloader constructs a Downloader.
func NewDownloader(client *http.Client, limiter Limiter, cfg Config, clk clock.Clock, logger *zap.Logger) *Downloader {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = MinImageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{client: client, limiter: limiter, cfg: cfg, clock: clk, logger: logger}
}

// DownloadFile fetches url into dest, resuming a plausible partial file via
// a Range request. Returns the final file size. On ErrGone the partial is
// deleted and the limiter is credited the wasted slot; on exhausted retries
// the partial is deleted so the next pass starts clean.
func (d *Downloader) DownloadFile(ctx context.Context, url, dest string) (int64, error) {
	existing := int64(0)
	if info, err := os.Stat(dest); err == nil && !info.IsDir() {
		if info.Size() >= d.cfg.MinSize {
			existing = info.Size()
		} else {
			d.deletePartial(dest)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		size, err := d.attemptFile(ctx, url, dest, &existing)
		switch {
		case err == nil:
			return size, nil
		case errors.Is(err, ErrGone):
			d.deletePartial(dest)
			d.limiter.Credit()
			d.logger.Debug("frame no longer available", zap.String("url", url))
			return 0, err
		case errors.Is(err, ErrNotImage):
			d.logger.Debug("skipping non-image response", zap.String("url", url))
			return 0, err
		}

		lastErr = err
		d.logger.Warn("frame download failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("retries", d.cfg.MaxRetries),
			zap.Error(err))
		d.deletePartial(dest)
		existing = 0
		if attempt < d.cfg.MaxRetries {
			d.clock.Sleep(ctx, d.cfg.RetryDelay)
		}
	}

	d.deletePartial(dest)
	return 0, fmt.Errorf("download %s after %d attempts: %w", url, d.cfg.MaxRetries, lastErr)
}

func (d *Downloader) attemptFile(ctx context.Context, url, dest string, existing *int64) (int64, error) {
	req, err := upstream.NewRequest(ctx, url, d.cfg.APIKey)
	if err != nil {
		return 0, err
	}
	if *existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", *existing))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return 0, ErrGone
	}
	partial := resp.StatusCode == http.StatusPartialContent
	if !partial && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return 0, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return 0, fmt.Errorf("%w: content-type %q for %s", ErrNotImage, ct, url)
	}

	// A 200 on a resume attempt means the server ignored the Range header;
	// start over from a clean file.
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if partial && *existing > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	} else if *existing > 0 {
		d.deletePartial(dest)
		*existing = 0
	}

	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", dest, err)
	}
	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return 0, fmt.Errorf("write %s: %w", dest, copyErr)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close %s: %w", dest, closeErr)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", dest, err)
	}
	size := info.Size()

	if partial {
		// When the server omits the Content-Range total the result is
		// accepted unverified; an undersized tail is caught by the
		// next pass's minimum-size scan.
		if total, ok := parseContentRangeTotal(resp.Header); ok && size != total {
			d.deletePartial(dest)
			*existing = 0
			return 0, fmt.Errorf("%w: resumed %s has %d bytes, expected %d", ErrIntegrity, dest, size, total)
		}
		return size, nil
	}

	if check := integrityFromHeaders(resp.Header); check != nil {
		if !check.verifyFile(dest) {
			d.deletePartial(dest)
			*existing = 0
			return 0, fmt.Errorf("%w: %s mismatch for %s", ErrIntegrity, check.algo, dest)
		}
	}
	return size, nil
}

// Download fetches url fully into memory. Used for current-snapshot frames,
// whose per-pass filenames make resume pointless. Same status, content-type,
// and integrity handling as DownloadFile.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		data, err := d.attemptBytes(ctx, url)
		switch {
		case err == nil:
			return data, nil
		case errors.Is(err, ErrGone):
			d.limiter.Credit()
			d.logger.Debug("image no longer available", zap.String("url", url))
			return nil, err
		case errors.Is(err, ErrNotImage):
			d.logger.Debug("skipping non-image response", zap.String("url", url))
			return nil, err
		}

		lastErr = err
		d.logger.Warn("image download failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("retries", d.cfg.MaxRetries),
			zap.Error(err))
		if attempt < d.cfg.MaxRetries {
			d.clock.Sleep(ctx, d.cfg.RetryDelay)
		}
	}
	return nil, fmt.Errorf("download %s after %d attempts: %w", url, d.cfg.MaxRetries, lastErr)
}

func (d *Downloader) attemptBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := upstream.NewRequest(ctx, url, d.cfg.APIKey)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrGone
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: content-type %q for %s", ErrNotImage, ct, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if check := integrityFromHeaders(resp.Header); check != nil && !check.verifyBytes(data) {
		return nil, fmt.Errorf("%w: %s mismatch for %s", ErrIntegrity, check.algo, url)
	}
	return data, nil
}

func (d *Downloader) deletePartial(path string) {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		d.logger.Warn("could not remove partial file", zap.String("path", path), zap.Error(err))
	}
}
