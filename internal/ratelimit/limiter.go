// Package ratelimit implements the adaptive inter-request limiter for the
// upstream API. The interval is calibrated from the API's advertised
// per-minute quota, intentionally self-throttling at half of it.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aviationwx/awx-archiver/internal/upstream"
)

// AnonymousPerMinute is the documented request budget without an API key.
const AnonymousPerMinute = 100

// Limiter spaces upstream requests. A one-shot credit skips the next wait
// when a request turned out not to consume useful quota (404/410).
type Limiter struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	delay    time.Duration
	skipNext bool
	logger   *zap.Logger
}

// New creates a Limiter with a fixed initial delay between requests.
// A non-positive delay disables waiting until Calibrate raises it.
func New(delay time.Duration, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{logger: logger}
	l.bucket = rate.NewLimiter(limitFor(delay), 1)
	l.delay = delay
	return l
}

func anonymousDelay() time.Duration {
	return time.Duration(120.0 / float64(AnonymousPerMinute) * float64(time.Second))
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// Wait blocks until the next request slot, respecting the context. A pending
// credit consumes no slot and returns immediately.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	if l.skipNext {
		l.skipNext = false
		l.mu.Unlock()
		return nil
	}
	bucket := l.bucket
	l.mu.Unlock()

	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Credit arms a one-shot skip of the next Wait. Used after a permanently-gone
// response, which the upstream does not count against the quota.
func (l *Limiter) Credit() {
	l.mu.Lock()
	l.skipNext = true
	l.mu.Unlock()
}

// Delay returns the current inter-request interval.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

func (l *Limiter) setDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = d
	l.bucket.SetLimit(limitFor(d))
	l.mu.Unlock()
}

// Calibrate probes the status endpoint for X-RateLimit-Limit and sets the
// interval to half the advertised quota: delay = 120/limit seconds. A 401,
// a missing/invalid header, or a failed probe falls back to half the
// anonymous quota.
func (l *Limiter) Calibrate(ctx context.Context, client *http.Client, statusURL, apiKey string) {
	if statusURL == "" {
		l.logger.Debug("no status URL; keeping configured request delay",
			zap.Duration("delay", l.Delay()))
		return
	}

	req, err := upstream.NewRequest(ctx, statusURL, apiKey)
	if err != nil {
		l.logger.Warn("rate limit probe request build failed", zap.Error(err))
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		// An unreachable status endpoint never licenses running unthrottled.
		delay := anonymousDelay()
		l.setDelay(delay)
		l.logger.Warn("rate limit probe failed; using anonymous rate limit",
			zap.Duration("delay", delay), zap.Error(err))
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if raw := resp.Header.Get("X-RateLimit-Limit"); raw != "" {
			if limit, convErr := strconv.Atoi(raw); convErr == nil && limit > 0 {
				delay := time.Duration(120.0 / float64(limit) * float64(time.Second))
				l.setDelay(delay)
				l.logger.Info("detected API rate limit",
					zap.Int("limit_per_min", limit),
					zap.Duration("delay", delay))
				return
			}
		}
	}

	delay := anonymousDelay()
	l.setDelay(delay)
	if resp.StatusCode == http.StatusUnauthorized {
		l.logger.Info("API key rejected; using anonymous rate limit",
			zap.Duration("delay", delay))
	} else {
		l.logger.Debug("no X-RateLimit-Limit header; using anonymous rate limit",
			zap.Duration("delay", delay))
	}
}
