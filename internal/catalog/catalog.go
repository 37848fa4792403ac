// Package catalog fetches and selects the set of airports to archive.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aviationwx/awx-archiver/internal/clock"
	"github.com/aviationwx/awx-archiver/internal/config"
	"github.com/aviationwx/awx-archiver/internal/upstream"
)

// Airport is one upstream airport record: a canonical uppercase code plus
// the opaque attribute blob, which is persisted verbatim in metadata.json.
type Airport struct {
	Code string
	Raw  json.RawMessage
}

// Waiter is the pre-request rate limit hook.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Client fetches the airport list from the upstream API.
type Client struct {
	http    *http.Client
	limiter Waiter
	cfg     config.SourceConfig
	clock   clock.Clock
	logger  *zap.Logger
}

// New constructs a Client.
func New(httpClient *http.Client, limiter Waiter, cfg config.SourceConfig, clk clock.Clock, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{http: httpClient, limiter: limiter, cfg: cfg, clock: clk, logger: logger}
}

// FetchAll returns the full airport list, retrying a bounded number of times
// with a fixed delay. The list may arrive bare or wrapped under "airports"
// or "data".
func (c *Client) FetchAll(ctx context.Context) ([]Airport, error) {
	retries := c.cfg.MaxRetries
	var lastErr error

	for attempt := 1; attempt <= retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		airports, err := c.fetchOnce(ctx)
		if err == nil {
			c.logger.Debug("fetched airport list", zap.Int("count", len(airports)))
			return airports, nil
		}
		lastErr = err
		c.logger.Warn("airport list fetch failed",
			zap.Int("attempt", attempt),
			zap.Int("retries", retries),
			zap.Error(err))
		if attempt < retries {
			c.clock.Sleep(ctx, time.Duration(c.cfg.RetryDelaySec)*time.Second)
		}
	}
	return nil, fmt.Errorf("fetch airport list after %d attempts: %w", retries, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context) ([]Airport, error) {
	req, err := upstream.NewRequest(ctx, c.cfg.AirportsAPIURL, c.cfg.APIKey)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.cfg.AirportsAPIURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("airports API returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read airports response: %w", err)
	}
	return parseAirports(body)
}

// parseAirports accepts a bare list or an object wrapping it under
// "airports" or "data".
func parseAirports(body []byte) ([]Airport, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		return decodeAirports(items), nil
	}

	var envelope struct {
		Airports []json.RawMessage `json:"airports"`
		Data     []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode airports response: %w", err)
	}
	if envelope.Airports != nil {
		return decodeAirports(envelope.Airports), nil
	}
	return decodeAirports(envelope.Data), nil
}

func decodeAirports(items []json.RawMessage) []Airport {
	airports := make([]Airport, 0, len(items))
	for _, raw := range items {
		airports = append(airports, Airport{Code: extractCode(raw), Raw: raw})
	}
	return airports
}

// extractCode pulls the first present of code/id/icao, normalized uppercase.
func extractCode(raw json.RawMessage) string {
	var probe struct {
		Code string `json:"code"`
		ID   string `json:"id"`
		ICAO string `json:"icao"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	for _, candidate := range []string{probe.Code, probe.ID, probe.ICAO} {
		if candidate != "" {
			return strings.ToUpper(candidate)
		}
	}
	return ""
}

// Select filters airports per configuration. archive_all returns everything;
// otherwise only the selected codes, matched case-insensitively. Selected
// codes absent upstream are logged, not fatal.
func (c *Client) Select(all []Airport, sel config.AirportsConfig) []Airport {
	if sel.ArchiveAll {
		c.logger.Debug("selected all airports", zap.Int("count", len(all)))
		return all
	}

	wanted := make(map[string]bool, len(sel.Selected))
	for _, code := range sel.Selected {
		wanted[strings.ToUpper(code)] = false
	}
	if len(wanted) == 0 {
		c.logger.Warn("no airports selected and archive_all is false; nothing to archive")
		return nil
	}

	var filtered []Airport
	for _, a := range all {
		if _, ok := wanted[a.Code]; ok {
			wanted[a.Code] = true
			filtered = append(filtered, a)
		}
	}

	var missing []string
	for code, found := range wanted {
		if !found {
			missing = append(missing, code)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		c.logger.Warn("selected airports not found upstream",
			zap.Strings("missing", missing))
	}

	c.logger.Debug("selected airports",
		zap.Int("selected", len(filtered)),
		zap.Int("total", len(all)))
	return filtered
}
