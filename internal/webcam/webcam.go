// Package webcam resolves per-airport webcam descriptors, their current
// image URLs, and history-API frames, with an HTML scrape fallback.
package webcam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/aviationwx/awx-archiver/internal/config"
	"github.com/aviationwx/awx-archiver/internal/upstream"
)

// Webcam is one camera descriptor from the webcams endpoint. The current
// image URL may arrive under several key names; CurrentImageURL picks the
// first present.
type Webcam struct {
	Index          int    `json:"index"`
	Name           string `json:"name"`
	ImageURL       string `json:"image_url"`
	URL            string `json:"url"`
	Src            string `json:"src"`
	SnapshotURL    string `json:"snapshot_url"`
	HistoryEnabled bool   `json:"history_enabled"`
	HistoryURL     string `json:"history_url"`
}

// CurrentImageURL resolves the camera's current snapshot URL against the API
// base. Returns "" when the descriptor carries no usable URL.
func (w Webcam) CurrentImageURL(apiBase string) string {
	for _, candidate := range []string{w.ImageURL, w.URL, w.Src, w.SnapshotURL} {
		if candidate != "" {
			return upstream.Resolve(apiBase, candidate)
		}
	}
	return ""
}

// HasHistory reports whether the camera exposes an addressable history API.
func (w Webcam) HasHistory() bool {
	return w.HistoryEnabled && w.HistoryURL != ""
}

// Slug returns the filesystem-safe camera directory name.
func (w Webcam) Slug() string {
	return Sanitize(w.Name, fmt.Sprintf("cam_%d", w.Index))
}

// Sanitize makes a camera name safe for the filesystem: lowercase,
// underscore-separated, alphanumeric only, collapsed runs, or fallback when
// nothing survives.
func Sanitize(name, fallback string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	safe := b.String()
	for strings.Contains(safe, "__") {
		safe = strings.ReplaceAll(safe, "__", "_")
	}
	safe = strings.Trim(safe, "_")
	if safe == "" {
		return fallback
	}
	return safe
}

// Snapshot is the full webcams API response for one airport: the decoded
// descriptor list plus the raw body persisted in metadata.json.
type Snapshot struct {
	Webcams []Webcam
	Raw     json.RawMessage
}

// Frame is one history-API entry, with its URL already resolved against the
// API host.
type Frame struct {
	Timestamp    int64  `json:"timestamp"`
	URL          string `json:"url"`
	TimestampISO string `json:"timestamp_iso"`
	CamIndex     int    `json:"-"`
}

// Waiter is the pre-request rate limit hook.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Resolver queries the webcams and history endpoints for an airport and
// scrapes the airport HTML page when the API yields nothing.
type Resolver struct {
	http    *http.Client
	limiter Waiter
	cfg     config.SourceConfig
	apiBase string
	logger  *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(httpClient *http.Client, limiter Waiter, cfg config.SourceConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		http:    httpClient,
		limiter: limiter,
		cfg:     cfg,
		apiBase: upstream.APIBase(cfg.AirportsAPIURL),
		logger:  logger,
	}
}

// APIBase returns the API root that relative webcam URLs resolve against.
func (r *Resolver) APIBase() string {
	return r.apiBase
}

// Webcams fetches the webcams endpoint for an airport. A non-2xx status,
// malformed JSON, or a non-list webcams value is an error; the caller falls
// back to scraping.
func (r *Resolver) Webcams(ctx context.Context, code string) (Snapshot, error) {
	url := fmt.Sprintf("%s/airports/%s/webcams", r.apiBase, code)
	body, err := r.get(ctx, url)
	if err != nil {
		return Snapshot{}, err
	}

	var envelope struct {
		Webcams []Webcam `json:"webcams"`
		Data    []Webcam `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Snapshot{}, fmt.Errorf("decode webcams for %s: %w", code, err)
	}
	webcams := envelope.Webcams
	if webcams == nil {
		webcams = envelope.Data
	}
	r.logger.Debug("webcams API response",
		zap.String("airport", code),
		zap.Int("webcams", len(webcams)))
	return Snapshot{Webcams: webcams, Raw: body}, nil
}

// HistoryFrames fetches the bounded history window for one camera, returning
// frames sorted oldest-first with URLs resolved against the API host.
// Cameras without history yield an empty slice, not an error.
func (r *Resolver) HistoryFrames(ctx context.Context, code string, cam Webcam) ([]Frame, error) {
	if !cam.HasHistory() {
		return nil, nil
	}
	url := upstream.Resolve(r.apiBase, cam.HistoryURL)
	body, err := r.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("history for %s cam %d: %w", code, cam.Index, err)
	}

	var envelope struct {
		Frames []Frame `json:"frames"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode history for %s cam %d: %w", code, cam.Index, err)
	}

	frames := make([]Frame, 0, len(envelope.Frames))
	for _, f := range envelope.Frames {
		if f.Timestamp == 0 || f.URL == "" {
			continue
		}
		f.URL = upstream.Resolve(r.apiBase, f.URL)
		f.CamIndex = cam.Index
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Timestamp < frames[j].Timestamp })
	return frames, nil
}

// ScrapedImageURLs is the best-effort fallback: fetch the airport's HTML
// page and pull <img> src values that look like webcam snapshots. Relative
// page URLs resolve against the page host, since they came from the page.
func (r *Resolver) ScrapedImageURLs(ctx context.Context, code string) ([]string, error) {
	pageURL := fmt.Sprintf("%s/?airport=%s", strings.TrimRight(r.cfg.BaseURL, "/"), strings.ToLower(code))
	body, err := r.get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("airport page for %s: %w", code, err)
	}
	urls := ScrapeImageURLs(string(body), r.cfg.BaseURL)
	r.logger.Debug("page scrape",
		zap.String("airport", code),
		zap.Int("images", len(urls)))
	return urls, nil
}

func (r *Resolver) get(ctx context.Context, url string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := upstream.NewRequest(ctx, url, r.cfg.APIKey)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return body, nil
}
