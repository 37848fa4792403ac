// Package upstream holds shared helpers for talking to the AviationWX API:
// request construction, API-base derivation, and URL resolution.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// UserAgent is browser-like on purpose: the upstream sits behind a WAF that
// blocks obviously non-browser defaults.
const UserAgent = "Mozilla/5.0 (compatible; AviationWX-Archiver/1.0; " +
	"+https://github.com/aviationwx/awx-archiver)"

// APIBase strips the trailing /airports segment from the configured
// airports endpoint, yielding the API root used to resolve relative URLs.
func APIBase(airportsURL string) string {
	trimmed := strings.TrimRight(airportsURL, "/")
	if idx := strings.LastIndex(trimmed, "/airports"); idx != -1 {
		return trimmed[:idx]
	}
	return trimmed
}

// StatusURL derives the rate-limit status endpoint from the airports endpoint.
func StatusURL(airportsURL string) string {
	if strings.TrimSpace(airportsURL) == "" {
		return ""
	}
	return APIBase(airportsURL) + "/status"
}

// Resolve makes ref absolute against the API base. Already-absolute URLs
// pass through untouched. Webcam and history URLs from the API are always
// resolved against the API host, never the HTML page host.
func Resolve(apiBase, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(strings.TrimRight(apiBase, "/") + "/")
	if err != nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

// NewRequest builds a GET request carrying the archiver User-Agent and,
// when configured, the X-API-Key header.
func NewRequest(ctx context.Context, rawURL, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if key := strings.TrimSpace(apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	return req, nil
}
