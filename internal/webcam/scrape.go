package webcam

import (
	"strings"

	"github.com/aviationwx/awx-archiver/internal/upstream"
)

// The scraper is intentionally a string scanner, not an HTML parser: it is a
// documented best-effort fallback for when the webcams API yields nothing,
// and only needs img src attributes from mostly well-formed pages.

var imageExtensions = []string{".jpg", ".jpeg", ".webp", ".png", ".gif"}

var webcamKeywords = []string{"webcam", "camera", "cam", "snapshot", "image", "photo"}

// ScrapeImageURLs scans html for <img> tags whose src has an image extension
// and a webcam-ish keyword, returning absolute URLs resolved against baseURL.
func ScrapeImageURLs(html, baseURL string) []string {
	var urls []string
	lower := strings.ToLower(html)
	pos := 0
	for {
		start := strings.Index(lower[pos:], "<img")
		if start == -1 {
			break
		}
		start += pos
		end := strings.Index(lower[start:], ">")
		if end == -1 {
			break
		}
		end += start
		tag := html[start : end+1]
		if src := extractAttr(tag, "src"); src != "" && looksLikeWebcam(src) {
			urls = append(urls, upstream.Resolve(baseURL, src))
		}
		pos = end + 1
	}
	return urls
}

// extractAttr pulls one attribute value out of a tag string. Handles
// single-quoted, double-quoted, and unquoted values (terminated by
// whitespace or '>').
func extractAttr(tag, attr string) string {
	lower := strings.ToLower(tag)
	idx := strings.Index(lower, attr+"=")
	if idx == -1 {
		return ""
	}
	idx += len(attr) + 1
	if idx >= len(tag) {
		return ""
	}
	if quote := tag[idx]; quote == '"' || quote == '\'' {
		end := strings.IndexByte(tag[idx+1:], quote)
		if end == -1 {
			return ""
		}
		return tag[idx+1 : idx+1+end]
	}
	end := len(tag)
	for _, term := range []string{" ", ">", "\t", "\n"} {
		if pos := strings.Index(tag[idx:], term); pos != -1 && idx+pos < end {
			end = idx + pos
		}
	}
	return tag[idx:end]
}

// looksLikeWebcam applies the extension+keyword heuristic.
func looksLikeWebcam(src string) bool {
	lower := strings.ToLower(src)
	hasExt := false
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) || strings.Contains(lower, ext+"?") {
			hasExt = true
			break
		}
	}
	if !hasExt {
		return false
	}
	for _, kw := range webcamKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
