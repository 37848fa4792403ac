package fetch

import (
	"crypto/md5" //nolint:gosec // upstream integrity headers are md5-based
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
)

// digestCheck is an expected body digest extracted from response headers.
type digestCheck struct {
	algo string
	sum  []byte
}

var (
	contentDigestRe = map[string]*regexp.Regexp{
		"sha-256": regexp.MustCompile(`(?i)sha-256\s*=\s*:([A-Za-z0-9+/=]+):`),
		"sha-512": regexp.MustCompile(`(?i)sha-512\s*=\s*:([A-Za-z0-9+/=]+):`),
		"md5":     regexp.MustCompile(`(?i)md5\s*=\s*:([A-Za-z0-9+/=]+):`),
	}
	md5HexRe        = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	contentRangeRe  = regexp.MustCompile(`(?i)bytes\s+\d+-\d+/(\d+)`)
	digestAlgoOrder = []string{"sha-256", "sha-512", "md5"}
)

// integrityFromHeaders extracts the strongest available integrity check:
// Content-Digest (RFC 9530) first, then Content-MD5 (RFC 1864), then an
// ETag that is exactly 32 hex characters (MD5-shaped, e.g. S3). Returns nil
// when no integrity header is present.
func integrityFromHeaders(h http.Header) *digestCheck {
	if check := parseContentDigest(h.Get("Content-Digest")); check != nil {
		return check
	}
	if sum := parseContentMD5(h.Get("Content-MD5")); sum != nil {
		return &digestCheck{algo: "md5", sum: sum}
	}
	if sum := parseETagAsMD5(h.Get("ETag")); sum != nil {
		return &digestCheck{algo: "md5", sum: sum}
	}
	return nil
}

func parseContentDigest(raw string) *digestCheck {
	if raw == "" {
		return nil
	}
	for _, algo := range digestAlgoOrder {
		match := contentDigestRe[algo].FindStringSubmatch(raw)
		if match == nil {
			continue
		}
		sum, err := base64.StdEncoding.DecodeString(match[1])
		if err != nil || len(sum) == 0 {
			continue
		}
		return &digestCheck{algo: algo, sum: sum}
	}
	return nil
}

func parseContentMD5(raw string) []byte {
	if raw == "" {
		return nil
	}
	sum, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(sum) != md5.Size {
		return nil
	}
	return sum
}

func parseETagAsMD5(raw string) []byte {
	if raw == "" {
		return nil
	}
	etag := raw
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		etag = etag[1 : len(etag)-1]
	}
	if !md5HexRe.MatchString(etag) {
		return nil
	}
	sum, err := hex.DecodeString(etag)
	if err != nil {
		return nil
	}
	return sum
}

// parseContentRangeTotal extracts the total size from a 206 Content-Range
// header ("bytes start-end/total").
func parseContentRangeTotal(h http.Header) (int64, bool) {
	match := contentRangeRe.FindStringSubmatch(h.Get("Content-Range"))
	if match == nil {
		return 0, false
	}
	total, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

func (c *digestCheck) newHash() (hash.Hash, error) {
	switch c.algo {
	case "sha-256":
		return sha256.New(), nil
	case "sha-512":
		return sha512.New(), nil
	case "md5":
		return md5.New(), nil //nolint:gosec
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", c.algo)
	}
}

func (c *digestCheck) verifyBytes(data []byte) bool {
	h, err := c.newHash()
	if err != nil {
		return false
	}
	h.Write(data)
	return hexEqual(h.Sum(nil), c.sum)
}

func (c *digestCheck) verifyFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close() //nolint:errcheck

	h, err := c.newHash()
	if err != nil {
		return false
	}
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return hexEqual(h.Sum(nil), c.sum)
}

func hexEqual(a, b []byte) bool {
	return hex.EncodeToString(a) == hex.EncodeToString(b)
}
