// Package archive persists webcam frames into the date/camera-partitioned
// tree and enforces the retention budget.
//
// Layout: <root>/<AIRPORT>/<YYYY>/<MM>/<DD>/<camera_slug>/<filename>, plus
// <root>/<AIRPORT>/metadata.json holding the latest webcams API snapshot.
package archive

import (
	"crypto/md5" //nolint:gosec // content dedup, not security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MetadataFilename is the per-airport API snapshot; retention never touches it.
const MetadataFilename = "metadata.json"

// minFrameSize matches the fetcher's partial-file threshold: anything
// smaller found during the existing-frame scan is a dead partial.
const minFrameSize = 1024

var frameExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".webp": true}

// FrameKey identifies one stored history frame within an airport.
type FrameKey struct {
	Timestamp int64
	CamIndex  int
}

// Store writes frames and metadata under a single archive root.
type Store struct {
	root   string
	logger *zap.Logger
}

// New creates a Store rooted at dir, creating it if missing.
func New(root string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("archive root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root %s: %w", root, err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the archive root directory.
func (s *Store) Root() string {
	return s.root
}

// FrameDir computes the directory for frames captured at t (UTC date).
func (s *Store) FrameDir(code string, t time.Time, camSlug string) string {
	t = t.UTC()
	return filepath.Join(
		s.root,
		strings.ToUpper(code),
		t.Format("2006"),
		t.Format("01"),
		t.Format("02"),
		camSlug,
	)
}

// HistoryFramePath computes the path for a history-API frame. The filename
// encodes the frame identity: {epoch_ts}_{camera_index}.jpg.
func (s *Store) HistoryFramePath(code, camSlug string, ts int64, camIndex int) string {
	capture := time.Unix(ts, 0).UTC()
	return filepath.Join(s.FrameDir(code, capture, camSlug), fmt.Sprintf("%d_%d.jpg", ts, camIndex))
}

// SnapshotPath computes the path for a current-snapshot frame:
// {YYYYMMDD_HHMMSS}_{url_basename}.
func (s *Store) SnapshotPath(code, camSlug string, t time.Time, srcURL string) string {
	basename := "image"
	if u, err := url.Parse(srcURL); err == nil {
		if b := path.Base(u.Path); b != "" && b != "." && b != "/" {
			basename = b
		}
	}
	name := fmt.Sprintf("%s_%s", t.UTC().Format("20060102_150405"), basename)
	return filepath.Join(s.FrameDir(code, t, camSlug), name)
}

// EnsureDir creates dir and intermediates idempotently.
func (s *Store) EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// Finalize normalizes a downloaded frame: world-readable mode and an mtime
// equal to the capture time, so archive timestamps reflect capture even
// under retry or resume.
func (s *Store) Finalize(filePath string, capture time.Time) error {
	if err := os.Chmod(filePath, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", filePath, err)
	}
	if err := os.Chtimes(filePath, capture, capture); err != nil {
		return fmt.Errorf("set mtime on %s: %w", filePath, err)
	}
	return nil
}

// WriteFrame writes data to filePath idempotently. Identical existing
// content is a no-op that leaves the file and its mtime untouched; this is
// the dedup guarantee. Returns whether a file was written.
func (s *Store) WriteFrame(filePath string, data []byte, capture time.Time) (bool, error) {
	if _, err := os.Stat(filePath); err == nil {
		existing, hashErr := fileMD5(filePath)
		if hashErr == nil {
			sum := md5.Sum(data) //nolint:gosec
			if existing == hex.EncodeToString(sum[:]) {
				s.logger.Debug("skipping duplicate frame", zap.String("path", filePath))
				return false, nil
			}
		}
	}

	if err := s.EnsureDir(filepath.Dir(filePath)); err != nil {
		return false, err
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return false, fmt.Errorf("write frame %s: %w", filePath, err)
	}
	if err := s.Finalize(filePath, capture); err != nil {
		return false, err
	}
	return true, nil
}

// WriteMetadata persists the latest airport record and raw webcams API
// response as <root>/<AIRPORT>/metadata.json.
func (s *Store) WriteMetadata(code string, airport, apiResponse json.RawMessage, now time.Time) error {
	if len(airport) == 0 {
		airport = json.RawMessage(`{}`)
	}
	if len(apiResponse) == 0 {
		apiResponse = json.RawMessage(`{}`)
	}
	doc := struct {
		Airport     json.RawMessage `json:"airport"`
		APIResponse json.RawMessage `json:"api_response"`
		LastUpdated string          `json:"last_updated"`
	}{airport, apiResponse, now.UTC().Format(time.RFC3339)}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", code, err)
	}

	airportRoot := filepath.Join(s.root, strings.ToUpper(code))
	if err := s.EnsureDir(airportRoot); err != nil {
		return err
	}
	metaPath := filepath.Join(airportRoot, MetadataFilename)
	if err := os.WriteFile(metaPath, payload, 0o644); err != nil {
		return fmt.Errorf("write metadata %s: %w", metaPath, err)
	}
	return nil
}

// ExistingFrames scans the airport's tree for already-captured history
// frames, keyed by the (timestamp, camera index) pair the filenames encode.
// Undersized files are dead partials: deleted so the next fetch retries.
func (s *Store) ExistingFrames(code string) map[FrameKey]struct{} {
	existing := make(map[FrameKey]struct{})
	airportRoot := filepath.Join(s.root, strings.ToUpper(code))
	if _, err := os.Stat(airportRoot); err != nil {
		s.logger.Debug("no archive tree for airport", zap.String("airport", code))
		return existing
	}

	walkErr := filepath.Walk(airportRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil //nolint:nilerr // best-effort scan
		}
		ext := strings.ToLower(filepath.Ext(p))
		if !frameExtensions[ext] {
			return nil
		}
		base := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		underscore := strings.LastIndexByte(base, '_')
		if underscore == -1 {
			return nil
		}
		ts, tsErr := strconv.ParseInt(base[:underscore], 10, 64)
		cam, camErr := strconv.Atoi(base[underscore+1:])
		if tsErr != nil || camErr != nil {
			return nil
		}
		if info.Size() < minFrameSize {
			if rmErr := os.Remove(p); rmErr != nil {
				s.logger.Warn("could not remove undersized frame", zap.String("path", p), zap.Error(rmErr))
			}
			return nil
		}
		existing[FrameKey{Timestamp: ts, CamIndex: cam}] = struct{}{}
		return nil
	})
	if walkErr != nil {
		s.logger.Warn("existing-frame scan failed", zap.String("airport", code), zap.Error(walkErr))
	}
	s.logger.Debug("scanned existing frames",
		zap.String("airport", code),
		zap.Int("count", len(existing)))
	return existing
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
