package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetentionBudget bounds the archive by age and total size. Zero values
// disable the corresponding phase.
type RetentionBudget struct {
	MaxAgeDays    int
	MaxTotalBytes int64
}

var storageSizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*(GB|TB)?\s*$`)

// ParseStorageSize parses a human storage limit such as "250GB", "1.5TB",
// or a bare number meaning gigabytes. Units are binary: GB is 1<<30 bytes,
// TB is 1<<40. An empty string means no size limit.
func ParseStorageSize(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	m := storageSizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid storage size %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid storage size %q: %w", s, err)
	}
	unit := int64(1 << 30)
	if strings.EqualFold(m[2], "TB") {
		unit = 1 << 40
	}
	return int64(value * float64(unit)), nil
}

type retainedFile struct {
	path    string
	size    int64
	modTime time.Time
}

// ApplyRetention deletes archived frames that exceed the budget. The age
// phase removes everything older than MaxAgeDays; the size phase then
// removes oldest files first until the tree fits MaxTotalBytes. Metadata
// files are never deleted. Returns the number of files removed.
func (s *Store) ApplyRetention(budget RetentionBudget, now time.Time) (int, error) {
	if _, err := os.Stat(s.root); err != nil {
		s.logger.Warn("archive root missing, skipping retention", zap.String("root", s.root))
		return 0, nil
	}

	files, err := s.collectFiles()
	if err != nil {
		return 0, err
	}

	deleted := 0
	if budget.MaxAgeDays > 0 {
		cutoff := now.Add(-time.Duration(budget.MaxAgeDays) * 24 * time.Hour)
		kept := files[:0]
		for _, f := range files {
			if f.modTime.Before(cutoff) {
				if err := os.Remove(f.path); err != nil {
					s.logger.Warn("could not delete expired frame", zap.String("path", f.path), zap.Error(err))
					kept = append(kept, f)
					continue
				}
				deleted++
				continue
			}
			kept = append(kept, f)
		}
		files = kept
	}

	if budget.MaxTotalBytes > 0 {
		var total int64
		for _, f := range files {
			total += f.size
		}
		sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
		for _, f := range files {
			if total <= budget.MaxTotalBytes {
				break
			}
			if err := os.Remove(f.path); err != nil {
				s.logger.Warn("could not delete frame for size budget", zap.String("path", f.path), zap.Error(err))
				continue
			}
			total -= f.size
			deleted++
		}
	}

	if deleted > 0 {
		s.pruneEmptyDirs()
		s.logger.Info("retention pass complete", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

func (s *Store) collectFiles() ([]retainedFile, error) {
	var files []retainedFile
	err := filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}
		if info.IsDir() || filepath.Base(p) == MetadataFilename {
			return nil
		}
		files = append(files, retainedFile{path: p, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan archive %s: %w", s.root, err)
	}
	return files, nil
}

// pruneEmptyDirs removes directories emptied by retention, deepest first,
// leaving the root itself in place.
func (s *Store) pruneEmptyDirs() {
	var dirs []string
	_ = filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && p != s.root {
			dirs = append(dirs, p)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(d)
		}
	}
}
