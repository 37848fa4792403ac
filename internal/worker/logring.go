package worker

import (
	"strings"
	"sync"
)

// maxRingBytes caps the in-memory log buffer at 10 MiB; older lines are
// evicted from the front.
const maxRingBytes = 10 << 20

// LogRing is a byte-capped ring of log lines served to the status UI. It
// also satisfies io.Writer so it can sit behind a zapcore sink.
type LogRing struct {
	mu    sync.Mutex
	lines []string
	bytes int
}

// NewLogRing returns an empty ring.
func NewLogRing() *LogRing {
	return &LogRing{}
}

// Append adds one line, evicting from the front to stay under the cap.
func (r *LogRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
	r.bytes += len(line)
	for r.bytes > maxRingBytes && len(r.lines) > 1 {
		r.bytes -= len(r.lines[0])
		r.lines = r.lines[1:]
	}
}

// Write splits p into lines and appends each, so the ring can be wired as
// a zapcore.WriteSyncer.
func (r *LogRing) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			r.Append(line)
		}
	}
	return len(p), nil
}

// Sync is a no-op; the ring is memory only.
func (r *LogRing) Sync() error {
	return nil
}

// Lines returns a copy of the buffered lines, oldest first.
func (r *LogRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
