package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestNewRequiresRoot(t *testing.T) {
	t.Parallel()

	_, err := New("  ", zap.NewNop())
	require.Error(t, err)
}

func TestHistoryFramePathLayout(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	// 2024-03-05 12:30:00 UTC
	ts := int64(1709641800)
	got := store.HistoryFramePath("kspb", "north_cam", ts, 2)

	want := filepath.Join(store.Root(), "KSPB", "2024", "03", "05", "north_cam", "1709641800_2.jpg")
	assert.Equal(t, want, got)
}

func TestSnapshotPathUsesURLBasename(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	capture := time.Date(2024, 3, 5, 12, 30, 45, 0, time.UTC)

	got := store.SnapshotPath("KSPB", "cam_1", capture, "https://example.com/cams/latest.jpg?x=1")
	assert.Equal(t, "20240305_123045_latest.jpg", filepath.Base(got))

	got = store.SnapshotPath("KSPB", "cam_1", capture, "https://example.com/")
	assert.Equal(t, "20240305_123045_image", filepath.Base(got))
}

func TestWriteFrameSetsModeAndMtime(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	capture := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	path := store.HistoryFramePath("KSPB", "cam", capture.Unix(), 0)

	created, err := store.WriteFrame(path, []byte("frame-bytes"), capture)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(capture))
}

func TestWriteFrameDedupLeavesMtimeUntouched(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	capture := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	path := store.HistoryFramePath("KSPB", "cam", capture.Unix(), 0)

	created, err := store.WriteFrame(path, []byte("same-bytes"), capture)
	require.NoError(t, err)
	require.True(t, created)

	later := capture.Add(time.Hour)
	created, err = store.WriteFrame(path, []byte("same-bytes"), later)
	require.NoError(t, err)
	assert.False(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(capture), "duplicate write must not touch mtime")
}

func TestWriteFrameOverwritesChangedContent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	capture := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	path := store.HistoryFramePath("KSPB", "cam", capture.Unix(), 0)

	_, err := store.WriteFrame(path, []byte("old"), capture)
	require.NoError(t, err)

	created, err := store.WriteFrame(path, []byte("new"), capture.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, created)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestWriteMetadata(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	airport := json.RawMessage(`{"code":"KSPB","name":"Scappoose"}`)
	response := json.RawMessage(`{"webcams":[]}`)
	require.NoError(t, store.WriteMetadata("kspb", airport, response, now))

	raw, err := os.ReadFile(filepath.Join(store.Root(), "KSPB", MetadataFilename))
	require.NoError(t, err)

	var doc struct {
		Airport     map[string]any `json:"airport"`
		APIResponse map[string]any `json:"api_response"`
		LastUpdated string         `json:"last_updated"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "KSPB", doc.Airport["code"])
	assert.Contains(t, doc.APIResponse, "webcams")
	assert.Equal(t, "2024-03-05T12:00:00Z", doc.LastUpdated)
}

func TestExistingFrames(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	capture := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	good := store.HistoryFramePath("KSPB", "cam", capture.Unix(), 1)
	_, err := store.WriteFrame(good, make([]byte, minFrameSize), capture)
	require.NoError(t, err)

	// Undersized file gets removed by the scan.
	runt := store.HistoryFramePath("KSPB", "cam", capture.Unix()+60, 1)
	require.NoError(t, store.EnsureDir(filepath.Dir(runt)))
	require.NoError(t, os.WriteFile(runt, []byte("tiny"), 0o644))

	// Non-frame filenames are ignored.
	require.NoError(t, store.WriteMetadata("KSPB", nil, nil, capture))

	existing := store.ExistingFrames("kspb")
	assert.Equal(t, map[FrameKey]struct{}{
		{Timestamp: capture.Unix(), CamIndex: 1}: {},
	}, existing)

	_, statErr := os.Stat(runt)
	assert.True(t, os.IsNotExist(statErr), "undersized frame should be deleted")
}

func TestExistingFramesMissingAirport(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	assert.Empty(t, store.ExistingFrames("KXYZ"))
}
