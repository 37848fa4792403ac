package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aviationwx/awx-archiver/internal/metrics"
	"github.com/aviationwx/awx-archiver/internal/scheduler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeClock) Sleep(context.Context, time.Duration) {}

type fakeEngine struct {
	stats   scheduler.Stats
	passErr error
	deleted int
	retErr  error
	panics  bool
	block   chan struct{}

	mu        sync.Mutex
	passCalls int
}

func (f *fakeEngine) RunPass(context.Context, time.Time) (scheduler.Stats, error) {
	f.mu.Lock()
	f.passCalls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.panics {
		panic("boom")
	}
	return f.stats, f.passErr
}

func (f *fakeEngine) ApplyRetention() (int, error) {
	return f.deleted, f.retErr
}

func (f *fakeEngine) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passCalls
}

func newTestRunner(engine PassRunner, clk *fakeClock) *Runner {
	metrics.Init()
	return NewRunner(engine, Config{Interval: time.Minute, JobTimeout: time.Hour}, clk, zap.NewNop())
}

func waitIdle(t *testing.T, r *Runner) StatusSnapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return !r.Status().Running
	}, 2*time.Second, 5*time.Millisecond)
	return r.Status()
}

func TestStartPassCompletes(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{stats: scheduler.Stats{AirportsProcessed: 2, ImagesSaved: 7}}
	clk := &fakeClock{now: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
	runner := newTestRunner(engine, clk)

	id, err := runner.StartPass(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	status := waitIdle(t, runner)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, id, status.LastRun.ID)
	assert.Equal(t, "done", status.LastRun.Outcome)
	assert.Equal(t, "pass", status.LastRun.Kind)
	assert.Equal(t, engine.stats, status.LastRun.Stats)
	assert.Empty(t, status.LastRun.Error)
	assert.Equal(t, 1, status.RunCount)
}

func TestStartPassRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{block: make(chan struct{})}
	clk := &fakeClock{now: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
	runner := newTestRunner(engine, clk)

	_, err := runner.StartPass(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return engine.calls() == 1 }, time.Second, 5*time.Millisecond)

	_, err = runner.StartPass(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(engine.block)
	waitIdle(t, runner)
}

func TestStartPassClearsStaleLock(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{block: make(chan struct{})}
	clk := &fakeClock{now: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
	runner := newTestRunner(engine, clk)

	first, err := runner.StartPass(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return engine.calls() == 1 }, time.Second, 5*time.Millisecond)

	// Two intervals plus change: the lock is stale and a new run may take it.
	clk.Advance(3 * time.Minute)
	secondStart := clk.Now()

	second, err := runner.StartPass(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	close(engine.block)
	status := waitIdle(t, runner)
	assert.Equal(t, 2, status.RunCount)

	// The surviving record belongs to the second run and carries that run's
	// own start time, not the superseded run's.
	require.NotNil(t, status.LastRun)
	assert.Equal(t, second, status.LastRun.ID)
	assert.Equal(t, secondStart, status.LastRun.StartedAt)
}

func TestPassErrorIsDoneNotCrashed(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{passErr: errors.New("catalog unreachable")}
	clk := &fakeClock{now: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
	runner := newTestRunner(engine, clk)

	_, err := runner.StartPass(context.Background())
	require.NoError(t, err)

	status := waitIdle(t, runner)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, "done", status.LastRun.Outcome)
	assert.Equal(t, "catalog unreachable", status.LastRun.Error)
}

func TestWorkerPanicSynthesizesCrash(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{panics: true}
	clk := &fakeClock{now: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
	runner := newTestRunner(engine, clk)

	_, err := runner.StartPass(context.Background())
	require.NoError(t, err)

	status := waitIdle(t, runner)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, "crashed", status.LastRun.Outcome)
	assert.Contains(t, status.LastRun.Error, "worker panic")

	// The lock is released, so the next run may start.
	engine2 := &fakeEngine{}
	runner.engine = engine2
	_, err = runner.StartPass(context.Background())
	assert.NoError(t, err)
	waitIdle(t, runner)
}

func TestStartRetention(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{deleted: 12}
	clk := &fakeClock{now: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)}
	runner := newTestRunner(engine, clk)

	_, err := runner.StartRetention(context.Background())
	require.NoError(t, err)

	status := waitIdle(t, runner)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, "retention", status.LastRun.Kind)
	assert.Equal(t, 12, status.LastRun.Deleted)
}

func TestLogRingEvictsOldestLines(t *testing.T) {
	t.Parallel()

	ring := NewLogRing()
	a := strings.Repeat("a", 4<<20)
	b := strings.Repeat("b", 4<<20)
	c := strings.Repeat("c", 4<<20)
	ring.Append(a)
	ring.Append(b)
	ring.Append(c)

	lines := ring.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, b, lines[0])
	assert.Equal(t, c, lines[1])
}

func TestLogRingWriteSplitsLines(t *testing.T) {
	t.Parallel()

	ring := NewLogRing()
	_, err := ring.Write([]byte("one\ntwo\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, ring.Lines())
}
