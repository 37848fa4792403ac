// Package worker supervises archive and retention runs so a long job can
// execute alongside the status server without blocking it, and so a hung
// or crashed run can never hold the run lock forever.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aviationwx/awx-archiver/internal/clock"
	"github.com/aviationwx/awx-archiver/internal/metrics"
	"github.com/aviationwx/awx-archiver/internal/scheduler"
)

// ErrAlreadyRunning is returned when a run is requested while a live,
// non-stale run holds the lock.
var ErrAlreadyRunning = errors.New("a run is already in progress")

// Outcome says how a run terminated.
type Outcome int

const (
	// Done means the worker delivered its terminal message, whether the
	// pass itself succeeded or failed.
	Done Outcome = iota
	// Crashed means the worker never delivered a terminal message and the
	// supervisor synthesized the result.
	Crashed
)

func (o Outcome) String() string {
	if o == Crashed {
		return "crashed"
	}
	return "done"
}

// RunKind distinguishes archive passes from standalone retention runs.
type RunKind int

const (
	KindPass RunKind = iota
	KindRetention
)

func (k RunKind) String() string {
	if k == KindRetention {
		return "retention"
	}
	return "pass"
}

// MessageKind tags channel messages from the worker goroutine.
type MessageKind int

const (
	// MessageLog carries one incremental log line.
	MessageLog MessageKind = iota
	// MessageComplete is the single terminal message of a run.
	MessageComplete
)

// Message travels from the worker goroutine to its supervisor over a
// bounded channel. Results never ride shared memory.
type Message struct {
	Kind    MessageKind
	RunID   string
	Line    string
	Outcome Outcome
	Stats   *scheduler.Stats
	Deleted int
	Err     string
}

// RunRecord is the durable summary of one finished run.
type RunRecord struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Outcome    string          `json:"outcome"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Stats      scheduler.Stats `json:"stats"`
	Deleted    int             `json:"deleted"`
	Error      string          `json:"error,omitempty"`
}

// StatusSnapshot is a copy-on-read view of runner state; callers never see
// the live, lock-guarded fields.
type StatusSnapshot struct {
	Running      bool       `json:"running"`
	CurrentRunID string     `json:"current_run_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	RunCount     int        `json:"run_count"`
	LastRun      *RunRecord `json:"last_run,omitempty"`
}

// PassRunner is the engine surface the worker drives.
type PassRunner interface {
	RunPass(ctx context.Context, deadline time.Time) (scheduler.Stats, error)
	ApplyRetention() (int, error)
}

// Runner serializes runs behind a single lock with short critical
// sections. A lock held longer than twice the scheduling interval is
// treated as stale and force-cleared, so a crashed run cannot cause
// permanent lockout.
type Runner struct {
	engine     PassRunner
	clock      clock.Clock
	logger     *zap.Logger
	ring       *LogRing
	interval   time.Duration
	jobTimeout time.Duration

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	currentID string
	runCount  int
	lastRun   *RunRecord
}

// Config tunes the runner. Interval drives the stale-lock threshold;
// JobTimeout bounds each pass (zero means unbounded). Ring, when set, is
// the shared log buffer; otherwise the runner makes its own.
type Config struct {
	Interval   time.Duration
	JobTimeout time.Duration
	Ring       *LogRing
}

// NewRunner constructs a Runner.
func NewRunner(engine PassRunner, cfg Config, clk clock.Clock, logger *zap.Logger) *Runner {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ring := cfg.Ring
	if ring == nil {
		ring = NewLogRing()
	}
	return &Runner{
		engine:     engine,
		clock:      clk,
		logger:     logger,
		ring:       ring,
		interval:   cfg.Interval,
		jobTimeout: cfg.JobTimeout,
	}
}

// Ring exposes the in-memory log buffer served to the UI.
func (r *Runner) Ring() *LogRing {
	return r.ring
}

// StartPass launches one archive pass. It returns immediately with the
// run ID, or ErrAlreadyRunning when a live run holds the lock.
func (r *Runner) StartPass(ctx context.Context) (string, error) {
	return r.start(ctx, KindPass)
}

// StartRetention launches one standalone retention run under the same
// lock discipline as a pass.
func (r *Runner) StartRetention(ctx context.Context) (string, error) {
	return r.start(ctx, KindRetention)
}

func (r *Runner) start(ctx context.Context, kind RunKind) (string, error) {
	r.mu.Lock()
	if r.running {
		elapsed := r.clock.Now().Sub(r.startedAt)
		if r.interval <= 0 || elapsed <= 2*r.interval {
			r.mu.Unlock()
			return "", ErrAlreadyRunning
		}
		r.logger.Warn("run lock is stale, force-clearing",
			zap.String("run_id", r.currentID),
			zap.Duration("elapsed", elapsed))
	}
	id := uuid.NewString()
	started := r.clock.Now()
	r.running = true
	r.startedAt = started
	r.currentID = id
	r.runCount++
	r.mu.Unlock()

	metrics.SetPassRunning(true)

	msgs := make(chan Message, 64)
	go r.work(ctx, id, kind, msgs)
	go r.supervise(id, kind, started, msgs)
	return id, nil
}

// work executes the run and always sends exactly one terminal message on
// the happy and panic paths. The channel closing is the worker's exit.
func (r *Runner) work(ctx context.Context, id string, kind RunKind, msgs chan<- Message) {
	defer close(msgs)
	defer func() {
		if p := recover(); p != nil {
			msgs <- Message{
				Kind:    MessageComplete,
				RunID:   id,
				Outcome: Crashed,
				Err:     fmt.Sprintf("worker panic: %v", p),
			}
		}
	}()

	msgs <- Message{Kind: MessageLog, RunID: id, Line: fmt.Sprintf("%s run starting", kind)}

	if kind == KindRetention {
		deleted, err := r.engine.ApplyRetention()
		msg := Message{Kind: MessageComplete, RunID: id, Outcome: Done, Deleted: deleted}
		if err != nil {
			msg.Err = err.Error()
		}
		msgs <- msg
		return
	}

	var deadline time.Time
	if r.jobTimeout > 0 {
		deadline = r.clock.Now().Add(r.jobTimeout)
	}
	stats, err := r.engine.RunPass(ctx, deadline)
	msg := Message{Kind: MessageComplete, RunID: id, Outcome: Done, Stats: &stats}
	if err != nil {
		msg.Err = err.Error()
	}
	msgs <- msg
}

// supervise forwards log messages as they arrive and records the terminal
// result. A channel that closes without a terminal message becomes a
// synthesized crash so the lock always releases.
func (r *Runner) supervise(id string, kind RunKind, startedAt time.Time, msgs <-chan Message) {
	completed := false
	for msg := range msgs {
		switch msg.Kind {
		case MessageLog:
			r.ring.Append(msg.Line)
			r.logger.Info(msg.Line, zap.String("run_id", id))
		case MessageComplete:
			completed = true
			r.finish(id, kind, startedAt, msg)
		}
	}
	if !completed {
		r.finish(id, kind, startedAt, Message{
			Kind:    MessageComplete,
			RunID:   id,
			Outcome: Crashed,
			Err:     "worker exited without a result",
		})
	}
}

func (r *Runner) finish(id string, kind RunKind, startedAt time.Time, msg Message) {
	record := &RunRecord{
		ID:         id,
		Kind:       kind.String(),
		Outcome:    msg.Outcome.String(),
		StartedAt:  startedAt,
		FinishedAt: r.clock.Now(),
		Deleted:    msg.Deleted,
		Error:      msg.Err,
	}
	if msg.Stats != nil {
		record.Stats = *msg.Stats
	}

	r.mu.Lock()
	// A stale lock may have been handed to a newer run; only its owner
	// releases it.
	released := r.currentID == id
	if released {
		r.running = false
		r.currentID = ""
		r.lastRun = record
	}
	r.mu.Unlock()

	if released {
		metrics.SetPassRunning(false)
	}

	fields := []zap.Field{
		zap.String("run_id", id),
		zap.String("kind", record.Kind),
		zap.String("outcome", record.Outcome),
	}
	if msg.Err != "" {
		fields = append(fields, zap.String("error", msg.Err))
		r.logger.Error("run finished with error", fields...)
		r.ring.Append(fmt.Sprintf("%s run %s failed: %s", record.Kind, id, msg.Err))
		return
	}
	r.logger.Info("run finished", fields...)
	r.ring.Append(fmt.Sprintf("%s run %s finished", record.Kind, id))
}

// Status returns a copy-on-read snapshot of runner state.
func (r *Runner) Status() StatusSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := StatusSnapshot{
		Running:      r.running,
		CurrentRunID: r.currentID,
		RunCount:     r.runCount,
	}
	if r.running {
		started := r.startedAt
		snap.StartedAt = &started
	}
	if r.lastRun != nil {
		record := *r.lastRun
		snap.LastRun = &record
	}
	return snap
}
