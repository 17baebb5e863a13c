// Package cron runs interval jobs whose schedule metadata survives restarts.
// Callbacks live in memory; the store keeps id, interval, and last_run_at so a
// restarted process knows which runs it missed.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/teleton/internal/store"
)

const (
	// MinInterval is the smallest accepted job interval.
	MinInterval = time.Second

	defaultTickInterval = time.Second
)

// ErrStopped is returned by Register after StopAll.
var ErrStopped = errors.New("stopped")

// Callback is one job execution. Errors are logged, never retried early.
type Callback func(ctx context.Context) error

// Options configures a job at registration.
type Options struct {
	Interval time.Duration
	// RunMissed fires the job once at start when a full interval has already
	// elapsed since the persisted last run.
	RunMissed bool
}

// Snapshot is the externally visible state of one job.
type Snapshot struct {
	ID        string
	Interval  time.Duration
	RunMissed bool
	LastRunAt time.Time // zero when the job never ran
	NextRunAt time.Time // zero until the manager is started
}

type job struct {
	id        string
	interval  time.Duration
	runMissed bool
	callback  Callback

	lastRunAt time.Time
	nextRunAt time.Time // zero means not activated
}

// Manager owns the jobs and the tick loop.
type Manager struct {
	store        *store.Store
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	primed  chan struct{} // closed after the start-time replay pass
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger configures the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.tickInterval = interval
		}
	}
}

// NewManager creates a manager backed by the store.
func NewManager(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:        s,
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: defaultTickInterval,
		jobs:         make(map[string]*job),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a job. Re-registration preserves the persisted last run, so a
// process restart does not reset the schedule. When the manager is already
// started the job is activated immediately; otherwise it waits for Start.
func (m *Manager) Register(ctx context.Context, id string, opts Options, cb Callback) error {
	if id == "" {
		return errors.New("job id required")
	}
	if cb == nil {
		return errors.New("job callback required")
	}
	if opts.Interval < MinInterval {
		return fmt.Errorf("job %s: interval %v below minimum %v", id, opts.Interval, MinInterval)
	}

	// The lock spans the persist so a concurrent StopAll cannot land between
	// the stopped check and the row write.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}

	if err := m.store.UpsertCronJob(ctx, id, opts.Interval.Milliseconds(), opts.RunMissed); err != nil {
		return err
	}
	row, err := m.store.GetCronJob(ctx, id)
	if err != nil {
		return err
	}

	j := &job{
		id:        id,
		interval:  opts.Interval,
		runMissed: opts.RunMissed,
		callback:  cb,
	}
	if row != nil {
		j.lastRunAt = row.LastRunAt
	}
	if m.started {
		j.nextRunAt = m.now().Add(j.interval)
	}
	m.jobs[id] = j
	return nil
}

// Unregister clears the job's schedule and deletes its persisted row.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return m.store.DeleteCronJob(ctx, id)
}

// Start activates every registered job and begins the tick loop. Jobs with
// RunMissed whose last run is more than one interval in the past fire once
// immediately; every other job waits one full interval.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.started = true

	now := m.now()
	for _, j := range m.jobs {
		if j.runMissed && !j.lastRunAt.IsZero() && now.After(j.lastRunAt.Add(j.interval)) {
			j.nextRunAt = now
			continue
		}
		j.nextRunAt = now.Add(j.interval)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.primed = make(chan struct{})
	primed := m.primed
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// Fire missed jobs before the first tick.
		m.RunOnce(runCtx)
		close(primed)
		ticker := time.NewTicker(m.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.RunOnce(runCtx)
			}
		}
	}()
	return nil
}

// StopAll clears every schedule and rejects further registrations.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.cancel = nil
	for _, j := range m.jobs {
		j.nextRunAt = time.Time{}
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes every due job and returns how many ran.
func (m *Manager) RunOnce(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var due []*job
	for _, j := range m.jobs {
		if !j.nextRunAt.IsZero() && !now.Before(j.nextRunAt) {
			due = append(due, j)
		}
	}
	m.mu.Unlock()
	sort.Slice(due, func(i, k int) bool { return due[i].id < due[k].id })

	for _, j := range due {
		m.runJob(ctx, j)
	}
	return len(due)
}

// runJob executes the callback, then advances the schedule and persists the
// run time whether or not the callback succeeded. A permanently broken job
// keeps its interval instead of retry-storming.
func (m *Manager) runJob(ctx context.Context, j *job) {
	if err := m.execute(ctx, j); err != nil {
		m.logger.Warn("cron job failed", "id", j.id, "error", err)
	}

	ranAt := m.now()
	m.mu.Lock()
	j.lastRunAt = ranAt
	if !j.nextRunAt.IsZero() {
		j.nextRunAt = ranAt.Add(j.interval)
	}
	m.mu.Unlock()

	if err := m.store.TouchCronJob(ctx, j.id, ranAt); err != nil {
		m.logger.Warn("cron last run not persisted", "id", j.id, "error", err)
	}
}

func (m *Manager) execute(ctx context.Context, j *job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
	}()
	return j.callback(ctx)
}

// Get returns a snapshot of one job, or nil when unknown.
func (m *Manager) Get(id string) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	return snapshotOf(j)
}

// List returns snapshots of every job, ordered by id.
func (m *Manager) List() []*Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Snapshot, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, snapshotOf(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func snapshotOf(j *job) *Snapshot {
	snap := &Snapshot{
		ID:        j.id,
		Interval:  j.interval,
		RunMissed: j.runMissed,
		LastRunAt: j.lastRunAt,
	}
	if !j.lastRunAt.IsZero() {
		snap.NextRunAt = j.lastRunAt.Add(j.interval)
	}
	return snap
}
