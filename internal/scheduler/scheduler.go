// Package scheduler turns a stream of inbound chat events into well-ordered
// agent turns: one FIFO per chat, burst debounce, hard caps on pending
// history, and at most one in-flight turn per chat. Different chats run
// concurrently.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultDebounce is how long a chat's buffer waits for the rest of a
	// typing burst before it becomes a turn.
	DefaultDebounce = 800 * time.Millisecond
	// MaxPendingPerChat caps a chat's buffered events; oldest are dropped.
	MaxPendingPerChat = 50
	// MaxPendingAge drops buffered events older than this at dispatch.
	MaxPendingAge = 24 * time.Hour
	// DefaultGracePeriod bounds the in-flight drain during Stop.
	DefaultGracePeriod = 10 * time.Second
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Event is one inbound chat message.
type Event struct {
	ChatID     string
	SenderID   string
	Text       string
	IsGroup    bool
	IsAdmin    bool
	ReceivedAt time.Time
}

// Turn is a debounced batch of events for one chat, in arrival order.
type Turn struct {
	ChatID string
	Events []*Event
}

// Runner consumes turns. The context is cancelled when the scheduler stops.
type Runner interface {
	RunTurn(ctx context.Context, turn *Turn) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, turn *Turn) error

func (f RunnerFunc) RunTurn(ctx context.Context, turn *Turn) error { return f(ctx, turn) }

type chatState struct {
	queue    []*Event
	timer    *time.Timer
	inFlight bool
}

// Scheduler owns the per-chat queues and dispatch loop.
type Scheduler struct {
	runner   Runner
	logger   *slog.Logger
	now      func() time.Time
	debounce time.Duration
	grace    time.Duration

	mu      sync.Mutex
	chats   map[string]*chatState
	started bool
	stopped bool
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebounce overrides the burst window.
func WithDebounce(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.debounce = d
		}
	}
}

// WithGracePeriod overrides the drain deadline used by Stop.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler that hands turns to runner.
func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		logger:   slog.Default().With("component", "scheduler"),
		now:      time.Now,
		debounce: DefaultDebounce,
		grace:    DefaultGracePeriod,
		chats:    make(map[string]*chatState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms the scheduler. Turns run under a context derived from ctx's
// values but cancelled only by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	return nil
}

// Enqueue buffers an event for its chat and resets the chat's debounce
// timer. When a turn for the chat is already running, the event waits and is
// coalesced into the next turn.
func (s *Scheduler) Enqueue(event *Event) error {
	if event == nil || event.ChatID == "" {
		return errors.New("event requires a chat id")
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.started {
		return ErrStopped
	}

	cs, ok := s.chats[event.ChatID]
	if !ok {
		cs = &chatState{}
		s.chats[event.ChatID] = cs
	}
	cs.queue = append(cs.queue, event)
	if len(cs.queue) > MaxPendingPerChat {
		dropped := len(cs.queue) - MaxPendingPerChat
		cs.queue = cs.queue[dropped:]
		s.logger.Warn("pending history cap hit, oldest dropped",
			"chat", event.ChatID, "dropped", dropped)
	}

	if s.debounce == 0 {
		s.dispatchLocked(event.ChatID, cs)
		return nil
	}
	if cs.timer != nil {
		cs.timer.Stop()
	}
	chatID := event.ChatID
	cs.timer = time.AfterFunc(s.debounce, func() { s.Flush(chatID) })
	return nil
}

// Flush dispatches the chat's buffered events now instead of waiting for the
// debounce timer.
func (s *Scheduler) Flush(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	cs, ok := s.chats[chatID]
	if !ok {
		return
	}
	s.dispatchLocked(chatID, cs)
}

// dispatchLocked moves the buffer out and starts a turn unless one is
// already in flight; the running turn will re-dispatch on completion.
func (s *Scheduler) dispatchLocked(chatID string, cs *chatState) {
	if cs.inFlight {
		return
	}
	events := s.pruneLocked(chatID, cs.queue)
	cs.queue = nil
	if cs.timer != nil {
		cs.timer.Stop()
		cs.timer = nil
	}
	if len(events) == 0 {
		return
	}

	cs.inFlight = true
	turn := &Turn{ChatID: chatID, Events: events}
	s.wg.Add(1)
	go s.runTurn(turn, cs)
}

// pruneLocked drops events past the age cap.
func (s *Scheduler) pruneLocked(chatID string, events []*Event) []*Event {
	cutoff := s.now().Add(-MaxPendingAge)
	kept := events[:0]
	for _, e := range events {
		if e.ReceivedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	if dropped := len(events) - len(kept); dropped > 0 {
		s.logger.Warn("stale pending events dropped", "chat", chatID, "dropped", dropped)
	}
	return kept
}

func (s *Scheduler) runTurn(turn *Turn, cs *chatState) {
	defer s.wg.Done()

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	if err := s.runner.RunTurn(ctx, turn); err != nil {
		s.logger.Warn("turn failed", "chat", turn.ChatID, "events", len(turn.Events), "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cs.inFlight = false
	if s.stopped {
		return
	}
	// Events that arrived mid-turn become the next turn immediately.
	if len(cs.queue) > 0 {
		s.dispatchLocked(turn.ChatID, cs)
	}
}

// Stop rejects new events, cancels in-flight turns, and waits for them to
// drain within the grace period.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	for _, cs := range s.chats {
		if cs.timer != nil {
			cs.timer.Stop()
			cs.timer = nil
		}
		cs.queue = nil
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
		return errors.New("scheduler drain exceeded grace period")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many events are buffered for a chat.
func (s *Scheduler) Pending(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return 0
	}
	return len(cs.queue)
}
