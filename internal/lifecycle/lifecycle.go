// Package lifecycle supervises the agent process as one unit: a four-state
// machine coordinating concurrent start/stop requests and broadcasting state
// transitions to observers such as the web UI event stream.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the process-wide agent state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ErrStartWhileStopping is returned by Start while a stop is in progress.
var ErrStartWhileStopping = errors.New("cannot start while stopping")

// Event describes one state transition.
type Event struct {
	State     State
	Err       error
	Timestamp time.Time
}

// Listener receives state-change events synchronously with the transition.
// Listeners fire in registration order.
type Listener func(Event)

type registration struct {
	id int
	fn Listener
}

// Hooks are the start/stop callbacks the supervisor drives. They are
// registered once at construction and never stack.
type Hooks struct {
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// Supervisor owns the agent lifecycle state machine.
type Supervisor struct {
	hooks  Hooks
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        State
	lastErr      error
	runningSince time.Time
	nextListener int
	listeners    []registration

	// inflight is closed when the current starting/stopping transition
	// settles; inflightErr holds its outcome.
	inflight    chan struct{}
	inflightErr error
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithLogger configures the supervisor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a stopped supervisor around the given hooks.
func New(hooks Hooks, opts ...Option) *Supervisor {
	s := &Supervisor{
		hooks:  hooks,
		logger: slog.Default().With("component", "lifecycle"),
		now:    time.Now,
		state:  StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a listener and returns its unsubscribe function.
func (s *Supervisor) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners = append(s.listeners, registration{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, reg := range s.listeners {
			if reg.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error recorded by the most recent failed transition.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Uptime returns the time since entering running, and false when not running.
func (s *Supervisor) Uptime() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return 0, false
	}
	return s.now().Sub(s.runningSince), true
}

// Start drives stopped → starting → running. A concurrent Start while
// starting joins the in-flight attempt; Start while running is a no-op;
// Start while stopping fails fast.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.mu.Unlock()
		return nil
	case StateStarting:
		done := s.inflight
		s.mu.Unlock()
		return s.join(ctx, done)
	case StateStopping:
		s.mu.Unlock()
		return ErrStartWhileStopping
	}

	done := make(chan struct{})
	s.inflight = done
	s.setStateLocked(StateStarting, nil)
	s.mu.Unlock()

	var err error
	if s.hooks.Start != nil {
		err = s.hooks.Start(ctx)
	}

	s.mu.Lock()
	s.inflightErr = err
	if err != nil {
		s.logger.Error("start failed", "error", err)
		s.setStateLocked(StateStopped, err)
	} else {
		s.runningSince = s.now()
		s.setStateLocked(StateRunning, nil)
	}
	close(done)
	s.mu.Unlock()
	return err
}

// Stop drives running → stopping → stopped. Stop while starting waits for the
// start to settle first; Stop while stopping joins the in-flight attempt;
// Stop while stopped is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch s.state {
		case StateStopped:
			s.mu.Unlock()
			return nil
		case StateStarting:
			// Let the start settle, then take another look.
			done := s.inflight
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		case StateStopping:
			done := s.inflight
			s.mu.Unlock()
			return s.join(ctx, done)
		}

		done := make(chan struct{})
		s.inflight = done
		s.setStateLocked(StateStopping, nil)
		s.mu.Unlock()

		var err error
		if s.hooks.Stop != nil {
			err = s.hooks.Stop(ctx)
		}

		s.mu.Lock()
		s.inflightErr = err
		if err != nil {
			s.logger.Error("stop failed", "error", err)
		}
		s.setStateLocked(StateStopped, err)
		close(done)
		s.mu.Unlock()
		return err
	}
}

// join waits for an in-flight transition and reports its outcome.
func (s *Supervisor) join(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflightErr
}

// setStateLocked records the transition and notifies listeners. Callers hold
// mu; listeners run with the lock held, so they must not call back into the
// supervisor.
func (s *Supervisor) setStateLocked(state State, err error) {
	s.state = state
	s.lastErr = err
	event := Event{State: state, Err: err, Timestamp: s.now()}
	s.logger.Info("state change", "state", state)
	for _, reg := range s.listeners {
		reg.fn(event)
	}
}
