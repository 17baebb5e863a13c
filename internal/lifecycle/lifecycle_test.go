package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStartStopHappyPath(t *testing.T) {
	var started, stopped bool
	s := New(Hooks{
		Start: func(context.Context) error { started = true; return nil },
		Stop:  func(context.Context) error { stopped = true; return nil },
	})

	if s.State() != StateStopped {
		t.Fatalf("initial state = %q", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started || s.State() != StateRunning {
		t.Fatalf("started = %v, state = %q", started, s.State())
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stopped || s.State() != StateStopped {
		t.Fatalf("stopped = %v, state = %q", stopped, s.State())
	}
}

func TestStartFailureReturnsToStopped(t *testing.T) {
	boom := errors.New("boom")
	s := New(Hooks{Start: func(context.Context) error { return boom }})

	if err := s.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start err = %v, want boom", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state after failed start = %q, want stopped", s.State())
	}
	if !errors.Is(s.LastError(), boom) {
		t.Fatalf("LastError = %v, want boom", s.LastError())
	}
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	calls := 0
	s := New(Hooks{Start: func(context.Context) error { calls++; return nil }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if calls != 1 {
		t.Fatalf("start hook ran %d times, want 1", calls)
	}
}

func TestConcurrentStartJoinsInflight(t *testing.T) {
	release := make(chan struct{})
	calls := 0
	s := New(Hooks{Start: func(context.Context) error {
		calls++
		<-release
		return nil
	}})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(context.Background())
		}(i)
	}

	waitForState(t, s, StateStarting)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Start[%d]: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("start hook ran %d times, want 1", calls)
	}
	if s.State() != StateRunning {
		t.Fatalf("state = %q, want running", s.State())
	}
}

func TestStartWhileStoppingFailsFast(t *testing.T) {
	release := make(chan struct{})
	s := New(Hooks{Stop: func(context.Context) error {
		<-release
		return nil
	}})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.Stop(context.Background()) }()
	waitForState(t, s, StateStopping)

	if err := s.Start(context.Background()); !errors.Is(err, ErrStartWhileStopping) {
		t.Fatalf("Start while stopping = %v, want ErrStartWhileStopping", err)
	}

	close(release)
	if err := <-stopDone; err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopWhileStartingWaitsForStart(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	s := New(Hooks{
		Start: func(context.Context) error {
			<-release
			record("start")
			return nil
		},
		Stop: func(context.Context) error {
			record("stop")
			return nil
		},
	})

	go s.Start(context.Background())
	waitForState(t, s, StateStarting)

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.Stop(context.Background()) }()

	close(release)
	if err := <-stopDone; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "start" || order[1] != "stop" {
		t.Fatalf("order = %v, want [start stop]", order)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %q, want stopped", s.State())
	}
}

func TestListenersSeeEveryTransition(t *testing.T) {
	s := New(Hooks{})
	var events []State
	unsubscribe := s.Subscribe(func(e Event) { events = append(events, e.State) })

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}

	unsubscribe()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if len(events) != len(want) {
		t.Fatal("unsubscribed listener still notified")
	}
}

func TestListenersFireInRegistrationOrder(t *testing.T) {
	s := New(Hooks{})
	const n = 50
	var order []int
	for i := 0; i < n; i++ {
		i := i
		s.Subscribe(func(Event) { order = append(order, i) })
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Two transitions (starting, running), each notifying all n in order.
	if len(order) != 2*n {
		t.Fatalf("got %d notifications, want %d", len(order), 2*n)
	}
	for i, got := range order {
		if got != i%n {
			t.Fatalf("order[%d] = %d, want %d (full order %v)", i, got, i%n, order)
		}
	}
}

func TestUptime(t *testing.T) {
	clock := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s := New(Hooks{}, WithNow(func() time.Time { return clock }))

	if _, ok := s.Uptime(); ok {
		t.Fatal("uptime reported while stopped")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock = clock.Add(90 * time.Second)
	uptime, ok := s.Uptime()
	if !ok || uptime != 90*time.Second {
		t.Fatalf("uptime = %v, %v; want 90s", uptime, ok)
	}
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q (current %q)", want, s.State())
}
