package availability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/stylestore/internal/store"
	"github.com/jogardn/stylestore/internal/store/memory"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

type fakeTimer struct {
	scheduler *fakeScheduler
	delay     time.Duration
	fn        func()
	done      bool
}

func (t *fakeTimer) Stop() bool {
	t.scheduler.mutex.Lock()
	defer t.scheduler.mutex.Unlock()
	was := !t.done
	t.done = true
	return was
}

type fakeScheduler struct {
	mutex  sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t := &fakeTimer{scheduler: s, delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

// fireNext runs the oldest timer that is neither stopped nor fired.
func (s *fakeScheduler) fireNext() bool {
	s.mutex.Lock()
	var next *fakeTimer
	for _, t := range s.timers {
		if !t.done {
			next = t
			break
		}
	}
	if next != nil {
		next.done = true
	}
	s.mutex.Unlock()

	if next == nil {
		return false
	}
	next.fn()
	return true
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

func (s *fakeScheduler) pending() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.done {
			n++
		}
	}
	return n
}

type fakeDurable struct {
	*memory.Store

	mutex        sync.Mutex
	connectErr   error
	pingErr      error
	opErr        error
	connectCalls int
	closeCalls   int
	block        chan struct{}
	entered      chan struct{}
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{Store: memory.New()}
}

func (f *fakeDurable) Connect(ctx context.Context) error {
	f.mutex.Lock()
	f.connectCalls++
	block, entered, err := f.block, f.entered, f.connectErr
	f.mutex.Unlock()

	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-block
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (f *fakeDurable) Ping(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.pingErr
}

func (f *fakeDurable) Close(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeDurable) Host() string { return "fake:5432" }

func (f *fakeDurable) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	f.mutex.Lock()
	err := f.opErr
	f.mutex.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.GetOrder(ctx, id)
}

func (f *fakeDurable) set(fn func(f *fakeDurable)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	fn(f)
}

func (f *fakeDurable) calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.connectCalls
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestMonitor(durable store.Durable, sched Scheduler) *Monitor {
	return NewMonitor(durable, Config{
		Name:           "test",
		BaseDelay:      5 * time.Second,
		MaxAttempts:    5,
		ConnectTimeout: time.Second,
		Scheduler:      sched,
	}, testLogger())
}

var errRefused = errors.New("connection refused")

func TestBackoff(t *testing.T) {
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	for i, expected := range want {
		if got := Backoff(5*time.Second, i+1); got != expected {
			t.Errorf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
	if got := Backoff(5*time.Second, 0); got != 5*time.Second {
		t.Errorf("attempt 0 should clamp to base, got %s", got)
	}
}

func TestBackoffSequenceStopsAtCap(t *testing.T) {
	durable := newFakeDurable()
	durable.set(func(f *fakeDurable) { f.connectErr = errRefused })
	sched := &fakeScheduler{}
	m := newTestMonitor(durable, sched)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Expected initial connect to fail")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("Expected disconnected, got %s", m.State())
	}

	for i := 0; i < 5; i++ {
		if !sched.fireNext() {
			t.Fatalf("Expected reconnect %d to be scheduled", i+1)
		}
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	got := sched.delays()
	if len(got) != len(want) {
		t.Fatalf("Expected %d scheduled attempts, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attempt %d: expected delay %s, got %s", i+1, want[i], got[i])
		}
	}

	health := m.Health()
	if health.RetryAttempts != 5 {
		t.Errorf("Expected retryAttempts 5, got %d", health.RetryAttempts)
	}
	if health.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
	if health.Connected {
		t.Error("Expected connected=false")
	}
	if sched.pending() != 0 {
		t.Errorf("Expected no 6th automatic attempt, %d pending", sched.pending())
	}
	if sched.fireNext() {
		t.Error("Expected nothing left to fire")
	}
	if calls := durable.calls(); calls != 6 {
		t.Errorf("Expected 6 connect calls (initial + 5 retries), got %d", calls)
	}
}

func TestPeriodicCheckResetsAttempts(t *testing.T) {
	durable := newFakeDurable()
	durable.set(func(f *fakeDurable) { f.connectErr = errRefused })
	sched := &fakeScheduler{}
	m := newTestMonitor(durable, sched)
	ctx := context.Background()

	m.Start(ctx)
	for sched.fireNext() {
	}

	m.Check(ctx)

	if calls := durable.calls(); calls != 7 {
		t.Errorf("Expected periodic check to force an attempt, %d connect calls", calls)
	}
	if got := m.Health().RetryAttempts; got != 1 {
		t.Errorf("Expected retryAttempts reset to 1, got %d", got)
	}
	delays := sched.delays()
	if last := delays[len(delays)-1]; last != 10*time.Second {
		t.Errorf("Expected schedule to continue at 10s, got %s", last)
	}

	// A pending timer means the schedule is still running; the check stays out of its way.
	m.Check(ctx)
	if calls := durable.calls(); calls != 7 {
		t.Errorf("Expected no extra attempt while a timer is pending, %d connect calls", calls)
	}

	durable.set(func(f *fakeDurable) { f.connectErr = nil })
	sched.fireNext()

	if m.State() != StateConnected {
		t.Fatalf("Expected connected, got %s", m.State())
	}
	if got := m.Health().RetryAttempts; got != 0 {
		t.Errorf("Expected retryAttempts 0 after success, got %d", got)
	}
}

func TestCheckPingDetectsDrop(t *testing.T) {
	durable := newFakeDurable()
	sched := &fakeScheduler{}
	m := newTestMonitor(durable, sched)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Unexpected start error: %v", err)
	}

	m.Check(ctx)
	if m.State() != StateConnected {
		t.Fatalf("Expected healthy ping to keep connected, got %s", m.State())
	}

	durable.set(func(f *fakeDurable) { f.pingErr = store.Unavailable("ping", errRefused) })
	m.Check(ctx)

	if m.State() != StateDisconnected {
		t.Fatalf("Expected disconnected after failed ping, got %s", m.State())
	}
	if sched.pending() != 1 {
		t.Fatalf("Expected one reconnect scheduled, got %d", sched.pending())
	}
	if d := sched.delays()[0]; d != 5*time.Second {
		t.Errorf("Expected first delay 5s, got %s", d)
	}
}

func TestReportFailure(t *testing.T) {
	durable := newFakeDurable()
	sched := &fakeScheduler{}
	m := newTestMonitor(durable, sched)
	m.Start(context.Background())

	m.ReportFailure(errors.New("validation failed"))
	if m.State() != StateConnected {
		t.Fatalf("Non-connectivity errors must be ignored, got %s", m.State())
	}

	m.ReportFailure(store.Unavailable("get order", errRefused))
	m.ReportFailure(store.Unavailable("get order", errRefused))

	if m.State() != StateDisconnected {
		t.Fatalf("Expected disconnected, got %s", m.State())
	}
	if sched.pending() != 1 {
		t.Errorf("Expected exactly one pending reconnect, got %d", sched.pending())
	}
}

func TestManualReconnect(t *testing.T) {
	durable := newFakeDurable()
	durable.set(func(f *fakeDurable) { f.connectErr = errRefused })
	sched := &fakeScheduler{}
	m := newTestMonitor(durable, sched)
	ctx := context.Background()

	m.Start(ctx)
	if sched.pending() != 1 {
		t.Fatalf("Expected a scheduled reconnect, got %d", sched.pending())
	}

	if err := m.Reconnect(ctx); !errors.Is(err, errRefused) {
		t.Fatalf("Expected refused error, got %v", err)
	}
	if sched.pending() != 1 {
		t.Errorf("Expected failed manual attempt to reschedule once, got %d pending", sched.pending())
	}

	durable.set(func(f *fakeDurable) { f.connectErr = nil })
	if err := m.Reconnect(ctx); err != nil {
		t.Fatalf("Expected manual reconnect to succeed, got %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("Expected connected, got %s", m.State())
	}
	if sched.pending() != 0 {
		t.Errorf("Expected pending timer to be cancelled, got %d", sched.pending())
	}

	calls := durable.calls()
	if err := m.Reconnect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Expected ErrAlreadyConnected, got %v", err)
	}
	if durable.calls() != calls {
		t.Error("Reconnect while connected must not dial")
	}
}

func TestManualReconnectAfterCap(t *testing.T) {
	durable := newFakeDurable()
	durable.set(func(f *fakeDurable) { f.connectErr = errRefused })
	sched := &fakeScheduler{}
	m := newTestMonitor(durable, sched)
	ctx := context.Background()

	m.Start(ctx)
	for sched.fireNext() {
	}
	if got := m.Health().RetryAttempts; got != 5 {
		t.Fatalf("Expected the schedule to stop at 5 attempts, got %d", got)
	}

	for i := 0; i < 3; i++ {
		if err := m.Reconnect(ctx); !errors.Is(err, errRefused) {
			t.Fatalf("Expected refused error, got %v", err)
		}
	}
	if got := m.Health().RetryAttempts; got != 5 {
		t.Errorf("Manual attempts must not push retryAttempts past the cap, got %d", got)
	}
	if sched.pending() != 0 {
		t.Errorf("Expected no reconnect scheduled past the cap, got %d", sched.pending())
	}
}

func TestManualReconnectOutlivesCaller(t *testing.T) {
	durable := newFakeDurable()
	durable.set(func(f *fakeDurable) { f.connectErr = errRefused })
	sched := &fakeScheduler{}
	m := newTestMonitor(durable, sched)
	m.Start(context.Background())

	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	durable.set(func(f *fakeDurable) {
		f.block = block
		f.entered = entered
		f.connectErr = nil
	})

	callerCtx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- m.Reconnect(callerCtx) }()

	<-entered
	cancel()
	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected the caller to stop waiting, got %v", err)
	}

	close(block)
	deadline := time.Now().Add(time.Second)
	for m.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.State() != StateConnected {
		t.Fatalf("A caller going away must not fail the attempt, got %s", m.State())
	}
	if lastErr := m.Health().LastError; lastErr != "" {
		t.Errorf("Expected no recorded failure, got %q", lastErr)
	}
}

func TestStaleTimerIgnored(t *testing.T) {
	durable := newFakeDurable()
	durable.set(func(f *fakeDurable) { f.connectErr = errRefused })
	sched := &fakeScheduler{}
	m := newTestMonitor(durable, sched)
	ctx := context.Background()

	m.Start(ctx)
	stale := sched.timers[0].fn

	durable.set(func(f *fakeDurable) { f.connectErr = nil })
	m.Reconnect(ctx)
	calls := durable.calls()

	stale()
	if durable.calls() != calls {
		t.Error("A cancelled timer that fires late must not dial")
	}
}

func TestReconnectSingleFlight(t *testing.T) {
	durable := newFakeDurable()
	durable.set(func(f *fakeDurable) { f.connectErr = errRefused })
	sched := &fakeScheduler{}
	m := newTestMonitor(durable, sched)
	ctx := context.Background()
	m.Start(ctx)

	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	durable.set(func(f *fakeDurable) {
		f.block = block
		f.entered = entered
		f.connectErr = nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Reconnect(ctx); err != nil {
			t.Errorf("Expected in-flight reconnect to succeed, got %v", err)
		}
	}()
	<-entered

	if m.State() != StateConnecting {
		t.Errorf("Expected connecting, got %s", m.State())
	}
	if err := m.Reconnect(ctx); !errors.Is(err, ErrReconnectInProgress) {
		t.Errorf("Expected ErrReconnectInProgress, got %v", err)
	}
	m.Check(ctx)
	if calls := durable.calls(); calls != 2 {
		t.Errorf("Expected no overlapping attempts, %d connect calls", calls)
	}

	close(block)
	wg.Wait()

	if m.State() != StateConnected {
		t.Errorf("Expected connected, got %s", m.State())
	}
}

func TestStop(t *testing.T) {
	durable := newFakeDurable()
	durable.set(func(f *fakeDurable) { f.connectErr = errRefused })
	sched := &fakeScheduler{}
	m := newTestMonitor(durable, sched)
	ctx := context.Background()

	m.Start(ctx)
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Unexpected stop error: %v", err)
	}

	if m.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", m.State())
	}
	if sched.pending() != 0 {
		t.Errorf("Expected timers cancelled, got %d pending", sched.pending())
	}
	if durable.closeCalls != 1 {
		t.Errorf("Expected store closed once, got %d", durable.closeCalls)
	}

	calls := durable.calls()
	m.Check(ctx)
	if err := m.Reconnect(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	if durable.calls() != calls {
		t.Error("No attempts expected after stop")
	}
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Second stop should be a no-op, got %v", err)
	}
}

func TestHealthLoopStopsWithMonitor(t *testing.T) {
	durable := newFakeDurable()
	m := NewMonitor(durable, Config{
		Name:                "test",
		BaseDelay:           time.Hour,
		HealthCheckInterval: 10 * time.Millisecond,
		Scheduler:           &fakeScheduler{},
	}, testLogger())

	ctx := context.Background()
	m.Start(ctx)

	durable.set(func(f *fakeDurable) { f.pingErr = store.Unavailable("ping", errRefused) })

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateDisconnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("Expected health loop to detect the drop, got %s", m.State())
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		t.Fatalf("Unexpected stop error: %v", err)
	}
	if stopCtx.Err() != nil {
		t.Error("Stop should not wait for its deadline")
	}
}

func TestStateChangeCallback(t *testing.T) {
	durable := newFakeDurable()
	changes := make(chan State, 10)

	m := NewMonitor(durable, Config{
		Name:      "test",
		Scheduler: &fakeScheduler{},
		OnStateChange: func(name string, from State, to State) {
			changes <- to
		},
	}, testLogger())
	m.Start(context.Background())

	seen := map[State]bool{}
	timeout := time.After(time.Second)
	for !seen[StateConnected] || !seen[StateConnecting] {
		select {
		case s := <-changes:
			seen[s] = true
		case <-timeout:
			t.Fatalf("Expected connecting and connected callbacks, saw %v", seen)
		}
	}
}

func TestStateChangeCallbackOrder(t *testing.T) {
	for i := 0; i < 50; i++ {
		durable := newFakeDurable()
		durable.set(func(f *fakeDurable) { f.connectErr = errRefused })

		var mutex sync.Mutex
		var seen []State
		m := NewMonitor(durable, Config{
			Name:      "test",
			Scheduler: &fakeScheduler{},
			OnStateChange: func(name string, from State, to State) {
				if to == StateConnecting {
					time.Sleep(time.Millisecond)
				}
				mutex.Lock()
				seen = append(seen, to)
				mutex.Unlock()
			},
		}, testLogger())

		if err := m.Start(context.Background()); err == nil {
			t.Fatal("Expected the initial connect to fail")
		}

		deadline := time.Now().Add(time.Second)
		for {
			mutex.Lock()
			n := len(seen)
			mutex.Unlock()
			if n >= 2 || time.Now().After(deadline) {
				break
			}
			time.Sleep(time.Millisecond)
		}

		mutex.Lock()
		got := append([]State(nil), seen...)
		mutex.Unlock()

		want := []State{StateConnecting, StateDisconnected}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("Expected callbacks %v in order, got %v", want, got)
		}
		if got[len(got)-1] != m.State() {
			t.Errorf("Last callback %s does not match state %s", got[len(got)-1], m.State())
		}
	}
}

func TestStateChangeCallbackPanic(t *testing.T) {
	durable := newFakeDurable()
	m := NewMonitor(durable, Config{
		Name:      "test",
		Scheduler: &fakeScheduler{},
		OnStateChange: func(name string, from State, to State) {
			panic("boom")
		},
	}, testLogger())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Unexpected start error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if m.State() != StateConnected {
		t.Errorf("Monitor must survive a panicking callback, got %s", m.State())
	}
}

func TestOnAttempt(t *testing.T) {
	durable := newFakeDurable()
	durable.set(func(f *fakeDurable) { f.connectErr = errRefused })
	sched := &fakeScheduler{}

	var mutex sync.Mutex
	var failures, successes int
	m := NewMonitor(durable, Config{
		Name:      "test",
		Scheduler: sched,
		OnAttempt: func(name string, err error) {
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				failures++
			} else {
				successes++
			}
		},
	}, testLogger())

	m.Start(context.Background())
	durable.set(func(f *fakeDurable) { f.connectErr = nil })
	sched.fireNext()

	mutex.Lock()
	defer mutex.Unlock()
	if failures != 1 || successes != 1 {
		t.Errorf("Expected 1 failure and 1 success, got %d/%d", failures, successes)
	}

	metrics := m.Metrics()
	if metrics["total_attempts"].(int64) != 2 {
		t.Errorf("Expected 2 total attempts, got %v", metrics["total_attempts"])
	}
	if metrics["state"] != "connected" {
		t.Errorf("Expected connected in metrics, got %v", metrics["state"])
	}
}

func TestConfigDefaults(t *testing.T) {
	m := NewMonitor(newFakeDurable(), Config{}, testLogger())

	if m.name != "fake:5432" {
		t.Errorf("Expected name to default to host, got %s", m.name)
	}
	if m.baseDelay != 5*time.Second {
		t.Errorf("Expected base delay 5s, got %s", m.baseDelay)
	}
	if m.maxAttempts != 5 {
		t.Errorf("Expected 5 max attempts, got %d", m.maxAttempts)
	}
	if _, ok := m.scheduler.(clockScheduler); !ok {
		t.Error("Expected the clock scheduler by default")
	}

	m = NewMonitor(newFakeDurable(), Config{MaxAttempts: 500}, testLogger())
	if m.maxAttempts != 20 {
		t.Errorf("Expected attempts capped at 20, got %d", m.maxAttempts)
	}

	if StateDisconnecting.String() != "disconnecting" || State(99).String() != "unknown" {
		t.Error("Unexpected state names")
	}
}
