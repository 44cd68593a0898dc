package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/routine"
	logx "cadence/pkg/logx"
)

type fakeEngine struct {
	mu          sync.Mutex
	enrollments []routine.Enrollment
	transient   map[string]int   // failures left before success
	permanent   map[string]error // always fails with this
	calls       map[string]int

	started chan struct{} // closed on first MaterializeForEnrollment when gate != nil
	gate    chan struct{}
	once    sync.Once
}

func newFakeEngine(ids ...string) *fakeEngine {
	f := &fakeEngine{transient: map[string]int{}, permanent: map[string]error{}, calls: map[string]int{}}
	for _, id := range ids {
		f.enrollments = append(f.enrollments, routine.Enrollment{ID: id, Status: routine.EnrollmentActive})
	}
	return f
}

func (f *fakeEngine) ActiveEnrollments(ctx context.Context) ([]routine.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]routine.Enrollment(nil), f.enrollments...), nil
}

func (f *fakeEngine) MaterializeForEnrollment(ctx context.Context, id string) (routine.MaterializeResult, error) {
	if f.gate != nil {
		f.once.Do(func() { close(f.started) })
		select {
		case <-f.gate:
		case <-ctx.Done():
			return routine.MaterializeResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if err, ok := f.permanent[id]; ok {
		return routine.MaterializeResult{}, err
	}
	if f.transient[id] > 0 {
		f.transient[id]--
		return routine.MaterializeResult{}, &routine.StorageError{Op: "upsert task", Err: errors.New("database is locked")}
	}
	return routine.MaterializeResult{Created: 2, Existing: 1}, nil
}

func (f *fakeEngine) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func newTestDriver(cfg Config, eng Engine) *Service {
	s := New(cfg, eng, logx.Nop(), nil)
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func TestRunOnceRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("e1", "e2")
	eng.transient["e1"] = 2
	s := newTestDriver(Config{RetryMax: 3}, eng)

	out, err := s.RunOnce(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.ClientsProcessed != 2 || out.Failed != 0 || out.Created != 4 || out.Existing != 2 {
		t.Fatalf("result = %+v", out)
	}
	if got := eng.callCount("e1"); got != 3 {
		t.Fatalf("e1 calls = %d, want 3", got)
	}
	h := s.Snapshot().History
	if len(h) != 1 || h[0].Retries != 2 || h[0].Trigger != TriggerManual {
		t.Fatalf("history = %+v", h)
	}
}

func TestRunOnceDoesNotRetryDomainErrors(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("e1", "e2")
	eng.permanent["e1"] = &routine.NotFoundError{Kind: "enrollment", ID: "e1"}
	s := newTestDriver(Config{RetryMax: 5}, eng)

	out, err := s.RunOnce(context.Background(), TriggerManual)
	if !errors.Is(err, routine.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if got := eng.callCount("e1"); got != 1 {
		t.Fatalf("e1 calls = %d, want 1", got)
	}
	if out.ClientsProcessed != 2 || out.Failed != 1 || eng.callCount("e2") != 1 {
		t.Fatalf("result = %+v", out)
	}
}

func TestRunOnceGivesUpAfterRetryBudget(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("e1")
	eng.transient["e1"] = 100
	s := newTestDriver(Config{RetryMax: 2}, eng)

	out, err := s.RunOnce(context.Background(), TriggerManual)
	if !errors.Is(err, routine.ErrStorage) {
		t.Fatalf("err = %v", err)
	}
	if got := eng.callCount("e1"); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if out.Failed != 1 {
		t.Fatalf("result = %+v", out)
	}
	if h := s.Snapshot().History; len(h) != 1 || h[0].Error == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestRunOnceSkipsOverlappingRun(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("e1")
	eng.gate = make(chan struct{})
	eng.started = make(chan struct{})
	s := newTestDriver(Config{}, eng)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background(), TriggerSchedule)
		done <- err
	}()
	<-eng.started

	if !s.Snapshot().Running {
		t.Fatalf("snapshot should report a running batch")
	}
	if _, err := s.RunOnce(context.Background(), TriggerManual); !errors.Is(err, ErrRunning) {
		t.Fatalf("overlapping run err = %v, want ErrRunning", err)
	}
	close(eng.gate)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := s.RunOnce(context.Background(), TriggerManual); err != nil {
		t.Fatalf("run after finish: %v", err)
	}
}

func TestRunOnceHonorsCancellation(t *testing.T) {
	t.Parallel()
	s := newTestDriver(Config{}, newFakeEngine("e1", "e2"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := s.RunOnce(ctx, TriggerManual)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if out.ClientsProcessed != 0 {
		t.Fatalf("processed clients after cancel: %+v", out)
	}
}

func TestRunOncePacedByRate(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("e1", "e2", "e3", "e4")
	s := newTestDriver(Config{RatePerSec: 1000}, eng)
	out, err := s.RunOnce(context.Background(), TriggerManual)
	if err != nil || out.ClientsProcessed != 4 {
		t.Fatalf("run = %+v, %v", out, err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	s := newTestDriver(Config{HistorySize: 3}, newFakeEngine("e1"))
	for i := 0; i < 5; i++ {
		if _, err := s.RunOnce(context.Background(), TriggerManual); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if n := len(s.Snapshot().History); n != 3 {
		t.Fatalf("history len = %d, want 3", n)
	}
}

func TestRunPublishesEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, "driver.")
	defer unsub()
	s := New(Config{}, newFakeEngine("e1"), logx.Nop(), bus)
	if _, err := s.RunOnce(context.Background(), TriggerManual); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case ev := <-ch:
		run, ok := ev.Data.(Run)
		if !ok || run.Clients != 1 {
			t.Fatalf("event data = %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no driver.run event")
	}
}

func TestStartRunsOnStartAndStops(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("e1")
	s := newTestDriver(Config{Enabled: true, Spec: "@every 1h", Timezone: "UTC", RunOnStart: true}, eng)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Snapshot().History) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("startup run did not happen")
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap := s.Snapshot()
	if snap.Next.IsZero() || snap.History[0].Trigger != TriggerStartup {
		t.Fatalf("snapshot = %+v", snap)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if !s.Snapshot().Next.IsZero() {
		t.Fatalf("stopped driver still reports a next trigger")
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := newTestDriver(Config{Enabled: true, Spec: "not a spec at all"}, newFakeEngine())
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected bad cron spec to fail")
	}
}

func TestApplyValidatesAndRestarts(t *testing.T) {
	t.Parallel()
	s := newTestDriver(Config{Enabled: true, Spec: "@every 1h", Timezone: "UTC"}, newFakeEngine())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	if err := s.Apply(Config{Enabled: true, Spec: "bogus!"}); err == nil {
		t.Fatalf("expected invalid spec to be rejected")
	}
	if got := s.Snapshot().Spec; got != "@every 1h" {
		t.Fatalf("spec after rejected apply = %q", got)
	}
	if err := s.Apply(Config{Enabled: true, Spec: "at:00:05", Timezone: "UTC"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap := s.Snapshot()
	if snap.Spec != "at:00:05" || snap.Next.IsZero() {
		t.Fatalf("snapshot after apply = %+v", snap)
	}
	if h, m := snap.Next.UTC().Hour(), snap.Next.UTC().Minute(); h != 0 || m != 5 {
		t.Fatalf("next = %s, want 00:05", snap.Next)
	}

	if err := s.Apply(Config{Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if !s.Snapshot().Next.IsZero() {
		t.Fatalf("disabled driver still scheduled")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}.withDefaults()
	for i := 0; i < 50; i++ {
		if d := backoffDelay(cfg, 1); d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("first retry delay = %s", d)
		}
		if d := backoffDelay(cfg, 10); d > time.Second {
			t.Fatalf("delay %s exceeds max", d)
		}
	}
}
