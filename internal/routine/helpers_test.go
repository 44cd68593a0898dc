package routine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cadence/internal/routine"
	"cadence/internal/storage"
)

var errInjected = errors.New("injected failure")

// stepClock is a settable Clock.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock(t time.Time) *stepClock { return &stepClock{t: t} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Today() routine.Date { return routine.DateOf(c.Now()) }

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// monday is 2024-01-01, a Monday.
var monday = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func fixedVariant(v routine.Variant) func() routine.Variant {
	return func() routine.Variant { return v }
}

func newTestService(t *testing.T, store routine.Store, clock routine.Clock, opts ...routine.Option) *routine.Service {
	t.Helper()
	opts = append([]routine.Option{routine.WithClock(clock), routine.WithVariantPicker(fixedVariant(routine.VariantA))}, opts...)
	return routine.NewService(store, routine.Config{HorizonDays: 14}, opts...)
}

func enroll(t *testing.T, svc *routine.Service, company string) routine.Enrollment {
	t.Helper()
	e, _, err := svc.Enroll(context.Background(), routine.EnrollInput{CompanyName: company, ResponsibleName: "Ana"})
	if err != nil {
		t.Fatalf("enroll %s: %v", company, err)
	}
	return e
}

func tasksOf(t *testing.T, svc *routine.Service, f routine.TaskFilter) []routine.Task {
	t.Helper()
	ts, err := svc.ListTasks(context.Background(), f)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return ts
}

func dates(ss ...string) []routine.Date {
	out := make([]routine.Date, len(ss))
	for i, s := range ss {
		out[i] = routine.MustDate(s)
	}
	return out
}

func sameDates(a, b []routine.Date) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// failingStore fails task upserts for one enrollment.
type failingStore struct {
	routine.Store
	enrollmentID string
}

func (s failingStore) UpsertTaskIfAbsent(ctx context.Context, key routine.TaskKey, f routine.TaskFields) (bool, error) {
	if key.EnrollmentID == s.enrollmentID {
		return false, errInjected
	}
	return s.Store.UpsertTaskIfAbsent(ctx, key, f)
}

// racingStore runs interfere against the underlying store right before the
// first conditional update, simulating a concurrent writer.
type racingStore struct {
	*storage.Memory
	once      sync.Once
	interfere func()
}

func (s *racingStore) UpdateTaskStatus(ctx context.Context, id string, from routine.TaskStatus, upd routine.TaskUpdate) (routine.Task, error) {
	s.once.Do(s.interfere)
	return s.Memory.UpdateTaskStatus(ctx, id, from, upd)
}
