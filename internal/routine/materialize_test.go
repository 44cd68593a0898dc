package routine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cadence/internal/routine"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

// With variant A enrolled on Monday 2024-01-01 and a 14 day horizon the
// default rules yield: 15 daily, 5 weekly/2 (Mon+Thu), 3 weekly/1,
// 1 biweekly (Wed 3rd), 1 monthly (Mon 1st).
const defaultWindowTasks = 25

func TestEnrollMaterializesInitialWindow(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, storage.NewMemory(), routine.FixedClock{At: monday})

	e, res, err := svc.Enroll(context.Background(), routine.EnrollInput{CompanyName: "Acme", ResponsibleName: "Ana"})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if e.Status != routine.EnrollmentActive || e.Variant != routine.VariantA || e.StartDate != routine.MustDate("2024-01-01") {
		t.Fatalf("enrollment = %+v", e)
	}
	if res.Created != defaultWindowTasks || res.Existing != 0 {
		t.Fatalf("result = %+v, want %d created", res, defaultWindowTasks)
	}
	for _, task := range tasksOf(t, svc, routine.TaskFilter{EnrollmentID: e.ID}) {
		if task.Status != routine.TaskPending {
			t.Fatalf("new task %s has status %s", task.ID, task.Status)
		}
		if !task.DueDate.Within(routine.MustDate("2024-01-01"), routine.MustDate("2024-01-15")) {
			t.Fatalf("task %s due %s outside window", task.ID, task.DueDate)
		}
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, storage.NewMemory(), routine.FixedClock{At: monday})
	e := enroll(t, svc, "Acme")

	before := tasksOf(t, svc, routine.TaskFilter{})
	res, err := svc.MaterializeForEnrollment(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.Created != 0 || res.Existing != defaultWindowTasks {
		t.Fatalf("second run = %+v", res)
	}
	after := tasksOf(t, svc, routine.TaskFilter{})
	if len(after) != len(before) {
		t.Fatalf("task count changed: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i].ID != before[i].ID {
			t.Fatalf("task ids changed at %d", i)
		}
	}
}

func TestMaterializeDoesNotTouchCompletedTasks(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, storage.NewMemory(), routine.FixedClock{At: monday})
	e := enroll(t, svc, "Acme")
	ctx := context.Background()

	first := tasksOf(t, svc, routine.TaskFilter{EnrollmentID: e.ID})[0]
	if _, err := svc.CompleteTask(ctx, first.ID, "Ana"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := svc.MaterializeForEnrollment(ctx, e.ID); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	got, err := svc.GetTask(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != routine.TaskDone || got.CompletedByName != "Ana" {
		t.Fatalf("completed task was modified: %+v", got)
	}
}

func TestMaterializeConcurrentRunsCreateEachTaskOnce(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	svc := newTestService(t, store, routine.FixedClock{At: monday})
	ctx := context.Background()
	if _, err := svc.SeedDefaultRulesIfEmpty(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := routine.Enrollment{ID: "e1", CompanyName: "Acme", Status: routine.EnrollmentActive, Variant: routine.VariantA, StartDate: routine.MustDate("2024-01-01")}
	if err := store.CreateEnrollment(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.MaterializeForEnrollment(ctx, e.ID)
			if err != nil {
				t.Errorf("materialize: %v", err)
				return
			}
			mu.Lock()
			created += res.Created
			mu.Unlock()
		}()
	}
	wg.Wait()
	if created != defaultWindowTasks {
		t.Fatalf("created across runs = %d, want %d", created, defaultWindowTasks)
	}
	if n := len(tasksOf(t, svc, routine.TaskFilter{})); n != defaultWindowTasks {
		t.Fatalf("stored tasks = %d", n)
	}
}

func TestMaterializeSkipsInvalidRules(t *testing.T) {
	t.Parallel()
	m := routine.NewMaterializer(storage.NewMemory(), logx.Nop())
	rules := []routine.Rule{
		{ID: "bad", Title: "bad", Frequency: routine.FrequencyWeekly, OccurrencesPerPeriod: 5, Active: true},
		{ID: "good", Title: "good", Frequency: routine.FrequencyDaily, OccurrencesPerPeriod: 1, Active: true},
		{ID: "inactive", Title: "off", Frequency: routine.FrequencyDaily, OccurrencesPerPeriod: 1, Active: false},
	}
	e := testClient(routine.VariantA, "2024-01-01")
	res, err := m.Materialize(context.Background(), e, rules, routine.MustDate("2024-01-01"), 6)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.InvalidRules != 1 || res.Created != 7 {
		t.Fatalf("result = %+v", res)
	}
}

func TestMaterializeStorageErrorIsRetryable(t *testing.T) {
	t.Parallel()
	m := routine.NewMaterializer(failingStore{Store: storage.NewMemory(), enrollmentID: "e"}, logx.Nop())
	rules := []routine.Rule{testRule(routine.FrequencyDaily, 1, 0)}
	_, err := m.Materialize(context.Background(), testClient(routine.VariantA, "2024-01-01"), rules, routine.MustDate("2024-01-01"), 3)
	if !errors.Is(err, routine.ErrStorage) || !errors.Is(err, errInjected) {
		t.Fatalf("err = %v", err)
	}
	if !routine.Retryable(err) {
		t.Fatalf("storage failure should be retryable")
	}
}

func TestMaterializeSkipsPausedEnrollment(t *testing.T) {
	t.Parallel()
	clock := newStepClock(monday)
	svc := newTestService(t, storage.NewMemory(), clock)
	ctx := context.Background()
	e := enroll(t, svc, "Acme")
	if _, err := svc.Pause(ctx, e.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	clock.Advance(7 * 24 * time.Hour)
	res, err := svc.MaterializeForEnrollment(ctx, e.ID)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if res.Created != 0 || res.Existing != 0 {
		t.Fatalf("paused enrollment materialized: %+v", res)
	}
}

func TestMaterializeAllContinuesPastFailedClient(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	ctx := context.Background()
	base := newTestService(t, mem, routine.FixedClock{At: monday})
	bad := enroll(t, base, "Broken")
	good := enroll(t, base, "Fine")

	svc := newTestService(t, failingStore{Store: mem, enrollmentID: bad.ID}, routine.FixedClock{At: monday.AddDate(0, 0, 3)})
	out, err := svc.MaterializeAll(ctx)
	if err == nil || !errors.Is(err, errInjected) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	if out.ClientsProcessed != 2 || out.Failed != 1 {
		t.Fatalf("batch = %+v", out)
	}
	// Three more days of horizon for the healthy client.
	if out.Created == 0 {
		t.Fatalf("healthy client %s got no new tasks: %+v", good.ID, out)
	}
}

func TestMaterializeAllHonorsCancellation(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, storage.NewMemory(), routine.FixedClock{At: monday})
	enroll(t, svc, "Acme")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.MaterializeAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
