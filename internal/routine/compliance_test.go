package routine_test

import (
	"context"
	"errors"
	"testing"

	"cadence/internal/routine"
	"cadence/internal/storage"
)

func task(id, enr, due string, status routine.TaskStatus) routine.Task {
	return routine.Task{ID: id, EnrollmentID: enr, RuleID: "r", DueDate: routine.MustDate(due), Status: status}
}

func TestRate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		completed, due int
		want           float64
	}{
		{0, 0, 0},
		{3, 0, 0},
		{0, 4, 0},
		{1, 4, 25},
		{4, 4, 100},
		{5, 4, 100},
	}
	for _, tc := range cases {
		if got := routine.Rate(tc.completed, tc.due); got != tc.want {
			t.Fatalf("Rate(%d, %d) = %v, want %v", tc.completed, tc.due, got, tc.want)
		}
	}
}

func TestWeekStatsCountsSkippedAsDue(t *testing.T) {
	t.Parallel()
	// Wednesday 2024-01-10; its ISO week is Mon 8th .. Sun 14th.
	today := routine.MustDate("2024-01-10")
	tasks := []routine.Task{
		task("a", "e1", "2024-01-07", routine.TaskDone), // previous week
		task("b", "e1", "2024-01-08", routine.TaskDone),
		task("c", "e1", "2024-01-09", routine.TaskSkipped),
		task("d", "e1", "2024-01-12", routine.TaskPending),
		task("e", "e1", "2024-01-14", routine.TaskDone),
		task("f", "e1", "2024-01-15", routine.TaskDone), // next week
	}
	w := routine.WeekStatsFor(tasks, today)
	if w.WeekStart != routine.MustDate("2024-01-08") {
		t.Fatalf("week start = %s", w.WeekStart)
	}
	if w.Due != 4 || w.Completed != 2 || w.ComplianceRate != 50 {
		t.Fatalf("week = %+v", w)
	}
}

func TestWeekStatsEmptyWeek(t *testing.T) {
	t.Parallel()
	w := routine.WeekStatsFor(nil, routine.MustDate("2024-01-10"))
	if w.Due != 0 || w.ComplianceRate != 0 {
		t.Fatalf("empty week = %+v", w)
	}
}

func TestTodayStats(t *testing.T) {
	t.Parallel()
	today := routine.MustDate("2024-01-10")
	tasks := []routine.Task{
		task("a", "e1", "2024-01-10", routine.TaskDone),
		task("b", "e2", "2024-01-10", routine.TaskPending),
		task("c", "e2", "2024-01-10", routine.TaskSkipped),
		task("d", "e2", "2024-01-11", routine.TaskDone),
	}
	got := routine.TodayStats(tasks, today)
	if got.Due != 3 || got.Completed != 1 {
		t.Fatalf("today = %+v", got)
	}
}

func TestOverdueExcludesTodayAndSkipped(t *testing.T) {
	t.Parallel()
	today := routine.MustDate("2024-01-10")
	tasks := []routine.Task{
		task("late2", "e1", "2024-01-09", routine.TaskPending),
		task("late1", "e1", "2024-01-02", routine.TaskPending),
		task("skipped", "e1", "2024-01-03", routine.TaskSkipped),
		task("done", "e1", "2024-01-04", routine.TaskDone),
		task("today", "e1", "2024-01-10", routine.TaskPending),
	}
	got := routine.Overdue(tasks, today)
	if len(got) != 2 || got[0].ID != "late1" || got[1].ID != "late2" {
		t.Fatalf("overdue = %+v", got)
	}
}

func TestBuildReportFleet(t *testing.T) {
	t.Parallel()
	today := routine.MustDate("2024-01-10")
	tasks := []routine.Task{
		task("a", "e2", "2024-01-08", routine.TaskDone),
		task("b", "e2", "2024-01-09", routine.TaskPending),
		task("c", "e1", "2024-01-10", routine.TaskDone),
	}
	rep := routine.BuildReport(tasks, "", today)
	if rep.Week.Due != 3 || rep.Week.Completed != 2 || rep.OverdueCount != 1 {
		t.Fatalf("fleet = %+v", rep)
	}
	if len(rep.Clients) != 2 || rep.Clients[0].EnrollmentID != "e1" || rep.Clients[0].ComplianceRate != 100 {
		t.Fatalf("clients = %+v", rep.Clients)
	}
	if rep.Clients[1].ComplianceRate != 50 || rep.Clients[1].Overdue != 1 {
		t.Fatalf("e2 = %+v", rep.Clients[1])
	}
	if got := routine.ClientComplianceRate(tasks, "e2", today); got != 50 {
		t.Fatalf("ClientComplianceRate = %v", got)
	}
}

func TestComplianceSnapshotAfterSkip(t *testing.T) {
	t.Parallel()
	clock := newStepClock(monday)
	svc := newTestService(t, storage.NewMemory(), clock)
	ctx := context.Background()
	e := enroll(t, svc, "Acme")

	day2 := routine.MustDate("2024-01-02")
	before, err := svc.ComplianceSnapshot(ctx, e.ID, day2)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// Monday had daily, weekly/2, weekly/1 and monthly tasks.
	if before.OverdueCount != 4 {
		t.Fatalf("overdue before skip = %d", before.OverdueCount)
	}
	if _, err := svc.SkipTask(ctx, before.Overdue[0].ID, "handled offline"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	after, err := svc.ComplianceSnapshot(ctx, e.ID, day2)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if after.OverdueCount != 3 {
		t.Fatalf("overdue after skip = %d", after.OverdueCount)
	}
	if after.Week.Completed != 0 || after.Week.Due != before.Week.Due {
		t.Fatalf("skip changed week counts: %+v -> %+v", before.Week, after.Week)
	}
}

func TestComplianceSnapshotUnknownEnrollment(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, storage.NewMemory(), routine.FixedClock{At: monday})
	_, err := svc.ComplianceSnapshot(context.Background(), "nope", routine.MustDate("2024-01-02"))
	if !errors.Is(err, routine.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
