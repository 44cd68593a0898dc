package routine

import (
	"strings"
	"time"
)

type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	default:
		return false
	}
}

// Rule is a recurrence definition independent of any client.
type Rule struct {
	ID          string
	Title       string
	Description string
	Frequency   Frequency
	// OccurrencesPerPeriod is the number of instances per period. Only weekly
	// rules use it (1 or 2); other frequencies ignore it.
	OccurrencesPerPeriod int
	// DayOffset shifts the biweekly weekday relative to the client's anchor.
	DayOffset int
	Active    bool
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the rule definition.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return invalid("title", "is required")
	}
	if !r.Frequency.Valid() {
		return invalid("frequency", "unknown frequency %q", r.Frequency)
	}
	if r.OccurrencesPerPeriod < 1 {
		return invalid("occurrences_per_period", "must be >= 1, got %d", r.OccurrencesPerPeriod)
	}
	if r.Frequency == FrequencyWeekly && r.OccurrencesPerPeriod > 2 {
		return invalid("occurrences_per_period", "weekly rules support 1 or 2 occurrences, got %d", r.OccurrencesPerPeriod)
	}
	return nil
}

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentActive, EnrollmentPaused, EnrollmentCancelled:
		return true
	default:
		return false
	}
}

// Variant is a client's schedule phase class. It is fixed at enrollment.
type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
	VariantC Variant = "C"
	VariantD Variant = "D"
)

// Variants lists the assignable variants in phase order.
var Variants = []Variant{VariantA, VariantB, VariantC, VariantD}

// Phase returns the variant's weekday offset (0..3), or -1 when unknown.
func (v Variant) Phase() int {
	for i, x := range Variants {
		if x == v {
			return i
		}
	}
	return -1
}

func (v Variant) Valid() bool { return v.Phase() >= 0 }

// Enrollment is a client's participation in the recurring program.
type Enrollment struct {
	ID string
	// ExternalClientID links to a client record owned elsewhere. Opaque; may be empty.
	ExternalClientID string
	CompanyName      string
	ResponsibleName  string
	Status           EnrollmentStatus
	Variant          Variant
	StartDate        Date
	// MonthlyValue is informational, in minor currency units.
	MonthlyValue *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (e Enrollment) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return invalid("id", "is required")
	}
	if strings.TrimSpace(e.CompanyName) == "" {
		return invalid("company_name", "is required")
	}
	if !e.Status.Valid() {
		return invalid("status", "unknown status %q", e.Status)
	}
	if !e.Variant.Valid() {
		return invalid("schedule_variant", "unknown variant %q", e.Variant)
	}
	if e.StartDate.IsZero() {
		return invalid("start_date", "is required")
	}
	if e.MonthlyValue != nil && *e.MonthlyValue < 0 {
		return invalid("monthly_value", "must be >= 0")
	}
	return nil
}

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskSkipped TaskStatus = "skipped"
)

// TaskKey is a task's natural identity.
type TaskKey struct {
	EnrollmentID string
	RuleID       string
	DueDate      Date
}

func (k TaskKey) String() string { return k.EnrollmentID + "/" + k.RuleID + "/" + k.DueDate.String() }

// Task is one dated occurrence of a rule for one enrollment.
type Task struct {
	ID              string
	EnrollmentID    string
	RuleID          string
	DueDate         Date
	Status          TaskStatus
	CompletedAt     *time.Time
	CompletedByName string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (t Task) Key() TaskKey {
	return TaskKey{EnrollmentID: t.EnrollmentID, RuleID: t.RuleID, DueDate: t.DueDate}
}

// TaskFields are the initial values of a materialized task.
type TaskFields struct {
	ID        string
	CreatedAt time.Time
}

// TaskUpdate is the full post-transition state written by UpdateTaskStatus.
type TaskUpdate struct {
	Status          TaskStatus
	CompletedAt     *time.Time
	CompletedByName string
	Notes           string
	UpdatedAt       time.Time
}

// TaskFilter narrows ListTasks. Zero fields match everything; date bounds are inclusive.
type TaskFilter struct {
	EnrollmentID string
	Status       TaskStatus
	DueFrom      Date
	DueTo        Date
}

// Match reports whether t satisfies the filter.
func (f TaskFilter) Match(t Task) bool {
	if f.EnrollmentID != "" && t.EnrollmentID != f.EnrollmentID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.DueFrom.IsZero() && t.DueDate.Before(f.DueFrom) {
		return false
	}
	if !f.DueTo.IsZero() && t.DueDate.After(f.DueTo) {
		return false
	}
	return true
}
