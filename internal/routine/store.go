package routine

import (
	"context"
	"time"
)

// Store is the persistence port consumed by the engine.
//
// Contract:
//   - Lookups of unknown ids return ErrNotFound (possibly wrapped).
//   - UpsertTaskIfAbsent is insert-if-absent on TaskKey and never modifies an
//     existing row; created reports whether a row was inserted.
//   - UpdateTaskStatus writes only when the row's current status equals from,
//     otherwise it returns ErrStatusChanged.
//   - Implementations must be safe for concurrent use.
type Store interface {
	FindActiveRules(ctx context.Context) ([]Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, id string) (Rule, error)
	PutRule(ctx context.Context, r Rule) error
	InsertRuleIfAbsent(ctx context.Context, r Rule) (created bool, err error)

	FindEnrollment(ctx context.Context, id string) (Enrollment, error)
	FindActiveEnrollments(ctx context.Context) ([]Enrollment, error)
	CreateEnrollment(ctx context.Context, e Enrollment) error
	// UpdateEnrollmentStatus sets status and updatedAt; nothing else changes.
	UpdateEnrollmentStatus(ctx context.Context, id string, status EnrollmentStatus, updatedAt time.Time) (Enrollment, error)

	UpsertTaskIfAbsent(ctx context.Context, key TaskKey, fields TaskFields) (created bool, err error)
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTaskStatus(ctx context.Context, id string, from TaskStatus, upd TaskUpdate) (Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
}
