// Package routine is the recurring task scheduling engine.
//
// It turns recurrence rules into dated task instances per enrolled client:
//   - DueDates computes, purely, the dates a rule is due for a client.
//   - Materializer upserts those dates as tasks, insert-if-absent on
//     (enrollment, rule, due date), so repeated runs are idempotent.
//   - Lifecycle moves tasks between pending, done and skipped.
//   - BuildReport and friends derive compliance figures from a task snapshot.
//   - Service ties them together over a Store and a Clock.
//
// Persistence lives behind Store; see internal/storage for implementations.
package routine
