package routine

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "cadence/pkg/logx"
)

type action string

const (
	actionComplete action = "complete"
	actionSkip     action = "skip"
	actionReopen   action = "reopen"
)

// Lifecycle applies state transitions to task instances:
//
//	pending --complete--> done
//	pending --skip------> skipped
//	done    --reopen----> pending
//	skipped --reopen----> pending
//
// Repeating a transition that already happened is a no-op.
type Lifecycle struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func NewLifecycle(store Store, log logx.Logger) *Lifecycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lifecycle{store: store, log: log, now: time.Now}
}

// Complete marks a pending task done. Completing a done task returns it unchanged.
func (l *Lifecycle) Complete(ctx context.Context, taskID, actorName string) (Task, error) {
	actorName = strings.TrimSpace(actorName)
	if actorName == "" {
		return Task{}, invalid("actor_name", "is required")
	}
	return l.apply(ctx, taskID, actionComplete, func(t Task) (TaskUpdate, bool, error) {
		switch t.Status {
		case TaskDone:
			return TaskUpdate{}, false, nil
		case TaskPending:
			at := l.now()
			return TaskUpdate{Status: TaskDone, CompletedAt: &at, CompletedByName: actorName}, true, nil
		default:
			return TaskUpdate{}, false, conflict(t, actionComplete)
		}
	})
}

// Skip marks a pending task skipped with optional notes.
func (l *Lifecycle) Skip(ctx context.Context, taskID, notes string) (Task, error) {
	notes = strings.TrimSpace(notes)
	return l.apply(ctx, taskID, actionSkip, func(t Task) (TaskUpdate, bool, error) {
		switch t.Status {
		case TaskSkipped:
			return TaskUpdate{}, false, nil
		case TaskPending:
			return TaskUpdate{Status: TaskSkipped, Notes: notes}, true, nil
		default:
			return TaskUpdate{}, false, conflict(t, actionSkip)
		}
	})
}

// Reopen returns a done or skipped task to pending and clears completion data.
func (l *Lifecycle) Reopen(ctx context.Context, taskID string) (Task, error) {
	return l.apply(ctx, taskID, actionReopen, func(t Task) (TaskUpdate, bool, error) {
		switch t.Status {
		case TaskPending:
			return TaskUpdate{}, false, nil
		case TaskDone, TaskSkipped:
			return TaskUpdate{Status: TaskPending}, true, nil
		default:
			return TaskUpdate{}, false, conflict(t, actionReopen)
		}
	})
}

// decideFunc computes the update for the current task; write=false means no-op.
type decideFunc func(t Task) (upd TaskUpdate, write bool, err error)

// apply reads the task, decides, and writes conditionally on the status it
// read. If another writer got in between, it re-reads once and decides again.
func (l *Lifecycle) apply(ctx context.Context, taskID string, act action, decide decideFunc) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, invalid("task_id", "is required")
	}

	const attempts = 2
	for i := 0; ; i++ {
		cur, err := l.store.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, lookupErr("task", taskID, "get task", err)
		}
		upd, write, err := decide(cur)
		if err != nil {
			return Task{}, err
		}
		if !write {
			l.log.Debug("task transition is a no-op", logx.String("task", taskID), logx.String("action", string(act)), logx.String("status", string(cur.Status)))
			return cur, nil
		}
		upd.UpdatedAt = l.now()
		next, err := l.store.UpdateTaskStatus(ctx, taskID, cur.Status, upd)
		if err == nil {
			l.log.Debug("task transitioned",
				logx.String("task", taskID),
				logx.String("action", string(act)),
				logx.String("from", string(cur.Status)),
				logx.String("to", string(next.Status)),
			)
			return next, nil
		}
		if errors.Is(err, ErrStatusChanged) && i+1 < attempts {
			continue
		}
		if errors.Is(err, ErrStatusChanged) {
			return Task{}, &ConflictError{Kind: "task", ID: taskID, From: string(cur.Status), Action: string(act)}
		}
		return Task{}, lookupErr("task", taskID, "update task status", err)
	}
}

func conflict(t Task, act action) error {
	return &ConflictError{Kind: "task", ID: t.ID, From: string(t.Status), Action: string(act)}
}
