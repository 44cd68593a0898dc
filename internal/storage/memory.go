package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cadence/internal/routine"
)

const memoryAuditMax = 1000

// Memory is a process-local Store. All methods are safe for concurrent use;
// the mutex is what makes UpsertTaskIfAbsent atomic on the natural key.
type Memory struct {
	mu          sync.RWMutex
	rules       map[string]routine.Rule
	enrollments map[string]routine.Enrollment
	tasks       map[string]routine.Task
	byKey       map[routine.TaskKey]string
	audit       []routine.AuditEntry
	closed      bool
}

func NewMemory() *Memory {
	return &Memory{
		rules:       map[string]routine.Rule{},
		enrollments: map[string]routine.Enrollment{},
		tasks:       map[string]routine.Task{},
		byKey:       map[routine.TaskKey]string{},
	}
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) FindActiveRules(ctx context.Context) ([]routine.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]routine.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	routine.SortRules(out)
	return out, nil
}

func (m *Memory) ListRules(ctx context.Context) ([]routine.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]routine.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	routine.SortRules(out)
	return out, nil
}

func (m *Memory) GetRule(ctx context.Context, id string) (routine.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return routine.Rule{}, err
	}
	r, ok := m.rules[id]
	if !ok {
		return routine.Rule{}, routine.ErrNotFound
	}
	return r, nil
}

func (m *Memory) PutRule(ctx context.Context, r routine.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) InsertRuleIfAbsent(ctx context.Context, r routine.Rule) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	if _, ok := m.rules[r.ID]; ok {
		return false, nil
	}
	m.rules[r.ID] = r
	return true, nil
}

func (m *Memory) FindEnrollment(ctx context.Context, id string) (routine.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return routine.Enrollment{}, err
	}
	e, ok := m.enrollments[id]
	if !ok {
		return routine.Enrollment{}, routine.ErrNotFound
	}
	return copyEnrollment(e), nil
}

func (m *Memory) FindActiveEnrollments(ctx context.Context) ([]routine.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]routine.Enrollment, 0, len(m.enrollments))
	for _, e := range m.enrollments {
		if e.Status == routine.EnrollmentActive {
			out = append(out, copyEnrollment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateEnrollment(ctx context.Context, e routine.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.enrollments[e.ID]; ok {
		return fmt.Errorf("enrollment %q already exists", e.ID)
	}
	m.enrollments[e.ID] = copyEnrollment(e)
	return nil
}

// UpdateEnrollmentStatus changes only status and updatedAt; the variant is never rewritten.
func (m *Memory) UpdateEnrollmentStatus(ctx context.Context, id string, status routine.EnrollmentStatus, updatedAt time.Time) (routine.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return routine.Enrollment{}, err
	}
	e, ok := m.enrollments[id]
	if !ok {
		return routine.Enrollment{}, routine.ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = updatedAt
	m.enrollments[id] = e
	return copyEnrollment(e), nil
}

func (m *Memory) UpsertTaskIfAbsent(ctx context.Context, key routine.TaskKey, f routine.TaskFields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	if _, ok := m.byKey[key]; ok {
		return false, nil
	}
	if strings.TrimSpace(f.ID) == "" {
		return false, fmt.Errorf("task id is required")
	}
	if _, ok := m.tasks[f.ID]; ok {
		return false, fmt.Errorf("task id %q already used", f.ID)
	}
	m.tasks[f.ID] = routine.Task{
		ID:           f.ID,
		EnrollmentID: key.EnrollmentID,
		RuleID:       key.RuleID,
		DueDate:      key.DueDate,
		Status:       routine.TaskPending,
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.CreatedAt,
	}
	m.byKey[key] = f.ID
	return true, nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (routine.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return routine.Task{}, err
	}
	t, ok := m.tasks[id]
	if !ok {
		return routine.Task{}, routine.ErrNotFound
	}
	return copyTask(t), nil
}

func (m *Memory) UpdateTaskStatus(ctx context.Context, id string, from routine.TaskStatus, upd routine.TaskUpdate) (routine.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return routine.Task{}, err
	}
	t, ok := m.tasks[id]
	if !ok {
		return routine.Task{}, routine.ErrNotFound
	}
	if t.Status != from {
		return routine.Task{}, routine.ErrStatusChanged
	}
	t.Status = upd.Status
	t.CompletedAt = copyTime(upd.CompletedAt)
	t.CompletedByName = upd.CompletedByName
	t.Notes = upd.Notes
	t.UpdatedAt = upd.UpdatedAt
	m.tasks[id] = t
	return copyTask(t), nil
}

func (m *Memory) ListTasks(ctx context.Context, f routine.TaskFilter) ([]routine.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]routine.Task, 0)
	for _, t := range m.tasks {
		if f.Match(t) {
			out = append(out, copyTask(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e routine.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	if len(m.audit) > memoryAuditMax {
		m.audit = m.audit[len(m.audit)-memoryAuditMax:]
	}
	return nil
}

// Audit returns a copy of the retained audit entries, oldest first.
func (m *Memory) Audit() []routine.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]routine.AuditEntry(nil), m.audit...)
}

// sortTasks orders by due date, then enrollment, rule and id.
func sortTasks(ts []routine.Task) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c < 0
		}
		if a.EnrollmentID != b.EnrollmentID {
			return a.EnrollmentID < b.EnrollmentID
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.ID < b.ID
	})
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyTask(t routine.Task) routine.Task {
	t.CompletedAt = copyTime(t.CompletedAt)
	return t
}

func copyEnrollment(e routine.Enrollment) routine.Enrollment {
	if e.MonthlyValue != nil {
		v := *e.MonthlyValue
		e.MonthlyValue = &v
	}
	return e
}
