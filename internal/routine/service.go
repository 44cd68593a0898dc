package routine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

// Config holds the tunables of the engine.
type Config struct {
	// HorizonDays is the forward window materialized from today (inclusive).
	HorizonDays int
	// DisableSeeding stops Enroll from seeding DefaultRules when no active rule exists.
	DisableSeeding bool
}

func (c Config) withDefaults() Config {
	if c.HorizonDays <= 0 {
		c.HorizonDays = DefaultHorizonDays
	}
	return c
}

// BatchResult summarizes a MaterializeAll run.
type BatchResult struct {
	ClientsProcessed int
	Created          int
	Existing         int
	Failed           int
}

// Service is the engine facade consumed by the surrounding application.
type Service struct {
	store  Store
	clock  Clock
	log    logx.Logger
	audits Auditor
	bus    eventbus.Bus
	pick   func() Variant

	mat  *Materializer
	life *Lifecycle

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Service)

func WithClock(c Clock) Option         { return func(s *Service) { s.clock = c } }
func WithLogger(l logx.Logger) Option  { return func(s *Service) { s.log = l } }
func WithAuditor(a Auditor) Option     { return func(s *Service) { s.audits = a } }
func WithEvents(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }
func WithVariantPicker(f func() Variant) Option {
	return func(s *Service) { s.pick = f }
}

func NewService(store Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		store: store,
		clock: SystemClock{},
		cfg:   cfg.withDefaults(),
		pick:  RandomVariant,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.mat = NewMaterializer(store, s.log.Component("materializer"))
	s.mat.now = s.clock.Now
	s.life = NewLifecycle(store, s.log.Component("lifecycle"))
	s.life.now = s.clock.Now
	return s
}

// Apply swaps the engine config. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Today exposes the engine clock's date.
func (s *Service) Today() Date { return s.clock.Today() }

// MaterializeForEnrollment extends one enrollment's task window from today.
// Paused and cancelled enrollments produce nothing.
func (s *Service) MaterializeForEnrollment(ctx context.Context, enrollmentID string) (MaterializeResult, error) {
	e, err := s.store.FindEnrollment(ctx, enrollmentID)
	if err != nil {
		return MaterializeResult{}, lookupErr("enrollment", enrollmentID, "find enrollment", err)
	}
	rules, err := s.store.FindActiveRules(ctx)
	if err != nil {
		return MaterializeResult{}, storageErr("find active rules", err)
	}
	return s.materialize(ctx, e, rules)
}

func (s *Service) materialize(ctx context.Context, e Enrollment, rules []Rule) (MaterializeResult, error) {
	if e.Status != EnrollmentActive {
		return MaterializeResult{}, nil
	}
	res, err := s.mat.Materialize(ctx, e, rules, s.clock.Today(), s.config().HorizonDays)
	s.publish(eventbus.TypeClientMaterialized, map[string]any{
		"enrollment": e.ID,
		"created":    res.Created,
		"existing":   res.Existing,
		"ok":         err == nil,
	})
	return res, err
}

// ActiveEnrollments lists the enrollments the periodic driver iterates.
func (s *Service) ActiveEnrollments(ctx context.Context) ([]Enrollment, error) {
	es, err := s.store.FindActiveEnrollments(ctx)
	if err != nil {
		return nil, storageErr("find active enrollments", err)
	}
	return es, nil
}

// MaterializeAll materializes every active enrollment once. Each client is a
// unit: a failing client is counted and the run continues; cancellation is
// honored between clients. The returned error joins the per-client failures.
func (s *Service) MaterializeAll(ctx context.Context) (BatchResult, error) {
	start := time.Now()
	var out BatchResult

	enrollments, err := s.ActiveEnrollments(ctx)
	if err != nil {
		return out, err
	}
	rules, err := s.store.FindActiveRules(ctx)
	if err != nil {
		return out, storageErr("find active rules", err)
	}

	var errs []error
	for _, e := range enrollments {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := s.materialize(ctx, e, rules)
		out.ClientsProcessed++
		out.Created += res.Created
		out.Existing += res.Existing
		if err != nil {
			out.Failed++
			errs = append(errs, fmt.Errorf("enrollment %s: %w", e.ID, err))
			s.log.Warn("enrollment materialization failed", logx.String("enrollment", e.ID), logx.Err(err))
		}
	}

	s.log.Info("batch materialization finished",
		logx.Int("clients", out.ClientsProcessed),
		logx.Int("created", out.Created),
		logx.Int("failed", out.Failed),
		logx.Duration("took", time.Since(start)),
	)
	s.publish(eventbus.TypeBatchCompleted, out)
	return out, errors.Join(errs...)
}

// CompleteTask marks a task done by actorName. Repeated calls succeed and
// keep the first completion time.
func (s *Service) CompleteTask(ctx context.Context, taskID, actorName string) (Task, error) {
	start := time.Now()
	t, err := s.life.Complete(ctx, taskID, actorName)
	s.afterTransition(ctx, actorName, "task.complete", taskID, t, start, err)
	return t, err
}

func (s *Service) SkipTask(ctx context.Context, taskID, notes string) (Task, error) {
	start := time.Now()
	t, err := s.life.Skip(ctx, taskID, notes)
	s.afterTransition(ctx, "", "task.skip", taskID, t, start, err)
	return t, err
}

func (s *Service) ReopenTask(ctx context.Context, taskID string) (Task, error) {
	start := time.Now()
	t, err := s.life.Reopen(ctx, taskID)
	s.afterTransition(ctx, "", "task.reopen", taskID, t, start, err)
	return t, err
}

func (s *Service) afterTransition(ctx context.Context, actor, action, taskID string, t Task, start time.Time, err error) {
	s.audit(ctx, actor, action, taskID, start, err)
	if err == nil {
		s.publish(eventbus.TypeTaskTransition, map[string]any{"task": t.ID, "action": action, "status": string(t.Status)})
	}
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, taskID string) (Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, lookupErr("task", taskID, "get task", err)
	}
	return t, nil
}

// ListTasks returns the tasks matching filter.
func (s *Service) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	ts, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	return ts, nil
}

// ComplianceSnapshot builds the compliance report for one enrollment, or the
// whole fleet when enrollmentID is empty. today is supplied by the caller.
func (s *Service) ComplianceSnapshot(ctx context.Context, enrollmentID string, today Date) (ComplianceReport, error) {
	if today.IsZero() {
		return ComplianceReport{}, invalid("today", "is required")
	}
	if enrollmentID != "" {
		if _, err := s.store.FindEnrollment(ctx, enrollmentID); err != nil {
			return ComplianceReport{}, lookupErr("enrollment", enrollmentID, "find enrollment", err)
		}
	}
	tasks, err := s.ListTasks(ctx, TaskFilter{EnrollmentID: enrollmentID})
	if err != nil {
		return ComplianceReport{}, err
	}
	return BuildReport(tasks, enrollmentID, today), nil
}

func (s *Service) audit(ctx context.Context, actor, action, target string, start time.Time, err error) {
	if s.audits == nil {
		return
	}
	e := AuditEntry{
		At:     s.clock.Now(),
		Actor:  actor,
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.audits.AppendAudit(ctx, e); aerr != nil {
		s.log.Debug("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}
