package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	eng Engine

	parser  cron.Parser
	c       *cron.Cron
	entryID cron.EntryID
	loc     *time.Location

	// base is the parent context of triggered runs; cancelled by Stop.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Bool

	hmu     sync.Mutex
	history []Run

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, eng Engine, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		eng:    eng,
		parser: cronParser,
		sleep:  sleepCtx,
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool { return s.config().Enabled }

// Start registers the trigger and, with RunOnStart, kicks off a first run.
// A disabled driver starts nothing; RunOnce still works.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if !s.cfg.Enabled {
		s.log.Info("driver disabled")
		return nil
	}
	if err := s.startCronLocked(); err != nil {
		return err
	}
	if s.cfg.RunOnStart {
		s.spawnLocked(TriggerStartup)
	}
	return nil
}

func (s *Service) schedule(spec string) (cron.Schedule, error) {
	ps, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	switch ps.Kind {
	case SpecCron:
		sched, err := s.parser.Parse(ps.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", ps.Cron, err)
		}
		return sched, nil
	case SpecInterval:
		return cron.Every(ps.Every), nil
	default:
		return nil, fmt.Errorf("unsupported spec kind")
	}
}

func (s *Service) startCronLocked() error {
	sched, err := s.schedule(s.cfg.Spec)
	if err != nil {
		return err
	}
	loc := loadLocation(s.cfg.Timezone, s.log)
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.entryID = c.Schedule(sched, cron.FuncJob(func() { s.fire(TriggerSchedule) }))
	c.Start()
	s.c, s.loc = c, loc

	next := c.Entry(s.entryID).Next
	s.log.Info("driver started",
		logx.String("spec", s.cfg.Spec),
		logx.String("tz", loc.String()),
		logx.Time("next", next),
	)
	return nil
}

// spawnLocked runs a trigger on its own goroutine, tracked for Stop.
func (s *Service) spawnLocked(tr Trigger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire(tr)
	}()
}

// fire runs one batch from a trigger. Overlapping triggers are skipped.
func (s *Service) fire(tr Trigger) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}
	_, err := s.RunOnce(base, tr)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunning):
		s.log.Debug("run skipped: previous run still in progress", logx.String("trigger", string(tr)))
	default:
		s.log.Warn("run finished with errors", logx.String("trigger", string(tr)), logx.Err(err))
	}
}

// Stop halts the trigger, cancels in-flight runs and waits for them (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entryID = 0
	cancel := s.cancel
	s.base, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("driver stop timed out", logx.Err(ctx.Err()))
	}
	s.log.Info("driver stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the config. A changed spec, timezone or enabled flag restarts
// the trigger; in-flight runs continue with the old settings.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	if cfg.Enabled {
		if _, err := s.schedule(cfg.Spec); err != nil {
			return err
		}
	}
	s.cfg = cfg
	if s.base == nil {
		return nil
	}
	restart := old.Enabled != cfg.Enabled ||
		strings.TrimSpace(old.Spec) != strings.TrimSpace(cfg.Spec) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !restart {
		return nil
	}
	if s.c != nil {
		s.c.Stop()
		s.c, s.entryID = nil, 0
	}
	if !cfg.Enabled {
		s.log.Info("driver disabled by config")
		return nil
	}
	return s.startCronLocked()
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
