package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/driver"
	"cadence/internal/eventbus"
	"cadence/internal/routine"
	"cadence/internal/runtime/supervisor"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock *zoneClock

	engine *routine.Service
	driver *driver.Service
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(cfg.LogConfig())
	log := root.Component("app")

	store, err := storage.Open(cfg.StoreConfig(), root.Component("storage"))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", cfg.StoreConfig().Driver))

	bus := eventbus.New()
	clock := newZoneClock(cfg.Location())
	eng := routine.NewService(store, cfg.EngineConfig(),
		routine.WithClock(clock),
		routine.WithLogger(root.Component("routine")),
		routine.WithAuditor(store),
		routine.WithEvents(bus),
	)
	drv := driver.New(cfg.BatchDriverConfig(), eng, root.Component("driver"), bus)

	cfgm.SetLogger(root.Component("config"))
	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logs,
		bus:    bus,
		store:  store,
		clock:  clock,
		engine: eng,
		driver: drv,
	}, nil
}

func (a *App) Engine() *routine.Service { return a.engine }
func (a *App) Driver() *driver.Service  { return a.driver }
func (a *App) Store() storage.Store     { return a.store }
func (a *App) Logger() logx.Logger      { return a.log }

// Done is closed when the app context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the driver, the event logger and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.driver.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start driver: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", 250*time.Millisecond, 10*time.Second, a.cfgm.Watch)

	a.log.Info("started",
		logx.Bool("driver", a.driver.Enabled()),
		logx.String("tz", a.clock.Location().String()),
	)
	return nil
}

// applyConfig hot-applies a committed config. Storage settings need a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(next.LogConfig())
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "schedule":
			a.clock.set(next.Location())
			a.engine.Apply(next.EngineConfig())
		}
	}
	// the driver follows the schedule timezone too
	if err := a.driver.Apply(next.BatchDriverConfig()); err != nil {
		a.log.Warn("driver config rejected", logx.Err(err))
	}
}

// RunOnce runs a single materialization batch outside the schedule.
func (a *App) RunOnce(ctx context.Context) (routine.BatchResult, error) {
	return a.driver.RunOnce(ctx, driver.TriggerManual)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one slow component can't stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("driver", 5*time.Second, func(c context.Context) error { a.driver.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
