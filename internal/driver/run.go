package driver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"cadence/internal/eventbus"
	"cadence/internal/routine"
	logx "cadence/pkg/logx"
)

// RunOnce materializes every active enrollment once. Clients are independent:
// a client that still fails after its retries is counted and the run moves
// on. Cancellation is checked between clients. The returned error joins the
// per-client failures.
func (s *Service) RunOnce(ctx context.Context, tr Trigger) (routine.BatchResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return routine.BatchResult{}, ErrRunning
	}
	defer s.running.Store(false)

	cfg := s.config()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	run := Run{Trigger: tr, Started: start}
	var out routine.BatchResult

	var enrollments []routine.Enrollment
	retries, err := s.withRetry(ctx, cfg, func() error {
		var err error
		enrollments, err = s.eng.ActiveEnrollments(ctx)
		return err
	})
	run.Retries += retries
	if err != nil {
		err = fmt.Errorf("list active enrollments: %w", err)
		s.finish(run, out, err)
		return out, err
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	var errs []error
	for _, e := range enrollments {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				errs = append(errs, err)
				break
			}
		}

		var res routine.MaterializeResult
		n, err := s.withRetry(ctx, cfg, func() error {
			var err error
			res, err = s.eng.MaterializeForEnrollment(ctx, e.ID)
			return err
		})
		run.Retries += n
		out.ClientsProcessed++
		out.Created += res.Created
		out.Existing += res.Existing
		if err != nil {
			out.Failed++
			errs = append(errs, fmt.Errorf("enrollment %s: %w", e.ID, err))
			s.log.Warn("client materialization failed",
				logx.String("enrollment", e.ID),
				logx.Int("retries", n),
				logx.Err(err),
			)
		}
	}

	err = errors.Join(errs...)
	s.finish(run, out, err)
	return out, err
}

// withRetry calls fn until it succeeds, fails permanently, or the retry
// budget is spent. Only routine.Retryable errors are retried.
func (s *Service) withRetry(ctx context.Context, cfg Config, fn func() error) (retries int, err error) {
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !routine.Retryable(err) || attempt > cfg.RetryMax {
			return retries, err
		}
		delay := backoffDelay(cfg, attempt)
		s.log.Debug("retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if serr := s.sleep(ctx, delay); serr != nil {
			return retries, err
		}
		retries++
	}
}

func (s *Service) finish(run Run, out routine.BatchResult, err error) {
	run.Duration = time.Since(run.Started)
	run.Clients = out.ClientsProcessed
	run.Created = out.Created
	run.Existing = out.Existing
	run.Failed = out.Failed
	if err != nil {
		run.Error = err.Error()
	}

	size := s.config().HistorySize
	s.hmu.Lock()
	s.history = append(s.history, run)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()

	fields := []logx.Field{
		logx.String("trigger", string(run.Trigger)),
		logx.Int("clients", run.Clients),
		logx.Int("created", run.Created),
		logx.Int("failed", run.Failed),
		logx.Int("retries", run.Retries),
		logx.Duration("dur", run.Duration),
	}
	if err != nil {
		s.log.Warn("run completed with failures", append(fields, logx.Err(err))...)
	} else {
		s.log.Info("run completed", fields...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDriverRun, Time: time.Now(), Data: run})
	}
}

// backoffDelay doubles RetryBase per retry up to RetryMaxDelay, with jitter.
func backoffDelay(cfg Config, retry int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if j := cfg.RetryJitter; j > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
