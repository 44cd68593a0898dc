package driver

import (
	"context"
	"errors"
	"time"

	"cadence/internal/routine"
)

// ErrRunning is returned by RunOnce while another run is in progress.
var ErrRunning = errors.New("materialization run already in progress")

// Engine is the part of routine.Service the driver calls.
type Engine interface {
	ActiveEnrollments(ctx context.Context) ([]routine.Enrollment, error)
	MaterializeForEnrollment(ctx context.Context, enrollmentID string) (routine.MaterializeResult, error)
}

// Config controls the periodic driver.
type Config struct {
	Enabled bool
	// Spec is a cron expression, descriptor, interval or daily time; see ParseSpec.
	Spec string
	// Timezone is the IANA zone cron specs are evaluated in (Local when empty).
	Timezone string
	// Timeout bounds one whole run. 0 disables it.
	Timeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// RatePerSec paces clients within a run. 0 means unlimited.
	RatePerSec float64
	RunOnStart bool

	HistorySize int
}

const (
	DefaultSpec        = "@daily"
	defaultHistorySize = 50
)

func (c Config) withDefaults() Config {
	if c.Spec == "" {
		c.Spec = DefaultSpec
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Trigger names what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerStartup  Trigger = "startup"
	TriggerManual   Trigger = "manual"
)

// Run is one entry of the run history.
type Run struct {
	Trigger  Trigger       `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Clients  int           `json:"clients"`
	Created  int           `json:"created"`
	Existing int           `json:"existing"`
	Failed   int           `json:"failed"`
	Retries  int           `json:"retries"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Spec     string
	Timezone string
	Running  bool
	Next     time.Time
	Prev     time.Time
	History  []Run
}
