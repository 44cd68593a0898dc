package config

import (
	"fmt"
	"strings"
	"time"

	"cadence/internal/driver"
	"cadence/internal/routine"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

const (
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 15 * time.Second
)

type durationSetting struct{ path, raw string }

func (c *Config) durations() []durationSetting {
	return []durationSetting{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"driver.timeout", c.Driver.Timeout},
		{"driver.retry_base", c.Driver.RetryBase},
		{"driver.retry_max_delay", c.Driver.RetryMaxDelay},
	}
}

// parseDuration accepts Go duration syntax. Empty means zero.
func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a duration", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%q is negative", raw)
	}
	return d, nil
}

// durationOr resolves a setting for the converters. Validate reports
// malformed values, so here they fall back like an unset one.
func durationOr(raw string, fallback time.Duration) time.Duration {
	d, err := parseDuration(raw)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StoreConfig() storage.Config {
	return storage.Config{
		Driver:      strings.TrimSpace(c.Storage.Driver),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: durationOr(c.Storage.BusyTimeout, 0),
	}
}

func (c *Config) EngineConfig() routine.Config {
	return routine.Config{
		HorizonDays:    c.Schedule.HorizonDays,
		DisableSeeding: c.Schedule.DisableSeeding,
	}
}

// BatchDriverConfig evaluates cron specs in the schedule timezone so batch runs
// line up with the engine's notion of "today".
func (c *Config) BatchDriverConfig() driver.Config {
	d := c.Driver
	return driver.Config{
		Enabled:       d.Enabled,
		Spec:          strings.TrimSpace(d.Spec),
		Timezone:      strings.TrimSpace(c.Schedule.Timezone),
		Timeout:       durationOr(d.Timeout, 0),
		RetryMax:      d.RetryMax,
		RetryBase:     durationOr(d.RetryBase, defaultRetryBase),
		RetryMaxDelay: durationOr(d.RetryMaxDelay, defaultRetryMaxDelay),
		RatePerSec:    d.RatePerSec,
		RunOnStart:    d.RunOnStart,
		HistorySize:   d.HistorySize,
	}
}

// Location is the schedule timezone (Local when empty or invalid).
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Schedule.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
