package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/driver"
	logx "cadence/pkg/logx"
)

// Validate checks the whole config and returns every problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if cfg.Schedule.HorizonDays < 0 {
		errs = append(errs, errors.New("schedule.horizon_days: must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		}
	}

	d := cfg.Driver
	if strings.TrimSpace(d.Spec) != "" {
		if err := driver.ValidateSpec(d.Spec); err != nil {
			errs = append(errs, fmt.Errorf("driver.spec: %w", err))
		}
	}
	for _, ds := range cfg.durations() {
		if _, err := parseDuration(ds.raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ds.path, err))
		}
	}
	if d.RetryMax < 0 {
		errs = append(errs, errors.New("driver.retry_max: must be >= 0"))
	}
	if d.RatePerSec < 0 {
		errs = append(errs, errors.New("driver.rate_per_sec: must be >= 0"))
	}
	if d.HistorySize < 0 {
		errs = append(errs, errors.New("driver.history_size: must be >= 0"))
	}
	return errors.Join(errs...)
}
