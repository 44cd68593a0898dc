package config

import (
	"sort"
	"strings"

	logx "cadence/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage is only read at startup; the summary flags that a restart is needed.
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Int("schedule.horizon_days", newCfg.Schedule.HorizonDays),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
			logx.Bool("schedule.disable_seeding", newCfg.Schedule.DisableSeeding),
		)
	}

	if oldCfg.Driver != newCfg.Driver {
		changed = append(changed, "driver")
		d := newCfg.Driver
		attrs = append(attrs,
			logx.Bool("driver.enabled", d.Enabled),
			logx.String("driver.spec", strings.TrimSpace(d.Spec)),
			logx.String("driver.timeout", strings.TrimSpace(d.Timeout)),
			logx.Int("driver.retry_max", d.RetryMax),
			logx.Float64("driver.rate_per_sec", d.RatePerSec),
			logx.Bool("driver.spec_changed", strings.TrimSpace(oldCfg.Driver.Spec) != strings.TrimSpace(d.Spec)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
