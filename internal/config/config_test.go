package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/cadence.db", "busy_timeout": "3s"},
  "schedule": {"horizon_days": 21, "timezone": "UTC", "disable_seeding": true},
  "driver": {"enabled": true, "spec": "at:00:05", "retry_max": 4, "retry_base": "250ms", "rate_per_sec": 20}
}`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestManager(path string, environ map[string]string) *ConfigManager {
	m := NewConfigManager(path)
	if environ == nil {
		environ = map[string]string{}
	}
	m.envOpts = env.Options{Environment: environ}
	return m
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeConfig(t, "config.json", sampleJSON), nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Schedule.HorizonDays != 21 || cfg.Driver.Spec != "at:00:05" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("Load should commit the config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	body := `
logging:
  level: info
storage:
  driver: memory
schedule:
  horizon_days: 7
driver:
  enabled: true
  spec: "@daily"
  run_on_start: true
`
	cfg, err := newTestManager(writeConfig(t, "config.yaml", body), nil).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Schedule.HorizonDays != 7 || !cfg.Driver.RunOnStart || cfg.Driver.Spec != "@daily" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	t.Parallel()
	cases := map[string]struct{ name, body, want string }{
		"unknown field": {"c.json", `{"storage": {"driver": "memory", "dsn": "x"}}`, "unknown field"},
		"trailing data": {"c.json", `{} {}`, "trailing data"},
		"bad yaml":      {"c.yml", "storage: [driver", "yaml"},
		"unknown yaml":  {"c.yml", "schedule:\n  horizon: 3\n", "unknown field"},
	}
	for name, tc := range cases {
		_, err := newTestManager(writeConfig(t, tc.name, tc.body), nil).Parse()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want %q", name, err, tc.want)
		}
	}
}

func TestDecodeYAMLEdgeCases(t *testing.T) {
	t.Parallel()
	cfg, err := decode("empty.yaml", nil)
	if err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
	if cfg.Schedule.HorizonDays != 0 || cfg.Storage.Driver != "" {
		t.Fatalf("empty yaml should decode to zero config, got %+v", cfg)
	}

	// Integer keys reach the strict decoder as strings instead of failing the JSON re-encode.
	_, err = decode("c.yaml", []byte("schedule:\n  7: x\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("err = %v, want unknown field", err)
	}

	if got := formatOf("CONFIG.YML"); got != formatYAML {
		t.Fatalf("formatOf(CONFIG.YML) = %q", got)
	}
	if got := formatOf("config.conf"); got != formatJSON {
		t.Fatalf("formatOf(config.conf) = %q", got)
	}
}

func TestDurationSettings(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Driver.RetryBase = "-5ms"
	cfg.Driver.RetryMaxDelay = "eventually"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{`driver.retry_base: "-5ms" is negative`, `driver.retry_max_delay: "eventually" is not a duration`} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err = %v, want %q", err, want)
		}
	}

	// Converters never fail; bad or unset values resolve to the defaults.
	dc := cfg.BatchDriverConfig()
	if dc.RetryBase != defaultRetryBase || dc.RetryMaxDelay != defaultRetryMaxDelay || dc.Timeout != 0 {
		t.Fatalf("driver = %+v", dc)
	}
	cfg.Driver.Timeout = " 90s "
	cfg.Storage.BusyTimeout = "0s"
	if got := cfg.BatchDriverConfig().Timeout; got != 90*time.Second {
		t.Fatalf("timeout = %v, want 90s", got)
	}
	if got := cfg.StoreConfig().BusyTimeout; got != 0 {
		t.Fatalf("busy timeout = %v, want 0", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeConfig(t, "config.json", sampleJSON), map[string]string{
		"CADENCE_LOG_LEVEL":      "warn",
		"CADENCE_STORAGE_DRIVER": "memory",
		"CADENCE_TIMEZONE":       "Europe/Berlin",
		"CADENCE_DRIVER_SPEC":    "6h",
		"CADENCE_HORIZON_DAYS":   "0",
	})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.Storage.Driver != "memory" || cfg.Schedule.Timezone != "Europe/Berlin" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Driver.Spec != "6h" || cfg.Schedule.HorizonDays != 0 {
		t.Fatalf("driver/horizon not overridden: %+v", cfg)
	}
	if cfg.Storage.Path != "./data/cadence.db" {
		t.Fatalf("unset variable should keep file value, got %q", cfg.Storage.Path)
	}
}

func TestEnvOverrideRejectsBadNumber(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeConfig(t, "config.json", `{}`), map[string]string{"CADENCE_HORIZON_DAYS": "many"})
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("zero config should be valid: %v", err)
	}
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"sqlite path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"busy", func(c *Config) { c.Storage.BusyTimeout = "soon" }, "storage.busy_timeout"},
		{"horizon", func(c *Config) { c.Schedule.HorizonDays = -1 }, "schedule.horizon_days"},
		{"timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"spec", func(c *Config) { c.Driver.Spec = "@fortnightly" }, "driver.spec"},
		{"timeout", func(c *Config) { c.Driver.Timeout = "-1s" }, "driver.timeout"},
		{"retry", func(c *Config) { c.Driver.RetryMax = -2 }, "driver.retry_max"},
		{"rate", func(c *Config) { c.Driver.RatePerSec = -1 }, "driver.rate_per_sec"},
	}
	for _, tc := range cases {
		cfg := &Config{}
		tc.mut(cfg)
		err := Validate(cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestConverters(t *testing.T) {
	t.Parallel()
	cfg, err := decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	st := cfg.StoreConfig()
	if st.Driver != "sqlite" || st.BusyTimeout != 3*time.Second {
		t.Fatalf("storage = %+v", st)
	}
	rc := cfg.EngineConfig()
	if rc.HorizonDays != 21 || !rc.DisableSeeding {
		t.Fatalf("routine = %+v", rc)
	}
	dc := cfg.BatchDriverConfig()
	if !dc.Enabled || dc.Timezone != "UTC" || dc.RetryBase != 250*time.Millisecond || dc.RetryMaxDelay != 15*time.Second {
		t.Fatalf("driver = %+v", dc)
	}
	if lc := cfg.LogConfig(); lc.Level != "debug" || !lc.Console {
		t.Fatalf("logging = %+v", lc)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("location = %v", cfg.Location())
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, _ := decode("c.json", []byte(sampleJSON))
	newCfg := *oldCfg
	newCfg.Driver.Spec = "@hourly"
	newCfg.Schedule.HorizonDays = 30

	changed, attrs := SummarizeConfigChange(oldCfg, &newCfg)
	if strings.Join(changed, ",") != "driver,schedule" || len(attrs) == 0 {
		t.Fatalf("changed = %v (%d attrs)", changed, len(attrs))
	}
	if changed, _ := SummarizeConfigChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("slow subscriber should see the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after Unsubscribe")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", sampleJSON)
	m := newTestManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// an invalid edit is rejected and never published
	if err := os.WriteFile(path, []byte(`{"schedule": {"horizon_days": -5}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(3 * reloadDebounce)
	if err := os.WriteFile(path, []byte(`{"schedule": {"horizon_days": 9}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Schedule.HorizonDays != 9 {
			t.Fatalf("published horizon = %d", cfg.Schedule.HorizonDays)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if got := m.Get().Schedule.HorizonDays; got != 9 {
		t.Fatalf("committed horizon = %d", got)
	}
}
