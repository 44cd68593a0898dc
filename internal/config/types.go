package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "15s").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Schedule ScheduleConfig `json:"schedule"`
	Driver   DriverConfig   `json:"driver"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	// Driver is "memory" (default) or "sqlite".
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type ScheduleConfig struct {
	// HorizonDays is the materialization window; 0 uses the engine default.
	HorizonDays int `json:"horizon_days"`
	// Timezone decides what "today" is. Empty means local time.
	Timezone string `json:"timezone"`
	// DisableSeeding turns off default rule seeding on enrollment.
	DisableSeeding bool `json:"disable_seeding"`
}

type DriverConfig struct {
	Enabled       bool    `json:"enabled"`
	Spec          string  `json:"spec"`
	Timeout       string  `json:"timeout"`
	RetryMax      int     `json:"retry_max"`
	RetryBase     string  `json:"retry_base"`
	RetryMaxDelay string  `json:"retry_max_delay"`
	RatePerSec    float64 `json:"rate_per_sec"`
	RunOnStart    bool    `json:"run_on_start"`
	HistorySize   int     `json:"history_size"`
}
