package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the settings the environment may override. Unset
// variables leave the file value alone.
type envOverrides struct {
	LogLevel      string `env:"CADENCE_LOG_LEVEL"`
	StorageDriver string `env:"CADENCE_STORAGE_DRIVER"`
	StoragePath   string `env:"CADENCE_STORAGE_PATH"`
	Timezone      string `env:"CADENCE_TIMEZONE"`
	DriverSpec    string `env:"CADENCE_DRIVER_SPEC"`
	HorizonDays   *int   `env:"CADENCE_HORIZON_DAYS"`
}

// ApplyEnv overlays CADENCE_* variables from the process environment.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{})
}

func applyEnv(cfg *Config, opts env.Options) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.StorageDriver != "" {
		cfg.Storage.Driver = o.StorageDriver
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	if o.Timezone != "" {
		cfg.Schedule.Timezone = o.Timezone
	}
	if o.DriverSpec != "" {
		cfg.Driver.Spec = o.DriverSpec
	}
	if o.HorizonDays != nil {
		cfg.Schedule.HorizonDays = *o.HorizonDays
	}
	return nil
}
