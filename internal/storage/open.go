// Package storage implements the engine's persistence port.
//
// Both drivers enforce the task natural key (enrollment, rule, due date)
// themselves: the memory driver under its mutex, the sqlite driver with a
// UNIQUE constraint and ON CONFLICT DO NOTHING.
package storage

import (
	"fmt"
	"strings"

	logx "cadence/pkg/logx"
)

// Open initializes the configured store. An empty driver means "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		log.Debug("storage opened", logx.String("driver", "memory"))
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		st, err := OpenSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
