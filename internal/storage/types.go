package storage

import (
	"errors"
	"time"

	"cadence/internal/routine"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default; data is lost on exit)
//   - "sqlite": SQLite database file (pure Go driver)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the full persistence API: the engine port plus the audit log.
type Store interface {
	routine.Store
	routine.Auditor
	Close() error
}
