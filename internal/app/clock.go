package app

import (
	"sync/atomic"
	"time"

	"cadence/internal/routine"
)

// zoneClock is the engine clock. Its timezone follows config reloads.
type zoneClock struct {
	loc atomic.Pointer[time.Location]
}

func newZoneClock(loc *time.Location) *zoneClock {
	c := &zoneClock{}
	c.set(loc)
	return c
}

func (c *zoneClock) set(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	c.loc.Store(loc)
}

func (c *zoneClock) Location() *time.Location { return c.loc.Load() }

func (c *zoneClock) Now() time.Time { return time.Now().In(c.loc.Load()) }

func (c *zoneClock) Today() routine.Date { return routine.DateOf(c.Now()) }
