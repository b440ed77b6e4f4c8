package util

import "time"

// Clock is the engine's time source. Trade timestamps and snapshot headers
// read from it so tests can pin them.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always reports the same instant.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }
