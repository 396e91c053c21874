// Package clock abstracts time so the inspection engine's interval math
// is deterministically testable. The wall/monotonic split keeps
// interval math off a clock that can jump backwards.
package clock

import (
	"time"

	"github.com/fleetwire/inspector/engine/signal"
)

// Clock is the injectable time source consumed by the engine.
// SystemNowMS and MonotonicNowMS are independent counters: the engine
// never derives one from the other, and never computes an interval
// from the system clock.
type Clock interface {
	SystemNowMS() signal.Timestamp
	MonotonicNowMS() signal.Timestamp
	Now() signal.TimePoint
	ISO8601Now() string
	Sleep(d time.Duration)
}

type realClock struct{ start time.Time }

// New returns the default system/steady clock pair, anchored at
// construction time.
func New() Clock { return &realClock{start: time.Now()} }

func (c *realClock) SystemNowMS() signal.Timestamp {
	return signal.Timestamp(time.Now().UnixMilli())
}

func (c *realClock) MonotonicNowMS() signal.Timestamp {
	return signal.Timestamp(time.Since(c.start).Milliseconds())
}

func (c *realClock) Now() signal.TimePoint {
	return signal.TimePoint{System: c.SystemNowMS(), Monotonic: c.MonotonicNowMS()}
}

func (c *realClock) ISO8601Now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (c *realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Manual is a fully controllable Clock for deterministic tests.
type Manual struct {
	system    signal.Timestamp
	monotonic signal.Timestamp
}

// NewManual returns a Manual clock starting at the given wall/monotonic
// millisecond counts.
func NewManual(systemMS, monotonicMS signal.Timestamp) *Manual {
	return &Manual{system: systemMS, monotonic: monotonicMS}
}

func (m *Manual) SystemNowMS() signal.Timestamp    { return m.system }
func (m *Manual) MonotonicNowMS() signal.Timestamp { return m.monotonic }
func (m *Manual) Now() signal.TimePoint {
	return signal.TimePoint{System: m.system, Monotonic: m.monotonic}
}
func (m *Manual) ISO8601Now() string { return time.UnixMilli(int64(m.system)).UTC().Format(time.RFC3339Nano) }

// Advance moves both counters forward by d, keeping them coupled as a
// real clock would.
func (m *Manual) Advance(d time.Duration) {
	ms := signal.Timestamp(d.Milliseconds())
	m.system += ms
	m.monotonic += ms
}

// Sleep on a Manual clock does not block; tests drive time explicitly
// via Advance and call into the engine directly.
func (m *Manual) Sleep(time.Duration) {}
