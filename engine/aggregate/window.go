// Package aggregate implements a fixed-window min/max/avg aggregator:
// for each (buffer, window length) it streams three generations of
// state (the in-progress window, the last completed window, and the
// one before that) as samples arrive.
package aggregate

import "github.com/fleetwire/inspector/engine/signal"

// Generation holds the min/max/avg summary of one completed or
// in-progress window.
type Generation struct {
	Min, Max, Avg float64
	Available     bool

	sum   float64
	count uint64
}

func (g *Generation) reset() { *g = Generation{} }

func (g *Generation) observe(v float64) {
	if !g.Available || g.count == 0 {
		g.Min, g.Max = v, v
	} else {
		if v < g.Min {
			g.Min = v
		}
		if v > g.Max {
			g.Max = v
		}
	}
	g.sum += v
	g.count++
	g.Avg = g.sum / float64(g.count)
	g.Available = true
}

// snapshot copies g only when it holds at least one sample; otherwise
// it returns the unavailable zero value, so a window that never saw a
// sample reports as absent rather than as a spurious all-zero reading.
func (g Generation) snapshot() Generation {
	if g.count == 0 {
		return Generation{}
	}
	return g
}

// Window tracks the collecting/last/prev_last generations for one
// (buffer, window_ms) pair.
type Window struct {
	periodMS uint64

	collecting Generation
	last       Generation
	prevLast   Generation

	started        bool
	lastCalculated signal.Timestamp
	nextTimeoutAt  signal.Timestamp
}

// NewWindow constructs an aggregator for a fixed window of periodMS
// milliseconds. NewWindow does not reject periodMS == 0; the history
// store only attaches a window for a nonzero period, and rollover
// treats a zero period as 1ms.
func NewWindow(periodMS uint64) *Window {
	return &Window{periodMS: periodMS}
}

// PeriodMS returns the configured window length.
func (w *Window) PeriodMS() uint64 { return w.periodMS }

// NextTimeoutAt reports the monotonic instant at which the current
// window is scheduled to close, used by the engine to compute
// wait_time_hint even when no further samples arrive.
func (w *Window) NextTimeoutAt() (signal.Timestamp, bool) {
	return w.nextTimeoutAt, w.started
}

// Last returns the most recently completed window's summary.
func (w *Window) Last() Generation { return w.last }

// PrevLast returns the window before Last.
func (w *Window) PrevLast() Generation { return w.prevLast }

// Observe folds one accepted sample, timestamped at its monotonic
// receive time, into the aggregator. It returns mutated=true when Last
// or PrevLast changed value, signalling the engine to mark dependent
// conditions dirty.
func (w *Window) Observe(t signal.Timestamp, value float64) (mutated bool) {
	mutated = w.rollTo(t)
	w.collecting.observe(value)
	return mutated
}

// Tick re-evaluates the window boundary against now without adding a
// sample, so a closed window becomes visible as soon as its nominal end
// time elapses even if no further sample arrives. This is why the
// aggregator also maintains nextTimeoutAt: the engine needs a horizon
// to schedule wakeups against even when no signal is actively arriving.
func (w *Window) Tick(now signal.Timestamp) (mutated bool) {
	if !w.started {
		return false
	}
	return w.rollTo(now)
}

func (w *Window) rollTo(t signal.Timestamp) (mutated bool) {
	tMS := uint64(t)
	period := w.periodMS
	if period == 0 {
		period = 1
	}

	switch {
	case !w.started:
		// Align the very first window to the period's absolute grid
		// (epoch-aligned, not phase-shifted by the first sample's
		// arrival time) so that windows of the same period line up
		// across signals regardless of which one happened to sample
		// first.
		w.started = true
		aligned := tMS - (tMS % period)
		w.lastCalculated = signal.Timestamp(aligned)
		w.collecting.reset()
		w.nextTimeoutAt = signal.Timestamp(aligned + period)

	case tMS >= uint64(w.lastCalculated)+2*period:
		newLast := Generation{}
		newPrevLast := w.collecting.snapshot()
		mutated = !generationEqual(w.last, newLast) || !generationEqual(w.prevLast, newPrevLast)
		w.last = newLast
		w.prevLast = newPrevLast
		w.collecting.reset()

		behind := (tMS - uint64(w.lastCalculated)) % period
		w.lastCalculated = signal.Timestamp(tMS - behind)
		w.nextTimeoutAt = signal.Timestamp(uint64(w.lastCalculated) + period)

	case tMS >= uint64(w.lastCalculated)+period:
		newPrevLast := w.last
		newLast := w.collecting.snapshot()
		mutated = !generationEqual(w.last, newLast) || !generationEqual(w.prevLast, newPrevLast)
		w.prevLast = newPrevLast
		w.last = newLast
		w.collecting.reset()

		w.lastCalculated = signal.Timestamp(uint64(w.lastCalculated) + period)
		w.nextTimeoutAt = signal.Timestamp(uint64(w.lastCalculated) + period)
	}

	return mutated
}

func generationEqual(a, b Generation) bool {
	return a.Available == b.Available && a.Min == b.Min && a.Max == b.Max && a.Avg == b.Avg
}

// Func enumerates the window-derived quantities an expression may
// read: the last completed window's or the one-before-that window's
// min, max, or average.
type Func uint8

const (
	LastAvg Func = iota
	PrevLastAvg
	LastMin
	PrevLastMin
	LastMax
	PrevLastMax
)

// Read resolves f against w, returning ok=false when the requested
// generation is unavailable, meaning no window of that age has
// completed yet.
func (w *Window) Read(f Func) (float64, bool) {
	var g Generation
	switch f {
	case LastAvg, LastMin, LastMax:
		g = w.last
	case PrevLastAvg, PrevLastMin, PrevLastMax:
		g = w.prevLast
	}
	if !g.Available {
		return 0, false
	}
	switch f {
	case LastAvg, PrevLastAvg:
		return g.Avg, true
	case LastMin, PrevLastMin:
		return g.Min, true
	case LastMax, PrevLastMax:
		return g.Max, true
	default:
		return 0, false
	}
}
