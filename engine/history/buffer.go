// Package history implements the signal history store: one typed ring
// buffer per (signal, sampling interval), one ring per (frame,
// channel) for raw CAN frames, and the backwards-walking snapshot read
// used when a condition triggers.
package history

import (
	"github.com/fleetwire/inspector/engine/aggregate"
	"github.com/fleetwire/inspector/engine/signal"
)

// ElementBytes estimates the per-sample storage cost of a typed value,
// used for the matrix's static memory budget. It does not need to
// match Go's actual struct layout
// exactly; it only needs to be a stable, monotonic proxy for capacity
// planning across signal types.
func ElementBytes(tag signal.TypeTag) int {
	switch tag {
	case signal.U8, signal.I8, signal.Bool:
		return 1
	case signal.U16, signal.I16:
		return 2
	case signal.U32, signal.I32, signal.F32, signal.ComplexHandle:
		return 4
	case signal.U64, signal.I64, signal.F64:
		return 8
	default:
		return 8
	}
}

// sampleOverheadBytes accounts for the fixed parts of a stored Sample:
// the 8-byte wall timestamp and the 256-bit consumed-bits mask.
const sampleOverheadBytes = 8 + 32

// SignalBuffer is a fixed-capacity ring of samples for one (signal,
// sampling interval) pair. It is fixed-type after the first accepted
// sample; later inserts whose type tag disagrees are dropped.
type SignalBuffer struct {
	SignalID     signal.ID
	MinIntervalMS uint64
	Capacity     int

	typeSet bool
	typeTag signal.TypeTag

	ring  []signal.Sample
	head  int // next write index
	count int

	hasSample     bool
	lastMonotonic signal.Timestamp

	// Dependents is the set of condition indices that reference this
	// buffer, computed once at matrix-build time.
	Dependents signal.ConditionMask

	windows map[uint64]*aggregate.Window

	payloads signal.PayloadStore
}

// NewSignalBuffer allocates a ring of the given capacity. The type tag
// is pinned on the first accepted sample via Add.
func NewSignalBuffer(id signal.ID, minIntervalMS uint64, capacity int, payloads signal.PayloadStore) *SignalBuffer {
	return &SignalBuffer{
		SignalID:      id,
		MinIntervalMS: minIntervalMS,
		Capacity:      capacity,
		ring:          make([]signal.Sample, capacity),
		windows:       make(map[uint64]*aggregate.Window),
		payloads:      payloads,
	}
}

// TypeTag reports the buffer's pinned type, and whether one has been
// pinned yet.
func (b *SignalBuffer) TypeTag() (signal.TypeTag, bool) { return b.typeTag, b.typeSet }

// Grow reallocates the ring to hold capacity samples, preserving any
// stored samples oldest-first. Requests at or below the current
// capacity are a no-op: two conditions sharing a (signal, interval)
// pair get the max of their requested sizes.
func (b *SignalBuffer) Grow(capacity int) {
	if capacity <= b.Capacity {
		return
	}
	next := make([]signal.Sample, capacity)
	for i := b.count - 1; i >= 0; i-- {
		s, _ := b.At(i)
		next[b.count-1-i] = s
	}
	b.ring = next
	b.head = b.count
	b.Capacity = capacity
}

// Window returns (creating if necessary) the fixed-window aggregator for
// periodMS on this buffer.
func (b *SignalBuffer) Window(periodMS uint64) *aggregate.Window {
	w, ok := b.windows[periodMS]
	if !ok {
		w = aggregate.NewWindow(periodMS)
		b.windows[periodMS] = w
	}
	return w
}

// TickWindows advances every fixed-window aggregator attached to this
// buffer against now, without adding a sample, so windows close on
// schedule even when the signal goes quiet. It reports whether any
// window mutated.
func (b *SignalBuffer) TickWindows(now signal.Timestamp) bool {
	mutated := false
	for _, w := range b.windows {
		if w.Tick(now) {
			mutated = true
		}
	}
	return mutated
}

// NextWindowTimeout returns the earliest upcoming window-close horizon
// across every aggregator attached to this buffer.
func (b *SignalBuffer) NextWindowTimeout() (signal.Timestamp, bool) {
	var best signal.Timestamp
	found := false
	for _, w := range b.windows {
		t, ok := w.NextTimeoutAt()
		if !ok {
			continue
		}
		if !found || t < best {
			best = t
			found = true
		}
	}
	return best, found
}

// Add accepts one sample if the buffer has never received a sample, or
// if monotonicNow is at least minIntervalMS past the last accepted
// sample. It returns accepted=false, and drops the sample, on a type
// mismatch or when the sample arrives before that interval has
// elapsed; mutated reports whether the newly written
// value differs from the previous head (or any attached window
// transitioned), which the caller ORs into the engine dirty mask.
func (b *SignalBuffer) Add(tag signal.TypeTag, wall signal.Timestamp, monotonicNow signal.Timestamp, value signal.Value) (accepted, mutated bool) {
	if !b.typeSet {
		b.typeTag = tag
		b.typeSet = true
	} else if b.typeTag != tag {
		return false, false
	}

	if b.hasSample && monotonicNow < b.lastMonotonic+signal.Timestamp(b.MinIntervalMS) {
		return false, false
	}

	var prevValue signal.Value
	hadPrev := b.count > 0
	if hadPrev {
		prevIdx := (b.head - 1 + b.Capacity) % b.Capacity
		prevValue = b.ring[prevIdx].Value
	}

	if b.count == b.Capacity && b.Capacity > 0 {
		overwritten := b.ring[b.head]
		if b.payloads != nil && overwritten.Value.Tag == signal.ComplexHandle {
			b.payloads.Decref(b.SignalID, overwritten.Value.Complex, signal.StageHistoryBuffer)
		}
	}

	if b.Capacity > 0 {
		if b.payloads != nil && value.Tag == signal.ComplexHandle {
			b.payloads.Incref(b.SignalID, value.Complex, signal.StageHistoryBuffer)
		}
		b.ring[b.head] = signal.Sample{Value: value, SystemTS: wall}
		b.head = (b.head + 1) % b.Capacity
		if b.count < b.Capacity {
			b.count++
		}
	}

	b.hasSample = true
	b.lastMonotonic = monotonicNow

	valueChanged := !hadPrev || !valuesEqual(prevValue, value)

	windowMutated := false
	if f, ok := value.Float64(); ok {
		for _, w := range b.windows {
			if w.Observe(monotonicNow, f) {
				windowMutated = true
			}
		}
	}

	return true, valueChanged || windowMutated
}

func valuesEqual(a, b signal.Value) bool {
	if a.Tag != b.Tag {
		return false // a type change always counts as a change
	}
	switch a.Tag {
	case signal.Bool:
		return a.Bool == b.Bool
	case signal.ComplexHandle:
		return a.Complex == b.Complex
	default:
		return a.Num == b.Num
	}
}

// Len reports how many samples are currently stored.
func (b *SignalBuffer) Len() int { return b.count }

// At returns the i-th newest sample (0 = most recent).
func (b *SignalBuffer) At(i int) (signal.Sample, bool) {
	if i < 0 || i >= b.count {
		return signal.Sample{}, false
	}
	idx := (b.head - 1 - i + b.Capacity*2) % b.Capacity
	return b.ring[idx], true
}

// Latest returns the most recently accepted sample.
func (b *SignalBuffer) Latest() (signal.Sample, bool) { return b.At(0) }

// consumedPtr returns a pointer to the i-th newest sample's
// consumed-bits mask for in-place mutation during snapshot collection.
func (b *SignalBuffer) consumedPtr(i int) *signal.ConditionMask {
	idx := (b.head - 1 - i + b.Capacity*2) % b.Capacity
	return &b.ring[idx].Consumed
}

// Release decrefs every live ComplexHandle slot, called when a buffer
// is dropped at matrix swap.
func (b *SignalBuffer) Release() {
	if b.payloads == nil || b.typeTag != signal.ComplexHandle {
		return
	}
	for i := 0; i < b.count; i++ {
		s, ok := b.At(i)
		if ok {
			b.payloads.Decref(b.SignalID, s.Value.Complex, signal.StageHistoryBuffer)
		}
	}
}

// SizeBytes estimates this buffer's contribution to the 20 MiB budget.
func (b *SignalBuffer) SizeBytes() int {
	tag := b.typeTag
	if !b.typeSet {
		tag = signal.F64 // worst-case until first sample pins the type
	}
	return b.Capacity * (ElementBytes(tag) + sampleOverheadBytes)
}
