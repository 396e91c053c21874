// Package signal defines the tagged value model shared by every other
// component of the inspection engine: signal identifiers, the dual
// wall/monotonic timestamp pair, the per-sample type tag, and the sample
// and raw-frame records that flow through the history store.
package signal

import (
	"fmt"
	"math/bits"
)

// ID identifies a signal. The high bit flags an internally-allocated
// "partial" signal (a sub-signal synthesized from a complex payload); the
// remaining 31 bits are allocated by the authoring system.
type ID uint32

const partialBit ID = 1 << 31

// IsPartial reports whether id was internally allocated rather than
// assigned by the authoring system.
func (id ID) IsPartial() bool { return id&partialBit != 0 }

// Timestamp is a millisecond count, either wall-clock or monotonic
// depending on context. The two are never mixed in interval arithmetic.
type Timestamp uint64

// TimePoint carries both a system-wall timestamp, used in user-visible
// records, and a monotonic timestamp, used for interval math that must
// stay immune to wall-clock jumps.
type TimePoint struct {
	System    Timestamp
	Monotonic Timestamp
}

// IsZero reports whether p is the sentinel zero TimePoint.
func (p TimePoint) IsZero() bool { return p.System == 0 && p.Monotonic == 0 }

// AtMonotonic projects a wall-clock instant onto the monotonic
// timeline given a reference TimePoint pair known to be simultaneous,
// extrapolating backwards for instants earlier than the reference. It
// returns the zero-sentinel TimePoint only when wall predates the
// monotonic origin (the instant at which the monotonic counter read
// zero), since no monotonic value exists there to extrapolate to.
func (ref TimePoint) AtMonotonic(wall Timestamp) TimePoint {
	if wall >= ref.System {
		return TimePoint{System: wall, Monotonic: ref.Monotonic + (wall - ref.System)}
	}
	back := ref.System - wall
	if back > ref.Monotonic {
		return TimePoint{}
	}
	return TimePoint{System: wall, Monotonic: ref.Monotonic - back}
}

// TypeTag enumerates the eleven numeric/boolean sample kinds plus the
// opaque complex-payload handle kind. A history buffer is fixed-type
// after its first accepted sample.
type TypeTag uint8

const (
	U8 TypeTag = iota
	I8
	U16
	I16
	U32
	I32
	U64
	I64
	F32
	F64
	Bool
	ComplexHandle
)

func (t TypeTag) String() string {
	switch t {
	case U8:
		return "u8"
	case I8:
		return "i8"
	case U16:
		return "u16"
	case I16:
		return "i16"
	case U32:
		return "u32"
	case I32:
		return "i32"
	case U64:
		return "u64"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case Bool:
		return "bool"
	case ComplexHandle:
		return "complex_handle"
	default:
		return fmt.Sprintf("TypeTag(%d)", uint8(t))
	}
}

// Value is a tagged union over the types a sample may carry. Exactly one
// field is meaningful, selected by Tag.
type Value struct {
	Tag     TypeTag
	Num     float64 // holds every numeric kind, widened to float64
	Bool    bool
	Complex uint32 // opaque handle into an external ComplexPayloadStore
}

// Float64 coerces v to a float64 for arithmetic/comparison use by the
// expression evaluator. It returns ok=false for ComplexHandle values,
// which are never directly evaluable.
func (v Value) Float64() (float64, bool) {
	switch v.Tag {
	case ComplexHandle:
		return 0, false
	case Bool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return v.Num, true
	}
}

// NumericValue builds a Value for any of the eleven numeric/bool kinds.
func NumericValue(tag TypeTag, n float64) Value { return Value{Tag: tag, Num: n} }

// BoolValue builds a boolean Value.
func BoolValue(b bool) Value { return Value{Tag: Bool, Bool: b} }

// ComplexValue builds a Value referencing an external payload handle.
func ComplexValue(handle uint32) Value { return Value{Tag: ComplexHandle, Complex: handle} }

// ConditionCount is the hard cap on simultaneously active conditions.
// It is a permanent contract, not a tunable: ConditionIndex and
// ConditionMask are both sized to it below, so raising it is a wire
// format change, not a config bump.
const ConditionCount = 256

// ConditionIndex identifies a condition's position within a Matrix, in
// [0, ConditionCount).
type ConditionIndex uint8

// ConditionMask is a dense 256-bit set of condition indices, used for
// per-sample consumed-bits, per-buffer dependency bits, and the engine's
// per-tick dirty set. The engine keeps each condition's currently-true
// and pending-publish state as per-condition flags, not as masks.
type ConditionMask [4]uint64

// Test reports whether idx is set in m.
func (m ConditionMask) Test(idx ConditionIndex) bool {
	return m[idx/64]&(uint64(1)<<(idx%64)) != 0
}

// Set marks idx as present in m.
func (m *ConditionMask) Set(idx ConditionIndex) {
	m[idx/64] |= uint64(1) << (idx % 64)
}

// Clear removes idx from m.
func (m *ConditionMask) Clear(idx ConditionIndex) {
	m[idx/64] &^= uint64(1) << (idx % 64)
}

// ClearAll zeroes every bit in m.
func (m *ConditionMask) ClearAll() { *m = ConditionMask{} }

// IsZero reports whether no bit is set.
func (m ConditionMask) IsZero() bool { return m[0] == 0 && m[1] == 0 && m[2] == 0 && m[3] == 0 }

// Or sets every bit of other into m.
func (m *ConditionMask) Or(other ConditionMask) {
	m[0] |= other[0]
	m[1] |= other[1]
	m[2] |= other[2]
	m[3] |= other[3]
}

// Bits yields each set index in ascending order, lowest word first. The
// engine relies on this ascending order to give earlier-declared
// conditions priority whenever two conditions become ready on the same
// tick.
func (m ConditionMask) Bits(yield func(ConditionIndex)) {
	for word := 0; word < 4; word++ {
		w := m[word]
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			yield(ConditionIndex(word*64 + bit))
			w &= w - 1
		}
	}
}

// MaxPayloadBytes bounds a raw CAN frame's payload.
const MaxPayloadBytes = 64

// Sample is one accepted value in a signal's history ring: the value
// itself, the wall-clock receive time, and the set of conditions that
// have already consumed it in a snapshot.
type Sample struct {
	Value    Value
	SystemTS Timestamp
	Consumed ConditionMask
}

// RawFrame is one accepted raw CAN frame in a (frame, channel) history
// ring.
type RawFrame struct {
	FrameID   uint32
	ChannelID uint32
	Payload   [MaxPayloadBytes]byte
	Length    uint8
	SystemTS  Timestamp
	Consumed  ConditionMask
}

// PayloadStage enumerates the usage stages a complex-payload handle
// passes through, so a PayloadStore can tell a ring-buffer reference
// from a snapshot reference apart when deciding whether a handle is
// still live.
type PayloadStage uint8

const (
	// StageHistoryBuffer marks a handle held by a history ring buffer slot.
	StageHistoryBuffer PayloadStage = iota
	// StageSnapshot marks a handle referenced by an emitted Snapshot.
	StageSnapshot
)

// PayloadStore is the external, thread-safe, reference-counted store for
// complex (non-numeric) signal payloads. It is optional: only matrices
// that reference a ComplexHandle-typed signal need one configured.
type PayloadStore interface {
	Incref(id ID, handle uint32, stage PayloadStage)
	Decref(id ID, handle uint32, stage PayloadStage)
	Borrow(id ID, handle uint32) ([]byte, bool)
}

// ActiveDTCInfo is the most recently reported active-DTC set, embedded
// verbatim into a snapshot when a condition requests it.
type ActiveDTCInfo struct {
	ServiceMode uint8
	ReceiveTime Timestamp
	DTCCodes    []string
}
