// Package inspection implements the Inspection Engine: the component
// that owns the signal history store, the fixed-window aggregators,
// and the expression evaluator, and that decides, on every tick,
// which conditions must be re-evaluated, applies the publish policies
// (rising edge, minimum interval, after-duration, probability), and
// emits snapshots to the egress queue.
package inspection

import (
	"github.com/fleetwire/inspector/engine/expr"
	"github.com/fleetwire/inspector/engine/geohash"
	"github.com/fleetwire/inspector/engine/history"
	"github.com/fleetwire/inspector/engine/signal"
)

// MemoryBudgetBytes is the static memory budget imposed on a matrix's
// combined sample storage; a matrix whose buffers would exceed it is
// rejected wholesale rather than accepted partially.
const MemoryBudgetBytes = 20 * 1024 * 1024

// SignalSpec names one (signal, sampling interval) a condition reads
// from or snapshots, and the ring capacity it needs.
type SignalSpec struct {
	SignalID            signal.ID
	SampleBufferSize    int
	MinSampleIntervalMS uint64
	// FixedWindowPeriodMS is nonzero when the condition's expression
	// tree reads a Window(func, SignalID) node against this signal;
	// it selects which (buffer, window) aggregator is consulted.
	FixedWindowPeriodMS uint64
	// IsConditionOnly marks a signal referenced only by the
	// expression tree, never snapshotted, so Snapshot building skips
	// it even though it still occupies a history buffer.
	IsConditionOnly bool
	TypeTag         signal.TypeTag
}

// FrameSpec is SignalSpec's analogue for raw CAN frames.
type FrameSpec struct {
	FrameID, ChannelID uint32
	SampleBufferSize   int
}

// GeohashSpec configures the optional per-condition geohash-delta
// tracker: which two numeric signals carry latitude and longitude, in
// what unit, and at what base-32 precision.
type GeohashSpec struct {
	LatSignalID, LonSignalID signal.ID
	Unit                     geohash.Unit
	Precision                int
}

// Metadata is the opaque pass-through carried verbatim from the
// authoring system into every snapshot of this condition.
type Metadata struct {
	CampaignID string
	DecoderID  string
	Priority   int
	Persist    bool
	Compress   bool
}

// ConditionSpec is one entry of a Matrix's conditions vector.
type ConditionSpec struct {
	Root                 expr.NodeIndex
	MinPublishIntervalMS uint64
	AfterDurationMS      uint64
	Signals              []SignalSpec
	RawFrames            []FrameSpec
	IncludeActiveDTCs    bool
	TriggerOnlyOnRisingEdge bool
	ProbabilityToSend    float64
	Geohash              *GeohashSpec
	Metadata             Metadata
}

// Options carries the configuration switches accompanying a matrix
// swap.
type Options struct {
	// SendOnlyOncePerCondition gates the consumed_bits mechanism in
	// snapshot building. The Go zero value is false;
	// matrixconfig.ToMatrix sets it to true when a matrix document
	// omits it, since this engine keeps no sample history across
	// restarts and so there is nothing to replay.
	SendOnlyOncePerCondition bool
	// DisableProbability bypasses every condition's
	// ProbabilityToSend gate, for debug builds.
	DisableProbability bool
}

// Matrix is the immutable "program" the engine runs: a vector of
// conditions sharing one expression arena.
type Matrix struct {
	Conditions []ConditionSpec
	Arena      *expr.Arena
	Options    Options
}

// Equal reports structural equality between two matrices, so that
// swapping to a value-identical matrix can skip resetting buffers it
// doesn't need to. Two matrices with differently-ordered but
// value-equal conditions are NOT considered equal: declaration order
// is part of tie-break determinism between conditions, so reordering
// is itself an observable difference.
func (m *Matrix) Equal(other *Matrix) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.Options != other.Options {
		return false
	}
	if len(m.Conditions) != len(other.Conditions) {
		return false
	}
	if !m.Arena.Equal(other.Arena) {
		return false
	}
	for i := range m.Conditions {
		if !conditionEqual(m.Conditions[i], other.Conditions[i]) {
			return false
		}
	}
	return true
}

func conditionEqual(a, b ConditionSpec) bool {
	if a.Root != b.Root || a.MinPublishIntervalMS != b.MinPublishIntervalMS ||
		a.AfterDurationMS != b.AfterDurationMS || a.IncludeActiveDTCs != b.IncludeActiveDTCs ||
		a.TriggerOnlyOnRisingEdge != b.TriggerOnlyOnRisingEdge ||
		a.ProbabilityToSend != b.ProbabilityToSend || a.Metadata != b.Metadata {
		return false
	}
	if (a.Geohash == nil) != (b.Geohash == nil) {
		return false
	}
	if a.Geohash != nil && *a.Geohash != *b.Geohash {
		return false
	}
	if len(a.Signals) != len(b.Signals) || len(a.RawFrames) != len(b.RawFrames) {
		return false
	}
	for i := range a.Signals {
		if a.Signals[i] != b.Signals[i] {
			return false
		}
	}
	for i := range a.RawFrames {
		if a.RawFrames[i] != b.RawFrames[i] {
			return false
		}
	}
	return true
}

// validate enforces structural limits ahead of building any storage
// for the matrix. Both an over-full condition vector and an over-deep
// expression tree are rejected at swap time, not left to surface as an
// evaluation-time DepthExceeded outcome later; expr.Eval carries its
// own depth guard as well, so a tree that slips past validation still
// cannot recurse unboundedly.
func (m *Matrix) validate() error {
	if len(m.Conditions) > signal.ConditionCount {
		return rejectf("too many conditions: %d exceeds the %d-condition cap", len(m.Conditions), signal.ConditionCount)
	}
	for i, c := range m.Conditions {
		depth := m.Arena.Depth(c.Root)
		if depth > expr.MaxDepth {
			return rejectf("condition %d expression tree depth %d exceeds the %d-level cap", i, depth, expr.MaxDepth)
		}
	}
	return nil
}

// buildStore allocates a fresh history.Store sized for m, registering
// each referencing condition's index in the buffer's Dependents mask.
// It does not mutate any currently-running engine state; the caller
// swaps it in only after confirming the result fits the memory
// budget.
func buildStore(m *Matrix, payloads signal.PayloadStore) *history.Store {
	store := history.NewStore(payloads)
	for i, c := range m.Conditions {
		idx := signal.ConditionIndex(i)
		for _, s := range c.Signals {
			buf := store.EnsureSignalBuffer(s.SignalID, s.MinSampleIntervalMS, s.SampleBufferSize)
			buf.Dependents.Set(idx)
			if s.FixedWindowPeriodMS > 0 {
				buf.Window(s.FixedWindowPeriodMS)
			}
		}
		for _, f := range c.RawFrames {
			buf := store.EnsureFrameBuffer(f.FrameID, f.ChannelID, f.SampleBufferSize)
			buf.Dependents.Set(idx)
		}
	}
	return store
}
