package history

import "github.com/fleetwire/inspector/engine/signal"

type bufferKey struct {
	signalID      signal.ID
	minIntervalMS uint64
}

type frameKey struct {
	frameID   uint32
	channelID uint32
}

type mismatchKey struct {
	signalID signal.ID
	got      signal.TypeTag
}

// Store is the signal history store: a set of typed ring buffers, one
// per distinct (signal, sampling interval) pair actually referenced by
// the active matrix, plus one ring per (frame, channel) pair.
type Store struct {
	buffers      map[bufferKey]*SignalBuffer
	frameBuffers map[frameKey]*FrameBuffer
	payloads     signal.PayloadStore

	// OnTypeMismatch, when set, is invoked the first time a sample for
	// (signal, type) arrives with a type tag different from the
	// buffer's pinned type. Subsequent mismatches for the same pair
	// only increment the counter.
	OnTypeMismatch func(id signal.ID, want, got signal.TypeTag)

	mismatchWarned map[mismatchKey]struct{}
	typeMismatches uint64
}

// NewStore constructs an empty history store. payloads may be nil when
// the active matrix references no ComplexHandle-typed signal.
func NewStore(payloads signal.PayloadStore) *Store {
	return &Store{
		buffers:        make(map[bufferKey]*SignalBuffer),
		frameBuffers:   make(map[frameKey]*FrameBuffer),
		payloads:       payloads,
		mismatchWarned: make(map[mismatchKey]struct{}),
	}
}

// EnsureSignalBuffer returns the buffer for (id, minIntervalMS),
// creating it with the requested capacity if absent. When a buffer for
// this (signal, interval) pair already exists, because two conditions
// request the same sampling interval on the same signal, its capacity
// grows to the max of the two requests rather than creating a second
// buffer. Call this while building a new Matrix, before any samples
// arrive.
func (s *Store) EnsureSignalBuffer(id signal.ID, minIntervalMS uint64, capacity int) *SignalBuffer {
	k := bufferKey{id, minIntervalMS}
	b, ok := s.buffers[k]
	if !ok {
		b = NewSignalBuffer(id, minIntervalMS, capacity, s.payloads)
		s.buffers[k] = b
		return b
	}
	b.Grow(capacity)
	return b
}

// EnsureFrameBuffer returns the frame buffer for (frameID, channelID),
// creating it with the requested capacity if absent, growing it to the
// max of requested capacities otherwise.
func (s *Store) EnsureFrameBuffer(frameID, channelID uint32, capacity int) *FrameBuffer {
	k := frameKey{frameID, channelID}
	b, ok := s.frameBuffers[k]
	if !ok {
		b = NewFrameBuffer(frameID, channelID, capacity)
		s.frameBuffers[k] = b
		return b
	}
	b.Grow(capacity)
	return b
}

// SignalBuffer looks up an existing buffer without creating one.
func (s *Store) SignalBuffer(id signal.ID, minIntervalMS uint64) (*SignalBuffer, bool) {
	b, ok := s.buffers[bufferKey{id, minIntervalMS}]
	return b, ok
}

// FrameBuffer looks up an existing frame buffer without creating one.
func (s *Store) FrameBuffer(frameID, channelID uint32) (*FrameBuffer, bool) {
	b, ok := s.frameBuffers[frameKey{frameID, channelID}]
	return b, ok
}

// Buffers returns every signal buffer, for matrix-swap teardown and
// size accounting.
func (s *Store) Buffers() map[bufferKey]*SignalBuffer { return s.buffers }

// ReplaceBuffers swaps in a freshly built buffer set, built against a
// new Matrix, releasing every complex-payload handle held by buffers
// that did not survive the swap: when a matrix swap drops a complex
// buffer, every live handle in it must be decref'd before the buffer
// is freed, or the payload store leaks it forever.
func (s *Store) ReplaceBuffers(next map[bufferKey]*SignalBuffer, nextFrames map[frameKey]*FrameBuffer) {
	for k, old := range s.buffers {
		if _, kept := next[k]; !kept {
			old.Release()
		}
	}
	s.buffers = next
	s.frameBuffers = nextFrames
}

// AddSignal ingests one typed sample for id, fanning it out to every
// buffer registered for that signal regardless of sampling interval,
// and OR-ing each mutated buffer's dependent condition set into dirty.
func (s *Store) AddSignal(id signal.ID, tag signal.TypeTag, wall, monotonic signal.Timestamp, value signal.Value, dirty *signal.ConditionMask) {
	for k, b := range s.buffers {
		if k.signalID != id {
			continue
		}
		if want, pinned := b.TypeTag(); pinned && want != tag {
			s.typeMismatches++
			mk := mismatchKey{id, tag}
			if _, warned := s.mismatchWarned[mk]; !warned {
				s.mismatchWarned[mk] = struct{}{}
				if s.OnTypeMismatch != nil {
					s.OnTypeMismatch(id, want, tag)
				}
			}
			continue
		}
		_, mutated := b.Add(tag, wall, monotonic, value)
		if mutated && dirty != nil {
			dirty.Or(b.Dependents)
		}
	}
}

// TypeMismatches reports the cumulative count of samples dropped for
// arriving with a type tag different from their buffer's pinned type.
func (s *Store) TypeMismatches() uint64 { return s.typeMismatches }

// AddRawFrame ingests one raw CAN frame, fanning out to the (frameID,
// channelID) buffer if one is registered.
func (s *Store) AddRawFrame(frame signal.RawFrame, dirty *signal.ConditionMask) {
	b, ok := s.frameBuffers[frameKey{frame.FrameID, frame.ChannelID}]
	if !ok {
		return
	}
	if b.Add(frame) && dirty != nil {
		dirty.Or(b.Dependents)
	}
}

// TickWindows advances every fixed-window aggregator in the store
// against now, without requiring a new sample, and ORs dependents of
// any buffer whose window rolled over into dirty.
func (s *Store) TickWindows(now signal.Timestamp, dirty *signal.ConditionMask) {
	for _, b := range s.buffers {
		if b.TickWindows(now) && dirty != nil {
			dirty.Or(b.Dependents)
		}
	}
}

// NextWindowTimeout returns the earliest upcoming window-close horizon
// across the whole store, used to compute wait_time_hint.
func (s *Store) NextWindowTimeout() (signal.Timestamp, bool) {
	var best signal.Timestamp
	found := false
	for _, b := range s.buffers {
		t, ok := b.NextWindowTimeout()
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

// SignalRef names the (signal, sampling interval) a condition snapshots
// from, and how many unconsumed newest samples to collect.
type SignalRef struct {
	SignalID      signal.ID
	MinIntervalMS uint64
	MaxSamples    int
}

// FrameRef names the (frame, channel) a condition snapshots from.
type FrameRef struct {
	FrameID, ChannelID uint32
	MaxSamples         int
}

// SnapshotSignal walks ref's buffer backwards from the newest sample,
// collecting up to ref.MaxSamples whose consumed bit for condition is
// unset, in newest-first order. When markConsumed is true
// (send_only_once_per_condition), each collected sample's consumed bit
// for condition is set.
func (s *Store) SnapshotSignal(ref SignalRef, condition signal.ConditionIndex, markConsumed bool) []signal.Sample {
	b, ok := s.buffers[bufferKey{ref.SignalID, ref.MinIntervalMS}]
	if !ok {
		return nil
	}
	out := make([]signal.Sample, 0, ref.MaxSamples)
	for i := 0; i < b.Len() && len(out) < ref.MaxSamples; i++ {
		smp, ok := b.At(i)
		if !ok {
			continue
		}
		if smp.Consumed.Test(condition) {
			continue
		}
		out = append(out, smp)
		if markConsumed {
			b.consumedPtr(i).Set(condition)
		}
	}
	return out
}

// SnapshotFrame is SnapshotSignal's analogue for raw frame buffers.
func (s *Store) SnapshotFrame(ref FrameRef, condition signal.ConditionIndex, markConsumed bool) []signal.RawFrame {
	b, ok := s.frameBuffers[frameKey{ref.FrameID, ref.ChannelID}]
	if !ok {
		return nil
	}
	out := make([]signal.RawFrame, 0, ref.MaxSamples)
	for i := 0; i < b.Len() && len(out) < ref.MaxSamples; i++ {
		fr, ok := b.At(i)
		if !ok {
			continue
		}
		if fr.Consumed.Test(condition) {
			continue
		}
		out = append(out, fr)
		if markConsumed {
			b.consumedPtr(i).Set(condition)
		}
	}
	return out
}

// ReleaseAll decrefs every live complex-payload handle held by this
// store's buffers, used when the inspection engine swaps in an
// entirely new Store at matrix change rather than reusing this one via
// ReplaceBuffers.
func (s *Store) ReleaseAll() {
	for _, b := range s.buffers {
		b.Release()
	}
}

// SizeBytes estimates the store's total contribution to the matrix's
// static memory budget.
func (s *Store) SizeBytes() int {
	total := 0
	for _, b := range s.buffers {
		total += b.SizeBytes()
	}
	for _, b := range s.frameBuffers {
		total += b.SizeBytes()
	}
	return total
}
