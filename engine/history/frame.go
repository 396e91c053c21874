package history

import "github.com/fleetwire/inspector/engine/signal"

// FrameBuffer is a fixed-capacity ring of raw CAN frames for one (frame
// id, channel id) pair.
type FrameBuffer struct {
	FrameID   uint32
	ChannelID uint32
	Capacity  int

	ring  []signal.RawFrame
	head  int
	count int

	Dependents signal.ConditionMask
}

// NewFrameBuffer allocates a ring of the given capacity.
func NewFrameBuffer(frameID, channelID uint32, capacity int) *FrameBuffer {
	return &FrameBuffer{
		FrameID:   frameID,
		ChannelID: channelID,
		Capacity:  capacity,
		ring:      make([]signal.RawFrame, capacity),
	}
}

// Grow reallocates the ring to hold capacity frames, preserving any
// stored frames oldest-first. Requests at or below the current
// capacity are a no-op.
func (b *FrameBuffer) Grow(capacity int) {
	if capacity <= b.Capacity {
		return
	}
	next := make([]signal.RawFrame, capacity)
	for i := b.count - 1; i >= 0; i-- {
		f, _ := b.At(i)
		next[b.count-1-i] = f
	}
	b.ring = next
	b.head = b.count
	b.Capacity = capacity
}

// Add stores one raw frame, always accepted: raw frame buffers have no
// min-interval gate the way signal buffers do. It reports
// mutated=true whenever the buffer actually has capacity to hold it.
func (b *FrameBuffer) Add(frame signal.RawFrame) (mutated bool) {
	if b.Capacity == 0 {
		return false
	}
	b.ring[b.head] = frame
	b.head = (b.head + 1) % b.Capacity
	if b.count < b.Capacity {
		b.count++
	}
	return true
}

// Len reports how many frames are currently stored.
func (b *FrameBuffer) Len() int { return b.count }

// At returns the i-th newest frame (0 = most recent).
func (b *FrameBuffer) At(i int) (signal.RawFrame, bool) {
	if i < 0 || i >= b.count {
		return signal.RawFrame{}, false
	}
	idx := (b.head - 1 - i + b.Capacity*2) % b.Capacity
	return b.ring[idx], true
}

func (b *FrameBuffer) consumedPtr(i int) *signal.ConditionMask {
	idx := (b.head - 1 - i + b.Capacity*2) % b.Capacity
	return &b.ring[idx].Consumed
}

// SizeBytes estimates this buffer's contribution to the 20 MiB budget.
func (b *FrameBuffer) SizeBytes() int {
	const frameOverhead = 4 + 4 + 1 + 8 + 32 // ids, length, timestamp, consumed mask
	return b.Capacity * (signal.MaxPayloadBytes + frameOverhead)
}
