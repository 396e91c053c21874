package inspection

import (
	"github.com/fleetwire/inspector/engine/queue"
	"github.com/fleetwire/inspector/engine/signal"
)

// Snapshot is the data emitted when a condition triggers: selected
// history plus metadata. It is richer than queue.Snapshot, which only
// carries the wire-shape fields an egress sender needs;
// ToQueueSnapshot projects this down before pushing.
type Snapshot struct {
	ConditionIndex signal.ConditionIndex
	EventID        uint32
	TriggerTime    signal.Timestamp

	Signals   map[signal.ID][]signal.Sample
	RawFrames []FrameSnapshot

	DTCs *signal.ActiveDTCInfo

	GeohashCurrent  string
	GeohashPrevious string

	Metadata Metadata
}

// FrameSnapshot names the raw frames collected for one (frame,
// channel) reference.
type FrameSnapshot struct {
	FrameID, ChannelID uint32
	Frames             []signal.RawFrame
}

// ToQueueSnapshot projects s down to the minimal shape the egress
// queue and sender consume.
func (s Snapshot) ToQueueSnapshot() queue.Snapshot {
	raw := make([]signal.RawFrame, 0)
	for _, fs := range s.RawFrames {
		raw = append(raw, fs.Frames...)
	}
	return queue.Snapshot{
		EventID:      s.EventID,
		ConditionIdx: s.ConditionIndex,
		TriggerTime:  s.TriggerTime,
		Signals:      s.Signals,
		RawFrames:    raw,
		DTCs:         s.DTCs,
		GeohashCur:   s.GeohashCurrent,
		GeohashPrev:  s.GeohashPrevious,
	}
}
