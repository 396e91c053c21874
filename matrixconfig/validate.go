package matrixconfig

import (
	"fmt"

	"github.com/fleetwire/inspector/engine/geohash"
)

// DefaultValidator catches the document-level mistakes that would
// otherwise surface as an opaque ToMatrix conversion error: an empty
// condition list, a negative buffer size, or a probability outside
// [0,1]. A sample_buffer_size of exactly 0 is accepted as a valid
// boundary case: the condition is wired up but never has any storage
// to snapshot from, so it can never trigger. NewManager registers it
// on every Manager; WithValidator adds further validators alongside
// it and cannot remove it.
type DefaultValidator struct{}

// Validate implements ConfigValidator.
func (DefaultValidator) Validate(doc *Document) error {
	if len(doc.Conditions) == 0 {
		return fmt.Errorf("matrix file declares no conditions")
	}
	for i, c := range doc.Conditions {
		if c.ProbabilityToSend != nil && (*c.ProbabilityToSend < 0 || *c.ProbabilityToSend > 1) {
			return fmt.Errorf("condition %d: probability_to_send %v outside [0,1]", i, *c.ProbabilityToSend)
		}
		for j, s := range c.Signals {
			if s.SampleBufferSize < 0 {
				return fmt.Errorf("condition %d signal %d: sample_buffer_size must not be negative", i, j)
			}
		}
		for j, f := range c.RawFrames {
			if f.SampleBufferSize < 0 {
				return fmt.Errorf("condition %d raw_frame %d: sample_buffer_size must not be negative", i, j)
			}
		}
		if c.Geohash != nil && (c.Geohash.Precision <= 0 || c.Geohash.Precision > geohash.MaxPrecision) {
			return fmt.Errorf("condition %d: geohash precision %d outside [1,%d]", i, c.Geohash.Precision, geohash.MaxPrecision)
		}
	}
	return nil
}
