package inspection

import (
	"github.com/fleetwire/inspector/engine/aggregate"
	"github.com/fleetwire/inspector/engine/geohash"
	"github.com/fleetwire/inspector/engine/history"
	"github.com/fleetwire/inspector/engine/signal"
)

// conditionResolver projects one condition's declared signal list onto
// the history store, implementing expr.Resolver and, when the
// condition configures one, expr.GeohashResolver: it is the one place
// the evaluator's abstract signal/window lookups bind to a concrete
// buffer.
type conditionResolver struct {
	store   *history.Store
	spec    *ConditionSpec
	tracker *geohash.Tracker
}

func (r *conditionResolver) Signal(id uint32) (signal.Value, bool) {
	for _, s := range r.spec.Signals {
		if uint32(s.SignalID) != id {
			continue
		}
		buf, ok := r.store.SignalBuffer(s.SignalID, s.MinSampleIntervalMS)
		if !ok {
			continue
		}
		smp, ok := buf.Latest()
		if !ok {
			continue
		}
		return smp.Value, true
	}
	return signal.Value{}, false
}

func (r *conditionResolver) Window(f aggregate.Func, id uint32) (float64, bool) {
	for _, s := range r.spec.Signals {
		if uint32(s.SignalID) != id || s.FixedWindowPeriodMS == 0 {
			continue
		}
		buf, ok := r.store.SignalBuffer(s.SignalID, s.MinSampleIntervalMS)
		if !ok {
			continue
		}
		return buf.Window(s.FixedWindowPeriodMS).Read(f)
	}
	return 0, false
}

// GeohashChanged implements expr.GeohashResolver for conditions that
// configure a GeohashSpec. precision is clamped to the condition's own
// configured precision: the expression cannot ask for a finer-grained
// delta than the engine is tracking.
func (r *conditionResolver) GeohashChanged(precision int) bool {
	if r.tracker == nil || r.spec.Geohash == nil {
		return false
	}
	if precision > r.spec.Geohash.Precision {
		precision = r.spec.Geohash.Precision
	}
	return r.tracker.HasNew() && precision <= r.spec.Geohash.Precision
}
