package inspection

import (
	"testing"
	"time"

	"github.com/fleetwire/inspector/engine/aggregate"
	"github.com/fleetwire/inspector/engine/clock"
	"github.com/fleetwire/inspector/engine/expr"
	"github.com/fleetwire/inspector/engine/geohash"
	"github.com/fleetwire/inspector/engine/queue"
	"github.com/fleetwire/inspector/engine/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gt50Matrix builds a single-condition matrix: Signal(7) > 50, buffer
// size 4.
func gt50Matrix(riseOnly bool, minPublishMS, afterDurationMS uint64, sendOnce bool) *Matrix {
	a := expr.NewArena()
	sig := a.Add(expr.Node{Kind: expr.KindSignal, SignalID: 7})
	lit := a.Add(expr.Node{Kind: expr.KindFloat, Float: 50})
	root := a.Add(expr.Node{Kind: expr.KindBinary, BinOp: expr.Gt, Left: sig, Right: lit})

	return &Matrix{
		Arena: a,
		Options: Options{
			SendOnlyOncePerCondition: sendOnce,
		},
		Conditions: []ConditionSpec{{
			Root:                    root,
			MinPublishIntervalMS:    minPublishMS,
			AfterDurationMS:         afterDurationMS,
			TriggerOnlyOnRisingEdge: riseOnly,
			ProbabilityToSend:       1.0,
			Signals: []SignalSpec{{
				SignalID:            7,
				SampleBufferSize:    4,
				MinSampleIntervalMS: 0,
				TypeTag:             signal.F64,
			}},
		}},
	}
}

func drainSnapshots(e *Engine) []queue.Snapshot {
	var out []queue.Snapshot
	for {
		s, ok := e.Egress().Pop()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func floatSamples(samples []signal.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i], _ = s.Value.Float64()
	}
	return out
}

// ingestAt advances clk to absolute wallMS (tests always advance
// forward in time) and feeds one sample at that instant, then steps
// the engine against the resulting time point.
func ingestAt(t *testing.T, e *Engine, clk *clock.Manual, wallMS uint64, id signal.ID, v float64) {
	t.Helper()
	delta := int64(wallMS) - int64(clk.SystemNowMS())
	require.True(t, delta >= 0, "test timelines must advance forward")
	clk.Advance(time.Duration(delta) * time.Millisecond)
	e.IngestSignal(id, signal.F64, clk.SystemNowMS(), signal.NumericValue(signal.F64, v))
	e.Step(clk.Now())
}

// TestRisingEdgeSingleSignalConsumesSamplesOnce exercises
// send_only_once_per_condition at its documented default (true): the
// second snapshot omits the t=110 sample of 60 because it was already
// marked consumed by the first snapshot.
func TestRisingEdgeSingleSignalConsumesSamplesOnce(t *testing.T) {
	clk := clock.NewManual(0, 0)
	e := NewEngine(clk, nil, 64, 64, nil)
	require.NoError(t, e.SetInspectionMatrix(gt50Matrix(true, 0, 0, true)))
	e.Step(clk.Now()) // first tick after swap: forces full evaluation

	ingestAt(t, e, clk, 100, 7, 10)
	ingestAt(t, e, clk, 110, 7, 60)
	ingestAt(t, e, clk, 120, 7, 80)
	ingestAt(t, e, clk, 130, 7, 40)
	ingestAt(t, e, clk, 140, 7, 90)

	snaps := drainSnapshots(e)
	require.Len(t, snaps, 2)
	assert.Equal(t, []float64{60, 10}, floatSamples(snapshotSamplesFor(t, snaps[0], 7)))
	assert.Equal(t, []float64{90, 40, 80}, floatSamples(snapshotSamplesFor(t, snaps[1], 7)))
}

func snapshotSamplesFor(t *testing.T, snap queue.Snapshot, id signal.ID) []signal.Sample {
	t.Helper()
	return snap.Signals[id]
}

// TestMinPublishIntervalSuppressesRepeatTriggers checks that a
// condition re-triggering inside its min_publish_interval window is
// suppressed, and fires again once the interval has elapsed.
func TestMinPublishIntervalSuppressesRepeatTriggers(t *testing.T) {
	clk := clock.NewManual(0, 0)
	e := NewEngine(clk, nil, 64, 64, nil)
	require.NoError(t, e.SetInspectionMatrix(gt50Matrix(false, 100, 0, true)))
	e.Step(clk.Now())

	ingestAt(t, e, clk, 100, 7, 60)
	ingestAt(t, e, clk, 110, 7, 70)
	ingestAt(t, e, clk, 150, 7, 80)
	ingestAt(t, e, clk, 210, 7, 90)

	snaps := drainSnapshots(e)
	require.Len(t, snaps, 2)
	assert.EqualValues(t, 100, snaps[0].TriggerTime)
	assert.EqualValues(t, 210, snaps[1].TriggerTime)
}

// TestMatrixSwapDropsHistoryOfRetiredSignals verifies that swapping to
// a matrix that no longer declares a signal leaves that signal's
// history out of every subsequent snapshot.
func TestMatrixSwapDropsHistoryOfRetiredSignals(t *testing.T) {
	clk := clock.NewManual(0, 0)
	e := NewEngine(clk, nil, 64, 64, nil)

	// First matrix only stores signal 1, never triggers (no condition
	// even references a threshold on it) -- just populates history.
	a1 := expr.NewArena()
	falseLit := a1.Add(expr.Node{Kind: expr.KindBool, Bool: false})
	m1 := &Matrix{Arena: a1, Conditions: []ConditionSpec{{
		Root: falseLit, ProbabilityToSend: 1.0,
		Signals: []SignalSpec{{SignalID: 1, SampleBufferSize: 10, TypeTag: signal.F64}},
	}}}
	require.NoError(t, e.SetInspectionMatrix(m1))
	e.Step(clk.Now())
	for i := 0; i < 10; i++ {
		ingestAt(t, e, clk, uint64(10*(i+1)), 1, float64(i))
	}
	require.Empty(t, drainSnapshots(e))

	require.NoError(t, e.SetInspectionMatrix(gt50Matrix(true, 0, 0, true)))
	e.Step(clk.Now())
	ingestAt(t, e, clk, 200, 7, 90)

	snaps := drainSnapshots(e)
	require.Len(t, snaps, 1)
	assert.Empty(t, snaps[0].Signals[1])
	assert.Equal(t, []float64{90}, floatSamples(snapshotSamplesFor(t, snaps[0], 7)))
}

// TestProbabilityGatingCanBeDisabled checks that probability_to_send
// suppresses every trigger by default, and that disable_probability
// overrides the suppression.
func TestProbabilityGatingCanBeDisabled(t *testing.T) {
	clk := clock.NewManual(0, 0)
	e := NewEngine(clk, nil, 256, 256, nil)

	probeMatrix := func(disable bool) *Matrix {
		a := expr.NewArena()
		sig := a.Add(expr.Node{Kind: expr.KindSignal, SignalID: 7})
		lit := a.Add(expr.Node{Kind: expr.KindFloat, Float: 50})
		root := a.Add(expr.Node{Kind: expr.KindBinary, BinOp: expr.Gt, Left: sig, Right: lit})
		return &Matrix{
			Arena:   a,
			Options: Options{DisableProbability: disable},
			Conditions: []ConditionSpec{{
				Root: root, ProbabilityToSend: 0.0,
				Signals: []SignalSpec{{SignalID: 7, SampleBufferSize: 1, TypeTag: signal.F64}},
			}},
		}
	}

	require.NoError(t, e.SetInspectionMatrix(probeMatrix(false)))
	e.Step(clk.Now())
	for i := 0; i < 50; i++ {
		v := float64(60 + i%2)
		ingestAt(t, e, clk, uint64(10*(i+1)), 7, v)
	}
	assert.Empty(t, drainSnapshots(e), "probability_to_send=0.0 must suppress every trigger")

	require.NoError(t, e.SetInspectionMatrix(probeMatrix(true)))
	e.Step(clk.Now())
	for i := 0; i < 50; i++ {
		v := float64(60 + i%2)
		ingestAt(t, e, clk, uint64(510+10*(i+1)), 7, v)
	}
	assert.NotEmpty(t, drainSnapshots(e), "disable_probability must reverse the suppression")
}

// TestWindowAverageTriggersCondition drives lastAvg(Signal(3), 100ms) > 5
// through the whole engine: the first completed window averages 4 and
// stays quiet, the second completes at t=200 with avg 9 and fires even
// though no sample arrives at the rollover instant itself.
func TestWindowAverageTriggersCondition(t *testing.T) {
	clk := clock.NewManual(0, 0)
	e := NewEngine(clk, nil, 64, 64, nil)

	a := expr.NewArena()
	win := a.Add(expr.Node{Kind: expr.KindWindow, SignalID: 3, WindowFunc: aggregate.LastAvg})
	lit := a.Add(expr.Node{Kind: expr.KindFloat, Float: 5})
	root := a.Add(expr.Node{Kind: expr.KindBinary, BinOp: expr.Gt, Left: win, Right: lit})
	m := &Matrix{Arena: a, Conditions: []ConditionSpec{{
		Root: root, ProbabilityToSend: 1.0,
		Signals: []SignalSpec{{
			SignalID:            3,
			SampleBufferSize:    8,
			FixedWindowPeriodMS: 100,
			TypeTag:             signal.F64,
		}},
	}}}
	require.NoError(t, e.SetInspectionMatrix(m))
	e.Step(clk.Now())

	ingestAt(t, e, clk, 10, 3, 2)
	ingestAt(t, e, clk, 50, 3, 4)
	ingestAt(t, e, clk, 90, 3, 6)
	ingestAt(t, e, clk, 110, 3, 8)
	ingestAt(t, e, clk, 190, 3, 10)
	require.Empty(t, drainSnapshots(e), "the first completed window averages 4 and must not fire")

	clk.Advance(10 * time.Millisecond) // t=200: window closes with no sample arriving
	e.Step(clk.Now())

	snaps := drainSnapshots(e)
	require.Len(t, snaps, 1)
	assert.EqualValues(t, 200, snaps[0].TriggerTime)
	assert.Equal(t, []float64{10, 8, 6, 4, 2}, floatSamples(snapshotSamplesFor(t, snaps[0], 3)))
}

// TestAfterDurationDelaysSnapshotAndCollectsPostTriggerSamples checks
// that a condition with after_duration_ms holds its snapshot back until
// the post-trigger window has elapsed, and that samples arriving inside
// that window make it into the emitted snapshot.
func TestAfterDurationDelaysSnapshotAndCollectsPostTriggerSamples(t *testing.T) {
	clk := clock.NewManual(0, 0)
	e := NewEngine(clk, nil, 64, 64, nil)
	require.NoError(t, e.SetInspectionMatrix(gt50Matrix(true, 0, 50, true)))
	e.Step(clk.Now())

	ingestAt(t, e, clk, 100, 7, 60)
	require.Empty(t, drainSnapshots(e), "nothing may emit before the after-duration elapses")

	ingestAt(t, e, clk, 120, 7, 30)
	ingestAt(t, e, clk, 140, 7, 70)
	require.Empty(t, drainSnapshots(e))
	assert.Equal(t, 10*time.Millisecond, e.WaitTimeHint(clk.Now()),
		"the pending condition's deadline at t=150 should drive the wait hint")

	clk.Advance(10 * time.Millisecond)
	e.Step(clk.Now())

	snaps := drainSnapshots(e)
	require.Len(t, snaps, 1)
	assert.EqualValues(t, 100, snaps[0].TriggerTime, "trigger time is the edge, not the emission instant")
	assert.Equal(t, []float64{70, 30, 60}, floatSamples(snapshotSamplesFor(t, snaps[0], 7)),
		"samples arriving during the after-duration window are part of the snapshot")
}

// TestZeroSampleBufferSizeNeverTriggers covers the documented boundary:
// a condition whose only signal has no storage can never evaluate true.
func TestZeroSampleBufferSizeNeverTriggers(t *testing.T) {
	clk := clock.NewManual(0, 0)
	e := NewEngine(clk, nil, 64, 64, nil)

	a := expr.NewArena()
	sig := a.Add(expr.Node{Kind: expr.KindSignal, SignalID: 7})
	lit := a.Add(expr.Node{Kind: expr.KindFloat, Float: 50})
	root := a.Add(expr.Node{Kind: expr.KindBinary, BinOp: expr.Gt, Left: sig, Right: lit})
	m := &Matrix{Arena: a, Conditions: []ConditionSpec{{
		Root: root, ProbabilityToSend: 1.0,
		Signals: []SignalSpec{{SignalID: 7, SampleBufferSize: 0, TypeTag: signal.F64}},
	}}}
	require.NoError(t, e.SetInspectionMatrix(m))
	e.Step(clk.Now())

	for i := 0; i < 20; i++ {
		ingestAt(t, e, clk, uint64(10*(i+1)), 7, 90)
	}
	assert.Empty(t, drainSnapshots(e))
}

// TestProducerWallClockLagDoesNotStallIngest feeds samples whose
// wall-clock stamps trail the engine's own clock, the normal case with
// real producers, and checks that the min-sample-interval gate still
// runs on the engine's monotonic time: lagging wall stamps must not
// zero a sample's monotonic time and wedge the buffer shut.
func TestProducerWallClockLagDoesNotStallIngest(t *testing.T) {
	clk := clock.NewManual(1000, 0)
	e := NewEngine(clk, nil, 64, 64, nil)

	a := expr.NewArena()
	sig := a.Add(expr.Node{Kind: expr.KindSignal, SignalID: 7})
	lit := a.Add(expr.Node{Kind: expr.KindFloat, Float: 50})
	root := a.Add(expr.Node{Kind: expr.KindBinary, BinOp: expr.Gt, Left: sig, Right: lit})
	m := &Matrix{
		Arena:   a,
		Options: Options{SendOnlyOncePerCondition: true},
		Conditions: []ConditionSpec{{
			Root: root, ProbabilityToSend: 1.0,
			Signals: []SignalSpec{{
				SignalID:            7,
				SampleBufferSize:    4,
				MinSampleIntervalMS: 40,
				TypeTag:             signal.F64,
			}},
		}},
	}
	require.NoError(t, e.SetInspectionMatrix(m))
	e.Step(clk.Now())

	lagged := func(v float64) {
		e.IngestSignal(7, signal.F64, clk.SystemNowMS()-5, signal.NumericValue(signal.F64, v))
		e.Step(clk.Now())
	}

	clk.Advance(100 * time.Millisecond)
	lagged(60)
	snaps := drainSnapshots(e)
	require.Len(t, snaps, 1)
	assert.Equal(t, []float64{60}, floatSamples(snapshotSamplesFor(t, snaps[0], 7)))

	clk.Advance(20 * time.Millisecond)
	lagged(70)
	assert.Empty(t, drainSnapshots(e), "a sample inside the 40ms interval is dropped, nothing new to evaluate")

	clk.Advance(30 * time.Millisecond)
	lagged(80)
	snaps = drainSnapshots(e)
	require.Len(t, snaps, 1, "samples past the interval keep flowing despite the lagging wall stamps")
	assert.Equal(t, []float64{80}, floatSamples(snapshotSamplesFor(t, snaps[0], 7)))
}

// TestActiveDTCsEmbeddedWhenRequested checks that the most recent
// active-DTC set rides along in snapshots of conditions that ask for
// it.
func TestActiveDTCsEmbeddedWhenRequested(t *testing.T) {
	clk := clock.NewManual(0, 0)
	e := NewEngine(clk, nil, 64, 64, nil)

	m := gt50Matrix(true, 0, 0, true)
	m.Conditions[0].IncludeActiveDTCs = true
	require.NoError(t, e.SetInspectionMatrix(m))
	e.Step(clk.Now())

	e.IngestActiveDTCs(signal.ActiveDTCInfo{ServiceMode: 3, ReceiveTime: 50, DTCCodes: []string{"P0420", "P0171"}})
	ingestAt(t, e, clk, 100, 7, 60)

	snaps := drainSnapshots(e)
	require.Len(t, snaps, 1)
	require.NotNil(t, snaps[0].DTCs)
	assert.Equal(t, []string{"P0420", "P0171"}, snaps[0].DTCs.DTCCodes)
	assert.EqualValues(t, 3, snaps[0].DTCs.ServiceMode)
}

// TestGeohashDeltaScenario covers a condition that only fires when the
// tracked geohash changes at its configured precision.
func TestGeohashDeltaScenario(t *testing.T) {
	clk := clock.NewManual(0, 0)
	e := NewEngine(clk, nil, 64, 64, nil)

	a := expr.NewArena()
	root := a.Add(expr.Node{Kind: expr.KindGeohashChanged, GeohashPrecision: 6})
	m := &Matrix{Arena: a, Conditions: []ConditionSpec{{
		Root: root, ProbabilityToSend: 1.0,
		Signals: []SignalSpec{
			{SignalID: 10, SampleBufferSize: 1, TypeTag: signal.F64},
			{SignalID: 11, SampleBufferSize: 1, TypeTag: signal.F64},
		},
		Geohash: &GeohashSpec{LatSignalID: 10, LonSignalID: 11, Unit: geohash.DecimalDegree, Precision: 6},
	}}}
	require.NoError(t, e.SetInspectionMatrix(m))
	e.Step(clk.Now())

	clk.Advance(100 * time.Millisecond)
	e.IngestSignal(10, signal.F64, clk.SystemNowMS(), signal.NumericValue(signal.F64, 37.7749))
	e.IngestSignal(11, signal.F64, clk.SystemNowMS(), signal.NumericValue(signal.F64, -122.4194))
	e.Step(clk.Now())
	require.NotEmpty(t, drainSnapshots(e), "first fix always counts as a change")

	clk.Advance(100 * time.Millisecond)
	e.IngestSignal(10, signal.F64, clk.SystemNowMS(), signal.NumericValue(signal.F64, 37.7749))
	e.IngestSignal(11, signal.F64, clk.SystemNowMS(), signal.NumericValue(signal.F64, -122.4194))
	e.Step(clk.Now())
	assert.Empty(t, drainSnapshots(e), "an unchanged fix must not re-trigger")
}
