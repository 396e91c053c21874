package inspection

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwire/inspector/engine/clock"
	"github.com/fleetwire/inspector/engine/expr"
	"github.com/fleetwire/inspector/engine/geohash"
	"github.com/fleetwire/inspector/engine/history"
	"github.com/fleetwire/inspector/engine/logging"
	"github.com/fleetwire/inspector/engine/metrics"
	"github.com/fleetwire/inspector/engine/queue"
	"github.com/fleetwire/inspector/engine/signal"
	"github.com/fleetwire/inspector/engine/tracing"
)

// DefaultIdleTimeout is how long Run's worker loop waits with nothing
// dirty and no window or after-duration deadline pending.
const DefaultIdleTimeout = time.Second

// conditionState is the per-condition mutable state the engine tracks
// across ticks: the trigger/publish history the per-condition state
// machine needs to apply the rising-edge, minimum-interval,
// after-duration, and probability gates.
type conditionState struct {
	currentlyTrue bool

	hasLastTrigger bool
	lastTrigger    signal.TimePoint

	hasLastPublish       bool
	lastPublishMonotonic signal.Timestamp

	// pendingPublish marks a condition staged for emission by
	// evaluateConditions but not yet drained by collectNextSnapshot
	// (waiting out after_duration_ms, or waiting for its egress turn).
	// evaluateConditions refuses to re-arm a condition while this is
	// set: without this guard a level-triggered condition
	// (trigger_only_on_rising_edge=false) that stays true across many
	// ticks would have its after-duration countdown reset on every
	// tick that passes the min-publish-interval gate and would never
	// actually fire.
	pendingPublish bool
	eventID        uint32
}

// runtimeMatrix bundles one built Matrix with the storage and
// per-condition state sized for it. A new one is built whenever
// SetInspectionMatrix stages a structurally different matrix; an
// Equal matrix is a no-op instead, so swapping to an identical matrix
// never resets buffers or trigger state it didn't need to.
type runtimeMatrix struct {
	spec  *Matrix
	store *history.Store
	conds []conditionState

	// geohashTrackers holds one Tracker per condition that configures
	// a GeohashSpec, keyed by condition index.
	geohashTrackers map[int]*geohash.Tracker
}

func newRuntimeMatrix(spec *Matrix, payloads signal.PayloadStore) *runtimeMatrix {
	rt := &runtimeMatrix{
		spec:            spec,
		store:           buildStore(spec, payloads),
		conds:           make([]conditionState, len(spec.Conditions)),
		geohashTrackers: make(map[int]*geohash.Tracker),
	}
	for i, c := range spec.Conditions {
		if c.Geohash != nil {
			rt.geohashTrackers[i] = &geohash.Tracker{}
		}
	}
	return rt
}

func (rt *runtimeMatrix) fullMask() signal.ConditionMask {
	var m signal.ConditionMask
	for i := range rt.conds {
		m.Set(signal.ConditionIndex(i))
	}
	return m
}

// Engine is the Inspection Engine: it owns the active matrix's
// history store, drains the ingress queue, runs the evaluator against
// every dirty condition, and pushes triggered snapshots to the egress
// queue.
type Engine struct {
	mu      sync.Mutex
	current *runtimeMatrix
	pending *runtimeMatrix

	firstTickAfterSwap bool

	ingress  *queue.Ingress
	egress   *queue.Egress
	clk      clock.Clock
	payloads signal.PayloadStore

	rng *rand.Rand

	eventCounter atomic.Uint32 // low 8 bits used; see nextEventID
	processTag   string        // distinguishes this process's event ids in logs across restarts

	idleTimeout time.Duration
	nextRR      int

	// stepCtx is the active Step's span context, read only on the
	// worker goroutine so log lines emitted mid-Step carry the span's
	// trace/span IDs.
	stepCtx context.Context

	log     logging.Logger
	metrics metrics.Provider
	tracer  tracing.Tracer

	hasDTCs bool
	lastDTCs signal.ActiveDTCInfo

	stop chan struct{}
	done chan struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default slog-backed logger.
func WithLogger(l logging.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics overrides the default no-op metrics provider.
func WithMetrics(p metrics.Provider) Option { return func(e *Engine) { e.metrics = p } }

// WithTracer overrides the default no-op tracer, letting a caller wire
// in engine/telemetry's OpenTelemetry-backed tracer so each Step's
// evaluation pass becomes a real, correlatable span.
func WithTracer(t tracing.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option { return func(e *Engine) { e.idleTimeout = d } }

// WithRandSource overrides the engine's probability-gate PRNG source,
// for deterministic tests of probability_to_send.
func WithRandSource(src rand.Source) Option {
	return func(e *Engine) { e.rng = rand.New(src) }
}

// NewEngine constructs an Engine with no active matrix (every ingest
// and evaluation pass is a no-op until SetInspectionMatrix succeeds at
// least once). ingressCapacity/egressCapacity size the engine's two
// bounded queues; notify is invoked once per successful egress push.
func NewEngine(clk clock.Clock, payloads signal.PayloadStore, ingressCapacity, egressCapacity int, notify func(), opts ...Option) *Engine {
	e := &Engine{
		ingress:     queue.NewIngress(ingressCapacity),
		egress:      queue.NewEgress(egressCapacity, notify),
		clk:         clk,
		payloads:    payloads,
		rng:         rand.New(rand.NewSource(1)),
		processTag:  uuid.NewString()[:8],
		idleTimeout: DefaultIdleTimeout,
		stepCtx:     context.Background(),
		log:         logging.New(slog.Default()),
		metrics:     metrics.NewNoopProvider(),
		tracer:      tracing.NewTracer(false),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetInspectionMatrix validates and sizes the candidate synchronously,
// surfacing any rejection to the caller immediately, and if it passes
// stages it for the worker to swap in at the start of its next Step
// (the actual buffer swap happens on the worker goroutine, never
// concurrently with a running Step). Swapping to a matrix structurally
// Equal to the currently active one is a no-op: it neither rebuilds
// storage nor resets per-condition trigger state.
func (e *Engine) SetInspectionMatrix(m *Matrix) error {
	if err := m.validate(); err != nil {
		return err
	}
	rt := newRuntimeMatrix(m, e.payloads)
	if rt.store.SizeBytes() > MemoryBudgetBytes {
		return rejectf("matrix exceeds the %d byte memory budget (%d bytes)", MemoryBudgetBytes, rt.store.SizeBytes())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.spec.Equal(m) {
		return nil
	}
	e.pending = rt
	return nil
}

// IngestSignal pushes one typed signal sample onto the ingress queue,
// non-blocking and never failing. systemTS is the producer's wall-clock
// receive time and is carried only into user-visible records; the
// sample's monotonic stamp is read from the engine's own clock at
// enqueue time, so interval and window math never depend on a
// producer's wall clock (which routinely trails or jumps relative to
// the engine's).
func (e *Engine) IngestSignal(id signal.ID, tag signal.TypeTag, systemTS signal.Timestamp, value signal.Value) {
	e.ingress.Push(queue.IngressEvent{
		Kind:      queue.EventSignal,
		SignalID:  id,
		TypeTag:   tag,
		SystemTS:  systemTS,
		Monotonic: e.clk.Now().Monotonic,
		Value:     value,
	})
}

// IngestFrame pushes one raw CAN frame onto the ingress queue.
func (e *Engine) IngestFrame(frame signal.RawFrame) {
	e.ingress.Push(queue.IngressEvent{Kind: queue.EventFrame, Frame: frame, SystemTS: frame.SystemTS})
}

// IngestActiveDTCs replaces the engine's most-recently-seen active-DTC
// set.
func (e *Engine) IngestActiveDTCs(info signal.ActiveDTCInfo) {
	e.ingress.Push(queue.IngressEvent{Kind: queue.EventActiveDTCs, DTCs: info, SystemTS: info.ReceiveTime})
}

// Egress exposes the engine's output queue for a sender to drain.
func (e *Engine) Egress() *queue.Egress { return e.egress }

// Ingress exposes the engine's input queue for depth/drop metrics.
func (e *Engine) Ingress() *queue.Ingress { return e.ingress }

// swapIfPending installs a staged matrix, if any, at the start of a
// Step. The old store's complex-payload handles are released only
// after the swap so any in-flight snapshot referencing them (already
// copied out via SnapshotSignal) is unaffected.
func (e *Engine) swapIfPending() {
	e.mu.Lock()
	next := e.pending
	e.pending = nil
	old := e.current
	if next != nil {
		e.current = next
	}
	e.mu.Unlock()

	if next != nil {
		e.firstTickAfterSwap = true
		next.store.OnTypeMismatch = func(id signal.ID, want, got signal.TypeTag) {
			e.log.WarnCtx(e.stepCtx, "signal sample type mismatch",
				"signal_id", uint32(id), "buffer_type", want.String(), "sample_type", got.String())
		}
		if old != nil {
			old.store.ReleaseAll()
			e.forgetRetiredConditionMetrics(len(old.conds), len(next.conds))
		}
	}
}

// forgetRetiredConditionMetrics drops per-condition metric series whose
// index no longer exists in the newly swapped-in matrix. Condition
// indices are positional and get reused with a different meaning
// across matrix generations, so leaving their old series registered
// would misattribute future observations to a stale condition.
func (e *Engine) forgetRetiredConditionMetrics(oldCount, newCount int) {
	pruner, ok := e.metrics.(metrics.LabelPruner)
	if !ok || newCount >= oldCount {
		return
	}
	for i := newCount; i < oldCount; i++ {
		pruner.Forget("condition_triggered_total", strconv.Itoa(i))
	}
}

// Step runs exactly one worker iteration: swap in a pending matrix if
// staged, drain everything currently queued on ingress, tick every
// window aggregator, evaluate dirty conditions, and drain as many
// ready snapshots as are waiting, pushing each to egress. It takes
// `now` explicitly so tests can drive the engine deterministically via
// a clock.Manual without any goroutine or timer involved.
func (e *Engine) Step(now signal.TimePoint) {
	ctx, span := e.tracer.StartSpan(context.Background(), "inspection.step")
	defer span.End()
	e.stepCtx = ctx

	e.swapIfPending()

	e.mu.Lock()
	rt := e.current
	e.mu.Unlock()
	if rt == nil {
		return
	}

	var dirty signal.ConditionMask
	var dtcs *signal.ActiveDTCInfo

	for {
		ev, ok := e.ingress.Pop()
		if !ok {
			break
		}
		switch ev.Kind {
		case queue.EventSignal:
			rt.store.AddSignal(ev.SignalID, ev.TypeTag, ev.SystemTS, ev.Monotonic, ev.Value, &dirty)
		case queue.EventFrame:
			rt.store.AddRawFrame(ev.Frame, &dirty)
		case queue.EventActiveDTCs:
			d := ev.DTCs
			dtcs = &d
			e.lastDTCs = d
			e.hasDTCs = true
		}
	}
	if dtcs == nil && e.hasDTCs {
		dtcs = &e.lastDTCs
	}

	rt.store.TickWindows(now.Monotonic, &dirty)

	if e.firstTickAfterSwap {
		dirty = rt.fullMask()
		e.firstTickAfterSwap = false
	}

	span.SetAttribute("dirty_conditions", popcount(dirty))

	e.evaluateGeohashes(rt, now)
	e.evaluateConditions(rt, dirty, now)
	e.collectReadySnapshots(ctx, rt, now, dtcs)
	e.publishQueueStats(rt)
}

// publishQueueStats refreshes the engine's gauge-style trace counters
// once per Step: queue depths, drop totals, and the history store's
// type-mismatch total.
func (e *Engine) publishQueueStats(rt *runtimeMatrix) {
	gauge := func(name string) metrics.Gauge {
		return e.metrics.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Name: name}})
	}
	gauge("ingress_queue_depth").Set(float64(e.ingress.Depth()))
	gauge("egress_queue_depth").Set(float64(e.egress.Depth()))
	gauge("ingress_dropped_total").Set(float64(e.ingress.Dropped()))
	gauge("type_mismatch_total").Set(float64(rt.store.TypeMismatches()))
}

// popcount counts the set bits of m for span attribution; the engine
// otherwise only ever walks a mask via Bits.
func popcount(m signal.ConditionMask) int {
	n := 0
	m.Bits(func(signal.ConditionIndex) { n++ })
	return n
}

// lookupSignalBuffer finds the history buffer for id among the
// (signal, interval) pairs spec declares, the same scan
// conditionResolver.Signal performs, so a GeohashSpec's lat/lon
// signals resolve to the same buffer the condition's own SignalSpec
// entries sized.
func lookupSignalBuffer(store *history.Store, spec *ConditionSpec, id signal.ID) (*history.SignalBuffer, bool) {
	for _, s := range spec.Signals {
		if s.SignalID != id {
			continue
		}
		if buf, ok := store.SignalBuffer(s.SignalID, s.MinSampleIntervalMS); ok {
			return buf, true
		}
	}
	return nil, false
}

// evaluateGeohashes refreshes every condition's geohash tracker from
// the latest lat/lon sample pair before expression evaluation runs, so
// a KindGeohashChanged node sees this tick's delta rather than a stale
// one.
func (e *Engine) evaluateGeohashes(rt *runtimeMatrix, now signal.TimePoint) {
	for i, tracker := range rt.geohashTrackers {
		spec := &rt.spec.Conditions[i]
		gh := spec.Geohash
		latBuf, ok := lookupSignalBuffer(rt.store, spec, gh.LatSignalID)
		if !ok {
			continue
		}
		lonBuf, ok := lookupSignalBuffer(rt.store, spec, gh.LonSignalID)
		if !ok {
			continue
		}
		latSmp, ok := latBuf.Latest()
		if !ok {
			continue
		}
		lonSmp, ok := lonBuf.Latest()
		if !ok {
			continue
		}
		lat, ok := latSmp.Value.Float64()
		if !ok {
			continue
		}
		lon, ok := lonSmp.Value.Float64()
		if !ok {
			continue
		}
		tracker.Evaluate(lat, lon, gh.Unit, gh.Precision)
	}
}

// evaluateConditions re-runs the expression evaluator for every
// condition flagged dirty, in ascending index order so earlier-
// declared conditions always settle and claim shared resources before
// later ones, applying the rising-edge, minimum-publish-interval, and
// probability gates and arming last_trigger/pendingPublish for any
// condition that passes all of them. A condition whose expression
// errors (SignalNotFound, WindowNotAvailable, DepthExceeded,
// TypeError) is treated as evaluating to false rather than aborting
// the whole pass.
func (e *Engine) evaluateConditions(rt *runtimeMatrix, dirty signal.ConditionMask, now signal.TimePoint) {
	dirty.Bits(func(idx signal.ConditionIndex) {
		i := int(idx)
		if i >= len(rt.conds) {
			return
		}
		spec := &rt.spec.Conditions[i]
		cs := &rt.conds[i]

		resolver := &conditionResolver{store: rt.store, spec: spec, tracker: rt.geohashTrackers[i]}
		result := expr.Eval(rt.spec.Arena, spec.Root, resolver)

		if result.Kind != expr.Ok {
			e.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
				Name: "evaluation_errors_total", Labels: []string{"kind"},
			}}).Inc(1, result.Kind.String())
		}

		verdict := false
		if result.Kind == expr.Ok {
			if result.IsNum {
				verdict = result.Num != 0
			} else {
				verdict = result.Bool
			}
		}

		risingEdge := verdict && !cs.currentlyTrue
		cs.currentlyTrue = verdict

		if !verdict {
			return
		}
		if cs.pendingPublish {
			return
		}
		if spec.TriggerOnlyOnRisingEdge && !risingEdge {
			return
		}
		if cs.hasLastPublish && now.Monotonic-cs.lastPublishMonotonic < signal.Timestamp(spec.MinPublishIntervalMS) {
			return
		}
		if !rt.spec.Options.DisableProbability && spec.ProbabilityToSend < 1.0 {
			if e.rng.Float64() >= spec.ProbabilityToSend {
				return
			}
		}

		cs.lastTrigger = now
		cs.hasLastTrigger = true
		cs.pendingPublish = true
		cs.eventID = e.nextEventID(now.System)
	})
}

// collectReadySnapshots drains every condition staged for publish
// whose after_duration_ms has elapsed, building and pushing one
// Snapshot per ready condition to egress, round-robin starting after
// the last index served so no single hot condition starves the others
// when several become ready on the same tick.
func (e *Engine) collectReadySnapshots(ctx context.Context, rt *runtimeMatrix, now signal.TimePoint, dtcs *signal.ActiveDTCInfo) {
	n := len(rt.conds)
	for k := 0; k < n; k++ {
		i := (e.nextRR + k) % n
		cs := &rt.conds[i]
		if !cs.pendingPublish {
			continue
		}
		spec := &rt.spec.Conditions[i]
		if cs.hasLastTrigger && now.Monotonic < cs.lastTrigger.Monotonic+signal.Timestamp(spec.AfterDurationMS) {
			continue
		}

		snap := e.buildSnapshot(rt, i, spec, cs, now, dtcs)
		dropped := e.egress.Push(snap.ToQueueSnapshot())
		if dropped {
			e.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Name: "egress_dropped_total"}}).Inc(1)
			e.log.WarnCtx(ctx, "egress queue full, snapshot dropped",
				"condition_index", i, "event", e.eventLogTag(snap.EventID))
		}
		e.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Name: "condition_triggered_total", Labels: []string{"condition"},
		}}).Inc(1, strconv.Itoa(i))
		e.log.InfoCtx(ctx, "condition triggered",
			"condition_index", i, "event", e.eventLogTag(snap.EventID), "dropped", dropped)

		cs.pendingPublish = false
		cs.lastPublishMonotonic = now.Monotonic
		cs.hasLastPublish = true
		e.nextRR = (i + 1) % n
	}
}

func (e *Engine) buildSnapshot(rt *runtimeMatrix, i int, spec *ConditionSpec, cs *conditionState, now signal.TimePoint, dtcs *signal.ActiveDTCInfo) Snapshot {
	markConsumed := rt.spec.Options.SendOnlyOncePerCondition
	condIdx := signal.ConditionIndex(i)

	snap := Snapshot{
		ConditionIndex: condIdx,
		EventID:        cs.eventID,
		TriggerTime:    cs.lastTrigger.System,
		Signals:        make(map[signal.ID][]signal.Sample),
		Metadata:       spec.Metadata,
	}

	for _, s := range spec.Signals {
		if s.IsConditionOnly {
			continue
		}
		samples := rt.store.SnapshotSignal(history.SignalRef{
			SignalID:      s.SignalID,
			MinIntervalMS: s.MinSampleIntervalMS,
			MaxSamples:    s.SampleBufferSize,
		}, condIdx, markConsumed)
		if len(samples) > 0 {
			snap.Signals[s.SignalID] = samples
		}
	}

	for _, f := range spec.RawFrames {
		frames := rt.store.SnapshotFrame(history.FrameRef{
			FrameID:    f.FrameID,
			ChannelID:  f.ChannelID,
			MaxSamples: f.SampleBufferSize,
		}, condIdx, markConsumed)
		if len(frames) > 0 {
			snap.RawFrames = append(snap.RawFrames, FrameSnapshot{FrameID: f.FrameID, ChannelID: f.ChannelID, Frames: frames})
		}
	}

	if spec.IncludeActiveDTCs && dtcs != nil {
		d := *dtcs
		snap.DTCs = &d
	}

	if tracker, ok := rt.geohashTrackers[i]; ok {
		info := tracker.Consume()
		snap.GeohashCurrent = info.Current
		snap.GeohashPrevious = info.PrevReported
	}

	return snap
}

// nextEventID builds an event id from the low 24 bits of systemTS and
// an 8-bit process-global monotonic counter in the high byte, wrapping
// the counter silently: ids are for correlation within a bounded
// recent window, not for all-time uniqueness. Two processes started
// within the same timestamp window can and do emit colliding event
// ids; eventLogTag appends the process's uuid suffix so a log
// aggregator can still tell them apart.
func (e *Engine) nextEventID(systemTS signal.Timestamp) uint32 {
	counter := e.eventCounter.Add(1) & 0xFF
	return (counter << 24) | (uint32(systemTS) & 0x00FFFFFF)
}

// eventLogTag renders an emitted event id alongside the process's uuid
// suffix, for diagnostic log correlation. It is never part of the wire
// snapshot, which carries the bare 32-bit EventID only.
func (e *Engine) eventLogTag(eventID uint32) string {
	return fmt.Sprintf("%08x.%s", eventID, e.processTag)
}

// WaitTimeHint reports how long the worker may sleep before it must
// call Step again for timing to stay correct: the earliest of any
// window's close horizon, any pending condition's after-duration
// deadline, or the idle timeout.
func (e *Engine) WaitTimeHint(now signal.TimePoint) time.Duration {
	e.mu.Lock()
	rt := e.current
	pending := e.pending
	e.mu.Unlock()
	if pending != nil {
		return 0
	}
	if rt == nil {
		return e.idleTimeout
	}

	best := e.idleTimeout

	if t, ok := rt.store.NextWindowTimeout(); ok {
		if d := msUntil(now.Monotonic, t); d < best {
			best = d
		}
	}

	for i := range rt.conds {
		cs := &rt.conds[i]
		if !cs.pendingPublish || !cs.hasLastTrigger {
			continue
		}
		deadline := cs.lastTrigger.Monotonic + signal.Timestamp(rt.spec.Conditions[i].AfterDurationMS)
		if d := msUntil(now.Monotonic, deadline); d < best {
			best = d
		}
	}

	if best < 0 {
		best = 0
	}
	return best
}

func msUntil(now, target signal.Timestamp) time.Duration {
	if target <= now {
		return 0
	}
	return time.Duration(target-now) * time.Millisecond
}

// Run drives Step in a loop paced by WaitTimeHint until ctx is
// cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	for {
		now := e.clk.Now()
		e.Step(now)

		wait := e.WaitTimeHint(e.clk.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop signals Run's loop to exit and blocks until it has.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}
