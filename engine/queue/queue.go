// Package queue wires the bounded lock-free ingress and egress queues
// that decouple producers from the engine worker: a multi-producer,
// single-consumer ingress queue of raw ingest events feeding the
// single worker, and a single-producer, single-consumer egress queue
// of triggered snapshots feeding a sender. Built on
// code.hybscloud.com/lfq.
package queue

import (
	"sync/atomic"

	"code.hybscloud.com/lfq"
	"github.com/fleetwire/inspector/engine/signal"
)

// EventKind distinguishes the two ingest shapes that share the ingress
// queue.
type EventKind uint8

const (
	EventSignal EventKind = iota
	EventFrame
	EventActiveDTCs
)

// IngressEvent is one producer-submitted unit of work: a typed signal
// sample, a raw CAN frame, or an active-DTC replacement.
type IngressEvent struct {
	Kind EventKind

	SignalID  signal.ID
	TypeTag   signal.TypeTag
	SystemTS  signal.Timestamp
	Monotonic signal.Timestamp
	Value     signal.Value

	Frame signal.RawFrame

	DTCs signal.ActiveDTCInfo
}

// Ingress is the bounded MPSC queue producers push into. On overflow
// the event is dropped and Dropped is incremented; lfq itself provides
// no length accounting (it would
// require cross-core synchronization lfq deliberately avoids), so
// Depth is tracked alongside it here, in application logic, exactly as
// the lfq package documentation recommends.
type Ingress struct {
	q       lfq.Queue[IngressEvent]
	depth   atomic.Int64
	dropped atomic.Uint64
}

// NewIngress builds an ingress queue of the given capacity (rounded up
// to a power of two by lfq).
func NewIngress(capacity int) *Ingress {
	return &Ingress{q: lfq.NewMPSC[IngressEvent](capacity)}
}

// Push enqueues ev, non-blocking, never failing the caller: a full
// queue drops the event and counts it rather than applying
// backpressure to the producer.
func (q *Ingress) Push(ev IngressEvent) {
	if err := q.q.Enqueue(&ev); err != nil {
		q.dropped.Add(1)
		return
	}
	q.depth.Add(1)
}

// Pop dequeues the next event, or ok=false when the queue is currently
// empty.
func (q *Ingress) Pop() (IngressEvent, bool) {
	ev, err := q.q.Dequeue()
	if err != nil {
		return IngressEvent{}, false
	}
	q.depth.Add(-1)
	return ev, true
}

// Depth reports the queue's approximate current length, for the
// ingress-queue-depth trace counter.
func (q *Ingress) Depth() int64 { return q.depth.Load() }

// Dropped reports the cumulative count of events dropped on overflow.
func (q *Ingress) Dropped() uint64 { return q.dropped.Load() }

// Egress is the bounded SPSC queue of triggered snapshots the worker
// pushes into and a sender drains.
type Egress struct {
	q       lfq.Queue[Snapshot]
	depth   atomic.Int64
	dropped atomic.Uint64
	notify  func()
}

// Snapshot is re-declared here (rather than imported from a higher
// layer) to keep this package import-cycle-free; the inspection engine
// builds one from its own richer Snapshot type when pushing.
type Snapshot struct {
	EventID      uint32
	ConditionIdx signal.ConditionIndex
	TriggerTime  signal.Timestamp
	Signals      map[signal.ID][]signal.Sample
	RawFrames    []signal.RawFrame
	DTCs         *signal.ActiveDTCInfo
	GeohashCur   string
	GeohashPrev  string
}

// NewEgress builds an egress queue of the given capacity. notify, if
// non-nil, is invoked after every successful push as a wake-up signal
// only: it carries no payload, since the sender drains via Pop.
func NewEgress(capacity int, notify func()) *Egress {
	return &Egress{q: lfq.NewSPSC[Snapshot](capacity), notify: notify}
}

// Push enqueues snap. On a full queue the snapshot is dropped and
// counted rather than blocking the worker, the same drop-and-count
// policy Ingress.Push applies.
func (q *Egress) Push(snap Snapshot) (dropped bool) {
	if err := q.q.Enqueue(&snap); err != nil {
		q.dropped.Add(1)
		return true
	}
	q.depth.Add(1)
	if q.notify != nil {
		q.notify()
	}
	return false
}

// Pop dequeues the next snapshot for the sender, or ok=false when
// empty.
func (q *Egress) Pop() (Snapshot, bool) {
	snap, err := q.q.Dequeue()
	if err != nil {
		return Snapshot{}, false
	}
	q.depth.Add(-1)
	return snap, true
}

// Depth reports the queue's approximate current length.
func (q *Egress) Depth() int64 { return q.depth.Load() }

// Dropped reports the cumulative count of snapshots dropped on
// overflow.
func (q *Egress) Dropped() uint64 { return q.dropped.Load() }
