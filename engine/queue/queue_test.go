package queue

import (
	"testing"

	"github.com/fleetwire/inspector/engine/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngressPushPopOrder(t *testing.T) {
	q := NewIngress(8)
	q.Push(IngressEvent{Kind: EventSignal, SignalID: 1, Value: signal.NumericValue(signal.F64, 1)})
	q.Push(IngressEvent{Kind: EventSignal, SignalID: 2, Value: signal.NumericValue(signal.F64, 2)})

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, signal.ID(1), first.SignalID)

	second, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, signal.ID(2), second.SignalID)

	_, ok = q.Pop()
	assert.False(t, ok, "queue is now empty")
}

func TestIngressOverflowDrops(t *testing.T) {
	q := NewIngress(2) // rounds up to next power of two internally
	for i := 0; i < 64; i++ {
		q.Push(IngressEvent{Kind: EventSignal, SignalID: signal.ID(i)})
	}
	assert.Greater(t, q.Dropped(), uint64(0), "pushing far past capacity must drop and count")
}

func TestEgressNotifiesOnPush(t *testing.T) {
	notified := 0
	q := NewEgress(4, func() { notified++ })
	dropped := q.Push(Snapshot{EventID: 1})
	assert.False(t, dropped)
	assert.Equal(t, 1, notified)

	snap, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint32(1), snap.EventID)
}

func TestEgressDepthTracksPushPop(t *testing.T) {
	q := NewEgress(8, nil)
	q.Push(Snapshot{EventID: 1})
	q.Push(Snapshot{EventID: 2})
	assert.Equal(t, int64(2), q.Depth())
	q.Pop()
	assert.Equal(t, int64(1), q.Depth())
}
