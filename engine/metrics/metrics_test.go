package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopProviderNeverPanics(t *testing.T) {
	p := NewNoopProvider()
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "x"}})
	c.Inc(1)
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Name: "y"}})
	g.Set(1)
	g.Add(1)
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "z"}})
	h.Observe(1)
	timer := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Name: "w"}})
	timer().ObserveDuration()
	assert.NoError(t, p.Health(context.Background()))
}

func TestPrometheusProviderRegistersAndCounts(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	counter := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
		Namespace: "inspector", Subsystem: "ingress", Name: "dropped_total", Labels: []string{"signal"},
	}})
	counter.Inc(3, "7")
	require.NoError(t, p.Health(context.Background()))

	reused := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
		Namespace: "inspector", Subsystem: "ingress", Name: "dropped_total", Labels: []string{"signal"},
	}})
	reused.Inc(1, "7")
}

func TestPrometheusInvalidNameFallsBackToNoop(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: ""}})
	assert.NotPanics(t, func() { c.Inc(1) })
}

func TestPrometheusProviderForgetsLabelSeries(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	counter := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
		Name: "condition_triggered_total", Labels: []string{"condition"},
	}})
	counter.Inc(1, "3")

	var pruner LabelPruner = p
	assert.True(t, pruner.Forget("condition_triggered_total", "3"))
	assert.False(t, pruner.Forget("condition_triggered_total", "3"))
	assert.False(t, pruner.Forget("no_such_metric", "3"))
}

func TestPrometheusProviderResetsCardinalityTrackingOnceOverLimit(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{CardinalityLimit: 2})
	counter := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{
		Name: "high_cardinality_total", Labels: []string{"id"},
	}})
	for i := 0; i < 5; i++ {
		counter.Inc(1, string(rune('a'+i)))
	}
	p.mu.RLock()
	tracked := len(p.cardinality["high_cardinality_total"])
	p.mu.RUnlock()
	assert.LessOrEqual(t, tracked, 2, "tracked label-value set should stay bounded instead of growing forever")
}

func TestOTelProviderInstrumentsDoNotPanic(t *testing.T) {
	p := NewOTelProvider(OTelProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "evaluations_total"}})
	c.Inc(1)
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Name: "egress_depth"}})
	g.Set(5)
	g.Add(-1)
	hist := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "eval_latency_seconds"}})
	hist.Observe(0.002)
	timer := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Name: "tick_seconds"}})
	timer().ObserveDuration()
	require.NoError(t, p.Health(context.Background()))
}
