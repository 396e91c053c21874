package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAggregatesOverallStatus(t *testing.T) {
	s := NewSystem()
	s.Register("ingress", func(ctx context.Context) CheckResult {
		return CheckResult{Status: "healthy"}
	})
	s.Register("egress", func(ctx context.Context) CheckResult {
		return CheckResult{Status: "degraded", Issues: []string{"backing up"}}
	})

	result := s.Check(context.Background())
	require.Equal(t, 2, result.Summary.TotalComponents)
	assert.Equal(t, 1, result.Summary.HealthyComponents)
	assert.Equal(t, 1, result.Summary.DegradedComponents)
	assert.Equal(t, "degraded", result.OverallStatus)
}

func TestCheckUnhealthyDominates(t *testing.T) {
	s := NewSystem()
	s.Register("a", func(ctx context.Context) CheckResult { return CheckResult{Status: "degraded"} })
	s.Register("b", func(ctx context.Context) CheckResult { return CheckResult{Status: "unhealthy"} })

	result := s.Check(context.Background())
	assert.Equal(t, "unhealthy", result.OverallStatus)
}

func TestQueueDepthCheckThresholds(t *testing.T) {
	depth := int64(0)
	check := QueueDepthCheck(func() int64 { return depth }, 10, 20)

	depth = 5
	assert.Equal(t, "healthy", check(context.Background()).Status)

	depth = 12
	assert.Equal(t, "degraded", check(context.Background()).Status)

	depth = 25
	assert.Equal(t, "unhealthy", check(context.Background()).Status)
}
