package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerogate/gateway/pkg/metrics"
)

func TestNewWithRegistry_RegistersAllSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.TokenGenerationsTotal.WithLabelValues("agent-1").Inc()
	m.PolicyDenialsTotal.WithLabelValues("serpapi", "search", "no_scope").Inc()
	m.CacheHitsTotal.Inc()
	m.BreakerState.WithLabelValues("serpapi").Set(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["token_generations_total"])
	assert.True(t, names["policy_denials_total"])
	assert.True(t, names["cache_hits_total"])
	assert.True(t, names["breaker_state"])
}

func TestBreakerStateGauge_ReflectsSetValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	m.BreakerState.WithLabelValues("serpapi").Set(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "breaker_state" {
			found = f
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.Metric, 1)
	assert.Equal(t, float64(2), found.Metric[0].GetGauge().GetValue())
}
