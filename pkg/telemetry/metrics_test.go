package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetricsRoundTrip(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := GetGlobalMetrics()
	require.NoError(t, m.InitMetrics(mp.Meter("test")))
	ctx := context.Background()

	m.SetTotalEquity("BTCUSDT", 10500)
	m.SetUnrealizedPnL("BTCUSDT", -120.5)
	m.SetPositionSize("BTCUSDT", 0.54)
	m.SetCircuitBreakerOpen("BTCUSDT", true)
	m.RecordCycle(ctx, "executed")
	m.RecordAbsentVote(ctx, "contrarian")
	m.RecordAgentTurn(ctx, "market", 820)

	got := collect(t, reader)

	equity, ok := got[MetricTotalEquity].Data.(metricdata.Gauge[float64])
	require.True(t, ok, "total equity gauge missing")
	require.Len(t, equity.DataPoints, 1)
	assert.Equal(t, 10500.0, equity.DataPoints[0].Value)

	unrealized := got[MetricPnLUnrealized].Data.(metricdata.Gauge[float64])
	assert.Equal(t, -120.5, unrealized.DataPoints[0].Value)

	size := got[MetricPositionSize].Data.(metricdata.Gauge[float64])
	assert.Equal(t, 0.54, size.DataPoints[0].Value)

	cbOpen := got[MetricCircuitBreakerOpen].Data.(metricdata.Gauge[int64])
	assert.Equal(t, int64(1), cbOpen.DataPoints[0].Value)

	absent, ok := got[MetricVotesAbsentTotal].Data.(metricdata.Sum[int64])
	require.True(t, ok, "absent vote counter missing")
	assert.Equal(t, int64(1), absent.DataPoints[0].Value)

	cycles := got[MetricCyclesTotal].Data.(metricdata.Sum[int64])
	assert.Equal(t, int64(1), cycles.DataPoints[0].Value)
}

func TestRealizedPnLAcceptsLosses(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := GetGlobalMetrics()
	require.NoError(t, m.InitMetrics(mp.Meter("test")))
	ctx := context.Background()

	m.RecordClosedTrade(ctx, "BTCUSDT", "sl", -4000)
	m.RecordClosedTrade(ctx, "BTCUSDT", "sl", 1500)

	got := collect(t, reader)
	pnl, ok := got[MetricPnLRealizedTotal].Data.(metricdata.Sum[float64])
	require.True(t, ok, "realized pnl counter missing")
	assert.False(t, pnl.IsMonotonic, "realized pnl is signed")

	var total float64
	for _, dp := range pnl.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, -2500.0, total)
}
