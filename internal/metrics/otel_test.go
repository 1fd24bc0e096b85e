package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func collectOTel(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestCollector_ExportsToOTel(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	c := NewCollector(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop(), WithMeterProvider(mp))
	c.RecordGenerate("tgi", "success", 2*time.Second)
	c.RecordGenerate("tgi", "success", time.Second)
	c.RecordGenerate("tgi", "generate_error", 0)
	c.RecordReconnect("tgi")
	c.RecordStoreCommit("cache", nil, 10*time.Millisecond)
	c.RecordStoreCommit("cache", errors.New("disk full"), time.Millisecond)

	got := collectOTel(t, reader)

	total, ok := got["evalflow.generate.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	counts := map[string]int64{}
	for _, dp := range total.DataPoints {
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		counts[outcome.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"success": 2, "generate_error": 1}, counts)

	duration, ok := got["evalflow.generate.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, duration.DataPoints, 1)
	assert.Equal(t, uint64(2), duration.DataPoints[0].Count)
	assert.InDelta(t, 3.0, duration.DataPoints[0].Sum, 1e-9)

	reconnects, ok := got["evalflow.reconnect.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, reconnects.DataPoints, 1)
	assert.Equal(t, int64(1), reconnects.DataPoints[0].Value)

	commits, ok := got["evalflow.store.commit.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, commits.DataPoints, 2)
}
