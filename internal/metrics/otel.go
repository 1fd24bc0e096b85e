package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/BaSui01/evalflow/internal/metrics"

// otelInstruments 将生成、重连与提交指标同时导出到 OpenTelemetry
type otelInstruments struct {
	generateTotal    metric.Int64Counter
	generateDuration metric.Float64Histogram
	reconnectTotal   metric.Int64Counter
	commitDuration   metric.Float64Histogram
}

func newOTelInstruments(mp metric.MeterProvider) (*otelInstruments, error) {
	meter := mp.Meter(instrumentationName)
	m := &otelInstruments{}

	var err error

	// 生成调用计数
	m.generateTotal, err = meter.Int64Counter("evalflow.generate.total",
		metric.WithDescription("Total number of backend generate calls"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	// 生成耗时
	m.generateDuration, err = meter.Float64Histogram("evalflow.generate.duration",
		metric.WithDescription("Backend generate duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120))
	if err != nil {
		return nil, err
	}

	// 重连计数
	m.reconnectTotal, err = meter.Int64Counter("evalflow.reconnect.total",
		metric.WithDescription("Total number of backend reconnects"),
		metric.WithUnit("{reconnect}"))
	if err != nil {
		return nil, err
	}

	// 提交耗时
	m.commitDuration, err = meter.Float64Histogram("evalflow.store.commit.duration",
		metric.WithDescription("Store commit duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *otelInstruments) recordGenerate(backend, outcome string, duration time.Duration) {
	ctx := context.Background()
	m.generateTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	))
	if duration > 0 {
		m.generateDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("backend", backend)))
	}
}

func (m *otelInstruments) recordReconnect(backend string) {
	m.reconnectTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("backend", backend)))
}

func (m *otelInstruments) recordCommit(store, status string, duration time.Duration) {
	m.commitDuration.Record(context.Background(), duration.Seconds(), metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("status", status),
	))
}
