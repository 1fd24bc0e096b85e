// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 生成指标
	generateRequestsTotal   *prometheus.CounterVec
	generateRequestDuration *prometheus.HistogramVec

	// 连接指标
	reconnectsTotal *prometheus.CounterVec
	connectionState *prometheus.GaugeVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 存储指标
	storeCommitsTotal   *prometheus.CounterVec
	storeCommitDuration *prometheus.HistogramVec
	storePendingWrites  *prometheus.GaugeVec

	// 调度指标
	schedulerInflight  prometheus.Gauge
	schedulerJobsTotal *prometheus.CounterVec

	// OpenTelemetry 镜像，创建失败时为 nil
	otel *otelInstruments

	logger *zap.Logger
}

type options struct {
	meterProvider metric.MeterProvider
}

// Option 收集器选项
type Option func(*options)

// WithMeterProvider 设置 OpenTelemetry MeterProvider，默认使用全局 Provider
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// NewCollector 创建指标收集器，reg 为 nil 时注册到默认 Registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 生成指标
	c.generateRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generate_requests_total",
			Help:      "Total number of generate calls by outcome",
		},
		[]string{"backend", "outcome"}, // outcome: success, cached, generate_error, offline, hard_failure, fatal
	)

	c.generateRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generate_request_duration_seconds",
			Help:      "Backend generate duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)

	// 连接指标
	c.reconnectsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_reconnects_total",
			Help:      "Total number of reconnects after hard failures",
		},
		[]string{"backend"},
	)

	c.connectionState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_connection_state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=connected)",
		},
		[]string{"backend"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of memoization store hits",
		},
		[]string{"store"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of memoization store misses",
		},
		[]string{"store"},
	)

	// 存储指标
	c.storeCommitsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_commits_total",
			Help:      "Total number of store commits",
		},
		[]string{"store", "status"},
	)

	c.storeCommitDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_commit_duration_seconds",
			Help:      "Store commit duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"store"},
	)

	c.storePendingWrites = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_pending_writes",
			Help:      "Writes not yet committed",
		},
		[]string{"store"},
	)

	// 调度指标
	c.schedulerInflight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_inflight_jobs",
			Help:      "Number of scheduler jobs currently running",
		},
	)

	c.schedulerJobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_jobs_total",
			Help:      "Total number of finished scheduler jobs",
		},
		[]string{"status"}, // status: success, failed, cancelled
	)

	instruments, err := newOTelInstruments(o.meterProvider)
	if err != nil {
		c.logger.Warn("otel instruments unavailable", zap.Error(err))
	} else {
		c.otel = instruments
	}

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 📝 记录方法
// =============================================================================

// RecordGenerate 记录一次生成调用
func (c *Collector) RecordGenerate(backend, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.generateRequestsTotal.WithLabelValues(backend, outcome).Inc()
	if duration > 0 {
		c.generateRequestDuration.WithLabelValues(backend).Observe(duration.Seconds())
	}
	if c.otel != nil {
		c.otel.recordGenerate(backend, outcome, duration)
	}
}

// RecordReconnect 记录一次重连
func (c *Collector) RecordReconnect(backend string) {
	if c == nil {
		return
	}
	c.reconnectsTotal.WithLabelValues(backend).Inc()
	if c.otel != nil {
		c.otel.recordReconnect(backend)
	}
}

// SetConnectionState 设置连接状态
func (c *Collector) SetConnectionState(backend string, state int) {
	if c == nil {
		return
	}
	c.connectionState.WithLabelValues(backend).Set(float64(state))
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(store string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(store).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(store string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(store).Inc()
}

// RecordStoreCommit 记录一次存储提交
func (c *Collector) RecordStoreCommit(store string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.storeCommitsTotal.WithLabelValues(store, status).Inc()
	c.storeCommitDuration.WithLabelValues(store).Observe(duration.Seconds())
	if c.otel != nil {
		c.otel.recordCommit(store, status, duration)
	}
}

// SetStorePending 设置待提交写入数
func (c *Collector) SetStorePending(store string, pending int) {
	if c == nil {
		return
	}
	c.storePendingWrites.WithLabelValues(store).Set(float64(pending))
}

// AddSchedulerInflight 调整在途任务数
func (c *Collector) AddSchedulerInflight(delta int) {
	if c == nil {
		return
	}
	c.schedulerInflight.Add(float64(delta))
}

// RecordSchedulerJob 记录任务结果
func (c *Collector) RecordSchedulerJob(status string) {
	if c == nil {
		return
	}
	c.schedulerJobsTotal.WithLabelValues(status).Inc()
}
