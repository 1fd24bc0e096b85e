package metrics

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(nextTestNamespace(), reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.generateRequestsTotal)
	assert.NotNil(t, collector.generateRequestDuration)
	assert.NotNil(t, collector.reconnectsTotal)
	assert.NotNil(t, collector.storeCommitsTotal)
	assert.NotNil(t, collector.schedulerInflight)
}

func TestCollector_RecordGenerate(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordGenerate("tgi", "success", 200*time.Millisecond)
	collector.RecordGenerate("tgi", "success", 100*time.Millisecond)
	collector.RecordGenerate("tgi", "cached", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.generateRequestsTotal.WithLabelValues("tgi", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.generateRequestsTotal.WithLabelValues("tgi", "cached")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.generateRequestDuration))
}

func TestCollector_ConnectionMetrics(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.SetConnectionState("vllm", 2)
	collector.RecordReconnect("vllm")
	collector.RecordReconnect("vllm")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.connectionState.WithLabelValues("vllm")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.reconnectsTotal.WithLabelValues("vllm")))
}

func TestCollector_StoreMetrics(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordCacheHit("cache")
	collector.RecordCacheMiss("cache")
	collector.RecordCacheMiss("cache")
	collector.RecordStoreCommit("cache", nil, time.Millisecond)
	collector.RecordStoreCommit("cache", errors.New("disk full"), time.Millisecond)
	collector.SetStorePending("cache", 42)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("cache")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.cacheMisses.WithLabelValues("cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.storeCommitsTotal.WithLabelValues("cache", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.storeCommitsTotal.WithLabelValues("cache", "error")))
	assert.Equal(t, 42.0, testutil.ToFloat64(collector.storePendingWrites.WithLabelValues("cache")))
}

func TestCollector_NilSafe(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordGenerate("tgi", "success", time.Second)
		collector.RecordReconnect("tgi")
		collector.SetConnectionState("tgi", 1)
		collector.RecordCacheHit("cache")
		collector.RecordCacheMiss("cache")
		collector.RecordStoreCommit("cache", nil, time.Millisecond)
		collector.SetStorePending("cache", 1)
		collector.AddSchedulerInflight(1)
		collector.RecordSchedulerJob("success")
	})
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.AddSchedulerInflight(1)
				collector.RecordSchedulerJob("success")
				collector.AddSchedulerInflight(-1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0.0, testutil.ToFloat64(collector.schedulerInflight))
	assert.Equal(t, 1000.0, testutil.ToFloat64(collector.schedulerJobsTotal.WithLabelValues("success")))
}

func TestCollector_MetricsRegistration(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordGenerate("tgi", "success", time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// 同一 namespace 在独立 Registry 中可以重复创建
	assert.NotPanics(t, func() {
		NewCollector("shared", prometheus.NewRegistry(), zap.NewNop())
		NewCollector("shared", prometheus.NewRegistry(), zap.NewNop())
	})
}
