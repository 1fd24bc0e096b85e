package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/BaSui01/evalflow/internal/metrics"
	helpers "github.com/BaSui01/evalflow/testutil"
)

func collect[R any](t *testing.T, it *Iterator[R]) []R {
	t.Helper()
	var out []R
	for it.Next() {
		out = append(out, it.Result())
	}
	return out
}

func TestAsyncMap_AllSucceed(t *testing.T) {
	ctx := helpers.TestContext(t)
	m := NewAsyncMap(func(_ context.Context, n int) (int, error) {
		return n * n, nil
	}, FromSlice([]int{1, 2, 3, 4, 5}), 2, WithLogger(zaptest.NewLogger(t)))

	it, err := m.Start(ctx)
	require.NoError(t, err)

	got := collect(t, it)
	require.NoError(t, it.Err())
	assert.ElementsMatch(t, []int{1, 4, 9, 16, 25}, got)
	assert.False(t, it.Next())
}

func TestAsyncMap_EmptySource(t *testing.T) {
	m := NewAsyncMap(func(_ context.Context, n int) (int, error) {
		return n, nil
	}, FromSlice[int](nil), 4)

	it, err := m.Start(helpers.TestContext(t))
	require.NoError(t, err)
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func TestAsyncMap_CompletionOrder(t *testing.T) {
	delays := map[int]time.Duration{1: 60 * time.Millisecond, 2: 30 * time.Millisecond, 3: 5 * time.Millisecond}
	m := NewAsyncMap(func(ctx context.Context, n int) (int, error) {
		select {
		case <-time.After(delays[n]):
			return n, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}, FromSlice([]int{1, 2, 3}), 3)

	it, err := m.Start(helpers.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, collect(t, it))
	assert.NoError(t, it.Err())
}

func TestAsyncMap_StartsInitialJobsImmediately(t *testing.T) {
	gate := helpers.NewGate()
	var started atomic.Int32

	m := NewAsyncMap(func(ctx context.Context, n int) (int, error) {
		started.Add(1)
		if err := gate.Wait(ctx); err != nil {
			return 0, err
		}
		return n, nil
	}, FromSlice([]int{1, 2, 3, 4, 5}), 3)

	it, err := m.Start(helpers.TestContext(t))
	require.NoError(t, err)
	defer it.Close()

	helpers.AssertEventuallyTrue(t, func() bool { return started.Load() == 3 }, time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), started.Load())

	gate.Open()
	assert.Len(t, collect(t, it), 5)
	assert.NoError(t, it.Err())
}

func TestAsyncMap_SingleFailureIsUnwrapped(t *testing.T) {
	boom := errors.New("boom")
	m := NewAsyncMap(func(ctx context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}, FromSlice([]int{1, 2, 3}), 3)

	it, err := m.Start(helpers.TestContext(t))
	require.NoError(t, err)

	assert.Empty(t, collect(t, it))
	assert.Same(t, boom, it.Err())
}

func TestAsyncMap_MultipleFailuresAggregate(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	var ready sync.WaitGroup
	ready.Add(2)
	m := NewAsyncMap(func(ctx context.Context, name string) (string, error) {
		switch name {
		case "a":
			ready.Done()
			ready.Wait()
			return "", errA
		case "b":
			// 忽略取消，在 a 失败之后也报告真实错误
			ready.Done()
			ready.Wait()
			time.Sleep(20 * time.Millisecond)
			return "", errB
		default:
			<-ctx.Done()
			return "", ctx.Err()
		}
	}, FromSlice([]string{"a", "b", "c"}), 3)

	it, err := m.Start(helpers.TestContext(t))
	require.NoError(t, err)
	assert.Empty(t, collect(t, it))

	err = it.Err()
	require.Error(t, err)
	assert.ElementsMatch(t, []error{errA, errB}, multierr.Errors(err))
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestAsyncMap_OnlyCancellations(t *testing.T) {
	ctx, cancel := context.WithCancel(helpers.TestContext(t))
	m := NewAsyncMap(func(ctx context.Context, n int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, FromSlice([]int{1, 2}), 2)

	it, err := m.Start(ctx)
	require.NoError(t, err)
	cancel()

	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), context.Canceled)
}

func TestAsyncMap_FailureStopsIntake(t *testing.T) {
	var started sync.Map
	boom := errors.New("a failed")

	m := NewAsyncMap(func(_ context.Context, name string) (string, error) {
		started.Store(name, true)
		if name == "a" {
			return "", boom
		}
		return name, nil
	}, FromSlice([]string{"a", "b", "c"}), 1)

	it, err := m.Start(helpers.TestContext(t))
	require.NoError(t, err)
	assert.Empty(t, collect(t, it))
	assert.Same(t, boom, it.Err())

	_, b := started.Load("b")
	_, c := started.Load("c")
	assert.False(t, b)
	assert.False(t, c)
}

func TestAsyncMap_PanicBecomesFailure(t *testing.T) {
	m := NewAsyncMap(func(_ context.Context, n int) (int, error) {
		if n == 1 {
			panic("bad job")
		}
		return n, nil
	}, FromSlice([]int{1}), 1, WithLogger(zaptest.NewLogger(t)))

	it, err := m.Start(helpers.TestContext(t))
	require.NoError(t, err)
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrWorkerPanic)
	assert.Contains(t, it.Err().Error(), "bad job")
}

func TestAsyncMap_Len(t *testing.T) {
	worker := func(_ context.Context, n int) (int, error) { return n, nil }

	n, err := NewAsyncMap(worker, FromSlice([]int{1, 2, 3}), 2).Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	calls := 0
	gen := FuncSource[int](func() (int, bool) {
		calls++
		return calls, calls <= 2
	})
	_, err = NewAsyncMap(worker, gen, 2).Len()
	assert.ErrorIs(t, err, ErrLenUnsupported)
}

func TestAsyncMap_NotRestartable(t *testing.T) {
	m := NewAsyncMap(func(_ context.Context, n int) (int, error) {
		return n, nil
	}, FromSlice([]int{1}), 1)

	it, err := m.Start(helpers.TestContext(t))
	require.NoError(t, err)
	collect(t, it)

	_, err = m.Start(helpers.TestContext(t))
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestAsyncMap_InvalidMaxTasks(t *testing.T) {
	m := NewAsyncMap(func(_ context.Context, n int) (int, error) {
		return n, nil
	}, FromSlice([]int{1}), 0)

	_, err := m.Start(helpers.TestContext(t))
	assert.ErrorIs(t, err, ErrInvalidMaxTasks)
}

func TestIterator_CloseCancelsInflight(t *testing.T) {
	var cancelled atomic.Int32
	m := NewAsyncMap(func(ctx context.Context, n int) (int, error) {
		<-ctx.Done()
		cancelled.Add(1)
		return 0, ctx.Err()
	}, FromSlice([]int{1, 2, 3, 4}), 2)

	it, err := m.Start(helpers.TestContext(t))
	require.NoError(t, err)

	it.Close()
	assert.Equal(t, int32(2), cancelled.Load())
	assert.False(t, it.Next())
	it.Close()
}

func TestAsyncMap_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zaptest.NewLogger(t))

	m := NewAsyncMap(func(_ context.Context, n int) (int, error) {
		return n, nil
	}, FromSlice([]int{1, 2, 3}), 2, WithMetrics(collector))

	it, err := m.Start(helpers.TestContext(t))
	require.NoError(t, err)
	collect(t, it)
	require.NoError(t, it.Err())

	expected := `
# HELP test_scheduler_jobs_total Total number of finished scheduler jobs
# TYPE test_scheduler_jobs_total counter
test_scheduler_jobs_total{status="success"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_scheduler_jobs_total"))
}

// 任意时刻已启动但未消费的任务数不超过上限
func TestAsyncMap_ConcurrencyCapProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		jobs := rapid.IntRange(0, 40).Draw(rt, "jobs")
		maxTasks := rapid.IntRange(1, 8).Draw(rt, "maxTasks")

		// 任务只在 Start 与 Next 中被取出，均在当前 goroutine
		var started, nextCalls, peak int
		source := FuncSource[int](func() (int, bool) {
			if started == jobs {
				return 0, false
			}
			started++
			if u := started - nextCalls; u > peak {
				peak = u
			}
			return started, true
		})

		m := NewAsyncMap(func(_ context.Context, n int) (int, error) {
			time.Sleep(time.Duration(n%3) * time.Millisecond)
			return n, nil
		}, source, maxTasks)

		it, err := m.Start(context.Background())
		if err != nil {
			rt.Fatal(err)
		}
		count := 0
		for {
			nextCalls++
			if !it.Next() {
				break
			}
			count++
		}
		if it.Err() != nil {
			rt.Fatal(it.Err())
		}
		if count != jobs {
			rt.Fatalf("got %d results, want %d", count, jobs)
		}
		if peak > maxTasks {
			rt.Fatalf("peak unresolved %d exceeds cap %d", peak, maxTasks)
		}
	})
}
