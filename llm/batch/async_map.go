package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/BaSui01/evalflow/internal/metrics"
)

var (
	// ErrAlreadyStarted AsyncMap 只能启动一次，新一轮需要新建实例
	ErrAlreadyStarted = errors.New("async map already started")
	// ErrLenUnsupported 任务源没有长度
	ErrLenUnsupported = errors.New("job source has no length")
	// ErrInvalidMaxTasks 并发上限必须为正数
	ErrInvalidMaxTasks = errors.New("max tasks must be positive")
	// ErrWorkerPanic Worker 发生 panic
	ErrWorkerPanic = errors.New("worker panicked")
)

// Worker 处理单个任务。ctx 在其他任务失败时被取消。
type Worker[J, R any] func(ctx context.Context, job J) (R, error)

// Source 是不可重启的任务序列
type Source[J any] interface {
	Next() (J, bool)
}

type lengther interface {
	Len() int
}

// SliceSource 将切片适配为 Source，并提供 Len
type SliceSource[J any] struct {
	items []J
	pos   int
}

// FromSlice 创建切片任务源
func FromSlice[J any](items []J) *SliceSource[J] {
	return &SliceSource[J]{items: items}
}

// Next 返回下一个任务
func (s *SliceSource[J]) Next() (J, bool) {
	if s.pos >= len(s.items) {
		var zero J
		return zero, false
	}
	job := s.items[s.pos]
	s.pos++
	return job, true
}

// Len 返回任务总数
func (s *SliceSource[J]) Len() int {
	return len(s.items)
}

// FuncSource 将函数适配为 Source
type FuncSource[J any] func() (J, bool)

// Next 调用底层函数
func (f FuncSource[J]) Next() (J, bool) {
	return f()
}

type config struct {
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Option AsyncMap 选项
type Option func(*config)

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *config) {
		c.metrics = collector
	}
}

// =============================================================================
// 🚦 有界调度
// =============================================================================

// AsyncMap 以固定并发上限对任务源逐个执行 Worker，按完成顺序产出结果
type AsyncMap[J, R any] struct {
	worker   Worker[J, R]
	source   Source[J]
	maxTasks int
	config   config
	started  atomic.Bool
}

// NewAsyncMap 创建调度器，maxTasks 为同时未消费的任务数上限
func NewAsyncMap[J, R any](worker Worker[J, R], source Source[J], maxTasks int, opts ...Option) *AsyncMap[J, R] {
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &AsyncMap[J, R]{
		worker:   worker,
		source:   source,
		maxTasks: maxTasks,
		config:   cfg,
	}
}

// Len 返回任务源长度，任务源未实现 Len 时返回 ErrLenUnsupported
func (m *AsyncMap[J, R]) Len() (int, error) {
	if l, ok := m.source.(lengther); ok {
		return l.Len(), nil
	}
	return 0, ErrLenUnsupported
}

// Start 立即启动 min(maxTasks, 剩余任务数) 个任务并返回结果迭代器
func (m *AsyncMap[J, R]) Start(ctx context.Context) (*Iterator[R], error) {
	if m.maxTasks < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxTasks, m.maxTasks)
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	it := &Iterator[R]{
		ctx:     runCtx,
		cancel:  cancel,
		results: make(chan outcome[R], m.maxTasks),
		logger:  m.config.logger,
		metrics: m.config.metrics,
	}
	it.launch = func() bool {
		job, ok := m.source.Next()
		if !ok {
			return false
		}
		it.run(func(ctx context.Context) (R, error) {
			return m.worker(ctx, job)
		})
		return true
	}

	for i := 0; i < m.maxTasks; i++ {
		if !it.launch() {
			it.exhausted = true
			break
		}
	}
	return it, nil
}

type outcome[R any] struct {
	value R
	err   error
}

// Iterator 按完成顺序产出结果，用法与 bufio.Scanner 相同：
//
//	for it.Next() {
//	    use(it.Result())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator[R any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	results chan outcome[R]
	launch  func() bool
	logger  *zap.Logger
	metrics *metrics.Collector

	wg         sync.WaitGroup
	unresolved int
	exhausted  bool
	done       bool

	current R
	err     error
}

func (it *Iterator[R]) run(fn func(ctx context.Context) (R, error)) {
	it.unresolved++
	it.wg.Add(1)
	it.metrics.AddSchedulerInflight(1)

	go func() {
		defer it.wg.Done()
		defer it.metrics.AddSchedulerInflight(-1)

		var out outcome[R]
		func() {
			defer func() {
				if r := recover(); r != nil {
					it.logger.Error("worker panicked",
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
					out.err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
				}
			}()
			out.value, out.err = fn(it.ctx)
		}()

		// 通道容量等于并发上限，发送不会阻塞
		it.results <- out
	}()
}

// Next 阻塞等待下一个完成的任务。成功时在返回前启动下一个任务；
// 失败或全部完成时返回 false。
func (it *Iterator[R]) Next() bool {
	if it.done {
		return false
	}
	if it.unresolved == 0 {
		it.finish()
		return false
	}

	out := <-it.results
	it.unresolved--

	if out.err != nil {
		it.metrics.RecordSchedulerJob("failed")
		it.fail(out.err)
		return false
	}
	it.metrics.RecordSchedulerJob("success")

	if err := it.ctx.Err(); err != nil {
		it.fail(err)
		return false
	}

	it.current = out.value
	if !it.exhausted && !it.launch() {
		it.exhausted = true
	}
	return true
}

// Result 返回最近一次 Next 成功时的结果
func (it *Iterator[R]) Result() R {
	return it.current
}

// Err 返回终止错误，全部成功时为 nil
func (it *Iterator[R]) Err() error {
	return it.err
}

// Close 放弃本轮：取消并等待所有在途任务。可重复调用。
func (it *Iterator[R]) Close() {
	if it.done {
		return
	}
	it.cancel()
	it.drain()
	it.finish()
}

func (it *Iterator[R]) finish() {
	it.done = true
	it.cancel()
	it.wg.Wait()
}

// fail 停止取任务，取消其余任务并等待它们结束，然后汇总错误
func (it *Iterator[R]) fail(first error) {
	it.exhausted = true
	it.cancel()

	errs := append([]error{first}, it.drain()...)
	it.err = collectErrors(errs)
	it.finish()

	if it.err != nil {
		it.logger.Debug("async map stopped", zap.Error(it.err), zap.Int("failures", len(errs)))
	}
}

// drain 等待所有未消费任务，返回它们的错误
func (it *Iterator[R]) drain() []error {
	var errs []error
	for it.unresolved > 0 {
		out := <-it.results
		it.unresolved--
		if out.err != nil {
			it.metrics.RecordSchedulerJob("cancelled")
			errs = append(errs, out.err)
		}
	}
	return errs
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// collectErrors 剔除取消信号：没有真实错误时返回取消错误，一个时原样返回，多个时合并
func collectErrors(errs []error) error {
	var (
		real      []error
		cancelErr error
	)
	for _, err := range errs {
		if isCancellation(err) {
			if cancelErr == nil {
				cancelErr = err
			}
			continue
		}
		real = append(real, err)
	}

	switch len(real) {
	case 0:
		return cancelErr
	case 1:
		return real[0]
	default:
		return multierr.Combine(real...)
	}
}
