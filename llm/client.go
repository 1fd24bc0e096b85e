package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/BaSui01/evalflow/internal/metrics"
	"github.com/BaSui01/evalflow/llm/cache"
	"github.com/BaSui01/evalflow/llm/retry"
	"github.com/BaSui01/evalflow/types"
)

var tracer = otel.Tracer("github.com/BaSui01/evalflow/llm")

var (
	// ErrConnectTimeout 在 ConnectTimeout 内无法连上后端，客户端进入终止状态
	ErrConnectTimeout = errors.New("backend connect timeout")
	// ErrConnectRejected 后端以不可重试的错误拒绝连接（例如 401），客户端进入终止状态
	ErrConnectRejected = errors.New("backend rejected connection")
	// ErrReconnectBudgetExhausted 重连预算耗尽，客户端进入终止状态
	ErrReconnectBudgetExhausted = errors.New("reconnect budget exhausted")
	// ErrRecordingDisabled 未开启录制
	ErrRecordingDisabled = errors.New("exchange recording is disabled")
)

// 默认连接参数。
const (
	DefaultConnectTimeout    = 30 * time.Minute
	DefaultConnectRetryDelay = 10 * time.Second
	DefaultReconnectBudget   = 5
	DefaultReconnectDelay    = 1 * time.Second
)

// ConnState 连接状态
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	// StateFailed 终止状态：连接超时或重连预算耗尽
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// ClientConfig 客户端配置，零值字段使用默认值
type ClientConfig struct {
	// 单次连接（含重连）的探测总时长上限
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" env:"CONNECT_TIMEOUT"`

	// 两次健康探测之间的间隔
	ConnectRetryDelay time.Duration `yaml:"connect_retry_delay" json:"connect_retry_delay" env:"CONNECT_RETRY_DELAY"`

	// 客户端生命周期内允许的重连次数，负数表示不允许重连
	ReconnectBudget int `yaml:"reconnect_budget" json:"reconnect_budget" env:"RECONNECT_BUDGET"`

	// 硬失败后发起重连前的等待
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay" env:"RECONNECT_DELAY"`

	// 记录每次后端交互
	Record bool `yaml:"record" json:"record" env:"RECORD"`

	// 每秒请求数上限，0 表示不限
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" env:"REQUESTS_PER_SECOND"`

	// 覆盖内置默认值的生成参数
	Defaults types.GenerateConfig `yaml:"defaults" json:"defaults"`
}

// DefaultClientConfig 返回默认客户端配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:    DefaultConnectTimeout,
		ConnectRetryDelay: DefaultConnectRetryDelay,
		ReconnectBudget:   DefaultReconnectBudget,
		ReconnectDelay:    DefaultReconnectDelay,
	}
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConnectRetryDelay <= 0 {
		c.ConnectRetryDelay = DefaultConnectRetryDelay
	}
	if c.ReconnectBudget == 0 {
		c.ReconnectBudget = DefaultReconnectBudget
	}
	if c.ReconnectBudget < 0 {
		c.ReconnectBudget = 0
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	}
	return c
}

// Cache 是客户端使用的记忆存储，*cache.GenerationCache 实现了该接口
type Cache interface {
	Get(ctx context.Context, prompt string) (cache.Entry, bool, error)
	Put(ctx context.Context, prompt string, entry cache.Entry) error
}

// Exchange 是一次后端交互的记录
type Exchange struct {
	Prompt   string
	Params   types.GenerateParams
	Response *types.GenerateResponse
	Err      error
	Time     time.Time
}

// ClientOption 客户端选项
type ClientOption func(*Client)

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics 设置指标收集器
func WithMetrics(collector *metrics.Collector) ClientOption {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithLimiter 使用外部限流器，覆盖 RequestsPerSecond
func WithLimiter(limiter *rate.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// =============================================================================
// 🔌 生成客户端
// =============================================================================

// Client 包装一个 Backend，提供记忆化、惰性连接与硬失败后的重连重试。
// 可被多个 goroutine 并发使用。
type Client struct {
	backend Backend
	cache   Cache
	config  ClientConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	limiter *rate.Limiter

	connectGroup singleflight.Group

	mu             sync.Mutex
	state          ConnState
	epoch          uint64
	reconnectsLeft int
	reconnectDelay time.Duration
	fatal          error

	recMu     sync.Mutex
	exchanges []Exchange
}

// NewClient 创建客户端。memo 为 nil 时不做记忆化。
func NewClient(backend Backend, memo Cache, config ClientConfig, opts ...ClientOption) *Client {
	config = config.withDefaults()

	c := &Client{
		backend:        backend,
		cache:          memo,
		config:         config,
		logger:         zap.NewNop(),
		reconnectsLeft: config.ReconnectBudget,
	}
	if config.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), max(1, int(config.RequestsPerSecond)))
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "llm_client"), zap.String("backend", backend.Name()))
	c.metrics.SetConnectionState(backend.Name(), int(StateDisconnected))
	return c
}

// Backend 返回底层后端
func (c *Client) Backend() Backend {
	return c.backend
}

// State 返回当前连接状态
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectsLeft 返回剩余重连次数，只减不增
func (c *Client) ReconnectsLeft() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectsLeft
}

func (c *Client) setStateLocked(state ConnState) {
	if c.state == state {
		return
	}
	c.logger.Info("connection state changed",
		zap.Stringer("from", c.state),
		zap.Stringer("to", state))
	c.state = state
	c.metrics.SetConnectionState(c.backend.Name(), int(state))
}

// =============================================================================
// 🔗 连接管理
// =============================================================================

// Connect 等待后端可用。并发调用共享同一次连接尝试；调用方 ctx 结束时
// 只是停止等待，连接尝试继续为其他调用方进行。
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.ensureConnected(ctx)
	return err
}

// ensureConnected 返回当前连接的 epoch
func (c *Client) ensureConnected(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	if c.fatal != nil {
		err := c.fatal
		c.mu.Unlock()
		return 0, err
	}
	if c.state == StateConnected {
		epoch := c.epoch
		c.mu.Unlock()
		return epoch, nil
	}
	c.mu.Unlock()

	ch := c.connectGroup.DoChan("connect", func() (any, error) {
		return c.connect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(uint64), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	if c.fatal != nil {
		err := c.fatal
		c.mu.Unlock()
		return 0, err
	}
	if c.state == StateConnected {
		epoch := c.epoch
		c.mu.Unlock()
		return epoch, nil
	}
	delay := c.reconnectDelay
	c.reconnectDelay = 0
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	ctx, span := tracer.Start(ctx, "llm.connect",
		trace.WithAttributes(attribute.String("llm.backend", c.backend.Name())))
	defer span.End()

	policy := retry.FixedPolicy(c.config.ConnectRetryDelay, c.config.ConnectTimeout)
	policy.Retryable = probeRetryable
	policy.OnRetry = func(attempt int, err error, _ time.Duration) {
		span.AddEvent("probe.retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()),
		))
	}

	start := time.Now()
	err := retry.NewRetryer(policy, c.logger).Do(ctx, func(ctx context.Context) error {
		err := c.backend.TryConnect(ctx)
		if err != nil {
			c.logger.Debug("backend not ready", zap.Error(err))
		}
		return err
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if errors.Is(err, retry.ErrMaxElapsed) {
			c.fatal = fmt.Errorf("%w: %s not reachable within %v: %w",
				ErrConnectTimeout, c.backend.Name(), c.config.ConnectTimeout, err)
		} else {
			c.fatal = fmt.Errorf("%w: %s: %w", ErrConnectRejected, c.backend.Name(), err)
		}
		c.setStateLocked(StateFailed)
		span.RecordError(c.fatal)
		span.SetStatus(codes.Error, c.fatal.Error())
		c.logger.Error("connect failed", zap.Error(c.fatal))
		return 0, c.fatal
	}

	c.epoch++
	c.setStateLocked(StateConnected)
	c.logger.Info("connected",
		zap.Uint64("epoch", c.epoch),
		zap.Duration("elapsed", time.Since(start)))
	return c.epoch, nil
}

// probeRetryable 探测期间只有后端明确标记为不可重试的错误才停止探测
func probeRetryable(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return true
}

// reportHardFailure 处理 epoch 连接上发生的硬失败。同一 epoch 只有第一次
// 报告会断开连接并消耗一次重连预算。预算耗尽时返回终止错误。
func (c *Client) reportHardFailure(epoch uint64, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fatal != nil {
		return c.fatal
	}
	if epoch != c.epoch || c.state != StateConnected {
		return nil
	}

	if c.reconnectsLeft <= 0 {
		c.fatal = fmt.Errorf("%w: %s: %w", ErrReconnectBudgetExhausted, c.backend.Name(), cause)
		c.setStateLocked(StateFailed)
		c.logger.Error("giving up on backend", zap.Error(c.fatal))
		return c.fatal
	}

	c.reconnectsLeft--
	c.reconnectDelay = c.config.ReconnectDelay
	c.setStateLocked(StateDisconnected)
	c.metrics.RecordReconnect(c.backend.Name())
	c.logger.Warn("backend failure, reconnecting",
		zap.Uint64("epoch", epoch),
		zap.Int("reconnects_left", c.reconnectsLeft),
		zap.Error(cause))
	return nil
}

// Info 连接后返回后端信息
func (c *Client) Info(ctx context.Context) (Info, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c.backend.Info(ctx)
}

// =============================================================================
// 🎯 生成
// =============================================================================

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeSoft
	outcomeOffline
	outcomeHard
	outcomeOther
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeSoft:
		return "soft_error"
	case outcomeOffline:
		return "offline"
	case outcomeHard:
		return "hard_error"
	default:
		return "error"
	}
}

func classify(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if genErr, ok := types.AsGenerateError(err); ok {
		if genErr.IsOffline() {
			return outcomeOffline
		}
		return outcomeSoft
	}
	if IsRetryable(err) {
		return outcomeHard
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return outcomeHard
	}
	return outcomeOther
}

// Generate 生成 prompt 的回复。
//
// 记忆存储中的成功结果直接返回，不需要连接；存储的错误不返回，而是重新请求。
// 软失败写入记忆存储后返回；硬失败断开连接、重连后重试整个请求，
// 直到成功或重连预算耗尽；离线错误不写入，若存在先前存储的错误则作为其 Cause。
func (c *Client) Generate(ctx context.Context, prompt string, config types.GenerateConfig) (types.GenerateResponse, error) {
	params := types.DefaultGenerateParams().Merge(c.config.Defaults).Merge(config)

	ctx, span := tracer.Start(ctx, "llm.generate",
		trace.WithAttributes(
			attribute.String("llm.backend", c.backend.Name()),
			attribute.Int("llm.prompt_length", len(prompt)),
		))
	defer span.End()

	resp, err := c.generate(ctx, prompt, params)
	if err != nil && !types.IsOffline(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, err
}

func (c *Client) generate(ctx context.Context, prompt string, params types.GenerateParams) (types.GenerateResponse, error) {
	var prior *types.GenerateError
	if c.cache != nil {
		entry, ok, err := c.cache.Get(ctx, prompt)
		if err != nil {
			return types.GenerateResponse{}, fmt.Errorf("cache lookup: %w", err)
		}
		if ok && entry.Response != nil {
			c.metrics.RecordGenerate(c.backend.Name(), "cached", 0)
			return *entry.Response, nil
		}
		if ok {
			prior = entry.Err
		}
	}

	for attempt := 0; attempt <= c.config.ReconnectBudget; attempt++ {
		epoch, err := c.ensureConnected(ctx)
		if err != nil {
			return types.GenerateResponse{}, err
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return types.GenerateResponse{}, err
			}
		}

		resp, err := c.call(ctx, prompt, params)
		if err != nil && ctx.Err() != nil {
			return types.GenerateResponse{}, ctx.Err()
		}

		switch classify(err) {
		case outcomeSuccess:
			if err := c.persist(ctx, prompt, cache.ResponseEntry(resp)); err != nil {
				return types.GenerateResponse{}, err
			}
			return resp, nil

		case outcomeSoft:
			genErr, _ := types.AsGenerateError(err)
			if perr := c.persist(ctx, prompt, cache.ErrorEntry(genErr)); perr != nil {
				return types.GenerateResponse{}, perr
			}
			return types.GenerateResponse{}, err

		case outcomeOffline:
			if prior != nil {
				offline, _ := types.AsGenerateError(err)
				return types.GenerateResponse{}, offline.WithCause(prior)
			}
			return types.GenerateResponse{}, err

		case outcomeHard:
			if fatal := c.reportHardFailure(epoch, err); fatal != nil {
				return types.GenerateResponse{}, fatal
			}

		default:
			return types.GenerateResponse{}, err
		}
	}

	return types.GenerateResponse{}, fmt.Errorf("%w: %s: retried %d times",
		ErrReconnectBudgetExhausted, c.backend.Name(), c.config.ReconnectBudget)
}

// call 执行一次后端请求并计时，后端自报耗时优先
func (c *Client) call(ctx context.Context, prompt string, params types.GenerateParams) (types.GenerateResponse, error) {
	start := time.Now()
	out, err := c.backend.Generate(ctx, prompt, params)
	elapsed := time.Since(start)

	c.metrics.RecordGenerate(c.backend.Name(), classify(err).String(), elapsed)

	var resp types.GenerateResponse
	if err == nil {
		resp = types.GenerateResponse{Text: out.Text, Duration: elapsed.Seconds()}
		if out.Duration != nil {
			resp.Duration = *out.Duration
		}
	}

	if c.config.Record {
		ex := Exchange{Prompt: prompt, Params: params, Err: err, Time: start}
		if err == nil {
			r := resp
			ex.Response = &r
		}
		c.recMu.Lock()
		c.exchanges = append(c.exchanges, ex)
		c.recMu.Unlock()
	}
	return resp, err
}

func (c *Client) persist(ctx context.Context, prompt string, entry cache.Entry) error {
	if c.cache == nil {
		return nil
	}
	if err := c.cache.Put(ctx, prompt, entry); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// Exchanges 按发生顺序返回后端交互记录的副本
func (c *Client) Exchanges() ([]Exchange, error) {
	if !c.config.Record {
		return nil, ErrRecordingDisabled
	}
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return append([]Exchange(nil), c.exchanges...), nil
}
