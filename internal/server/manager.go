package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// ErrClosed 服务器已关闭
	ErrClosed = errors.New("server is closed")
	// ErrAlreadyStarted 服务器已启动
	ErrAlreadyStarted = errors.New("server already started")
)

// =============================================================================
// 🌐 运维端点服务器
// =============================================================================

// HealthCheck 返回 nil 表示健康
type HealthCheck func(ctx context.Context) error

// Config 服务器配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 健康检查超时
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":9091",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		HealthTimeout:   5 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Manager 提供 /metrics 与 /healthz 的 HTTP 服务器
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewManager 创建服务器。gatherer 为 nil 时使用默认注册表，health 为 nil 时总是健康。
func NewManager(config Config, gatherer prometheus.Gatherer, health HealthCheck, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if health == nil {
		health = func(context.Context) error { return nil }
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = DefaultConfig().HealthTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	m := &Manager{
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "ops_server")),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", m.healthHandler(health))

	m.server = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return m
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (m *Manager) healthHandler(check HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.config.HealthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		if err := check(ctx); err != nil {
			resp = healthResponse{Status: "unhealthy", Error: err.Error()}
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// =============================================================================
// 🎯 生命周期
// =============================================================================

// Start 启动服务器（非阻塞）
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.listener != nil {
		return ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}

	m.listener = listener
	m.logger.Info("starting ops server", zap.String("addr", listener.Addr().String()))

	go m.serve(listener)
	return nil
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("ops server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown 优雅关闭服务器，重复调用为空操作
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("ops server shutdown failed", zap.Error(err))
		return err
	}

	m.listener = nil
	m.logger.Info("ops server stopped")
	return nil
}

// Errors 返回异步服务错误
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// ListenAddr 返回实际监听地址，未启动时返回配置地址
func (m *Manager) ListenAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 报告服务器是否已启动且未关闭
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener != nil && !m.closed
}
