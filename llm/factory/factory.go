package factory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/evalflow/llm"
	"github.com/BaSui01/evalflow/llm/providers/offline"
	"github.com/BaSui01/evalflow/llm/providers/tgi"
	"github.com/BaSui01/evalflow/llm/providers/vllm"
)

var (
	// ErrUnknownBackend 名称未注册
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrDuplicateBackend 名称已注册
	ErrDuplicateBackend = errors.New("backend already registered")
)

// BackendConfig 是工厂接受的通用后端配置
type BackendConfig struct {
	BaseURL             string        `json:"base_url" yaml:"base_url"`
	Timeout             time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host,omitempty" yaml:"max_idle_conns_per_host,omitempty"`
}

// Constructor 按配置构造一个后端
type Constructor func(cfg BackendConfig, logger *zap.Logger) (llm.Backend, error)

// ============================================================
// Backend Registry
// ============================================================

// Registry 后端注册表，进程启动时创建一次并注入使用方
type Registry struct {
	ctors map[string]Constructor
	mu    sync.RWMutex
}

// New 创建注册了 tgi、vllm、offline 的注册表
func New() *Registry {
	r := NewEmpty()
	r.ctors[tgi.Name] = requireURL(tgi.Name, func(cfg BackendConfig, logger *zap.Logger) llm.Backend {
		return tgi.New(tgi.Config{
			BaseURL:             cfg.BaseURL,
			Timeout:             cfg.Timeout,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		}, logger)
	})
	r.ctors[vllm.Name] = requireURL(vllm.Name, func(cfg BackendConfig, logger *zap.Logger) llm.Backend {
		return vllm.New(vllm.Config{
			BaseURL:             cfg.BaseURL,
			Timeout:             cfg.Timeout,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		}, logger)
	})
	// offline 忽略 cfg
	r.ctors[offline.Name] = func(BackendConfig, *zap.Logger) (llm.Backend, error) {
		return offline.New(), nil
	}
	return r
}

// NewEmpty 创建空注册表
func NewEmpty() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

func requireURL(name string, build func(BackendConfig, *zap.Logger) llm.Backend) Constructor {
	return func(cfg BackendConfig, logger *zap.Logger) (llm.Backend, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("backend %q requires base_url", name)
		}
		return build(cfg, logger), nil
	}
}

// Register 注册后端构造函数，名称重复时返回 ErrDuplicateBackend
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("backend name and constructor are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ctors[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateBackend, name)
	}
	r.ctors[name] = ctor
	return nil
}

// Create 按名称创建后端
func (r *Registry) Create(name string, cfg BackendConfig, logger *zap.Logger) (llm.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (supported: %v)", ErrUnknownBackend, name, r.Names())
	}
	return ctor(cfg, logger)
}

// Names 返回已注册的后端名称，按字母序
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportedBackends 返回内置后端名称
func SupportedBackends() []string {
	return New().Names()
}

// NewBackendFromConfig 用内置注册表按名称创建后端
func NewBackendFromConfig(name string, cfg BackendConfig, logger *zap.Logger) (llm.Backend, error) {
	return New().Create(name, cfg, logger)
}
