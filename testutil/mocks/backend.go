// MockBackend 是生成后端的测试模拟实现。
//
// 支持按 prompt 固定响应、健康探测失败、硬失败与错误注入场景。
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/evalflow/llm"
	"github.com/BaSui01/evalflow/types"
)

// --- MockBackend 结构 ---

// MockBackend 是 llm.Backend 的模拟实现。未配置的 prompt 返回
// "[DEFAULT RESPONSE n]"，n 为累计生成调用次数。
type MockBackend struct {
	mu sync.Mutex

	name      string
	responses map[string]string
	errors    map[string]error
	info      llm.Info
	duration  *float64
	delay     time.Duration

	connectFailures int
	connectErr      error
	hardFailures    int
	generateFunc    func(ctx context.Context, prompt string, params types.GenerateParams) (llm.BackendResponse, error)

	// 调用记录
	log          []string
	params       []types.GenerateParams
	connectCalls int
}

// --- 构造函数和 Builder 方法 ---

// NewMockBackend 创建新的 MockBackend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		name:      "mock",
		responses: map[string]string{},
		errors:    map[string]error{},
		info:      llm.Info{"model_id": "mock"},
	}
}

// WithName 设置后端名称
func (m *MockBackend) WithName(name string) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse 设置 prompt 的固定响应
func (m *MockBackend) WithResponse(prompt, response string) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
	return m
}

// WithConnectError 前 n 次失败之后，TryConnect 始终返回 err
func (m *MockBackend) WithConnectError(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
	return m
}

// WithError 设置 prompt 返回的错误
func (m *MockBackend) WithError(prompt string, err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[prompt] = err
	return m
}

// WithDuration 设置后端自报的推理耗时
func (m *MockBackend) WithDuration(seconds float64) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duration = &seconds
	return m
}

// WithDelay 设置生成延迟，期间响应 ctx 取消
func (m *MockBackend) WithDelay(d time.Duration) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithConnectFailures 设置前 n 次健康探测失败
func (m *MockBackend) WithConnectFailures(n int) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectFailures = n
	return m
}

// WithHardFailures 设置前 n 次生成调用返回可重试的后端错误
func (m *MockBackend) WithHardFailures(n int) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hardFailures = n
	return m
}

// WithInfo 设置 Info 返回值
func (m *MockBackend) WithInfo(info llm.Info) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
	return m
}

// WithGenerateFunc 设置自定义 Generate 函数，优先于其他配置
func (m *MockBackend) WithGenerateFunc(fn func(ctx context.Context, prompt string, params types.GenerateParams) (llm.BackendResponse, error)) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateFunc = fn
	return m
}

// --- Backend 接口实现 ---

// Name 返回后端名称
func (m *MockBackend) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// TryConnect 执行健康探测
func (m *MockBackend) TryConnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectCalls++
	if m.connectCalls <= m.connectFailures {
		return &llm.Error{
			Code:      llm.ErrProviderUnavailable,
			Message:   "mock backend starting",
			Retryable: true,
			Backend:   m.name,
		}
	}
	if m.connectErr != nil {
		return m.connectErr
	}
	return ctx.Err()
}

// Info 返回后端信息
func (m *MockBackend) Info(ctx context.Context) (llm.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := llm.Info{}
	for k, v := range m.info {
		out[k] = v
	}
	return out, nil
}

// Generate 返回配置的响应
func (m *MockBackend) Generate(ctx context.Context, prompt string, params types.GenerateParams) (llm.BackendResponse, error) {
	m.mu.Lock()
	m.log = append(m.log, prompt)
	m.params = append(m.params, params)
	n := len(m.log)
	delay := m.delay
	fn := m.generateFunc
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return llm.BackendResponse{}, ctx.Err()
		case <-timer.C:
		}
	}

	if fn != nil {
		return fn(ctx, prompt, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hardFailures > 0 {
		m.hardFailures--
		return llm.BackendResponse{}, &llm.Error{
			Code:      llm.ErrUpstreamError,
			Message:   "mock backend crashed",
			Retryable: true,
			Backend:   m.name,
		}
	}
	if err, ok := m.errors[prompt]; ok {
		return llm.BackendResponse{}, err
	}

	text, ok := m.responses[prompt]
	if !ok {
		text = fmt.Sprintf("[DEFAULT RESPONSE %d]", n)
	}
	return llm.BackendResponse{Text: text, Duration: m.duration}, nil
}

// --- 调用记录 ---

// Log 按调用顺序返回收到的 prompt
func (m *MockBackend) Log() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log...)
}

// Params 按调用顺序返回收到的生成参数
func (m *MockBackend) Params() []types.GenerateParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.GenerateParams(nil), m.params...)
}

// GenerateCalls 返回生成调用次数
func (m *MockBackend) GenerateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}

// ConnectCalls 返回健康探测次数
func (m *MockBackend) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}
