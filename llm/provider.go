package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/evalflow/types"
)

// 统一的后端错误码，用于对齐 HTTP 状态与可重试性。
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "LLM_INVALID_REQUEST"      // 参数/格式错误
	ErrUnauthorized        ErrorCode = "LLM_UNAUTHORIZED"         // 未授权
	ErrRateLimited         ErrorCode = "LLM_RATE_LIMITED"         // 上游限流
	ErrModelOverloaded     ErrorCode = "LLM_MODEL_OVERLOADED"     // 模型过载
	ErrUpstreamTimeout     ErrorCode = "LLM_UPSTREAM_TIMEOUT"     // 上游超时
	ErrUpstreamError       ErrorCode = "LLM_UPSTREAM_ERROR"       // 上游 5xx/网络错误
	ErrProviderUnavailable ErrorCode = "LLM_PROVIDER_UNAVAILABLE" // 后端不可用
)

// Error 是后端返回的传输层错误。Retryable 为 true 时视为硬失败：
// 客户端断开连接、重连后重试整个请求。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Backend    string    `json:"backend,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable 判断错误链中是否有可重试的 *Error
func IsRetryable(err error) bool {
	var llmErr *Error
	return errors.As(err, &llmErr) && llmErr.Retryable
}

// Info 是后端自描述信息，字段由后端决定（例如 TGI 的 model_id）。
type Info map[string]any

// ModelID 返回 model_id 字段，缺失时返回空字符串
func (i Info) ModelID() string {
	if v, ok := i["model_id"].(string); ok {
		return v
	}
	return ""
}

// BackendResponse 是后端单次生成的原始结果。
// Duration 为后端自报的推理耗时（秒），为空时由客户端计时。
type BackendResponse struct {
	Text     string
	Duration *float64
}

// Backend 定义推理后端的适配接口。
//
// Generate 的错误约定：
//   - *types.GenerateError（KindGenerate）：后端拒绝请求，结果会被缓存；
//   - *types.GenerateError（KindOffline）：离线，不发起网络请求；
//   - Retryable 的 *Error：连接中断、超时、后端崩溃，触发重连重试；
//   - 其他错误原样返回给调用方。
type Backend interface {
	// Name 返回后端标识
	Name() string

	// TryConnect 执行一次健康探测，返回 nil 表示后端可用
	TryConnect(ctx context.Context) error

	// Info 返回后端信息
	Info(ctx context.Context) (Info, error)

	// Generate 使用完整参数执行一次生成
	Generate(ctx context.Context, prompt string, params types.GenerateParams) (BackendResponse, error)
}
