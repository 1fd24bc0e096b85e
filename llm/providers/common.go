package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BaSui01/evalflow/llm"
	"github.com/BaSui01/evalflow/types"
)

// maxErrorBody 错误响应体的最大读取长度
const maxErrorBody = 64 << 10

// MapHTTPError 将后端的 HTTP 错误状态分类：
//   - 400/413/422/424：后端拒绝了这个请求（输入过长、参数非法、生成失败），返回软失败 *types.GenerateError；
//   - 408/429/5xx/529：后端暂时不可用，返回可重试的 *llm.Error，触发重连；
//   - 其他状态返回不可重试的 *llm.Error。
func MapHTTPError(status int, msg string, backend string) error {
	switch status {
	case http.StatusBadRequest,
		http.StatusRequestEntityTooLarge,
		http.StatusUnprocessableEntity,
		http.StatusFailedDependency:
		return types.NewGenerateErrorf("%s rejected request (status %d): %s", backend, status, msg)

	case http.StatusUnauthorized, http.StatusForbidden:
		return &llm.Error{
			Code:       llm.ErrUnauthorized,
			Message:    msg,
			HTTPStatus: status,
			Backend:    backend,
		}

	case http.StatusRequestTimeout:
		return &llm.Error{
			Code:       llm.ErrUpstreamTimeout,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Backend:    backend,
		}

	case http.StatusTooManyRequests:
		return &llm.Error{
			Code:       llm.ErrRateLimited,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Backend:    backend,
		}

	case 529: // 模型过载
		return &llm.Error{
			Code:       llm.ErrModelOverloaded,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Backend:    backend,
		}

	default:
		code := llm.ErrInvalidRequest
		if status >= 500 {
			code = llm.ErrUpstreamError
		}
		return &llm.Error{
			Code:       code,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  status >= 500,
			Backend:    backend,
		}
	}
}

// WrapTransportError 将连接失败、超时、读取中断等传输错误包装为可重试的 *llm.Error
func WrapTransportError(err error, backend string) error {
	if err == nil {
		return nil
	}
	code := llm.ErrUpstreamError
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		code = llm.ErrUpstreamTimeout
	}
	return &llm.Error{
		Code:       code,
		Message:    "transport failure",
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Backend:    backend,
		Cause:      err,
	}
}

// ReadErrorMessage 读取响应体中的错误消息。
// 支持 {"error": "...", "error_type": "..."} 与 {"error": {"message": "..."}} 两种格式，
// 解析失败则回退到原始文本。
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return "failed to read error response"
	}

	var flat struct {
		Error     string `json:"error"`
		ErrorType string `json:"error_type"`
	}
	if err := json.Unmarshal(data, &flat); err == nil && flat.Error != "" {
		if flat.ErrorType != "" {
			return fmt.Sprintf("%s (type: %s)", flat.Error, flat.ErrorType)
		}
		return flat.Error
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &nested); err == nil && nested.Error.Message != "" {
		if nested.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", nested.Error.Message, nested.Error.Type)
		}
		return nested.Error.Message
	}

	return strings.TrimSpace(string(data))
}

// Endpoint 拼接后端地址与路径
func Endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}
