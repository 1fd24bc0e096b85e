package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorKind 标识生成错误的种类。
type ErrorKind string

const (
	// KindGenerate 后端拒绝了请求（例如输入过长），结果会被持久化。
	KindGenerate ErrorKind = "generate"
	// KindOffline 离线模式下缓存未命中，永远不会被持久化。
	KindOffline ErrorKind = "offline"
)

// GenerateError 是一次生成调用的领域错误。
//
// Kind 为 KindOffline 时即为 OfflineError；Cause 可以指向此前存储的错误。
type GenerateError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Trace   string    `json:"trace,omitempty"`
	Cause   error     `json:"-"`
}

// Error 实现 error 接口。
func (e *GenerateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap 返回底层原因。
func (e *GenerateError) Unwrap() error {
	return e.Cause
}

// IsOffline 判断是否为离线错误。
func (e *GenerateError) IsOffline() bool {
	return e != nil && e.Kind == KindOffline
}

// WithCause 返回设置了底层原因的副本，不修改 e。
func (e *GenerateError) WithCause(cause error) *GenerateError {
	c := *e
	c.Cause = cause
	return &c
}

// NewGenerateError 创建软失败错误，并在构造处捕获调用栈。
func NewGenerateError(message string) *GenerateError {
	return &GenerateError{Kind: KindGenerate, Message: message, Trace: captureTrace(3)}
}

// NewGenerateErrorf 按格式创建软失败错误。
func NewGenerateErrorf(format string, args ...any) *GenerateError {
	return &GenerateError{Kind: KindGenerate, Message: fmt.Sprintf(format, args...), Trace: captureTrace(3)}
}

// NewOfflineError 创建离线错误。
func NewOfflineError(message string) *GenerateError {
	return &GenerateError{Kind: KindOffline, Message: message, Trace: captureTrace(3)}
}

// AsGenerateError 从错误链中提取最外层的 GenerateError。
func AsGenerateError(err error) (*GenerateError, bool) {
	var ge *GenerateError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsOffline 检查错误链最外层的 GenerateError 是否为离线错误。
func IsOffline(err error) bool {
	ge, ok := AsGenerateError(err)
	return ok && ge.IsOffline()
}

// IsGenerateError 检查错误链最外层的 GenerateError 是否为可持久化的软失败。
func IsGenerateError(err error) bool {
	ge, ok := AsGenerateError(err)
	return ok && ge.Kind == KindGenerate
}

// captureTrace 以 "function\n\tfile:line" 的格式记录调用栈。
func captureTrace(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return ""
	}

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}

// =============================================================================
// 💾 持久化记录
// =============================================================================

// ErrorRecord 是 GenerateError 的结构化持久化形式。Cause 不会被保存。
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Trace   string    `json:"trace,omitempty"`
}

// Record 返回错误的持久化记录。
func (e *GenerateError) Record() ErrorRecord {
	return ErrorRecord{Kind: e.Kind, Message: e.Message, Trace: e.Trace}
}

// Err 将记录还原为 GenerateError。
func (r ErrorRecord) Err() *GenerateError {
	return &GenerateError{Kind: r.Kind, Message: r.Message, Trace: r.Trace}
}

// MarshalErrorRecord 将错误编码为 JSON 记录。
func MarshalErrorRecord(e *GenerateError) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("nil generate error")
	}
	return json.Marshal(e.Record())
}

// UnmarshalErrorRecord 从 JSON 记录解码错误。
func UnmarshalErrorRecord(data []byte) (*GenerateError, error) {
	var rec ErrorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode error record: %w", err)
	}
	switch rec.Kind {
	case KindGenerate, KindOffline:
	default:
		return nil, fmt.Errorf("decode error record: unknown kind %q", rec.Kind)
	}
	return rec.Err(), nil
}
