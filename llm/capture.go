package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/BaSui01/evalflow/types"
)

// Generator 是 Capture 使用的生成接口，*Client 实现了该接口
type Generator interface {
	Generate(ctx context.Context, prompt string, config types.GenerateConfig) (types.GenerateResponse, error)
}

// Capture 累计一次观测内所有生成请求的耗时，并记录第一个生成错误。
// 工作函数用它把软失败转换为可存储的结果：
//
//	capture := llm.NewCapture(client)
//	answer, err := capture.Generate(ctx, prompt, cfg)
//	if err := capture.Recover(err); err != nil {
//	    return err // 硬失败或终止错误
//	}
//	if capture.Err() != nil {
//	    return results.PutError(ctx, split, idx, capture.Err())
//	}
type Capture struct {
	gen Generator

	mu       sync.Mutex
	duration float64
	err      *types.GenerateError
}

// NewCapture 创建累加器
func NewCapture(gen Generator) *Capture {
	return &Capture{gen: gen}
}

// Generate 执行生成并累计耗时，返回去除首尾空白的文本
func (c *Capture) Generate(ctx context.Context, prompt string, config types.GenerateConfig) (string, error) {
	resp, err := c.gen.Generate(ctx, prompt, config)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.duration += resp.Duration
	c.mu.Unlock()
	return strings.TrimSpace(resp.Text), nil
}

// Recover 吸收 GenerateError（包括离线错误）并记录第一个，其余错误原样返回
func (c *Capture) Recover(err error) error {
	if err == nil {
		return nil
	}
	genErr, ok := types.AsGenerateError(err)
	if !ok {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = genErr
	}
	return nil
}

// Duration 返回累计耗时（秒）
func (c *Capture) Duration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// Err 返回记录的第一个生成错误
func (c *Capture) Err() *types.GenerateError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
