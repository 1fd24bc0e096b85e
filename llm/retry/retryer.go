package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrMaxElapsed 重试总时长超过 MaxElapsed
var ErrMaxElapsed = errors.New("retry time limit exceeded")

// DefaultDelay 未设置 Delay 时的重试间隔
const DefaultDelay = 1 * time.Second

// RetryPolicy 定义固定间隔的重试策略
type RetryPolicy struct {
	Delay      time.Duration // 两次尝试之间的间隔
	MaxElapsed time.Duration // 所有尝试的总时长上限，0 表示只受 ctx 约束

	// Retryable 判断错误是否可重试，为空则重试所有错误
	Retryable func(err error) bool
	// OnRetry 每次重试前回调
	OnRetry func(attempt int, err error, delay time.Duration)
}

// FixedPolicy 返回固定间隔、总时长受 maxElapsed 约束的策略。
// 用于后端健康探测：后端启动期间持续探测直到超时。
func FixedPolicy(delay, maxElapsed time.Duration) *RetryPolicy {
	return &RetryPolicy{
		Delay:      delay,
		MaxElapsed: maxElapsed,
	}
}

// Retryer 按策略重试函数
type Retryer struct {
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetryer 创建重试器
func NewRetryer(policy *RetryPolicy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}

	var p RetryPolicy
	if policy != nil {
		p = *policy
	}
	if p.Delay <= 0 {
		p.Delay = DefaultDelay
	}
	if p.MaxElapsed < 0 {
		p.MaxElapsed = 0
	}

	return &Retryer{policy: p, logger: logger}
}

// Policy 返回生效的策略副本
func (r *Retryer) Policy() RetryPolicy {
	return r.policy
}

// Do 执行 fn，失败时按策略重试。设置了 MaxElapsed 时，fn 收到的 ctx
// 带有对应截止时间，超时返回包装 ErrMaxElapsed 的错误。
// 不可重试的错误原样返回。
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do 是带返回值的 Retryer.Do
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	policy := r.policy
	start := time.Now()

	runCtx := ctx
	if policy.MaxElapsed > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, policy.MaxElapsed)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := policy.Delay
			if policy.MaxElapsed > 0 {
				remaining := policy.MaxElapsed - time.Since(start)
				if remaining <= 0 {
					return zero, r.elapsed(start, lastErr)
				}
				delay = min(delay, remaining)
			}

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if policy.OnRetry != nil {
				policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-runCtx.Done():
				timer.Stop()
				if ctx.Err() != nil {
					return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
				}
				return zero, r.elapsed(start, lastErr)
			case <-timer.C:
			}
		}

		result, err := fn(runCtx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
		if runCtx.Err() != nil {
			return zero, r.elapsed(start, lastErr)
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			r.logger.Debug("error is not retryable", zap.Int("attempt", attempt), zap.Error(err))
			return zero, err
		}
	}
}

func (r *Retryer) elapsed(start time.Time, lastErr error) error {
	r.logger.Warn("retry time limit exceeded",
		zap.Duration("elapsed", time.Since(start)),
		zap.Duration("limit", r.policy.MaxElapsed),
		zap.Error(lastErr),
	)
	if lastErr == nil {
		return fmt.Errorf("%w (%v)", ErrMaxElapsed, r.policy.MaxElapsed)
	}
	return fmt.Errorf("%w (%v): %w", ErrMaxElapsed, r.policy.MaxElapsed, lastErr)
}
