package gateway

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries int           // 最大重试次数
	BaseDelay  time.Duration // 基础延迟
	MaxDelay   time.Duration // 最大延迟
}

// DefaultRetryConfig 行情类只读请求的默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// WithRetry 指数退避重试，仅重试 ClassRetryable 错误。
// 下单/撤单不走重试，由报价循环下一轮处理。
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) != ClassRetryable || ctx.Err() != nil {
			return lastErr
		}

		if attempt < cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff(attempt, cfg.BaseDelay, cfg.MaxDelay)):
			}
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

// backoff baseDelay * 2^attempt，上限 maxDelay
func backoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := baseDelay * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
