package gateway

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 控制请求速率，避免触发交易所限流
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// TokenBucketLimiter 令牌桶
type TokenBucketLimiter struct {
	rate   float64
	burst  int
	tokens float64
	last   time.Time
	mu     sync.Mutex
}

func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		last:   time.Now(),
	}
}

func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	if l.tokens >= 1 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}
	sleep := time.Duration((1-l.tokens)/l.rate*float64(time.Second)) + time.Millisecond
	l.tokens--
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
		return nil
	}
}

// CompositeLimiter 令牌桶 + 60 秒窗口硬上限
type CompositeLimiter struct {
	tb        *TokenBucketLimiter
	window    time.Duration
	windowMax int
	mu        sync.Mutex
	recent    []time.Time
}

func NewCompositeLimiter(rate float64, burst int, max60s int) *CompositeLimiter {
	return &CompositeLimiter{
		tb:        NewTokenBucketLimiter(rate, burst),
		window:    time.Minute,
		windowMax: max60s,
		recent:    make([]time.Time, 0, 256),
	}
}

func (l *CompositeLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		cut := time.Now().Add(-l.window)
		i := 0
		for i < len(l.recent) && !l.recent[i].After(cut) {
			i++
		}
		l.recent = l.recent[i:]
		over := l.windowMax > 0 && len(l.recent) >= l.windowMax
		l.mu.Unlock()

		if !over {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := l.tb.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.recent = append(l.recent, time.Now())
	l.mu.Unlock()
	return nil
}
