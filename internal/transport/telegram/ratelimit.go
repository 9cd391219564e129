package telegram

import (
	"context"
	"time"
)

// RateLimiter 令牌桶限速器，约束对 Bot API 的出站调用频率。
// 所有调用共享同一个桶，避免多目标并发转发触发平台限流。
type RateLimiter struct {
	tokens   chan struct{}
	stopCh   chan struct{}
	interval time.Duration
}

// NewRateLimiter 创建限速器，ratePerSecond 为每秒允许的调用数
func NewRateLimiter(ratePerSecond int) *RateLimiter {
	limiter := &RateLimiter{
		tokens:   make(chan struct{}, ratePerSecond),
		stopCh:   make(chan struct{}),
		interval: time.Second / time.Duration(ratePerSecond),
	}

	// 初始填满令牌桶
	for i := 0; i < ratePerSecond; i++ {
		limiter.tokens <- struct{}{}
	}

	go limiter.refill()

	return limiter
}

// Wait 阻塞到取得令牌或上下文取消
func (r *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.tokens:
		return nil
	}
}

// refill 按固定间隔补充令牌
func (r *RateLimiter) refill() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			select {
			case r.tokens <- struct{}{}:
			default:
				// 桶已满，跳过
			}
		}
	}
}

// Close 停止补充令牌
func (r *RateLimiter) Close() {
	close(r.stopCh)
}
