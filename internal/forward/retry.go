package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg_forwarder/internal/logger"
	"tg_forwarder/internal/transport"
)

// PermanentError 重试耗尽或不可重试的最终失败
type PermanentError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s failed permanently after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Result 一次受控调用的执行信息
type Result struct {
	Attempts    int           // 实际发起的调用次数
	RateLimited bool          // 期间是否遭遇限流
	Waited      time.Duration // 限流等待的总时长
}

// RetryController 包装传输层调用：限流按平台要求等待后原样重试一次，
// 临时错误按固定间隔重试，权限与不存在类错误立即判定为最终失败。
type RetryController struct {
	maxRetries       int           // 临时错误的最大尝试次数
	retryDelay       time.Duration // 临时错误的重试间隔
	maxRateLimitWait time.Duration // 超过该时长的限流直接放弃，0 表示不限
	sleep            func(context.Context, time.Duration) error
}

// NewRetryController 创建重试控制器
func NewRetryController(maxRetries int, retryDelay time.Duration) *RetryController {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &RetryController{
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		sleep:      sleepContext,
	}
}

// WithMaxRateLimitWait 设置可接受的最长限流等待
func (r *RetryController) WithMaxRateLimitWait(d time.Duration) *RetryController {
	r.maxRateLimitWait = d
	return r
}

// Do 执行 op 并按策略重试，返回执行信息与最终错误
func (r *RetryController) Do(ctx context.Context, op string, fn func() error) (Result, error) {
	var res Result
	transientAttempts := 0
	rateLimitRetried := false

	for {
		if err := ctx.Err(); err != nil {
			return res, &PermanentError{Op: op, Attempts: res.Attempts, Err: err}
		}

		res.Attempts++
		err := fn()
		if err == nil {
			return res, nil
		}

		// 限流：睡满平台要求的时长，原样重试一次
		if wait, ok := transport.RetryAfter(err); ok {
			if rateLimitRetried {
				logger.L().Warnf("Rate limited again on %s, giving up", op)
				return res, &PermanentError{Op: op, Attempts: res.Attempts, Err: err}
			}
			if r.maxRateLimitWait > 0 && wait > r.maxRateLimitWait {
				logger.L().Warnf("Rate limit wait %s on %s exceeds cap %s, giving up", wait, op, r.maxRateLimitWait)
				return res, &PermanentError{Op: op, Attempts: res.Attempts, Err: err}
			}
			rateLimitRetried = true
			res.RateLimited = true
			res.Waited += wait
			logger.L().Warnf("Rate limited on %s, sleeping %s before retry", op, wait)
			if serr := r.sleep(ctx, wait); serr != nil {
				return res, &PermanentError{Op: op, Attempts: res.Attempts, Err: serr}
			}
			continue
		}

		// 权限或不存在：重试没有意义
		if transport.IsPermissionDenied(err) || errors.Is(err, transport.ErrNotFound) {
			return res, &PermanentError{Op: op, Attempts: res.Attempts, Err: err}
		}

		// 其余按临时错误处理
		transientAttempts++
		if transientAttempts >= r.maxRetries {
			return res, &PermanentError{Op: op, Attempts: res.Attempts, Err: err}
		}
		logger.L().Warnf("Attempt %d/%d failed for %s: %v, retrying in %s",
			transientAttempts, r.maxRetries, op, err, r.retryDelay)
		if serr := r.sleep(ctx, r.retryDelay); serr != nil {
			return res, &PermanentError{Op: op, Attempts: res.Attempts, Err: serr}
		}
	}
}

// sleepContext 可被取消的睡眠
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
