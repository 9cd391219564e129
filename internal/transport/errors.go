package transport

import (
	"errors"
	"fmt"
	"time"
)

// 权限与存在性失败的哨兵错误，调用方用 errors.Is 判定
var (
	// ErrWriteForbidden 频道禁止转发或目标拒绝写入
	ErrWriteForbidden = errors.New("write forbidden")
	// ErrNotFound 频道或消息不存在
	ErrNotFound = errors.New("not found")
)

// RateLimitedError 平台限流，要求等待 RetryAfter 后再试
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransientError 临时性失败，可按重试策略再试
type TransientError struct {
	Op  string // 失败的操作名
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RetryAfter 若 err 为限流错误则返回等待时长
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsTransient 是否为可重试的临时错误
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermissionDenied 是否为权限类失败
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrWriteForbidden)
}
