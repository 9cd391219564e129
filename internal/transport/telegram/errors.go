package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tg_forwarder/internal/transport"

	"github.com/go-telegram/bot"
)

// translate 把 bot API 错误翻译为 transport 错误类型。
// 上层只依赖 errors.Is/As 判定，字符串匹配只发生在这一层。
func translate(op string, err error) error {
	if err == nil {
		return nil
	}

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		wait := time.Duration(tooMany.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		return &transport.RateLimitedError{RetryAfter: wait}
	}

	// 群组升级为超级群后旧 ID 失效，按不存在处理，由调用方改用新 ID 重新配置
	var migrate *bot.MigrateError
	if errors.As(err, &migrate) {
		return fmt.Errorf("%s: chat migrated to %d: %w", op, migrate.MigrateToChatID, transport.ErrNotFound)
	}

	if errors.Is(err, bot.ErrorForbidden) || errors.Is(err, bot.ErrorUnauthorized) {
		return fmt.Errorf("%s: %v: %w", op, err, transport.ErrWriteForbidden)
	}

	if errors.Is(err, bot.ErrorNotFound) {
		return fmt.Errorf("%s: %v: %w", op, err, transport.ErrNotFound)
	}

	if errors.Is(err, bot.ErrorBadRequest) {
		return translateBadRequest(op, err)
	}

	return &transport.TransientError{Op: op, Err: err}
}

// translateBadRequest 细分 Bad Request。平台把权限与存在性失败都塞在
// 这个状态码里，只能按描述文本区分。
func translateBadRequest(op string, err error) error {
	desc := strings.ToLower(err.Error())

	switch {
	case strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "message to forward not found"),
		strings.Contains(desc, "message to copy not found"),
		strings.Contains(desc, "message ids are invalid"):
		return fmt.Errorf("%s: %v: %w", op, err, transport.ErrNotFound)

	case strings.Contains(desc, "can't be forwarded"),
		strings.Contains(desc, "can't be copied"),
		strings.Contains(desc, "have no rights"),
		strings.Contains(desc, "not enough rights"),
		strings.Contains(desc, "chat_write_forbidden"):
		return fmt.Errorf("%s: %v: %w", op, err, transport.ErrWriteForbidden)
	}

	return &transport.TransientError{Op: op, Err: err}
}
