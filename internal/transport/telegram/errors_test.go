package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"tg_forwarder/internal/transport"

	"github.com/go-telegram/bot"
)

func TestTranslateNil(t *testing.T) {
	if err := translate("forward message", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestTranslateRateLimited(t *testing.T) {
	err := translate("forward message", &bot.TooManyRequestsError{
		Message:    "too many requests",
		RetryAfter: 17,
	})

	wait, ok := transport.RetryAfter(err)
	if !ok {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if wait != 17*time.Second {
		t.Fatalf("expected 17s wait, got %v", wait)
	}
}

func TestTranslateRateLimitedWithoutHint(t *testing.T) {
	err := translate("forward message", &bot.TooManyRequestsError{
		Message: "too many requests",
	})

	wait, ok := transport.RetryAfter(err)
	if !ok {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if wait != time.Second {
		t.Fatalf("expected 1s fallback wait, got %v", wait)
	}
}

func TestTranslateMigrateKeepsNewChatID(t *testing.T) {
	err := translate("copy message", &bot.MigrateError{
		Message:         "bad request: group chat was upgraded",
		MigrateToChatID: -1003848752937,
	})

	if !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected not found classification, got %v", err)
	}
	if !strings.Contains(err.Error(), "-1003848752937") {
		t.Fatalf("migrated chat id should stay visible: %v", err)
	}
}

func TestTranslateClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		forbidden bool
		notFound  bool
		transient bool
	}{
		{
			name:      "forbidden",
			err:       fmt.Errorf("%w, bot was kicked", bot.ErrorForbidden),
			forbidden: true,
		},
		{
			name:      "unauthorized",
			err:       fmt.Errorf("%w, invalid token", bot.ErrorUnauthorized),
			forbidden: true,
		},
		{
			name:     "not found",
			err:      fmt.Errorf("%w, endpoint missing", bot.ErrorNotFound),
			notFound: true,
		},
		{
			name:     "bad request chat not found",
			err:      fmt.Errorf("%w, chat not found", bot.ErrorBadRequest),
			notFound: true,
		},
		{
			name:     "bad request message missing",
			err:      fmt.Errorf("%w, message to forward not found", bot.ErrorBadRequest),
			notFound: true,
		},
		{
			name:      "bad request protected content",
			err:       fmt.Errorf("%w, the message can't be forwarded", bot.ErrorBadRequest),
			forbidden: true,
		},
		{
			name:      "bad request no rights",
			err:       fmt.Errorf("%w, have no rights to send a message", bot.ErrorBadRequest),
			forbidden: true,
		},
		{
			name:      "bad request other",
			err:       fmt.Errorf("%w, wrong file identifier", bot.ErrorBadRequest),
			transient: true,
		},
		{
			name:      "generic network error",
			err:       errors.New("connection reset by peer"),
			transient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translate("forward message", tt.err)
			if got == nil {
				t.Fatal("expected error")
			}
			if errors.Is(got, transport.ErrWriteForbidden) != tt.forbidden {
				t.Fatalf("wrong forbidden classification: %v", got)
			}
			if errors.Is(got, transport.ErrNotFound) != tt.notFound {
				t.Fatalf("wrong not found classification: %v", got)
			}
			if transport.IsTransient(got) != tt.transient {
				t.Fatalf("wrong transient classification: %v", got)
			}
		})
	}
}
