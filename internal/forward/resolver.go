package forward

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/logger"
	"tg_forwarder/internal/transport"
)

// ChannelParseError 频道标识无法识别
type ChannelParseError struct {
	Input  string
	Reason string
}

func (e *ChannelParseError) Error() string {
	return fmt.Sprintf("invalid channel identifier %q: %s", e.Input, e.Reason)
}

var handlePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)

// ParseChannel 识别频道标识符格式，不访问网络。
// 支持：数字 ID、@用户名、裸用户名、t.me 公开链接（可带消息 ID）、
// t.me/c/ 私有链接（可带消息 ID）、+邀请码 与 t.me 邀请链接。
func ParseChannel(input string) (models.ChannelRef, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return models.ChannelRef{}, &ChannelParseError{Input: input, Reason: "empty identifier"}
	}
	ref := models.ChannelRef{Raw: raw}

	// 数字 ID 直接使用
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		ref.Kind = models.ChannelKindID
		ref.ResolvedID = id
		return ref, nil
	}

	// @用户名
	if strings.HasPrefix(raw, "@") {
		handle := raw[1:]
		if !handlePattern.MatchString(handle) {
			return models.ChannelRef{}, &ChannelParseError{Input: raw, Reason: "malformed username"}
		}
		ref.Kind = models.ChannelKindPublic
		ref.Handle = handle
		return ref, nil
	}

	// +邀请码
	if strings.HasPrefix(raw, "+") {
		code := raw[1:]
		if code == "" {
			return models.ChannelRef{}, &ChannelParseError{Input: raw, Reason: "empty invite code"}
		}
		ref.Kind = models.ChannelKindInvite
		ref.InviteCode = code
		return ref, nil
	}

	// 链接形式
	if link, ok := stripLinkPrefix(raw); ok {
		return parseLink(raw, link)
	}

	// 裸用户名
	if handlePattern.MatchString(raw) {
		ref.Kind = models.ChannelKindPublic
		ref.Handle = raw
		return ref, nil
	}

	return models.ChannelRef{}, &ChannelParseError{Input: raw, Reason: "unrecognized format"}
}

// stripLinkPrefix 去掉协议头与域名，返回 t.me 之后的路径
func stripLinkPrefix(raw string) (string, bool) {
	s := raw
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(s, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	for _, host := range []string{"t.me/", "telegram.me/", "www.t.me/"} {
		if strings.HasPrefix(s, host) {
			return strings.TrimSuffix(s[len(host):], "/"), true
		}
	}
	return "", false
}

func parseLink(raw, path string) (models.ChannelRef, error) {
	ref := models.ChannelRef{Raw: raw}
	if path == "" {
		return models.ChannelRef{}, &ChannelParseError{Input: raw, Reason: "empty link path"}
	}

	parts := strings.Split(path, "/")

	// t.me/+code 邀请链接
	if strings.HasPrefix(parts[0], "+") {
		code := parts[0][1:]
		if code == "" {
			return models.ChannelRef{}, &ChannelParseError{Input: raw, Reason: "empty invite code"}
		}
		ref.Kind = models.ChannelKindInvite
		ref.InviteCode = code
		return ref, nil
	}

	// t.me/joinchat/code 旧式邀请链接
	if parts[0] == "joinchat" {
		if len(parts) < 2 || parts[1] == "" {
			return models.ChannelRef{}, &ChannelParseError{Input: raw, Reason: "missing invite code"}
		}
		ref.Kind = models.ChannelKindInvite
		ref.InviteCode = parts[1]
		return ref, nil
	}

	// t.me/c/<internal_id>[/<message_id>] 私有频道链接
	if parts[0] == "c" {
		if len(parts) < 2 {
			return models.ChannelRef{}, &ChannelParseError{Input: raw, Reason: "missing internal id"}
		}
		internal, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || internal <= 0 {
			return models.ChannelRef{}, &ChannelParseError{Input: raw, Reason: "malformed internal id"}
		}
		ref.Kind = models.ChannelKindPrivate
		// t.me/c/ 内部 ID 加 -100 前缀才是真实频道 ID
		ref.ResolvedID = -(1_000_000_000_000 + internal)
		if len(parts) >= 3 {
			if msgID, err := strconv.Atoi(parts[2]); err == nil && msgID > 0 {
				ref.MessageID = msgID
			}
		}
		return ref, nil
	}

	// t.me/<handle>[/<message_id>] 公开频道链接
	if !handlePattern.MatchString(parts[0]) {
		return models.ChannelRef{}, &ChannelParseError{Input: raw, Reason: "malformed username"}
	}
	ref.Kind = models.ChannelKindPublic
	ref.Handle = parts[0]
	if len(parts) >= 2 {
		if msgID, err := strconv.Atoi(parts[1]); err == nil && msgID > 0 {
			ref.MessageID = msgID
		}
	}
	return ref, nil
}

// Resolver 频道标识解析器，解析结果按原始输入缓存
type Resolver struct {
	client transport.Client

	mu    sync.RWMutex
	cache map[string]models.ChannelRef
}

// NewResolver 创建解析器
func NewResolver(client transport.Client) *Resolver {
	return &Resolver{
		client: client,
		cache:  make(map[string]models.ChannelRef),
	}
}

// Resolve 解析频道标识符为带数字 ID 的引用。
// 公开用户名与邀请链接需要向平台查询一次，成功后缓存。
func (r *Resolver) Resolve(ctx context.Context, input string) (models.ChannelRef, error) {
	key := strings.TrimSpace(input)

	r.mu.RLock()
	ref, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return ref, nil
	}

	ref, err := ParseChannel(key)
	if err != nil {
		return models.ChannelRef{}, err
	}

	if !ref.Resolved() {
		meta, err := r.client.ResolveChannel(ctx, resolveIdentifier(ref))
		if err != nil {
			return models.ChannelRef{}, fmt.Errorf("failed to resolve channel %s: %w", ref.Display(), err)
		}
		ref.ResolvedID = meta.ID
		logger.L().Debugf("Resolved channel %s to id %d (%s)", key, meta.ID, meta.Title)
	}

	r.mu.Lock()
	r.cache[key] = ref
	r.mu.Unlock()
	return ref, nil
}

// resolveIdentifier 传输层查询使用的形式
func resolveIdentifier(ref models.ChannelRef) string {
	switch ref.Kind {
	case models.ChannelKindPublic:
		return "@" + ref.Handle
	case models.ChannelKindInvite:
		return "+" + ref.InviteCode
	default:
		return ref.Raw
	}
}
