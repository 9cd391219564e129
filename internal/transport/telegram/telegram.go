package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/logger"
	"tg_forwarder/internal/transport"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

// Config Bot API 客户端配置
type Config struct {
	Token         string // Bot Token
	RatePerSecond int    // 出站调用速率上限，0 取默认 30
	Debug         bool   // 是否开启调试模式
}

// Client 基于 Bot API 的消息平台客户端，实现 transport.Client。
type Client struct {
	bot     *bot.Bot
	limiter *RateLimiter
	catalog *Catalog
	http    *http.Client

	mu     sync.RWMutex
	onPost func(models.MessageRef)
}

var _ transport.Client = (*Client)(nil)

// New 创建客户端。catalog 为 nil 时不积累消息目录，历史转发不可用。
func New(cfg Config, catalog *Catalog) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token cannot be empty")
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 30
	}

	c := &Client{
		limiter: NewRateLimiter(cfg.RatePerSecond),
		catalog: catalog,
		// 大文件下载走这个 client，超时放宽
		http: &http.Client{Timeout: 10 * time.Minute},
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(c.handleUpdate),
	}
	if cfg.Debug {
		opts = append(opts, bot.WithDebug())
	}

	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		c.limiter.Close()
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	c.bot = b

	logger.L().Info("Telegram client initialized")
	return c, nil
}

// Start 启动 update 轮询（阻塞式，应在 goroutine 中运行）
func (c *Client) Start(ctx context.Context) {
	logger.L().Info("Starting Telegram update polling...")
	c.bot.Start(ctx)
	logger.L().Info("Telegram update polling stopped")
}

// Close 释放客户端资源
func (c *Client) Close() {
	c.limiter.Close()
}

// OnChannelPost 注册频道新消息回调，后注册的覆盖先注册的
func (c *Client) OnChannelPost(fn func(models.MessageRef)) {
	c.mu.Lock()
	c.onPost = fn
	c.mu.Unlock()
}

// handleUpdate 处理平台推送：频道消息先入目录，再通知监听方
func (c *Client) handleUpdate(ctx context.Context, _ *bot.Bot, update *botModels.Update) {
	post := update.ChannelPost
	if post == nil {
		return
	}

	ref := convertMessage(post)
	if c.catalog != nil {
		if err := c.catalog.Record(ctx, ref); err != nil {
			logger.L().Errorf("Failed to record channel post %d from %d: %v",
				ref.MessageID, ref.SourceChannelID, err)
		}
	}

	c.mu.RLock()
	fn := c.onPost
	c.mu.RUnlock()
	if fn != nil {
		fn(ref)
	}
}

// ResolveChannel 把 @用户名或数字 ID 字符串解析为频道元信息。
// Bot API 无法按邀请链接查询未加入的频道，遇到邀请码直接报错。
func (c *Client) ResolveChannel(ctx context.Context, identifier string) (models.ChannelMeta, error) {
	if strings.HasPrefix(identifier, "+") {
		return models.ChannelMeta{}, fmt.Errorf(
			"invite link resolution is not supported over the bot API, use @username or channel id instead of %q: %w",
			identifier, transport.ErrNotFound)
	}

	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		return c.chatMeta(ctx, id)
	}

	return c.chatMeta(ctx, identifier)
}

// ChannelMeta 查询频道元信息与转发能力
func (c *Client) ChannelMeta(ctx context.Context, channelID int64) (models.ChannelMeta, error) {
	return c.chatMeta(ctx, channelID)
}

func (c *Client) chatMeta(ctx context.Context, chatID any) (models.ChannelMeta, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.ChannelMeta{}, err
	}

	chat, err := c.bot.GetChat(ctx, &bot.GetChatParams{ChatID: chatID})
	if err != nil {
		return models.ChannelMeta{}, translate("get chat", err)
	}

	return models.ChannelMeta{
		ID:           chat.ID,
		Title:        chat.Title,
		Username:     chat.Username,
		AllowForward: !chat.HasProtectedContent,
	}, nil
}

// ListMessages 从消息目录读取历史消息。
// Bot API 没有频道历史接口，目录只覆盖客户端运行期间收到的推送。
func (c *Client) ListMessages(ctx context.Context, channelID int64, r transport.Range) ([]models.MessageRef, error) {
	if c.catalog == nil {
		return nil, fmt.Errorf("message catalog not configured, historical forwarding unavailable")
	}
	return c.catalog.ListRange(ctx, channelID, r)
}

// Forward 原生转发。媒体组整组转出，保持成员关系。
func (c *Client) Forward(ctx context.Context, unit models.Unit, targetID int64) ([]int, error) {
	if len(unit.Messages) == 0 {
		return nil, fmt.Errorf("empty unit")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if unit.IsGroup() {
		msgs, err := c.bot.ForwardMessages(ctx, &bot.ForwardMessagesParams{
			ChatID:     targetID,
			FromChatID: unit.SourceID(),
			MessageIDs: unit.IDs(),
		})
		if err != nil {
			return nil, translate("forward messages", err)
		}
		return messageIDs(msgs), nil
	}

	msg, err := c.bot.ForwardMessage(ctx, &bot.ForwardMessageParams{
		ChatID:     targetID,
		FromChatID: unit.SourceID(),
		MessageID:  unit.FirstID(),
	})
	if err != nil {
		return nil, translate("forward message", err)
	}
	return []int{msg.ID}, nil
}

// Copy 复制转发，目标中不显示来源
func (c *Client) Copy(ctx context.Context, unit models.Unit, targetID int64) ([]int, error) {
	if len(unit.Messages) == 0 {
		return nil, fmt.Errorf("empty unit")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if unit.IsGroup() {
		ids, err := c.bot.CopyMessages(ctx, &bot.CopyMessagesParams{
			ChatID:     targetID,
			FromChatID: unit.SourceID(),
			MessageIDs: unit.IDs(),
		})
		if err != nil {
			return nil, translate("copy messages", err)
		}
		return messageIDs(ids), nil
	}

	id, err := c.bot.CopyMessage(ctx, &bot.CopyMessageParams{
		ChatID:     targetID,
		FromChatID: unit.SourceID(),
		MessageID:  unit.FirstID(),
	})
	if err != nil {
		return nil, translate("copy message", err)
	}
	return []int{id.ID}, nil
}

func messageIDs(ids []botModels.MessageID) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.ID)
	}
	return out
}
