package forward

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/logger"
	"tg_forwarder/internal/transport"
)

// CapabilityCache 频道转发能力缓存。
// 查询失败或缓存缺失时一律按禁止转发处理，宁可多走一次下载上传，
// 也不把受保护内容误判为可转发。
type CapabilityCache struct {
	client transport.Client
	ttl    time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	values map[int64]models.ChannelCapability
}

// NewCapabilityCache 创建能力缓存，ttl 为单条缓存的有效期
func NewCapabilityCache(client transport.Client, ttl time.Duration) *CapabilityCache {
	return &CapabilityCache{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		values: make(map[int64]models.ChannelCapability),
	}
}

// Get 返回频道能力，缓存过期或缺失时重新查询。
// 查询失败时返回按禁止处理的结果和错误，失败结果不会写入缓存。
func (c *CapabilityCache) Get(ctx context.Context, channelID int64) (models.ChannelCapability, error) {
	if cap, ok := c.lookup(channelID); ok {
		return cap, nil
	}

	meta, err := c.client.ChannelMeta(ctx, channelID)
	if err != nil {
		return models.ChannelCapability{ChannelID: channelID, AllowForward: false},
			fmt.Errorf("failed to check capability of channel %d: %w", channelID, err)
	}

	cap := models.ChannelCapability{
		ChannelID:    channelID,
		AllowForward: meta.AllowForward,
		Title:        meta.Title,
		CheckedAt:    c.now(),
	}
	c.mu.Lock()
	c.values[channelID] = cap
	c.mu.Unlock()

	logger.L().Debugf("Channel %d capability checked: allow_forward=%v", channelID, cap.AllowForward)
	return cap, nil
}

// AllowForward 频道是否允许转发，状态未知时返回 false
func (c *CapabilityCache) AllowForward(ctx context.Context, channelID int64) bool {
	cap, err := c.Get(ctx, channelID)
	if err != nil {
		logger.L().Warnf("Capability unknown for channel %d, treating as forbidden: %v", channelID, err)
		return false
	}
	return cap.AllowForward
}

// SortByCapability 将允许转发的频道排到前面，分区内保持原有相对顺序
func (c *CapabilityCache) SortByCapability(ctx context.Context, channelIDs []int64) []int64 {
	allowed := make([]int64, 0, len(channelIDs))
	forbidden := make([]int64, 0, len(channelIDs))
	for _, id := range channelIDs {
		if c.AllowForward(ctx, id) {
			allowed = append(allowed, id)
		} else {
			forbidden = append(forbidden, id)
		}
	}
	return append(allowed, forbidden...)
}

// Invalidate 使单个频道的缓存失效
func (c *CapabilityCache) Invalidate(channelID int64) {
	c.mu.Lock()
	delete(c.values, channelID)
	c.mu.Unlock()
}

// InvalidateAll 清空全部缓存
func (c *CapabilityCache) InvalidateAll() {
	c.mu.Lock()
	c.values = make(map[int64]models.ChannelCapability)
	c.mu.Unlock()
}

func (c *CapabilityCache) lookup(channelID int64) (models.ChannelCapability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cap, ok := c.values[channelID]
	if !ok || !cap.Fresh(c.ttl, c.now()) {
		return models.ChannelCapability{}, false
	}
	return cap, true
}
