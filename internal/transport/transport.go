package transport

import (
	"context"

	"tg_forwarder/internal/forward/models"
)

// Progress 下载进度回调，total 未知时为 0
type Progress func(received, total int64)

// Range 历史消息窗口
type Range struct {
	StartID int // 起始消息 ID（含），0 表示从最早一条开始
	EndID   int // 结束消息 ID（含），0 表示到最新一条为止
	Limit   int // 最多返回条数，0 表示不限
}

// Contains 消息 ID 是否落在窗口内
func (r Range) Contains(id int) bool {
	if r.StartID > 0 && id < r.StartID {
		return false
	}
	if r.EndID > 0 && id > r.EndID {
		return false
	}
	return true
}

// Client 消息平台客户端。实现负责把平台错误翻译为本包的错误类型，
// 上层只依赖 errors.Is/As，不做字符串匹配。
type Client interface {
	// ResolveChannel 将 @用户名、邀请链接或数字 ID 字符串解析为频道元信息
	ResolveChannel(ctx context.Context, identifier string) (models.ChannelMeta, error)

	// ChannelMeta 查询频道元信息与转发能力
	ChannelMeta(ctx context.Context, channelID int64) (models.ChannelMeta, error)

	// ListMessages 按 MessageID 升序列出窗口内的历史消息
	ListMessages(ctx context.Context, channelID int64, r Range) ([]models.MessageRef, error)

	// Download 将消息媒体下载到 destDir，返回本地文件路径
	Download(ctx context.Context, ref models.MessageRef, destDir string, progress Progress) (string, error)

	// Upload 将本地文件重建上传到目标频道，返回新消息 ID（升序）。
	// files 与原媒体组成员一一对应，len > 1 时作为一个媒体组发出。
	Upload(ctx context.Context, targetID int64, files []models.LocalFile) ([]int, error)

	// Forward 原生转发（保留来源标记），返回目标中的新消息 ID
	Forward(ctx context.Context, unit models.Unit, targetID int64) ([]int, error)

	// Copy 复制转发（隐藏来源），返回目标中的新消息 ID
	Copy(ctx context.Context, unit models.Unit, targetID int64) ([]int, error)
}
