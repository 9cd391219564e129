package models

import (
	"fmt"
	"strconv"
	"time"
)

// 频道标识类型常量
const (
	ChannelKindID      = "id"      // 数字频道 ID
	ChannelKindPublic  = "public"  // 公开频道用户名
	ChannelKindPrivate = "private" // t.me/c/ 内部 ID 链接
	ChannelKindInvite  = "invite"  // 邀请链接
)

// 媒体类型常量。MessageRef.MediaType 为空串表示纯文本，
// 过滤配置里用 "text" 指代这类消息。
const (
	MediaTypeText      = "text"
	MediaTypePhoto     = "photo"
	MediaTypeVideo     = "video"
	MediaTypeDocument  = "document"
	MediaTypeAudio     = "audio"
	MediaTypeVoice     = "voice"
	MediaTypeAnimation = "animation"
)

// MaxMediaGroupSize 单个媒体组允许的最大消息数
const MaxMediaGroupSize = 10

// AllMediaTypes 返回全部已知媒体类型
func AllMediaTypes() []string {
	return []string{
		MediaTypePhoto,
		MediaTypeVideo,
		MediaTypeDocument,
		MediaTypeAudio,
		MediaTypeVoice,
		MediaTypeAnimation,
	}
}

// KnownMediaType 是否为过滤配置可用的类型
func KnownMediaType(t string) bool {
	switch t {
	case MediaTypeText, MediaTypePhoto, MediaTypeVideo, MediaTypeDocument,
		MediaTypeAudio, MediaTypeVoice, MediaTypeAnimation:
		return true
	}
	return false
}

// ChannelRef 规范化后的频道标识
type ChannelRef struct {
	Raw        string // 原始输入，解析缓存的稳定键
	Kind       string // 标识类型
	Handle     string // 公开频道用户名（不含 @）
	InviteCode string // 邀请码（Kind 为 invite 时）
	ResolvedID int64  // 已解析的频道 ID，未解析时为 0
	MessageID  int    // 链接中携带的消息 ID，没有则为 0
}

// Resolved 是否已解析出数字 ID
func (r ChannelRef) Resolved() bool {
	return r.ResolvedID != 0
}

// Display 人类可读的频道表示，用于日志
func (r ChannelRef) Display() string {
	switch {
	case r.Handle != "":
		return "@" + r.Handle
	case r.ResolvedID != 0:
		return strconv.FormatInt(r.ResolvedID, 10)
	case r.InviteCode != "":
		return "invite:" + r.InviteCode
	default:
		return r.Raw
	}
}

// ChannelMeta 传输层返回的频道元信息
type ChannelMeta struct {
	ID           int64
	Title        string
	Username     string
	AllowForward bool // 频道内容是否允许被转发出去
}

// ChannelCapability 频道转发能力的缓存条目
type ChannelCapability struct {
	ChannelID    int64     `bson:"channel_id"`
	AllowForward bool      `bson:"allow_forward"`
	Title        string    `bson:"title,omitempty"`
	CheckedAt    time.Time `bson:"checked_at"`
}

// Fresh 在给定 TTL 内是否仍然有效
func (c ChannelCapability) Fresh(ttl time.Duration, now time.Time) bool {
	if c.CheckedAt.IsZero() {
		return false
	}
	return now.Sub(c.CheckedAt) < ttl
}

// MessageRef 源频道中一条消息的元数据，不含媒体内容本身
type MessageRef struct {
	SourceChannelID int64  `bson:"channel_id"`
	MessageID       int    `bson:"message_id"`
	MediaGroupID    string `bson:"media_group_id,omitempty"`

	// 内容信息
	MediaType string `bson:"media_type,omitempty"` // 空串表示纯文本消息
	Text      string `bson:"text,omitempty"`
	Caption   string `bson:"caption,omitempty"`

	// 媒体信息
	FileID   string `bson:"file_id,omitempty"`
	FileName string `bson:"file_name,omitempty"`
	MimeType string `bson:"mime_type,omitempty"`
	FileSize int64  `bson:"file_size,omitempty"`
	Width    int    `bson:"width,omitempty"`
	Height   int    `bson:"height,omitempty"`
	Duration int    `bson:"duration,omitempty"` // 秒

	Date time.Time `bson:"date"`
}

// IsMedia 是否携带可下载的媒体
func (m MessageRef) IsMedia() bool {
	return m.MediaType != "" && m.FileID != ""
}

// MediaGroup 同一媒体组的消息集合，Messages 按 MessageID 升序
type MediaGroup struct {
	GroupID  string
	Messages []MessageRef
}

// Full 成员数是否已达上限
func (g *MediaGroup) Full() bool {
	return len(g.Messages) >= MaxMediaGroupSize
}

// Unit 转换为流水线单位
func (g *MediaGroup) Unit() Unit {
	return Unit{GroupID: g.GroupID, Messages: g.Messages}
}

// Unit 流水线处理的最小单位：一条独立消息或一个完整媒体组
type Unit struct {
	GroupID  string       // 空串表示独立消息
	Messages []MessageRef // 始终按 MessageID 升序
}

// SingleUnit 由单条消息构造处理单位
func SingleUnit(m MessageRef) Unit {
	return Unit{Messages: []MessageRef{m}}
}

// IsGroup 是否为媒体组
func (u Unit) IsGroup() bool {
	return u.GroupID != ""
}

// FirstID 第一条消息的 ID，空单位返回 0
func (u Unit) FirstID() int {
	if len(u.Messages) == 0 {
		return 0
	}
	return u.Messages[0].MessageID
}

// SourceID 所属源频道 ID，空单位返回 0
func (u Unit) SourceID() int64 {
	if len(u.Messages) == 0 {
		return 0
	}
	return u.Messages[0].SourceChannelID
}

// IDs 全部消息 ID，按升序
func (u Unit) IDs() []int {
	ids := make([]int, 0, len(u.Messages))
	for _, m := range u.Messages {
		ids = append(ids, m.MessageID)
	}
	return ids
}

// Describe 日志用的简短描述
func (u Unit) Describe() string {
	if u.IsGroup() {
		return fmt.Sprintf("group %s (%d messages, first id %d)", u.GroupID, len(u.Messages), u.FirstID())
	}
	return fmt.Sprintf("message %d", u.FirstID())
}

// 任务状态常量
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusDone      = "done"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// LocalFile 已下载到本地的媒体文件
type LocalFile struct {
	Ref  MessageRef // 对应的源消息
	Path string     // 本地文件路径，纯文本消息为空串
}

// Task 流水线中的一个转发任务
type Task struct {
	ID       string // uuid
	Unit     Unit
	Targets  []int64 // 解析后的目标频道 ID，按配置顺序
	Priority int     // 预留，当前调度不使用

	Status   string
	Attempts int

	// 受限频道路径下由生产者补充
	ForwardOnly bool        // true 表示源频道允许转发，无需下载
	Files       []LocalFile // 与 Unit.Messages 一一对应

	CreatedAt time.Time
}
