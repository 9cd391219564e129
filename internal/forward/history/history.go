// Package history 维护转发幂等账本：哪些消息已下载、哪些文件已上传、
// 哪条消息已经送达哪些目标频道。所有实现必须满足 MarkForwarded 之后
// IsForwardedTo 立即可见，且重复标记不产生重复记录。
package history

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// SnapshotVersion 当前磁盘格式版本
const SnapshotVersion = 1

// FileInfo 上传文件的描述信息
type FileInfo struct {
	Size      int64
	MediaType string
}

// Ledger 幂等账本
type Ledger interface {
	// IsDownloaded 消息媒体是否已经下载过
	IsDownloaded(ctx context.Context, channelID int64, messageID int) (bool, error)
	// MarkDownloaded 标记消息媒体下载完成
	MarkDownloaded(ctx context.Context, channelID int64, messageID int) error

	// ForwardedTargets 消息已送达的目标频道集合
	ForwardedTargets(ctx context.Context, channelID int64, messageID int) ([]int64, error)
	// IsForwardedTo 消息是否已送达指定目标
	IsForwardedTo(ctx context.Context, channelID int64, messageID int, targetID int64) (bool, error)
	// MarkForwarded 标记消息已送达一批目标，目标集合做并集
	MarkForwarded(ctx context.Context, channelID int64, messageID int, targetIDs []int64) error

	// UploadTargets 文件已上传到的目标频道集合
	UploadTargets(ctx context.Context, path string) ([]int64, error)
	// MarkUploaded 标记文件已上传到目标
	MarkUploaded(ctx context.Context, path string, targetID int64, info FileInfo) error

	// Export 导出账本快照
	Export(ctx context.Context) (*Snapshot, error)
	// Import 导入快照并与现有记录做并集合并
	Import(ctx context.Context, snap *Snapshot) error

	// Close 刷新并释放资源
	Close(ctx context.Context) error
}

// Snapshot 账本的完整序列化形式，同时是 JSON 文件的磁盘格式
type Snapshot struct {
	Version     int                       `json:"version"`
	Channels    map[string]*ChannelRecord `json:"channels"`
	Files       map[string]*FileRecord    `json:"files"`
	LastUpdated time.Time                 `json:"last_updated"`
}

// ChannelRecord 单个源频道的流转记录
type ChannelRecord struct {
	ChannelID  int64              `json:"channel_id"`
	Downloaded []int              `json:"downloaded_messages,omitempty"` // 升序
	Forwarded  map[string][]int64 `json:"forwarded_messages,omitempty"`  // 消息 ID → 已送达目标，升序
}

// FileRecord 单个已上传文件的记录
type FileRecord struct {
	UploadedTo []int64   `json:"uploaded_to"` // 升序
	UploadedAt time.Time `json:"uploaded_at"`
	FileSize   int64     `json:"file_size,omitempty"`
	MediaType  string    `json:"media_type,omitempty"`
}

// NewSnapshot 创建空快照
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version:  SnapshotVersion,
		Channels: make(map[string]*ChannelRecord),
		Files:    make(map[string]*FileRecord),
	}
}

// ChannelKey 频道在快照中的键
func ChannelKey(channelID int64) string {
	return strconv.FormatInt(channelID, 10)
}

// MessageKey 消息在频道记录中的键
func MessageKey(messageID int) string {
	return strconv.Itoa(messageID)
}

// parseMessageKey 还原消息键为数字 ID
func parseMessageKey(key string) (int, error) {
	id, err := strconv.Atoi(key)
	if err != nil {
		return 0, fmt.Errorf("malformed message key %q", key)
	}
	return id, nil
}

// Merge 将 src 并入 dst：所有集合取并集，时间戳取较新者。
// 两边都有的记录不会丢失任何一边的条目。
func Merge(dst, src *Snapshot) {
	if src == nil {
		return
	}
	if src.Version > dst.Version {
		dst.Version = src.Version
	}
	if src.LastUpdated.After(dst.LastUpdated) {
		dst.LastUpdated = src.LastUpdated
	}

	for key, sc := range src.Channels {
		if sc == nil {
			continue
		}
		dc, ok := dst.Channels[key]
		if !ok {
			dc = &ChannelRecord{ChannelID: sc.ChannelID}
			dst.Channels[key] = dc
		}
		if dc.ChannelID == 0 {
			dc.ChannelID = sc.ChannelID
		}
		for _, id := range sc.Downloaded {
			dc.Downloaded = insertSortedInt(dc.Downloaded, id)
		}
		for msgKey, targets := range sc.Forwarded {
			if dc.Forwarded == nil {
				dc.Forwarded = make(map[string][]int64)
			}
			merged := dc.Forwarded[msgKey]
			for _, target := range targets {
				merged = insertSortedInt64(merged, target)
			}
			dc.Forwarded[msgKey] = merged
		}
	}

	for path, sf := range src.Files {
		if sf == nil {
			continue
		}
		df, ok := dst.Files[path]
		if !ok {
			df = &FileRecord{}
			dst.Files[path] = df
		}
		for _, target := range sf.UploadedTo {
			df.UploadedTo = insertSortedInt64(df.UploadedTo, target)
		}
		if sf.UploadedAt.After(df.UploadedAt) {
			df.UploadedAt = sf.UploadedAt
		}
		if df.FileSize == 0 {
			df.FileSize = sf.FileSize
		}
		if df.MediaType == "" {
			df.MediaType = sf.MediaType
		}
	}
}

// insertSortedInt 升序去重插入
func insertSortedInt(ids []int, id int) []int {
	i := sort.SearchInts(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// insertSortedInt64 升序去重插入
func insertSortedInt64(ids []int64, id int64) []int64 {
	i := sort.Search(len(ids), func(j int) bool { return ids[j] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// containsSortedInt64 升序切片中是否包含 id
func containsSortedInt64(ids []int64, id int64) bool {
	i := sort.Search(len(ids), func(j int) bool { return ids[j] >= id })
	return i < len(ids) && ids[i] == id
}

// containsSortedInt 升序切片中是否包含 id
func containsSortedInt(ids []int, id int) bool {
	i := sort.SearchInts(ids, id)
	return i < len(ids) && ids[i] == id
}
