package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// keyMutex 按字符串键分配的互斥锁，锁对象创建后不回收
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock 锁住指定键，返回解锁函数
func (k *keyMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// FileStore 基于单个 JSON 文件的账本实现。
// 同一逻辑键的读改写串行化，不同键可以并发；
// 落盘走临时文件加原子改名，进程中途退出不会留下半个文件。
type FileStore struct {
	path string
	keys *keyMutex
	now  func() time.Time

	mu  sync.RWMutex // 保护 doc 内存结构
	doc *Snapshot

	persistMu sync.Mutex // 串行化落盘，保证文件内容单调前进
}

var _ Ledger = (*FileStore)(nil)

// NewFileStore 打开或创建 JSON 账本。文件损坏时返回错误而不是清空重建。
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	doc := NewSnapshot()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("failed to parse history file %s: %w", path, err)
		}
		if doc.Version > SnapshotVersion {
			return nil, fmt.Errorf("history file %s has unsupported version %d", path, doc.Version)
		}
		if doc.Version == 0 {
			doc.Version = SnapshotVersion
		}
		if doc.Channels == nil {
			doc.Channels = make(map[string]*ChannelRecord)
		}
		if doc.Files == nil {
			doc.Files = make(map[string]*FileRecord)
		}
	case os.IsNotExist(err):
		// 首次运行，空账本
	default:
		return nil, fmt.Errorf("failed to read history file %s: %w", path, err)
	}

	return &FileStore{
		path: path,
		keys: newKeyMutex(),
		now:  time.Now,
		doc:  doc,
	}, nil
}

func (s *FileStore) IsDownloaded(ctx context.Context, channelID int64, messageID int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Channels[ChannelKey(channelID)]
	if !ok {
		return false, nil
	}
	return containsSortedInt(rec.Downloaded, messageID), nil
}

func (s *FileStore) MarkDownloaded(ctx context.Context, channelID int64, messageID int) error {
	key := ChannelKey(channelID)
	unlock := s.keys.Lock("channel:" + key)
	defer unlock()

	s.mu.Lock()
	rec := s.channelRecord(key, channelID)
	before := len(rec.Downloaded)
	rec.Downloaded = insertSortedInt(rec.Downloaded, messageID)
	changed := len(rec.Downloaded) != before
	if changed {
		s.doc.LastUpdated = s.now()
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.persist()
}

func (s *FileStore) ForwardedTargets(ctx context.Context, channelID int64, messageID int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Channels[ChannelKey(channelID)]
	if !ok || rec.Forwarded == nil {
		return nil, nil
	}
	targets := rec.Forwarded[MessageKey(messageID)]
	out := make([]int64, len(targets))
	copy(out, targets)
	return out, nil
}

func (s *FileStore) IsForwardedTo(ctx context.Context, channelID int64, messageID int, targetID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Channels[ChannelKey(channelID)]
	if !ok || rec.Forwarded == nil {
		return false, nil
	}
	return containsSortedInt64(rec.Forwarded[MessageKey(messageID)], targetID), nil
}

func (s *FileStore) MarkForwarded(ctx context.Context, channelID int64, messageID int, targetIDs []int64) error {
	if len(targetIDs) == 0 {
		return nil
	}
	key := ChannelKey(channelID)
	unlock := s.keys.Lock("channel:" + key)
	defer unlock()

	s.mu.Lock()
	rec := s.channelRecord(key, channelID)
	if rec.Forwarded == nil {
		rec.Forwarded = make(map[string][]int64)
	}
	msgKey := MessageKey(messageID)
	targets := rec.Forwarded[msgKey]
	before := len(targets)
	for _, target := range targetIDs {
		targets = insertSortedInt64(targets, target)
	}
	rec.Forwarded[msgKey] = targets
	changed := len(targets) != before
	if changed {
		s.doc.LastUpdated = s.now()
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.persist()
}

func (s *FileStore) UploadTargets(ctx context.Context, path string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.doc.Files[path]
	if !ok {
		return nil, nil
	}
	out := make([]int64, len(rec.UploadedTo))
	copy(out, rec.UploadedTo)
	return out, nil
}

func (s *FileStore) MarkUploaded(ctx context.Context, path string, targetID int64, info FileInfo) error {
	unlock := s.keys.Lock("file:" + path)
	defer unlock()

	s.mu.Lock()
	rec, ok := s.doc.Files[path]
	if !ok {
		rec = &FileRecord{}
		s.doc.Files[path] = rec
	}
	before := len(rec.UploadedTo)
	rec.UploadedTo = insertSortedInt64(rec.UploadedTo, targetID)
	changed := len(rec.UploadedTo) != before
	if changed {
		rec.UploadedAt = s.now()
		if info.Size > 0 {
			rec.FileSize = info.Size
		}
		if info.MediaType != "" {
			rec.MediaType = info.MediaType
		}
		s.doc.LastUpdated = s.now()
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.persist()
}

func (s *FileStore) Export(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()
	s.mu.RLock()
	Merge(snap, s.doc)
	s.mu.RUnlock()
	return snap, nil
}

func (s *FileStore) Import(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	if snap.Version > SnapshotVersion {
		return fmt.Errorf("snapshot version %d not supported", snap.Version)
	}
	s.mu.Lock()
	Merge(s.doc, snap)
	s.doc.LastUpdated = s.now()
	s.mu.Unlock()
	return s.persist()
}

func (s *FileStore) Close(ctx context.Context) error {
	return s.persist()
}

// channelRecord 必须在持有 mu 写锁时调用
func (s *FileStore) channelRecord(key string, channelID int64) *ChannelRecord {
	rec, ok := s.doc.Channels[key]
	if !ok {
		rec = &ChannelRecord{ChannelID: channelID}
		s.doc.Channels[key] = rec
	}
	return rec
}

func (s *FileStore) persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp history file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write history file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close history file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace history file: %w", err)
	}
	return nil
}
