package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongo 账本的集合名
const (
	forwardCollection  = "forward_ledger"
	downloadCollection = "download_ledger"
	uploadCollection   = "upload_ledger"
)

type forwardEntry struct {
	ChannelID int64     `bson:"channel_id"`
	MessageID int       `bson:"message_id"`
	Targets   []int64   `bson:"targets"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type downloadEntry struct {
	ChannelID    int64     `bson:"channel_id"`
	MessageID    int       `bson:"message_id"`
	DownloadedAt time.Time `bson:"downloaded_at"`
}

type uploadEntry struct {
	Path       string    `bson:"path"`
	UploadedTo []int64   `bson:"uploaded_to"`
	FileSize   int64     `bson:"file_size,omitempty"`
	MediaType  string    `bson:"media_type,omitempty"`
	UploadedAt time.Time `bson:"uploaded_at"`
}

// MongoStore 基于 MongoDB 的账本实现。
// 幂等性依赖唯一索引与 $addToSet，多进程共享同一账本也安全。
type MongoStore struct {
	forwards  *mongo.Collection
	downloads *mongo.Collection
	uploads   *mongo.Collection
	now       func() time.Time
}

var _ Ledger = (*MongoStore)(nil)

// NewMongoStore 创建 Mongo 账本
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		forwards:  db.Collection(forwardCollection),
		downloads: db.Collection(downloadCollection),
		uploads:   db.Collection(uploadCollection),
		now:       time.Now,
	}
}

func (s *MongoStore) IsDownloaded(ctx context.Context, channelID int64, messageID int) (bool, error) {
	filter := bson.M{"channel_id": channelID, "message_id": messageID}
	err := s.downloads.FindOne(ctx, filter).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query download ledger: %w", err)
	}
	return true, nil
}

func (s *MongoStore) MarkDownloaded(ctx context.Context, channelID int64, messageID int) error {
	filter := bson.M{"channel_id": channelID, "message_id": messageID}
	update := bson.M{
		"$setOnInsert": bson.M{"downloaded_at": s.now()},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.downloads.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to mark message downloaded: %w", err)
	}
	return nil
}

func (s *MongoStore) ForwardedTargets(ctx context.Context, channelID int64, messageID int) ([]int64, error) {
	filter := bson.M{"channel_id": channelID, "message_id": messageID}
	var entry forwardEntry
	err := s.forwards.FindOne(ctx, filter).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query forward ledger: %w", err)
	}
	targets := make([]int64, 0, len(entry.Targets))
	for _, t := range entry.Targets {
		targets = insertSortedInt64(targets, t)
	}
	return targets, nil
}

func (s *MongoStore) IsForwardedTo(ctx context.Context, channelID int64, messageID int, targetID int64) (bool, error) {
	filter := bson.M{"channel_id": channelID, "message_id": messageID, "targets": targetID}
	err := s.forwards.FindOne(ctx, filter).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query forward ledger: %w", err)
	}
	return true, nil
}

func (s *MongoStore) MarkForwarded(ctx context.Context, channelID int64, messageID int, targetIDs []int64) error {
	if len(targetIDs) == 0 {
		return nil
	}
	filter := bson.M{"channel_id": channelID, "message_id": messageID}
	update := bson.M{
		"$addToSet": bson.M{"targets": bson.M{"$each": targetIDs}},
		"$set":      bson.M{"updated_at": s.now()},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.forwards.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to mark message forwarded: %w", err)
	}
	return nil
}

func (s *MongoStore) UploadTargets(ctx context.Context, path string) ([]int64, error) {
	var entry uploadEntry
	err := s.uploads.FindOne(ctx, bson.M{"path": path}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query upload ledger: %w", err)
	}
	targets := make([]int64, 0, len(entry.UploadedTo))
	for _, t := range entry.UploadedTo {
		targets = insertSortedInt64(targets, t)
	}
	return targets, nil
}

func (s *MongoStore) MarkUploaded(ctx context.Context, path string, targetID int64, info FileInfo) error {
	set := bson.M{"uploaded_at": s.now()}
	if info.Size > 0 {
		set["file_size"] = info.Size
	}
	if info.MediaType != "" {
		set["media_type"] = info.MediaType
	}
	update := bson.M{
		"$addToSet": bson.M{"uploaded_to": targetID},
		"$set":      set,
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.uploads.UpdateOne(ctx, bson.M{"path": path}, update, opts); err != nil {
		return fmt.Errorf("failed to mark file uploaded: %w", err)
	}
	return nil
}

func (s *MongoStore) Export(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()
	snap.LastUpdated = s.now()

	cursor, err := s.forwards.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to export forward ledger: %w", err)
	}
	var forwards []forwardEntry
	if err := cursor.All(ctx, &forwards); err != nil {
		return nil, fmt.Errorf("failed to decode forward ledger: %w", err)
	}
	for _, entry := range forwards {
		rec := snapshotChannel(snap, entry.ChannelID)
		if rec.Forwarded == nil {
			rec.Forwarded = make(map[string][]int64)
		}
		msgKey := MessageKey(entry.MessageID)
		targets := rec.Forwarded[msgKey]
		for _, t := range entry.Targets {
			targets = insertSortedInt64(targets, t)
		}
		rec.Forwarded[msgKey] = targets
	}

	cursor, err = s.downloads.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to export download ledger: %w", err)
	}
	var downloads []downloadEntry
	if err := cursor.All(ctx, &downloads); err != nil {
		return nil, fmt.Errorf("failed to decode download ledger: %w", err)
	}
	for _, entry := range downloads {
		rec := snapshotChannel(snap, entry.ChannelID)
		rec.Downloaded = insertSortedInt(rec.Downloaded, entry.MessageID)
	}

	cursor, err = s.uploads.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to export upload ledger: %w", err)
	}
	var uploads []uploadEntry
	if err := cursor.All(ctx, &uploads); err != nil {
		return nil, fmt.Errorf("failed to decode upload ledger: %w", err)
	}
	for _, entry := range uploads {
		rec := &FileRecord{
			UploadedAt: entry.UploadedAt,
			FileSize:   entry.FileSize,
			MediaType:  entry.MediaType,
		}
		for _, t := range entry.UploadedTo {
			rec.UploadedTo = insertSortedInt64(rec.UploadedTo, t)
		}
		snap.Files[entry.Path] = rec
	}

	return snap, nil
}

func (s *MongoStore) Import(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	if snap.Version > SnapshotVersion {
		return fmt.Errorf("snapshot version %d not supported", snap.Version)
	}

	for _, rec := range snap.Channels {
		if rec == nil {
			continue
		}
		for _, messageID := range rec.Downloaded {
			if err := s.MarkDownloaded(ctx, rec.ChannelID, messageID); err != nil {
				return err
			}
		}
		for msgKey, targets := range rec.Forwarded {
			messageID, err := parseMessageKey(msgKey)
			if err != nil {
				return fmt.Errorf("failed to import snapshot: %w", err)
			}
			if err := s.MarkForwarded(ctx, rec.ChannelID, messageID, targets); err != nil {
				return err
			}
		}
	}

	for path, file := range snap.Files {
		if file == nil {
			continue
		}
		info := FileInfo{Size: file.FileSize, MediaType: file.MediaType}
		for _, target := range file.UploadedTo {
			if err := s.MarkUploaded(ctx, path, target, info); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	// 连接归调用方管理
	return nil
}

// EnsureIndexes 确保索引存在
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	pairKey := bson.D{
		{Key: "channel_id", Value: 1},
		{Key: "message_id", Value: 1},
	}

	if _, err := s.forwards.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    pairKey,
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("failed to create indexes for %s: %w", forwardCollection, err)
	}

	if _, err := s.downloads.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    pairKey,
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("failed to create indexes for %s: %w", downloadCollection, err)
	}

	if _, err := s.uploads.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "path", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("failed to create indexes for %s: %w", uploadCollection, err)
	}

	return nil
}

func snapshotChannel(snap *Snapshot, channelID int64) *ChannelRecord {
	key := ChannelKey(channelID)
	rec, ok := snap.Channels[key]
	if !ok {
		rec = &ChannelRecord{ChannelID: channelID}
		snap.Channels[key] = rec
	}
	return rec
}
