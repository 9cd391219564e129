package telegram

import (
	"context"
	"fmt"
	"time"

	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/transport"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const catalogCollection = "message_catalog"

// Catalog 源频道消息目录。
// Bot API 不提供频道历史拉取，目录靠实时推送的 channel_post 持续积累，
// 历史转发从这里读取。
type Catalog struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewCatalog 创建消息目录
func NewCatalog(db *mongo.Database) *Catalog {
	return &Catalog{
		collection: db.Collection(catalogCollection),
		now:        time.Now,
	}
}

// Record 记录一条源频道消息，重复推送按更新处理
func (c *Catalog) Record(ctx context.Context, ref models.MessageRef) error {
	filter := bson.M{
		"channel_id": ref.SourceChannelID,
		"message_id": ref.MessageID,
	}

	update := bson.M{
		"$set": bson.M{
			"media_group_id": ref.MediaGroupID,
			"media_type":     ref.MediaType,
			"text":           ref.Text,
			"caption":        ref.Caption,
			"file_id":        ref.FileID,
			"file_name":      ref.FileName,
			"mime_type":      ref.MimeType,
			"file_size":      ref.FileSize,
			"width":          ref.Width,
			"height":         ref.Height,
			"duration":       ref.Duration,
			"date":           ref.Date,
		},
		"$setOnInsert": bson.M{
			"recorded_at": c.now(),
		},
	}

	opts := options.Update().SetUpsert(true)
	if _, err := c.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}

	return nil
}

// ListRange 按消息 ID 升序列出窗口内的消息
func (c *Catalog) ListRange(ctx context.Context, channelID int64, r transport.Range) ([]models.MessageRef, error) {
	filter := bson.M{"channel_id": channelID}
	idCond := bson.M{}
	if r.StartID > 0 {
		idCond["$gte"] = r.StartID
	}
	if r.EndID > 0 {
		idCond["$lte"] = r.EndID
	}
	if len(idCond) > 0 {
		filter["message_id"] = idCond
	}

	opts := options.Find().SetSort(bson.D{{Key: "message_id", Value: 1}})
	if r.Limit > 0 {
		opts = opts.SetLimit(int64(r.Limit))
	}

	cursor, err := c.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog messages: %w", err)
	}
	defer cursor.Close(ctx)

	var refs []models.MessageRef
	if err := cursor.All(ctx, &refs); err != nil {
		return nil, fmt.Errorf("failed to decode catalog messages: %w", err)
	}

	return refs, nil
}

// Count 目录中某频道已积累的消息数，0 表示统计全部频道
func (c *Catalog) Count(ctx context.Context, channelID int64) (int64, error) {
	filter := bson.M{}
	if channelID != 0 {
		filter["channel_id"] = channelID
	}

	n, err := c.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count catalog messages: %w", err)
	}
	return n, nil
}

// EnsureIndexes 确保目录索引存在
func (c *Catalog) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "channel_id", Value: 1},
				{Key: "message_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "channel_id", Value: 1},
				{Key: "media_group_id", Value: 1},
			},
		},
	}

	if _, err := c.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create catalog indexes: %w", err)
	}

	return nil
}
