package mongo

import (
	"context"
	"fmt"
	"time"

	"tg_forwarder/internal/logger"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Client 封装 MongoDB 连接。转发账本与消息目录共用同一个句柄。
type Client struct {
	*mongo.Client
	dbName string
}

// Config MongoDB 连接配置
type Config struct {
	URI      string        // 连接 URI，例如 "mongodb://localhost:27017"
	Database string        // 数据库名
	Timeout  time.Duration // 连接与握手超时，0 取默认 10s
	MaxPool  uint64        // 连接池上限，0 用驱动默认值
}

// NewClient 建立连接并确认可达
func NewClient(cfg Config) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("MongoDB URI cannot be empty")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	clientOptions := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPool > 0 {
		// 流水线并发写账本，池子别小于消费者数
		clientOptions = clientOptions.SetMaxPoolSize(cfg.MaxPool)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.L().Infof("Connected to MongoDB database %s", cfg.Database)
	return &Client{Client: client, dbName: cfg.Database}, nil
}

// Close 断开连接
func (c *Client) Close(ctx context.Context) error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Disconnect(ctx)
}

// Database 配置的数据库句柄
func (c *Client) Database() *mongo.Database {
	if c.Client == nil {
		return nil
	}
	return c.Client.Database(c.dbName)
}

// Ping 确认连接可用
func (c *Client) Ping(ctx context.Context) error {
	if c.Client == nil {
		return fmt.Errorf("MongoDB client is not initialized")
	}
	return c.Client.Ping(ctx, readpref.Primary())
}
