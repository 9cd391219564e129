package config

import (
	"fmt"
	"os"
	"time"

	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/logger"

	"github.com/spf13/viper"
)

// 未配置时的兜底默认值
const (
	defaultRatePerSecond       = 30
	defaultConcurrentDownloads = 10
	defaultConcurrentUploads   = 3
	defaultQueueMultiplier     = 2
	defaultMaxRetries          = 3
	defaultRetryDelay          = 5 * time.Second
	defaultCapabilityTTL       = time.Hour
	defaultGroupTimeout        = 5 * time.Second
	defaultMongoTimeout        = 10 * time.Second
	defaultTmpDir              = "tmp"
	defaultHistoryFile         = "history.json"
	defaultBackupDir           = "backups"
)

// PairConfig 一条转发链路：一个源频道对一组有序目标频道
type PairConfig struct {
	Source  string   `mapstructure:"source"`
	Targets []string `mapstructure:"targets"`
	StartID int      `mapstructure:"start_id"`
	EndID   int      `mapstructure:"end_id"`
}

// TelegramConfig Bot API 接入配置
type TelegramConfig struct {
	Token         string `mapstructure:"token"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
	Debug         bool   `mapstructure:"debug"`
}

// MongoConfig MongoDB 连接配置
type MongoConfig struct {
	URI      string        `mapstructure:"uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxPool  uint64        `mapstructure:"max_pool"` // 连接池上限，0 用驱动默认值
}

// ForwardConfig 转发行为配置
type ForwardConfig struct {
	ChannelPairs        []PairConfig  `mapstructure:"channel_pairs"`
	MediaTypes          []string      `mapstructure:"media_types"`
	HideAuthor          bool          `mapstructure:"hide_author"`
	RemoveCaptions      bool          `mapstructure:"remove_captions"`
	CaptionTemplate     string        `mapstructure:"caption_template"`
	BatchLimit          int           `mapstructure:"limit"`
	BatchPause          time.Duration `mapstructure:"pause_time"`
	ConcurrentDownloads int           `mapstructure:"concurrent_downloads"`
	ConcurrentUploads   int           `mapstructure:"concurrent_uploads"`
	QueueMultiplier     int           `mapstructure:"queue_multiplier"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	CapabilityTTL       time.Duration `mapstructure:"capability_ttl"`
	TmpDir              string        `mapstructure:"tmp_dir"`
	DeleteAfterUpload   bool          `mapstructure:"delete_after_upload"`
}

// MonitorConfig 实时监听配置
type MonitorConfig struct {
	// Duration 截止时间，形如 "2026-8-25-23"（年-月-日-时），空串表示不限
	Duration     string        `mapstructure:"duration"`
	GroupTimeout time.Duration `mapstructure:"group_timeout"`
}

// HistoryConfig 转发账本配置
type HistoryConfig struct {
	Backend string `mapstructure:"backend"` // json 或 mongo
	File    string `mapstructure:"file"`    // json 后端的账本路径
}

// BackupConfig 账本定时备份配置，Cron 为空则不启用
type BackupConfig struct {
	Cron string `mapstructure:"cron"`
	Dir  string `mapstructure:"dir"`
}

// Config 应用程序配置
type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Forward  ForwardConfig  `mapstructure:"forward"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	History  HistoryConfig  `mapstructure:"history"`
	Backup   BackupConfig   `mapstructure:"backup"`
}

const sampleConfig = `telegram:
  token: ""                # 或用环境变量 TELEGRAM_TOKEN
  rate_per_second: 30
  debug: false

mongo:
  uri: "mongodb://localhost:27017"
  database: "tg_forwarder"

forward:
  channel_pairs:
    - source: "@source_channel"
      targets: ["@target_a", "-1001234567890"]
      start_id: 0
      end_id: 0
  media_types: ["text", "photo", "video", "document", "audio", "voice", "animation"]
  hide_author: false
  remove_captions: false
  caption_template: ""     # "{original_caption}" 为原标题占位符
  limit: 0                 # 每转发多少个单位暂停一次，0 不暂停
  pause_time: 60s
  concurrent_downloads: 10
  concurrent_uploads: 3
  queue_multiplier: 2
  max_retries: 3
  retry_delay: 5s
  capability_ttl: 1h
  tmp_dir: "tmp"
  delete_after_upload: true

monitor:
  duration: ""             # 形如 "2026-8-25-23"，到点自动停止
  group_timeout: 5s

history:
  backend: "json"          # json 或 mongo
  file: "history.json"

backup:
  cron: "0 3 * * *"        # 为空则不启用定时备份
  dir: "backups"
`

// Load 读取配置文件并应用环境变量覆盖。
// 文件不存在时先写出带注释的示例再读取。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.L().Warnf("Config file %s not found, writing a sample", path)
		if writeErr := os.WriteFile(path, []byte(sampleConfig), 0o644); writeErr != nil {
			return nil, fmt.Errorf("failed to create sample config: %w", writeErr)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv 环境变量覆盖文件值，便于容器部署时注入敏感项
func (c *Config) applyEnv() {
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		c.Telegram.Token = token
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		c.Mongo.URI = uri
	}
	if name := os.Getenv("MONGO_DB_NAME"); name != "" {
		c.Mongo.Database = name
	}
}

// applyDefaults 补齐未配置的项
func (c *Config) applyDefaults() {
	if c.Telegram.RatePerSecond <= 0 {
		c.Telegram.RatePerSecond = defaultRatePerSecond
	}
	if c.Mongo.Timeout <= 0 {
		c.Mongo.Timeout = defaultMongoTimeout
	}

	f := &c.Forward
	if len(f.MediaTypes) == 0 {
		f.MediaTypes = append([]string{models.MediaTypeText}, models.AllMediaTypes()...)
	}
	if f.ConcurrentDownloads <= 0 {
		f.ConcurrentDownloads = defaultConcurrentDownloads
	}
	if f.ConcurrentUploads <= 0 {
		f.ConcurrentUploads = defaultConcurrentUploads
	}
	if f.QueueMultiplier <= 0 {
		f.QueueMultiplier = defaultQueueMultiplier
	}
	if f.MaxRetries <= 0 {
		f.MaxRetries = defaultMaxRetries
	}
	if f.RetryDelay <= 0 {
		f.RetryDelay = defaultRetryDelay
	}
	if f.CapabilityTTL <= 0 {
		f.CapabilityTTL = defaultCapabilityTTL
	}
	if f.TmpDir == "" {
		f.TmpDir = defaultTmpDir
	}

	if c.Monitor.GroupTimeout <= 0 {
		c.Monitor.GroupTimeout = defaultGroupTimeout
	}

	if c.History.Backend == "" {
		c.History.Backend = "json"
	}
	if c.History.File == "" {
		c.History.File = defaultHistoryFile
	}

	if c.Backup.Dir == "" {
		c.Backup.Dir = defaultBackupDir
	}
}

// Validate 检查配置可用性，返回第一处问题的描述
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token cannot be empty (set telegram.token or TELEGRAM_TOKEN)")
	}

	if len(c.Forward.ChannelPairs) == 0 {
		return fmt.Errorf("at least one channel pair is required")
	}
	for i, pair := range c.Forward.ChannelPairs {
		if pair.Source == "" {
			return fmt.Errorf("channel pair %d: source cannot be empty", i)
		}
		if len(pair.Targets) == 0 {
			return fmt.Errorf("channel pair %d: at least one target is required", i)
		}
		if pair.StartID < 0 || pair.EndID < 0 {
			return fmt.Errorf("channel pair %d: message ids cannot be negative", i)
		}
		if pair.EndID != 0 && pair.StartID != 0 && pair.EndID < pair.StartID {
			return fmt.Errorf("channel pair %d: end_id %d is before start_id %d", i, pair.EndID, pair.StartID)
		}
	}

	for _, mt := range c.Forward.MediaTypes {
		if !models.KnownMediaType(mt) {
			return fmt.Errorf("unknown media type %q in media_types", mt)
		}
	}

	switch c.History.Backend {
	case "json":
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("mongo.uri and mongo.database are required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown history backend %q (want json or mongo)", c.History.Backend)
	}

	return nil
}
