package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/forward"
	"tg_forwarder/internal/forward/history"
	"tg_forwarder/internal/logger"
	"tg_forwarder/internal/mongo"
	"tg_forwarder/internal/transport/telegram"
)

// 运行模式
const (
	ModeForward = "forward" // 历史转发：跑完所有链路的存量消息后退出
	ModeMonitor = "monitor" // 实时监听：转发新消息直到截止时间或被停止
	ModeBackup  = "backup"  // 一次性导出账本快照后退出
)

// App 应用服务容器
// 负责装配所有服务并管理生命周期（初始化、运行、关闭）
type App struct {
	cfg   *config.Config
	pairs []forward.Pair

	MongoDB *mongo.Client
	Ledger  history.Ledger
	Catalog *telegram.Catalog
	Client  *telegram.Client

	Orchestrator *forward.Orchestrator
	Monitor      *forward.Monitor

	monitorStats *forward.RunStats
	backup       *cron.Cron
}

// New 按依赖顺序初始化各个服务，任何一步失败都会清理已建立的资源
func New(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}
	for _, pc := range cfg.Forward.ChannelPairs {
		a.pairs = append(a.pairs, forward.Pair{
			Source:  pc.Source,
			Targets: pc.Targets,
			StartID: pc.StartID,
			EndID:   pc.EndID,
		})
	}

	// 截止时间在建立任何连接之前先解析掉
	var deadline time.Time
	if cfg.Monitor.Duration != "" {
		var err error
		deadline, err = forward.ParseDeadline(cfg.Monitor.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid monitor duration: %w", err)
		}
	}

	ctx := context.Background()

	if cfg.Mongo.URI != "" && cfg.Mongo.Database != "" {
		client, err := mongo.NewClient(mongo.Config{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
			Timeout:  cfg.Mongo.Timeout,
			MaxPool:  cfg.Mongo.MaxPool,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init mongodb: %w", err)
		}
		a.MongoDB = client
	}

	ledger, err := a.buildLedger(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Ledger = ledger

	if a.MongoDB != nil {
		a.Catalog = telegram.NewCatalog(a.MongoDB.Database())
		if err := a.Catalog.EnsureIndexes(ctx); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to ensure catalog indexes: %w", err)
		}
	}

	client, err := telegram.New(telegram.Config{
		Token:         cfg.Telegram.Token,
		RatePerSecond: cfg.Telegram.RatePerSecond,
		Debug:         cfg.Telegram.Debug,
	}, a.Catalog)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to init telegram client: %w", err)
	}
	a.Client = client

	// 转发引擎。两种模式各有一条流水线，解析器与能力缓存共享。
	resolver := forward.NewResolver(client)
	caps := forward.NewCapabilityCache(client, cfg.Forward.CapabilityTTL)
	opts := pipelineOptions(cfg)

	runStats := forward.NewRunStats()
	runRetry := forward.NewRetryController(cfg.Forward.MaxRetries, cfg.Forward.RetryDelay)
	a.Orchestrator = forward.NewOrchestrator(client, resolver,
		forward.NewPipeline(client, caps, ledger, runRetry, runStats, opts),
		runRetry, runStats)

	a.monitorStats = forward.NewRunStats()
	monRetry := forward.NewRetryController(cfg.Forward.MaxRetries, cfg.Forward.RetryDelay)
	a.Monitor = forward.NewMonitor(resolver,
		forward.NewPipeline(client, caps, ledger, monRetry, a.monitorStats, opts),
		forward.MonitorOptions{
			GroupTimeout: cfg.Monitor.GroupTimeout,
			Deadline:     deadline,
		})
	client.OnChannelPost(a.Monitor.HandlePost)

	if cfg.Backup.Cron != "" {
		a.backup = cron.New()
		if _, err := a.backup.AddFunc(cfg.Backup.Cron, a.backupJob); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("invalid backup cron spec %q: %w", cfg.Backup.Cron, err)
		}
	}

	logger.L().Info("Application initialized")
	return a, nil
}

// buildLedger 根据配置选择账本后端
func (a *App) buildLedger(ctx context.Context) (history.Ledger, error) {
	switch a.cfg.History.Backend {
	case "mongo":
		if a.MongoDB == nil {
			return nil, fmt.Errorf("mongo history backend requires mongo.uri and mongo.database")
		}
		store := history.NewMongoStore(a.MongoDB.Database())
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure history indexes: %w", err)
		}
		return store, nil
	default:
		return history.NewFileStore(a.cfg.History.File)
	}
}

// Run 按模式执行，阻塞到运行结束或 ctx 取消
func (a *App) Run(ctx context.Context, mode string) error {
	if mode == ModeBackup {
		path, err := a.BackupNow(ctx)
		if err != nil {
			return err
		}
		logger.L().Infof("History backup written to %s", path)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 更新轮询：监听模式的消息来源，历史模式也靠它持续记录消息目录
	go a.Client.Start(ctx)

	if a.backup != nil {
		a.backup.Start()
		defer a.backup.Stop()
	}

	switch mode {
	case ModeForward:
		if a.Catalog == nil {
			logger.L().Warnf("Message catalog not configured, historical runs will find no messages (set mongo.uri to enable it)")
		}
		_, err := a.Orchestrator.Run(ctx, a.pairs)
		return err
	case ModeMonitor:
		err := a.Monitor.Run(ctx, a.pairs)
		logger.L().Infof("Monitor run finished: %s", a.monitorStats.Snapshot().String())
		return err
	default:
		return fmt.Errorf("unknown run mode %q (want %s, %s or %s)", mode, ModeForward, ModeMonitor, ModeBackup)
	}
}

// Shutdown 请求软停止，在途单位完成后运行自行结束
func (a *App) Shutdown() {
	a.Orchestrator.Stop()
	a.Monitor.Stop()
}

// BackupNow 导出账本快照，写成备份目录下带时间戳的 JSON 文件
func (a *App) BackupNow(ctx context.Context) (string, error) {
	snap, err := a.Ledger.Export(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to export history: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode history snapshot: %w", err)
	}

	dir := a.cfg.Backup.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("history_%s.json", time.Now().Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write backup file: %w", err)
	}
	return path, nil
}

// backupJob 定时备份入口
func (a *App) backupJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	path, err := a.BackupNow(ctx)
	if err != nil {
		logger.L().Errorf("Scheduled history backup failed: %v", err)
		return
	}
	logger.L().Infof("History backup written to %s", path)
}

// Close 释放所有资源，应在应用退出时调用
func (a *App) Close(ctx context.Context) error {
	if a.backup != nil {
		a.backup.Stop()
	}
	if a.Client != nil {
		a.Client.Close()
	}

	var firstErr error
	if a.Ledger != nil {
		if err := a.Ledger.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close history ledger: %w", err)
		}
	}
	if a.MongoDB != nil {
		if err := a.MongoDB.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close mongodb: %w", err)
		}
	}
	return firstErr
}

// pipelineOptions 把配置映射成流水线参数
func pipelineOptions(cfg *config.Config) forward.PipelineOptions {
	return forward.PipelineOptions{
		ConcurrentDownloads: cfg.Forward.ConcurrentDownloads,
		ConcurrentUploads:   cfg.Forward.ConcurrentUploads,
		QueueMultiplier:     cfg.Forward.QueueMultiplier,
		DownloadDir:         cfg.Forward.TmpDir,
		MediaTypes:          cfg.Forward.MediaTypes,
		HideAuthor:          cfg.Forward.HideAuthor,
		RemoveCaptions:      cfg.Forward.RemoveCaptions,
		CaptionTemplate:     cfg.Forward.CaptionTemplate,
		BatchLimit:          cfg.Forward.BatchLimit,
		BatchPause:          cfg.Forward.BatchPause,
		DeleteAfterUpload:   cfg.Forward.DeleteAfterUpload,
	}
}
