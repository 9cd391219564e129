package forward

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tg_forwarder/internal/forward/history"
	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/logger"
	"tg_forwarder/internal/transport"
)

// LedgerError 账本读写失败。幂等保证依赖账本，这类错误终止整个运行。
type LedgerError struct {
	Err error
}

func (e *LedgerError) Error() string { return e.Err.Error() }

func (e *LedgerError) Unwrap() error { return e.Err }

// PipelineOptions 流水线参数
type PipelineOptions struct {
	ConcurrentDownloads int           // 同时下载的文件数上限
	ConcurrentUploads   int           // 上传工作者数量
	QueueMultiplier     int           // 队列容量 = ConcurrentUploads * QueueMultiplier
	DownloadDir         string        // 媒体落盘目录
	MediaTypes          []string      // 保留的媒体类型，空表示全部
	HideAuthor          bool          // true 时用复制隐藏来源
	RemoveCaptions      bool          // 去掉媒体标题
	CaptionTemplate     string        // 标题模板，{original_caption} 为原标题占位符
	BatchLimit          int           // 每派发这么多单位暂停一次，0 不暂停
	BatchPause          time.Duration // 批次间暂停时长
	DeleteAfterUpload   bool          // 单位终结后删除本地文件
}

func (o *PipelineOptions) normalize() {
	if o.ConcurrentDownloads < 1 {
		o.ConcurrentDownloads = 1
	}
	if o.ConcurrentUploads < 1 {
		o.ConcurrentUploads = 1
	}
	if o.QueueMultiplier < 1 {
		o.QueueMultiplier = 2
	}
	if o.DownloadDir == "" {
		o.DownloadDir = "downloads"
	}
}

// Pipeline 单个频道对的转发流水线。
// 生产者逐个单位做幂等过滤与按需下载，消费者池负责送达所有目标。
type Pipeline struct {
	client transport.Client
	caps   *CapabilityCache
	ledger history.Ledger
	retry  *RetryController
	stats  *RunStats
	opts   PipelineOptions

	// stopping 返回 true 时停止派发新单位，在途单位继续完成
	stopping func() bool
	sleep    func(context.Context, time.Duration) error
}

// NewPipeline 创建流水线
func NewPipeline(client transport.Client, caps *CapabilityCache, ledger history.Ledger,
	retry *RetryController, stats *RunStats, opts PipelineOptions) *Pipeline {
	opts.normalize()
	return &Pipeline{
		client:   client,
		caps:     caps,
		ledger:   ledger,
		retry:    retry,
		stats:    stats,
		opts:     opts,
		stopping: func() bool { return false },
		sleep:    sleepContext,
	}
}

// Run 消费 units 直到通道关闭或运行被取消。
// 返回的错误只代表致命失败（账本写失败、上下文取消），
// 单个单位的转发失败计入统计后继续。
func (p *Pipeline) Run(ctx context.Context, sourceID int64, targets []int64, units <-chan models.Unit) error {
	if len(targets) == 0 {
		return fmt.Errorf("no targets configured for channel %d", sourceID)
	}
	if err := os.MkdirAll(p.opts.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	queue := make(chan *models.Task, p.opts.ConcurrentUploads*p.opts.QueueMultiplier)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.ConcurrentUploads; i++ {
		g.Go(func() error {
			return p.consume(gctx, queue)
		})
	}

	prodErr := p.produce(gctx, sourceID, targets, units, queue)
	close(queue)

	// 消费者失败会取消 gctx，此时生产者返回的取消错误不是根因
	if consErr := g.Wait(); consErr != nil {
		return consErr
	}
	return prodErr
}

// produce 按到达顺序派发单位，队列满时阻塞形成反压
func (p *Pipeline) produce(ctx context.Context, sourceID int64, targets []int64,
	units <-chan models.Unit, queue chan<- *models.Task) error {
	dispatched := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case unit, ok := <-units:
			if !ok {
				return nil
			}
			if p.stopping() {
				logger.L().Infof("Stop requested, not dispatching %s", unit.Describe())
				continue
			}

			task, err := p.buildTask(ctx, sourceID, targets, unit)
			if err != nil {
				return err
			}
			if task == nil {
				continue
			}

			select {
			case queue <- task:
			case <-ctx.Done():
				return ctx.Err()
			}

			dispatched++
			if p.opts.BatchLimit > 0 && dispatched%p.opts.BatchLimit == 0 {
				logger.L().Infof("Dispatched %d units, pausing %s", dispatched, p.opts.BatchPause)
				if err := p.sleep(ctx, p.opts.BatchPause); err != nil {
					return err
				}
			}
		}
	}
}

// buildTask 为一个单位做媒体过滤、幂等过滤与按需下载。
// 返回 nil 表示该单位被跳过或只影响自身的失败。
func (p *Pipeline) buildTask(ctx context.Context, sourceID int64, targets []int64, unit models.Unit) (*models.Task, error) {
	unit = p.filterMedia(unit)
	if len(unit.Messages) == 0 {
		p.stats.UnitSkipped()
		return nil, nil
	}

	pending, err := p.pendingTargets(ctx, unit, targets)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		logger.L().Debugf("%s already delivered to all targets, skipping", unit.Describe())
		p.stats.UnitSkipped()
		return nil, nil
	}

	task := &models.Task{
		ID:      uuid.New().String(),
		Unit:    unit,
		Targets: pending,
		Status:  models.TaskStatusPending,
		// 原生转发改不了标题，配置了标题改写就只能走重建路径
		ForwardOnly: p.caps.AllowForward(ctx, sourceID) && !p.rewritesCaptions(),
		CreatedAt:   time.Now(),
	}

	if !task.ForwardOnly {
		files, err := p.download(ctx, unit)
		if err != nil {
			var le *LedgerError
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &le) {
				return nil, err
			}
			logger.L().Errorf("Failed to download %s: %v", unit.Describe(), err)
			p.stats.UnitFailed()
			return nil, nil
		}
		task.Files = files
	}
	return task, nil
}

// pendingTargets 过滤掉单位内所有消息都已送达的目标
func (p *Pipeline) pendingTargets(ctx context.Context, unit models.Unit, targets []int64) ([]int64, error) {
	pending := make([]int64, 0, len(targets))
	for _, target := range targets {
		needed := false
		for _, m := range unit.Messages {
			done, err := p.ledger.IsForwardedTo(ctx, m.SourceChannelID, m.MessageID, target)
			if err != nil {
				return nil, &LedgerError{fmt.Errorf("failed to read forward history: %w", err)}
			}
			if !done {
				needed = true
				break
			}
		}
		if needed {
			pending = append(pending, target)
		}
	}
	return pending, nil
}

// filterMedia 去掉不在配置内的媒体类型。纯文本消息按 "text" 类型过滤。
func (p *Pipeline) filterMedia(unit models.Unit) models.Unit {
	if len(p.opts.MediaTypes) == 0 {
		return unit
	}
	allowed := make(map[string]bool, len(p.opts.MediaTypes))
	for _, t := range p.opts.MediaTypes {
		allowed[t] = true
	}
	kept := make([]models.MessageRef, 0, len(unit.Messages))
	for _, m := range unit.Messages {
		mediaType := m.MediaType
		if mediaType == "" {
			mediaType = models.MediaTypeText
		}
		if allowed[mediaType] {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(unit.Messages) {
		return unit
	}
	logger.L().Debugf("Filtered %s from %d to %d messages by media type",
		unit.Describe(), len(unit.Messages), len(kept))
	return models.Unit{GroupID: unit.GroupID, Messages: kept}
}

// download 并发拉取单位内的全部媒体，任何一个文件失败则整个单位失败
func (p *Pipeline) download(ctx context.Context, unit models.Unit) ([]models.LocalFile, error) {
	files := make([]models.LocalFile, len(unit.Messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ConcurrentDownloads)

	for i, m := range unit.Messages {
		i, m := i, m
		files[i] = models.LocalFile{Ref: m}
		if !m.IsMedia() {
			continue
		}
		g.Go(func() error {
			op := fmt.Sprintf("download message %d", m.MessageID)
			res, err := p.retry.Do(gctx, op, func() error {
				path, derr := p.client.Download(gctx, m, p.opts.DownloadDir, p.progressFor(m))
				if derr != nil {
					return derr
				}
				files[i].Path = path
				return nil
			})
			p.stats.RecordResult(res)
			if err != nil {
				return err
			}
			if err := p.ledger.MarkDownloaded(gctx, m.SourceChannelID, m.MessageID); err != nil {
				return &LedgerError{fmt.Errorf("failed to record download: %w", err)}
			}
			p.stats.BytesDownloaded(m.FileSize)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.removeFiles(files)
		return nil, err
	}
	return files, nil
}

func (p *Pipeline) progressFor(m models.MessageRef) transport.Progress {
	var last int64
	return func(received, total int64) {
		if total <= 0 {
			return
		}
		pct := received * 100 / total
		if pct >= last+25 {
			last = pct - pct%25
			logger.L().Debugf("Downloading message %d: %d%%", m.MessageID, pct)
		}
	}
}

// consume 处理队列中的任务直到队列关闭。
// 取消只在任务边界生效，已开始的任务不被打断。
func (p *Pipeline) consume(ctx context.Context, queue <-chan *models.Task) error {
	for task := range queue {
		if ctx.Err() != nil {
			task.Status = models.TaskStatusCancelled
			continue
		}
		if err := p.safeHandle(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// safeHandle 捕获单个任务的 panic，避免拖垮整个工作者池
func (p *Pipeline) safeHandle(ctx context.Context, task *models.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Errorf("Task %s panicked: %v", task.ID, r)
			task.Status = models.TaskStatusFailed
			p.stats.UnitFailed()
		}
	}()
	return p.handleTask(ctx, task)
}

// handleTask 把一个单位送达它仍然缺少的所有目标
func (p *Pipeline) handleTask(ctx context.Context, task *models.Task) error {
	task.Status = models.TaskStatusRunning
	logger.L().Infof("Processing task %s: %s, %d targets", task.ID, task.Unit.Describe(), len(task.Targets))

	var delivered, failed []int64
	var err error
	if task.ForwardOnly {
		delivered, failed, err = p.relayUnit(ctx, task)
	} else {
		delivered, failed, err = p.uploadUnit(ctx, task)
	}
	if err != nil {
		task.Status = models.TaskStatusFailed
		return err
	}

	if len(delivered) > 0 {
		task.Status = models.TaskStatusDone
		p.stats.UnitDone()
	} else {
		task.Status = models.TaskStatusFailed
		p.stats.UnitFailed()
	}
	if len(failed) > 0 {
		logger.L().Warnf("Task %s finished with failed targets: %v", task.ID, failed)
	}

	p.cleanupTask(task)
	return nil
}

// relayUnit 源频道允许转发：逐个目标原生转发或复制
func (p *Pipeline) relayUnit(ctx context.Context, task *models.Task) (delivered, failed []int64, fatal error) {
	unit := task.Unit
	for _, target := range task.Targets {
		op := fmt.Sprintf("forward %s to %d", unit.Describe(), target)
		var newIDs []int
		res, err := p.retry.Do(ctx, op, func() error {
			var callErr error
			if p.opts.HideAuthor {
				newIDs, callErr = p.client.Copy(ctx, unit, target)
			} else {
				newIDs, callErr = p.client.Forward(ctx, unit, target)
			}
			return callErr
		})
		p.stats.RecordResult(res)
		task.Attempts += res.Attempts

		if err != nil {
			if transport.IsPermissionDenied(err) {
				// 可能是来源限制也可能是目标拒写，两侧都重新探测
				p.caps.Invalidate(unit.SourceID())
				p.caps.Invalidate(target)
				logger.L().Warnf("Permission denied forwarding %s to %d: %v", unit.Describe(), target, err)
			} else {
				logger.L().Errorf("Failed to forward %s to %d: %v", unit.Describe(), target, err)
			}
			failed = append(failed, target)
			continue
		}

		if err := p.markDelivered(ctx, unit, target); err != nil {
			return delivered, failed, err
		}
		delivered = append(delivered, target)
		if p.opts.HideAuthor {
			p.stats.MessagesCopied(len(newIDs))
		} else {
			p.stats.MessagesForwarded(len(newIDs))
		}
	}
	return delivered, failed, nil
}

// uploadUnit 源频道禁止转发：上传一次到首个可用目标，其余目标从它复制
func (p *Pipeline) uploadUnit(ctx context.Context, task *models.Task) (delivered, failed []int64, fatal error) {
	unit := task.Unit
	order := p.caps.SortByCapability(ctx, task.Targets)

	var primary int64
	var uploadedIDs []int
	uploaded := false
	rest := order

	for len(rest) > 0 {
		target := rest[0]
		rest = rest[1:]

		ids, err := p.uploadTo(ctx, task, target)
		if err != nil {
			failed = append(failed, target)
			continue
		}
		if err := p.afterDelivery(ctx, task, target); err != nil {
			return delivered, failed, err
		}
		delivered = append(delivered, target)
		p.stats.MessagesUploaded(len(unit.Messages))
		primary = target
		uploadedIDs = ids
		uploaded = true
		break
	}
	if !uploaded {
		return delivered, failed, nil
	}

	// 其余目标从首发复制，内容字节只上传一次
	rebuilt := rebuiltUnit(unit, primary, uploadedIDs)
	for _, target := range rest {
		op := fmt.Sprintf("copy %s from %d to %d", unit.Describe(), primary, target)
		res, err := p.retry.Do(ctx, op, func() error {
			var callErr error
			if p.opts.HideAuthor {
				_, callErr = p.client.Copy(ctx, rebuilt, target)
			} else {
				_, callErr = p.client.Forward(ctx, rebuilt, target)
			}
			return callErr
		})
		p.stats.RecordResult(res)
		task.Attempts += res.Attempts

		if err != nil {
			if transport.IsPermissionDenied(err) {
				p.caps.Invalidate(target)
			}
			logger.L().Warnf("Failed to copy %s to %d, falling back to direct upload: %v",
				unit.Describe(), target, err)
			if _, uerr := p.uploadTo(ctx, task, target); uerr != nil {
				failed = append(failed, target)
				continue
			}
			p.stats.MessagesUploaded(len(unit.Messages))
		} else {
			p.stats.MessagesCopied(len(unit.Messages))
		}

		if err := p.afterDelivery(ctx, task, target); err != nil {
			return delivered, failed, err
		}
		delivered = append(delivered, target)
	}
	return delivered, failed, nil
}

// uploadTo 重建上传整个单位到一个目标
func (p *Pipeline) uploadTo(ctx context.Context, task *models.Task, target int64) ([]int, error) {
	op := fmt.Sprintf("upload %s to %d", task.Unit.Describe(), target)
	var ids []int
	res, err := p.retry.Do(ctx, op, func() error {
		var callErr error
		ids, callErr = p.client.Upload(ctx, target, p.uploadFiles(task))
		return callErr
	})
	p.stats.RecordResult(res)
	task.Attempts += res.Attempts
	if err != nil {
		if transport.IsPermissionDenied(err) {
			p.caps.Invalidate(target)
		}
		logger.L().Errorf("Failed to upload %s to %d: %v", task.Unit.Describe(), target, err)
		return nil, err
	}
	return ids, nil
}

// afterDelivery 送达一个目标后立即落账，保证至多一次
func (p *Pipeline) afterDelivery(ctx context.Context, task *models.Task, target int64) error {
	if err := p.markDelivered(ctx, task.Unit, target); err != nil {
		return err
	}
	for _, f := range task.Files {
		if f.Path == "" {
			continue
		}
		info := history.FileInfo{Size: f.Ref.FileSize, MediaType: f.Ref.MediaType}
		if err := p.ledger.MarkUploaded(ctx, f.Path, target, info); err != nil {
			return &LedgerError{fmt.Errorf("failed to record upload: %w", err)}
		}
	}
	return nil
}

func (p *Pipeline) markDelivered(ctx context.Context, unit models.Unit, target int64) error {
	for _, m := range unit.Messages {
		if err := p.ledger.MarkForwarded(ctx, m.SourceChannelID, m.MessageID, []int64{target}); err != nil {
			return &LedgerError{fmt.Errorf("failed to record delivery: %w", err)}
		}
	}
	return nil
}

// uploadFiles 应用标题修饰后的上传文件列表
func (p *Pipeline) uploadFiles(task *models.Task) []models.LocalFile {
	files := make([]models.LocalFile, len(task.Files))
	copy(files, task.Files)
	for i := range files {
		files[i].Ref.Caption = p.renderCaption(files[i].Ref)
	}
	return files
}

// rewritesCaptions 标题是否需要改写
func (p *Pipeline) rewritesCaptions() bool {
	return p.opts.RemoveCaptions || p.opts.CaptionTemplate != ""
}

// renderCaption 按配置处理标题
func (p *Pipeline) renderCaption(ref models.MessageRef) string {
	if p.opts.RemoveCaptions {
		return ""
	}
	if p.opts.CaptionTemplate != "" {
		return strings.ReplaceAll(p.opts.CaptionTemplate, "{original_caption}", ref.Caption)
	}
	return ref.Caption
}

func (p *Pipeline) cleanupTask(task *models.Task) {
	if !p.opts.DeleteAfterUpload || task.Status != models.TaskStatusDone {
		return
	}
	p.removeFiles(task.Files)
}

func (p *Pipeline) removeFiles(files []models.LocalFile) {
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			logger.L().Warnf("Failed to remove local file %s: %v", f.Path, err)
		}
	}
}

// rebuiltUnit 指向首发目标中新消息的单位，用于二次分发
func rebuiltUnit(unit models.Unit, primary int64, ids []int) models.Unit {
	msgs := make([]models.MessageRef, len(ids))
	for i, id := range ids {
		msgs[i] = models.MessageRef{SourceChannelID: primary, MessageID: id}
	}
	return models.Unit{GroupID: unit.GroupID, Messages: msgs}
}
