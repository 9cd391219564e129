package forward

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/logger"
)

// MonitorOptions 实时监听参数
type MonitorOptions struct {
	GroupTimeout time.Duration // 媒体组断流超时，超过即按不完整组发出
	Deadline     time.Time     // 到点停止监听，零值表示一直运行
}

// ParseDeadline 解析 "年-月-日-时" 形式的监听截止时间，如 "2026-8-25-23"
func ParseDeadline(s string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 4 {
		return time.Time{}, fmt.Errorf("invalid deadline %q, want year-month-day-hour", s)
	}
	nums := make([]int, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid deadline %q: %w", s, err)
		}
		nums[i] = n
	}
	if nums[1] < 1 || nums[1] > 12 || nums[2] < 1 || nums[2] > 31 || nums[3] < 0 || nums[3] > 23 {
		return time.Time{}, fmt.Errorf("invalid deadline %q: out of range", s)
	}
	return time.Date(nums[0], time.Month(nums[1]), nums[2], nums[3], 0, 0, 0, time.Local), nil
}

// sourceFeed 一个被监听源频道的装配线：实时消息经切分器汇入单位通道
type sourceFeed struct {
	targets []int64
	units   chan models.Unit
	asm     *Assembler
	done    chan struct{} // 流水线退出后关闭，防止 emit 永久阻塞

	sendMu sync.Mutex
	closed bool
}

func (f *sourceFeed) emit(u models.Unit) {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.units <- u:
	case <-f.done:
	}
}

// shutdown 先冲洗未关闭的媒体组再封口，之后到来的单位被丢弃
func (f *sourceFeed) shutdown() {
	f.asm.Flush()
	f.sendMu.Lock()
	if !f.closed {
		f.closed = true
		close(f.units)
	}
	f.sendMu.Unlock()
}

// Monitor 实时转发：监听源频道的新消息，组装后交给流水线送达。
// 消息由传输层的更新回调通过 HandlePost 推入。
type Monitor struct {
	resolver *Resolver
	pipeline *Pipeline
	opts     MonitorOptions

	mu    sync.Mutex
	feeds map[int64]*sourceFeed

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMonitor 创建监听器
func NewMonitor(resolver *Resolver, pipeline *Pipeline, opts MonitorOptions) *Monitor {
	if opts.GroupTimeout <= 0 {
		opts.GroupTimeout = 5 * time.Second
	}
	return &Monitor{
		resolver: resolver,
		pipeline: pipeline,
		opts:     opts,
		stop:     make(chan struct{}),
	}
}

// Run 监听所有链路直到截止时间、Stop 或上下文取消。
// 停止时在途单位与未关闭的媒体组会先被送达。
func (m *Monitor) Run(ctx context.Context, pairs []Pair) error {
	feeds := make(map[int64]*sourceFeed)
	for _, pair := range pairs {
		rp, err := resolvePair(ctx, m.resolver, pair)
		if err != nil {
			logger.L().Errorf("Skipping pair %s: %v", pair.Source, err)
			continue
		}
		if _, dup := feeds[rp.source.ResolvedID]; dup {
			logger.L().Warnf("Source %s appears in multiple pairs, keeping the first", rp.source.Display())
			continue
		}
		f := &sourceFeed{
			targets: rp.targets,
			units:   make(chan models.Unit, 8),
			done:    make(chan struct{}),
		}
		f.asm = NewAssembler(m.opts.GroupTimeout, f.emit)
		feeds[rp.source.ResolvedID] = f
	}
	if len(feeds) == 0 {
		return fmt.Errorf("no monitorable channel pairs")
	}

	m.mu.Lock()
	m.feeds = feeds
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.feeds = nil
		m.mu.Unlock()
	}()

	logger.L().Infof("Monitoring %d source channels", len(feeds))

	g, gctx := errgroup.WithContext(ctx)
	for id, f := range feeds {
		id, f := id, f
		g.Go(func() error {
			defer close(f.done)
			return m.pipeline.Run(gctx, id, f.targets, f.units)
		})
	}

	// 守望者负责优雅收尾：截止时间、Stop、或任一流水线致命退出
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		var deadlineC <-chan time.Time
		if !m.opts.Deadline.IsZero() {
			timer := time.NewTimer(time.Until(m.opts.Deadline))
			defer timer.Stop()
			deadlineC = timer.C
		}
		select {
		case <-gctx.Done():
		case <-m.stop:
			logger.L().Infof("Monitor stop requested, flushing open media groups")
		case <-deadlineC:
			logger.L().Infof("Monitor deadline reached, shutting down")
		}
		for _, f := range feeds {
			f.shutdown()
		}
	}()

	err := g.Wait()
	<-watcher
	if err != nil {
		return err
	}
	return ctx.Err()
}

// HandlePost 接收一条实时频道消息，非监听范围内的频道直接忽略
func (m *Monitor) HandlePost(ref models.MessageRef) {
	m.mu.Lock()
	f := m.feeds[ref.SourceChannelID]
	m.mu.Unlock()
	if f == nil {
		return
	}
	logger.L().Debugf("Live message %d from channel %d", ref.MessageID, ref.SourceChannelID)
	f.asm.Add(ref)
}

// Monitoring 当前在监听的源频道 ID
func (m *Monitor) Monitoring() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.feeds))
	for id := range m.feeds {
		ids = append(ids, id)
	}
	return ids
}

// Stop 请求停止监听，监听器不可复用
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
