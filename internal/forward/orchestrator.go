package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/logger"
	"tg_forwarder/internal/transport"
)

// 运行状态
const (
	RunStateIdle      = "idle"
	RunStateRunning   = "running"
	RunStateStopping  = "stopping"
	RunStateCompleted = "completed"
	RunStateFailed    = "failed"
	RunStateCancelled = "cancelled"
)

// Pair 一条转发链路：一个源频道和它的目标频道集合。
// StartID/EndID 限定历史消息范围，0 表示不限。
type Pair struct {
	Source  string
	Targets []string
	StartID int
	EndID   int
}

type resolvedPair struct {
	source  models.ChannelRef
	targets []int64
	rng     transport.Range
}

// resolvePair 解析一条链路的全部频道标识。
// 源解析失败整条链路失败；个别目标解析失败只跳过该目标。
func resolvePair(ctx context.Context, resolver *Resolver, pair Pair) (resolvedPair, error) {
	src, err := resolver.Resolve(ctx, pair.Source)
	if err != nil {
		return resolvedPair{}, fmt.Errorf("failed to resolve source %s: %w", pair.Source, err)
	}

	rng := transport.Range{StartID: pair.StartID, EndID: pair.EndID}
	if rng.StartID == 0 && src.MessageID != 0 {
		// 源写成消息链接时，从链接指向的消息开始
		rng.StartID = src.MessageID
	}

	rp := resolvedPair{source: src, rng: rng}
	seen := make(map[int64]bool)
	for _, raw := range pair.Targets {
		ref, err := resolver.Resolve(ctx, raw)
		if err != nil {
			logger.L().Warnf("Skipping unresolvable target %s: %v", raw, err)
			continue
		}
		if ref.ResolvedID == src.ResolvedID {
			logger.L().Warnf("Target %s is the source channel itself, skipping", raw)
			continue
		}
		if seen[ref.ResolvedID] {
			continue
		}
		seen[ref.ResolvedID] = true
		rp.targets = append(rp.targets, ref.ResolvedID)
	}
	if len(rp.targets) == 0 {
		return resolvedPair{}, fmt.Errorf("no usable targets for source %s", pair.Source)
	}
	return rp, nil
}

// Orchestrator 历史转发的总控：逐条链路拉取消息、组装单位并交给流水线。
// 同一时刻只允许一次运行，Stop 是软停止，在途单位会完成。
type Orchestrator struct {
	client   transport.Client
	resolver *Resolver
	pipeline *Pipeline
	retry    *RetryController
	stats    *RunStats

	mu      sync.Mutex
	state   string
	stopped atomic.Bool
}

// NewOrchestrator 创建总控并接管流水线的停止信号
func NewOrchestrator(client transport.Client, resolver *Resolver, pipeline *Pipeline,
	retry *RetryController, stats *RunStats) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		resolver: resolver,
		pipeline: pipeline,
		retry:    retry,
		stats:    stats,
		state:    RunStateIdle,
	}
	pipeline.stopping = o.StopRequested
	return o
}

// Run 顺序处理所有链路。个别链路失败不影响后续链路，
// 账本写失败或上下文取消会终止整个运行。
func (o *Orchestrator) Run(ctx context.Context, pairs []Pair) (Report, error) {
	if err := o.begin(); err != nil {
		return Report{}, err
	}
	logger.L().Infof("Starting forward run with %d channel pairs", len(pairs))

	var fatal error
	for _, pair := range pairs {
		if ctx.Err() != nil {
			fatal = ctx.Err()
			break
		}
		if o.StopRequested() {
			break
		}

		rp, err := resolvePair(ctx, o.resolver, pair)
		if err != nil {
			logger.L().Errorf("Skipping pair %s: %v", pair.Source, err)
			o.stats.PairFailed()
			continue
		}

		if err := o.runPair(ctx, rp); err != nil {
			if isFatal(err) {
				fatal = err
				break
			}
			logger.L().Errorf("Pair %s failed: %v", rp.source.Display(), err)
			o.stats.PairFailed()
			continue
		}
		o.stats.PairDone()
	}

	report := o.stats.Snapshot()
	switch {
	case fatal != nil && (errors.Is(fatal, context.Canceled) || errors.Is(fatal, context.DeadlineExceeded)):
		o.setState(RunStateCancelled)
		logger.L().Warnf("Forward run cancelled: %s", report.String())
	case fatal != nil:
		o.setState(RunStateFailed)
		logger.L().Errorf("Forward run failed: %v; %s", fatal, report.String())
	case o.StopRequested():
		o.setState(RunStateCancelled)
		logger.L().Infof("Forward run stopped: %s", report.String())
	default:
		o.setState(RunStateCompleted)
		logger.L().Infof("Forward run completed: %s", report.String())
	}
	return report, fatal
}

// runPair 拉取一条链路的历史消息并送入流水线。
// 返回的错误经 isFatal 区分链路级失败与致命失败。
func (o *Orchestrator) runPair(ctx context.Context, rp resolvedPair) error {
	refs, err := o.listMessages(ctx, rp)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		logger.L().Infof("No messages to forward from %s", rp.source.Display())
		return nil
	}
	logger.L().Infof("Forwarding %d messages from %s to %d targets",
		len(refs), rp.source.Display(), len(rp.targets))

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	units := make(chan models.Unit, 8)
	asm := NewAssembler(0, func(u models.Unit) {
		select {
		case units <- u:
		case <-pctx.Done():
		}
	})
	go func() {
		defer close(units)
		for _, ref := range refs {
			if pctx.Err() != nil || o.StopRequested() {
				break
			}
			asm.Add(ref)
		}
		asm.Flush()
	}()

	return o.pipeline.Run(pctx, rp.source.ResolvedID, rp.targets, units)
}

func (o *Orchestrator) listMessages(ctx context.Context, rp resolvedPair) ([]models.MessageRef, error) {
	var refs []models.MessageRef
	op := fmt.Sprintf("list messages from %s", rp.source.Display())
	res, err := o.retry.Do(ctx, op, func() error {
		var lerr error
		refs, lerr = o.client.ListMessages(ctx, rp.source.ResolvedID, rp.rng)
		return lerr
	})
	o.stats.RecordResult(res)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages from %s: %w", rp.source.Display(), err)
	}
	return refs, nil
}

// Stop 请求软停止：不再派发新单位和新链路，在途单位照常完成
func (o *Orchestrator) Stop() {
	if o.stopped.CompareAndSwap(false, true) {
		logger.L().Infof("Stop requested, letting in-flight units finish")
		o.mu.Lock()
		if o.state == RunStateRunning {
			o.state = RunStateStopping
		}
		o.mu.Unlock()
	}
}

// StopRequested 软停止是否已被请求
func (o *Orchestrator) StopRequested() bool {
	return o.stopped.Load()
}

// Status 当前状态与累计统计
func (o *Orchestrator) Status() (string, Report) {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	return state, o.stats.Snapshot()
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == RunStateRunning || o.state == RunStateStopping {
		return fmt.Errorf("forward run already in progress")
	}
	o.state = RunStateRunning
	o.stopped.Store(false)
	return nil
}

func (o *Orchestrator) setState(state string) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}

// isFatal 账本失败与取消终止整个运行，其余算链路级失败
func isFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var le *LedgerError
	return errors.As(err, &le)
}
