package forward

import (
	"sort"
	"sync"
	"time"

	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/logger"
)

// Assembler 把按 MessageID 升序到来的消息流切分为流水线单位：
// 独立消息立即发出，媒体组攒齐后整体发出。
// 输入有序意味着同一时刻最多只有一个打开的媒体组。
//
// 组的关闭条件：
//  1. 到来的消息不属于当前组（组边界）
//  2. 组内成员数达到上限，同组的后续消息开启新组
//  3. 超时没有新成员（实时流的断流保护）
//  4. Flush 被调用（历史批次结束）
type Assembler struct {
	timeout time.Duration
	emit    func(models.Unit)

	mu    sync.Mutex
	open  *models.MediaGroup
	timer *time.Timer
	gen   int // 使过期定时器回调失效
}

// NewAssembler 创建切分器。timeout <= 0 表示不启用超时关闭，
// emit 在调用 Add/Flush 的 goroutine 或定时器 goroutine 中同步执行。
func NewAssembler(timeout time.Duration, emit func(models.Unit)) *Assembler {
	return &Assembler{timeout: timeout, emit: emit}
}

// Add 送入一条消息
func (a *Assembler) Add(ref models.MessageRef) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ref.MediaGroupID == "" {
		a.closeOpenLocked()
		a.emit(models.SingleUnit(ref))
		return
	}

	if a.open != nil && a.open.GroupID == ref.MediaGroupID {
		a.open.Messages = append(a.open.Messages, ref)
		if a.open.Full() {
			logger.L().Debugf("Media group %s reached max size, closing", ref.MediaGroupID)
			a.closeOpenLocked()
		} else {
			a.resetTimerLocked()
		}
		return
	}

	// 组边界：先关上一个组再开新组
	a.closeOpenLocked()
	a.open = &models.MediaGroup{
		GroupID:  ref.MediaGroupID,
		Messages: []models.MessageRef{ref},
	}
	a.resetTimerLocked()
}

// Flush 关闭当前打开的媒体组并发出
func (a *Assembler) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeOpenLocked()
}

// closeOpenLocked 必须在持有 mu 时调用
func (a *Assembler) closeOpenLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	if a.open == nil {
		return
	}
	group := a.open
	a.open = nil
	sort.Slice(group.Messages, func(i, j int) bool {
		return group.Messages[i].MessageID < group.Messages[j].MessageID
	})
	a.emit(group.Unit())
}

// resetTimerLocked 必须在持有 mu 时调用
func (a *Assembler) resetTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	if a.timeout <= 0 {
		return
	}
	gen := a.gen
	a.timer = time.AfterFunc(a.timeout, func() {
		a.flushExpired(gen)
	})
}

func (a *Assembler) flushExpired(gen int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.open == nil {
		return
	}
	logger.L().Debugf("Media group %s timed out with %d members, flushing",
		a.open.GroupID, len(a.open.Messages))
	a.closeOpenLocked()
}
