package forward

import (
	"fmt"
	"sync"
	"time"
)

// RunStats 单次运行的计数器，方法并发安全
type RunStats struct {
	mu        sync.Mutex
	startedAt time.Time

	pairsDone   int
	pairsFailed int

	unitsDone    int
	unitsSkipped int
	unitsFailed  int

	messagesForwarded int
	messagesUploaded  int
	messagesCopied    int

	downloadedBytes int64
	retries         int
	rateLimitHits   int
	rateLimitWait   time.Duration
}

// NewRunStats 创建统计器并记录开始时间
func NewRunStats() *RunStats {
	return &RunStats{startedAt: time.Now()}
}

func (s *RunStats) PairDone() {
	s.mu.Lock()
	s.pairsDone++
	s.mu.Unlock()
}

func (s *RunStats) PairFailed() {
	s.mu.Lock()
	s.pairsFailed++
	s.mu.Unlock()
}

func (s *RunStats) UnitDone() {
	s.mu.Lock()
	s.unitsDone++
	s.mu.Unlock()
}

func (s *RunStats) UnitSkipped() {
	s.mu.Lock()
	s.unitsSkipped++
	s.mu.Unlock()
}

func (s *RunStats) UnitFailed() {
	s.mu.Lock()
	s.unitsFailed++
	s.mu.Unlock()
}

func (s *RunStats) MessagesForwarded(n int) {
	s.mu.Lock()
	s.messagesForwarded += n
	s.mu.Unlock()
}

func (s *RunStats) MessagesUploaded(n int) {
	s.mu.Lock()
	s.messagesUploaded += n
	s.mu.Unlock()
}

func (s *RunStats) MessagesCopied(n int) {
	s.mu.Lock()
	s.messagesCopied += n
	s.mu.Unlock()
}

func (s *RunStats) BytesDownloaded(n int64) {
	s.mu.Lock()
	s.downloadedBytes += n
	s.mu.Unlock()
}

// RecordResult 汇总一次受控调用的重试与限流信息
func (s *RunStats) RecordResult(res Result) {
	s.mu.Lock()
	if res.Attempts > 1 {
		s.retries += res.Attempts - 1
	}
	if res.RateLimited {
		s.rateLimitHits++
		s.rateLimitWait += res.Waited
	}
	s.mu.Unlock()
}

// Report 运行统计报告
type Report struct {
	StartedAt time.Time
	Duration  time.Duration

	PairsDone   int
	PairsFailed int

	UnitsDone    int
	UnitsSkipped int
	UnitsFailed  int

	MessagesForwarded int
	MessagesUploaded  int
	MessagesCopied    int

	DownloadedBytes int64
	Retries         int
	RateLimitHits   int
	RateLimitWait   time.Duration
}

// String 单行摘要，供运行结束时打日志
func (r Report) String() string {
	return fmt.Sprintf(
		"pairs=%d/%d units=%d skipped=%d failed=%d forwarded=%d uploaded=%d copied=%d downloaded_bytes=%d retries=%d rate_limits=%d duration=%v",
		r.PairsDone, r.PairsDone+r.PairsFailed,
		r.UnitsDone, r.UnitsSkipped, r.UnitsFailed,
		r.MessagesForwarded, r.MessagesUploaded, r.MessagesCopied,
		r.DownloadedBytes, r.Retries, r.RateLimitHits,
		r.Duration.Round(time.Millisecond),
	)
}

// Snapshot 导出当前计数
func (s *RunStats) Snapshot() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Report{
		StartedAt:         s.startedAt,
		Duration:          time.Since(s.startedAt),
		PairsDone:         s.pairsDone,
		PairsFailed:       s.pairsFailed,
		UnitsDone:         s.unitsDone,
		UnitsSkipped:      s.unitsSkipped,
		UnitsFailed:       s.unitsFailed,
		MessagesForwarded: s.messagesForwarded,
		MessagesUploaded:  s.messagesUploaded,
		MessagesCopied:    s.messagesCopied,
		DownloadedBytes:   s.downloadedBytes,
		Retries:           s.retries,
		RateLimitHits:     s.rateLimitHits,
		RateLimitWait:     s.rateLimitWait,
	}
}
