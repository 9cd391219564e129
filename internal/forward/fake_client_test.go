package forward

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/transport"
)

// fakeClient 测试用传输层替身。未设置的方法走内置默认行为，
// 所有调用都会记录，便于断言调用次数与顺序。
type fakeClient struct {
	mu    sync.Mutex
	calls []string

	resolveFunc  func(ctx context.Context, identifier string) (models.ChannelMeta, error)
	metaFunc     func(ctx context.Context, channelID int64) (models.ChannelMeta, error)
	listFunc     func(ctx context.Context, channelID int64, r transport.Range) ([]models.MessageRef, error)
	downloadFunc func(ctx context.Context, ref models.MessageRef, destDir string, progress transport.Progress) (string, error)
	uploadFunc   func(ctx context.Context, targetID int64, files []models.LocalFile) ([]int, error)
	forwardFunc  func(ctx context.Context, unit models.Unit, targetID int64) ([]int, error)
	copyFunc     func(ctx context.Context, unit models.Unit, targetID int64) ([]int, error)
}

var _ transport.Client = (*fakeClient)(nil)

func (f *fakeClient) record(format string, args ...interface{}) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeClient) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeClient) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeClient) ResolveChannel(ctx context.Context, identifier string) (models.ChannelMeta, error) {
	f.record("resolve:%s", identifier)
	if f.resolveFunc != nil {
		return f.resolveFunc(ctx, identifier)
	}
	return models.ChannelMeta{}, fmt.Errorf("unexpected ResolveChannel call: %s", identifier)
}

func (f *fakeClient) ChannelMeta(ctx context.Context, channelID int64) (models.ChannelMeta, error) {
	f.record("meta:%d", channelID)
	if f.metaFunc != nil {
		return f.metaFunc(ctx, channelID)
	}
	return models.ChannelMeta{}, fmt.Errorf("unexpected ChannelMeta call: %d", channelID)
}

func (f *fakeClient) ListMessages(ctx context.Context, channelID int64, r transport.Range) ([]models.MessageRef, error) {
	f.record("list:%d", channelID)
	if f.listFunc != nil {
		return f.listFunc(ctx, channelID, r)
	}
	return nil, nil
}

func (f *fakeClient) Download(ctx context.Context, ref models.MessageRef, destDir string, progress transport.Progress) (string, error) {
	f.record("download:%d", ref.MessageID)
	if f.downloadFunc != nil {
		return f.downloadFunc(ctx, ref, destDir, progress)
	}
	return filepath.Join(destDir, fmt.Sprintf("%d_%d", ref.SourceChannelID, ref.MessageID)), nil
}

func (f *fakeClient) Upload(ctx context.Context, targetID int64, files []models.LocalFile) ([]int, error) {
	first := 0
	if len(files) > 0 {
		first = files[0].Ref.MessageID
	}
	f.record("upload:%d:first=%d:n=%d", targetID, first, len(files))
	if f.uploadFunc != nil {
		return f.uploadFunc(ctx, targetID, files)
	}
	ids := make([]int, len(files))
	for i := range files {
		ids[i] = 10000 + files[i].Ref.MessageID
	}
	return ids, nil
}

func (f *fakeClient) Forward(ctx context.Context, unit models.Unit, targetID int64) ([]int, error) {
	f.record("forward:%d:first=%d", targetID, unit.FirstID())
	if f.forwardFunc != nil {
		return f.forwardFunc(ctx, unit, targetID)
	}
	ids := make([]int, len(unit.Messages))
	for i, m := range unit.Messages {
		ids[i] = 20000 + m.MessageID
	}
	return ids, nil
}

func (f *fakeClient) Copy(ctx context.Context, unit models.Unit, targetID int64) ([]int, error) {
	f.record("copy:%d:first=%d", targetID, unit.FirstID())
	if f.copyFunc != nil {
		return f.copyFunc(ctx, unit, targetID)
	}
	ids := make([]int, len(unit.Messages))
	for i, m := range unit.Messages {
		ids[i] = 30000 + m.MessageID
	}
	return ids, nil
}
