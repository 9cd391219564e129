package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"tg_forwarder/internal/forward/models"
	"tg_forwarder/internal/logger"
	"tg_forwarder/internal/transport"

	"github.com/go-telegram/bot"
)

// Download 下载消息媒体到 destDir，返回本地文件路径。
// 目标文件已存在且大小一致时直接复用，不再拉取。
func (c *Client) Download(ctx context.Context, ref models.MessageRef, destDir string, progress transport.Progress) (string, error) {
	if !ref.IsMedia() {
		return "", fmt.Errorf("message %d has no downloadable media", ref.MessageID)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	file, err := c.bot.GetFile(ctx, &bot.GetFileParams{FileID: ref.FileID})
	if err != nil {
		return "", translate("get file", err)
	}

	dest := filepath.Join(destDir, localName(ref, file.FilePath))
	if st, err := os.Stat(dest); err == nil && st.Size() > 0 && st.Size() == int64(file.FileSize) {
		logger.L().Debugf("Reusing downloaded file %s", dest)
		if progress != nil {
			progress(st.Size(), st.Size())
		}
		return dest, nil
	}

	if err := c.fetch(ctx, c.bot.FileDownloadLink(file), dest, int64(file.FileSize), progress); err != nil {
		return "", err
	}

	logger.L().Debugf("Downloaded message %d from %d to %s", ref.MessageID, ref.SourceChannelID, dest)
	return dest, nil
}

// fetch 拉取文件内容，先写临时文件再改名，避免留下半截文件
func (c *Client) fetch(ctx context.Context, url, dest string, total int64, progress transport.Progress) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &transport.TransientError{Op: "download file", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &transport.TransientError{Op: "download file", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	if total <= 0 {
		total = resp.ContentLength
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	var received int64
	buf := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(tmp)
				return fmt.Errorf("failed to write file: %w", writeErr)
			}
			received += int64(n)
			if progress != nil {
				progress(received, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(tmp)
			return &transport.TransientError{Op: "download file", Err: readErr}
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize file: %w", err)
	}

	return nil
}

// localName 本地文件名：频道ID_消息ID + 原扩展名
func localName(ref models.MessageRef, remotePath string) string {
	ext := filepath.Ext(remotePath)
	if ext == "" {
		ext = filepath.Ext(ref.FileName)
	}
	return fmt.Sprintf("%d_%d%s", ref.SourceChannelID, ref.MessageID, ext)
}
