package telegram

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"tg_forwarder/internal/forward/models"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

// Upload 把本地文件重建上传到目标频道，返回新消息 ID（升序）。
// len(files) > 1 时作为一个媒体组发出。
func (c *Client) Upload(ctx context.Context, targetID int64, files []models.LocalFile) ([]int, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to upload")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if len(files) == 1 {
		id, err := c.sendSingle(ctx, targetID, files[0])
		if err != nil {
			return nil, err
		}
		return []int{id}, nil
	}

	return c.sendGroup(ctx, targetID, files)
}

// sendSingle 发送单条消息，按媒体类型选择接口
func (c *Client) sendSingle(ctx context.Context, targetID int64, file models.LocalFile) (int, error) {
	ref := file.Ref

	if !ref.IsMedia() {
		msg, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: targetID,
			Text:   ref.Text,
		})
		if err != nil {
			return 0, translate("send message", err)
		}
		return msg.ID, nil
	}

	f, err := os.Open(file.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open upload file: %w", err)
	}
	defer f.Close()

	upload := &botModels.InputFileUpload{Filename: uploadName(file), Data: f}

	var msg *botModels.Message
	switch ref.MediaType {
	case models.MediaTypePhoto:
		msg, err = c.bot.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID: targetID, Photo: upload, Caption: ref.Caption,
		})
	case models.MediaTypeVideo:
		msg, err = c.bot.SendVideo(ctx, &bot.SendVideoParams{
			ChatID: targetID, Video: upload, Caption: ref.Caption,
		})
	case models.MediaTypeDocument:
		msg, err = c.bot.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID: targetID, Document: upload, Caption: ref.Caption,
		})
	case models.MediaTypeAudio:
		msg, err = c.bot.SendAudio(ctx, &bot.SendAudioParams{
			ChatID: targetID, Audio: upload, Caption: ref.Caption,
		})
	case models.MediaTypeVoice:
		msg, err = c.bot.SendVoice(ctx, &bot.SendVoiceParams{
			ChatID: targetID, Voice: upload, Caption: ref.Caption,
		})
	case models.MediaTypeAnimation:
		msg, err = c.bot.SendAnimation(ctx, &bot.SendAnimationParams{
			ChatID: targetID, Animation: upload, Caption: ref.Caption,
		})
	default:
		return 0, fmt.Errorf("unsupported media type %q", ref.MediaType)
	}
	if err != nil {
		return 0, translate("send "+ref.MediaType, err)
	}

	return msg.ID, nil
}

// sendGroup 把多个文件作为一个媒体组发出，成员说明文字各自保留
func (c *Client) sendGroup(ctx context.Context, targetID int64, files []models.LocalFile) ([]int, error) {
	media := make([]botModels.InputMedia, 0, len(files))
	opened := make([]*os.File, 0, len(files))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	for i, file := range files {
		f, err := os.Open(file.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open upload file: %w", err)
		}
		opened = append(opened, f)

		item, err := groupItem(file.Ref, fmt.Sprintf("attach://file%d", i), f)
		if err != nil {
			return nil, err
		}
		media = append(media, item)
	}

	msgs, err := c.bot.SendMediaGroup(ctx, &bot.SendMediaGroupParams{
		ChatID: targetID,
		Media:  media,
	})
	if err != nil {
		return nil, translate("send media group", err)
	}

	ids := make([]int, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// groupItem 构造媒体组成员。语音与动图不能混入媒体组，遇到即报错。
func groupItem(ref models.MessageRef, attach string, data io.Reader) (botModels.InputMedia, error) {
	switch ref.MediaType {
	case models.MediaTypePhoto:
		return &botModels.InputMediaPhoto{Media: attach, Caption: ref.Caption, MediaAttachment: data}, nil
	case models.MediaTypeVideo:
		return &botModels.InputMediaVideo{Media: attach, Caption: ref.Caption, MediaAttachment: data}, nil
	case models.MediaTypeDocument:
		return &botModels.InputMediaDocument{Media: attach, Caption: ref.Caption, MediaAttachment: data}, nil
	case models.MediaTypeAudio:
		return &botModels.InputMediaAudio{Media: attach, Caption: ref.Caption, MediaAttachment: data}, nil
	default:
		return nil, fmt.Errorf("media type %q cannot join a media group", ref.MediaType)
	}
}

// uploadName 上传时展示的文件名，优先用源消息原名
func uploadName(file models.LocalFile) string {
	if file.Ref.FileName != "" {
		return file.Ref.FileName
	}
	return filepath.Base(file.Path)
}
