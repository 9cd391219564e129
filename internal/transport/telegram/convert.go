package telegram

import (
	"time"

	"tg_forwarder/internal/forward/models"

	botModels "github.com/go-telegram/bot/models"
)

// convertMessage 把 bot API 消息转换为内部消息引用。
// 不认识的内容类型按纯文本处理，媒体字段留空。
func convertMessage(msg *botModels.Message) models.MessageRef {
	ref := models.MessageRef{
		SourceChannelID: msg.Chat.ID,
		MessageID:       msg.ID,
		MediaGroupID:    msg.MediaGroupID,
		Text:            msg.Text,
		Caption:         msg.Caption,
		Date:            time.Unix(int64(msg.Date), 0),
	}

	switch {
	case len(msg.Photo) > 0:
		// 平台按分辨率升序返回，取最高一档
		p := msg.Photo[len(msg.Photo)-1]
		ref.MediaType = models.MediaTypePhoto
		ref.FileID = p.FileID
		ref.FileSize = int64(p.FileSize)
		ref.Width = int(p.Width)
		ref.Height = int(p.Height)
	case msg.Video != nil:
		v := msg.Video
		ref.MediaType = models.MediaTypeVideo
		ref.FileID = v.FileID
		ref.FileName = v.FileName
		ref.MimeType = v.MimeType
		ref.FileSize = int64(v.FileSize)
		ref.Width = int(v.Width)
		ref.Height = int(v.Height)
		ref.Duration = int(v.Duration)
	case msg.Document != nil:
		d := msg.Document
		ref.MediaType = models.MediaTypeDocument
		ref.FileID = d.FileID
		ref.FileName = d.FileName
		ref.MimeType = d.MimeType
		ref.FileSize = int64(d.FileSize)
	case msg.Audio != nil:
		a := msg.Audio
		ref.MediaType = models.MediaTypeAudio
		ref.FileID = a.FileID
		ref.FileName = a.FileName
		ref.MimeType = a.MimeType
		ref.FileSize = int64(a.FileSize)
		ref.Duration = int(a.Duration)
	case msg.Voice != nil:
		v := msg.Voice
		ref.MediaType = models.MediaTypeVoice
		ref.FileID = v.FileID
		ref.MimeType = v.MimeType
		ref.FileSize = int64(v.FileSize)
		ref.Duration = int(v.Duration)
	case msg.Animation != nil:
		a := msg.Animation
		ref.MediaType = models.MediaTypeAnimation
		ref.FileID = a.FileID
		ref.FileName = a.FileName
		ref.MimeType = a.MimeType
		ref.FileSize = int64(a.FileSize)
		ref.Width = int(a.Width)
		ref.Height = int(a.Height)
		ref.Duration = int(a.Duration)
	}

	return ref
}
