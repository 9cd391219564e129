package telegram

import (
	"testing"
	"time"

	"tg_forwarder/internal/forward/models"

	botModels "github.com/go-telegram/bot/models"
)

func TestConvertMessageText(t *testing.T) {
	msg := &botModels.Message{
		ID:   42,
		Chat: botModels.Chat{ID: -1001234567890},
		Date: 1700000000,
		Text: "hello",
	}

	ref := convertMessage(msg)

	if ref.SourceChannelID != -1001234567890 || ref.MessageID != 42 {
		t.Fatalf("unexpected identity: %+v", ref)
	}
	if ref.MediaType != "" || ref.IsMedia() {
		t.Fatalf("text message must not carry media: %+v", ref)
	}
	if ref.Text != "hello" {
		t.Fatalf("expected text kept, got %q", ref.Text)
	}
	if !ref.Date.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected date %v", ref.Date)
	}
}

func TestConvertMessagePhotoPicksLargest(t *testing.T) {
	msg := &botModels.Message{
		ID:           7,
		Chat:         botModels.Chat{ID: -100},
		MediaGroupID: "album1",
		Caption:      "look",
		Photo: []botModels.PhotoSize{
			{FileID: "small", Width: 90, Height: 60, FileSize: 1200},
			{FileID: "big", Width: 1280, Height: 960, FileSize: 88000},
		},
	}

	ref := convertMessage(msg)

	if ref.MediaType != models.MediaTypePhoto {
		t.Fatalf("expected photo, got %q", ref.MediaType)
	}
	if ref.FileID != "big" || ref.Width != 1280 || ref.Height != 960 {
		t.Fatalf("expected largest photo size, got %+v", ref)
	}
	if ref.FileSize != 88000 {
		t.Fatalf("unexpected file size %d", ref.FileSize)
	}
	if ref.MediaGroupID != "album1" || ref.Caption != "look" {
		t.Fatalf("group and caption must be kept: %+v", ref)
	}
}

func TestConvertMessageMediaKinds(t *testing.T) {
	tests := []struct {
		name      string
		msg       *botModels.Message
		mediaType string
		fileID    string
		fileName  string
		duration  int
	}{
		{
			name: "video",
			msg: &botModels.Message{
				ID: 1, Chat: botModels.Chat{ID: -100},
				Video: &botModels.Video{FileID: "v1", FileName: "clip.mp4", MimeType: "video/mp4", Duration: 9},
			},
			mediaType: models.MediaTypeVideo,
			fileID:    "v1",
			fileName:  "clip.mp4",
			duration:  9,
		},
		{
			name: "document",
			msg: &botModels.Message{
				ID: 2, Chat: botModels.Chat{ID: -100},
				Document: &botModels.Document{FileID: "d1", FileName: "report.pdf", MimeType: "application/pdf"},
			},
			mediaType: models.MediaTypeDocument,
			fileID:    "d1",
			fileName:  "report.pdf",
		},
		{
			name: "audio",
			msg: &botModels.Message{
				ID: 3, Chat: botModels.Chat{ID: -100},
				Audio: &botModels.Audio{FileID: "a1", FileName: "song.mp3", Duration: 180},
			},
			mediaType: models.MediaTypeAudio,
			fileID:    "a1",
			fileName:  "song.mp3",
			duration:  180,
		},
		{
			name: "voice",
			msg: &botModels.Message{
				ID: 4, Chat: botModels.Chat{ID: -100},
				Voice: &botModels.Voice{FileID: "vo1", Duration: 12},
			},
			mediaType: models.MediaTypeVoice,
			fileID:    "vo1",
			duration:  12,
		},
		{
			name: "animation",
			msg: &botModels.Message{
				ID: 5, Chat: botModels.Chat{ID: -100},
				Animation: &botModels.Animation{FileID: "g1", FileName: "fun.gif", Duration: 3},
			},
			mediaType: models.MediaTypeAnimation,
			fileID:    "g1",
			fileName:  "fun.gif",
			duration:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := convertMessage(tt.msg)
			if ref.MediaType != tt.mediaType {
				t.Fatalf("expected %q, got %q", tt.mediaType, ref.MediaType)
			}
			if ref.FileID != tt.fileID {
				t.Fatalf("expected file id %q, got %q", tt.fileID, ref.FileID)
			}
			if ref.FileName != tt.fileName {
				t.Fatalf("expected file name %q, got %q", tt.fileName, ref.FileName)
			}
			if ref.Duration != tt.duration {
				t.Fatalf("expected duration %d, got %d", tt.duration, ref.Duration)
			}
			if !ref.IsMedia() {
				t.Fatalf("media message must report IsMedia: %+v", ref)
			}
		})
	}
}
