package history

import (
	"reflect"
	"testing"
	"time"
)

func TestMergeUnionsAllSets(t *testing.T) {
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)

	dst := NewSnapshot()
	dst.LastUpdated = older
	dst.Channels["-100"] = &ChannelRecord{
		ChannelID:  -100,
		Downloaded: []int{1, 3},
		Forwarded:  map[string][]int64{"1": {-1}},
	}
	dst.Files["/tmp/a.bin"] = &FileRecord{UploadedTo: []int64{-1}, UploadedAt: older}

	src := NewSnapshot()
	src.LastUpdated = newer
	src.Channels["-100"] = &ChannelRecord{
		ChannelID:  -100,
		Downloaded: []int{2, 3},
		Forwarded:  map[string][]int64{"1": {-2}, "5": {-1}},
	}
	src.Channels["-200"] = &ChannelRecord{
		ChannelID: -200,
		Forwarded: map[string][]int64{"8": {-3}},
	}
	src.Files["/tmp/a.bin"] = &FileRecord{UploadedTo: []int64{-2}, UploadedAt: newer, FileSize: 77}
	src.Files["/tmp/b.bin"] = &FileRecord{UploadedTo: []int64{-1}}

	Merge(dst, src)

	rec := dst.Channels["-100"]
	if !reflect.DeepEqual(rec.Downloaded, []int{1, 2, 3}) {
		t.Fatalf("unexpected downloaded set: %v", rec.Downloaded)
	}
	if !reflect.DeepEqual(rec.Forwarded["1"], []int64{-2, -1}) {
		t.Fatalf("unexpected targets for message 1: %v", rec.Forwarded["1"])
	}
	if !reflect.DeepEqual(rec.Forwarded["5"], []int64{-1}) {
		t.Fatalf("unexpected targets for message 5: %v", rec.Forwarded["5"])
	}
	if dst.Channels["-200"] == nil || len(dst.Channels["-200"].Forwarded["8"]) != 1 {
		t.Fatalf("new channel from src must be merged in")
	}

	file := dst.Files["/tmp/a.bin"]
	if !reflect.DeepEqual(file.UploadedTo, []int64{-2, -1}) {
		t.Fatalf("unexpected upload targets: %v", file.UploadedTo)
	}
	if !file.UploadedAt.Equal(newer) {
		t.Fatalf("upload time must advance to the newer value")
	}
	if file.FileSize != 77 {
		t.Fatalf("missing file size must be filled from src")
	}
	if dst.Files["/tmp/b.bin"] == nil {
		t.Fatalf("new file from src must be merged in")
	}

	if !dst.LastUpdated.Equal(newer) {
		t.Fatalf("last_updated must advance to the newer value")
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	src := NewSnapshot()
	src.Channels["-100"] = &ChannelRecord{
		ChannelID:  -100,
		Downloaded: []int{4, 8},
		Forwarded:  map[string][]int64{"4": {-1, -2}},
	}

	dst := NewSnapshot()
	Merge(dst, src)
	Merge(dst, src)

	rec := dst.Channels["-100"]
	if !reflect.DeepEqual(rec.Downloaded, []int{4, 8}) {
		t.Fatalf("repeated merge must not duplicate entries: %v", rec.Downloaded)
	}
	if !reflect.DeepEqual(rec.Forwarded["4"], []int64{-2, -1}) {
		t.Fatalf("repeated merge must not duplicate targets: %v", rec.Forwarded["4"])
	}
}

func TestMergeNilSrc(t *testing.T) {
	dst := NewSnapshot()
	dst.Channels["-1"] = &ChannelRecord{ChannelID: -1, Downloaded: []int{1}}
	Merge(dst, nil)
	if len(dst.Channels) != 1 {
		t.Fatalf("nil src must leave dst untouched")
	}
}
