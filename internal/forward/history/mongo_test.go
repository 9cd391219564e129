package history

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func newMockMongoStore(mt *mtest.T) *MongoStore {
	return &MongoStore{
		forwards:  mt.Coll,
		downloads: mt.Coll,
		uploads:   mt.Coll,
		now:       time.Now,
	}
}

func ledgerNamespace(mt *mtest.T) string {
	return mt.DB.Name() + "." + mt.Coll.Name()
}

func TestMongoStoreMarkForwarded(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		if err := store.MarkForwarded(context.Background(), -100, 7, []int64{-1, -2}); err != nil {
			t.Fatalf("MarkForwarded failed: %v", err)
		}
	})

	mt.Run("empty targets is a no-op", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		// 不入队任何响应：不应发起写操作
		if err := store.MarkForwarded(context.Background(), -100, 7, nil); err != nil {
			t.Fatalf("MarkForwarded with no targets failed: %v", err)
		}
	})

	mt.Run("write error", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    11000,
			Name:    "DuplicateKey",
			Message: "mock write failure",
		}))

		err := store.MarkForwarded(context.Background(), -100, 7, []int64{-1})
		if err == nil {
			t.Fatalf("expected error but got nil")
		}
		if !strings.Contains(err.Error(), "failed to mark message forwarded") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestMongoStoreIsForwardedTo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("recorded", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(
			0,
			ledgerNamespace(mt),
			mtest.FirstBatch,
			bson.D{
				{Key: "channel_id", Value: int64(-100)},
				{Key: "message_id", Value: int32(7)},
				{Key: "targets", Value: bson.A{int64(-1), int64(-2)}},
			},
		))

		ok, err := store.IsForwardedTo(context.Background(), -100, 7, -2)
		if err != nil {
			t.Fatalf("IsForwardedTo failed: %v", err)
		}
		if !ok {
			t.Fatalf("expected recorded target")
		}
	})

	mt.Run("missing", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ledgerNamespace(mt), mtest.FirstBatch))

		ok, err := store.IsForwardedTo(context.Background(), -100, 7, -9)
		if err != nil {
			t.Fatalf("IsForwardedTo failed: %v", err)
		}
		if ok {
			t.Fatalf("missing record must report false")
		}
	})

	mt.Run("query error", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    13,
			Name:    "Unauthorized",
			Message: "mock find error",
		}))

		_, err := store.IsForwardedTo(context.Background(), -100, 7, -1)
		if err == nil {
			t.Fatalf("expected error but got nil")
		}
		if !strings.Contains(err.Error(), "failed to query forward ledger") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestMongoStoreForwardedTargets(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("sorted result", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(
			0,
			ledgerNamespace(mt),
			mtest.FirstBatch,
			bson.D{
				{Key: "channel_id", Value: int64(-100)},
				{Key: "message_id", Value: int32(7)},
				{Key: "targets", Value: bson.A{int64(-1), int64(-3), int64(-2)}},
			},
		))

		targets, err := store.ForwardedTargets(context.Background(), -100, 7)
		if err != nil {
			t.Fatalf("ForwardedTargets failed: %v", err)
		}
		if !reflect.DeepEqual(targets, []int64{-3, -2, -1}) {
			t.Fatalf("unexpected targets: %v", targets)
		}
	})

	mt.Run("missing", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ledgerNamespace(mt), mtest.FirstBatch))

		targets, err := store.ForwardedTargets(context.Background(), -100, 8)
		if err != nil {
			t.Fatalf("ForwardedTargets failed: %v", err)
		}
		if targets != nil {
			t.Fatalf("expected nil for missing record, got %v", targets)
		}
	})
}

func TestMongoStoreUploadTargets(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("recorded", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(
			0,
			ledgerNamespace(mt),
			mtest.FirstBatch,
			bson.D{
				{Key: "path", Value: "/tmp/a.mp4"},
				{Key: "uploaded_to", Value: bson.A{int64(-2), int64(-1)}},
				{Key: "file_size", Value: int64(2048)},
				{Key: "media_type", Value: "video"},
				{Key: "uploaded_at", Value: time.Now().UTC().Truncate(time.Second)},
			},
		))

		targets, err := store.UploadTargets(context.Background(), "/tmp/a.mp4")
		if err != nil {
			t.Fatalf("UploadTargets failed: %v", err)
		}
		if !reflect.DeepEqual(targets, []int64{-2, -1}) {
			t.Fatalf("unexpected targets: %v", targets)
		}
	})
}

func TestMongoStoreExport(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("assembles snapshot", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		now := time.Now().UTC().Truncate(time.Second)

		// Export 依次扫描转发、下载、上传三个集合
		mt.AddMockResponses(
			mtest.CreateCursorResponse(
				0,
				ledgerNamespace(mt),
				mtest.FirstBatch,
				bson.D{
					{Key: "channel_id", Value: int64(-100)},
					{Key: "message_id", Value: int32(1)},
					{Key: "targets", Value: bson.A{int64(-2), int64(-1)}},
				},
			),
			mtest.CreateCursorResponse(
				0,
				ledgerNamespace(mt),
				mtest.FirstBatch,
				bson.D{
					{Key: "channel_id", Value: int64(-100)},
					{Key: "message_id", Value: int32(1)},
					{Key: "downloaded_at", Value: now},
				},
			),
			mtest.CreateCursorResponse(
				0,
				ledgerNamespace(mt),
				mtest.FirstBatch,
				bson.D{
					{Key: "path", Value: "/tmp/a.mp4"},
					{Key: "uploaded_to", Value: bson.A{int64(-1)}},
					{Key: "uploaded_at", Value: now},
				},
			),
		)

		snap, err := store.Export(context.Background())
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}

		rec := snap.Channels["-100"]
		if rec == nil {
			t.Fatalf("missing channel record in snapshot")
		}
		if !reflect.DeepEqual(rec.Forwarded["1"], []int64{-2, -1}) {
			t.Fatalf("unexpected forward targets: %v", rec.Forwarded["1"])
		}
		if !reflect.DeepEqual(rec.Downloaded, []int{1}) {
			t.Fatalf("unexpected downloads: %v", rec.Downloaded)
		}
		if snap.Files["/tmp/a.mp4"] == nil {
			t.Fatalf("missing file record in snapshot")
		}
	})

	mt.Run("scan error", func(mt *mtest.T) {
		store := newMockMongoStore(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    13,
			Name:    "Unauthorized",
			Message: "mock find error",
		}))

		if _, err := store.Export(context.Background()); err == nil {
			t.Fatalf("expected error but got nil")
		}
	})
}
