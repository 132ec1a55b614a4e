package persistence

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPayloadID(t *testing.T) {
	empty, err := PayloadID(nil)
	if err != nil {
		t.Fatalf("payload id: %v", err)
	}
	if empty != "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku" {
		t.Fatalf("unexpected id for empty payload: %s", empty)
	}

	a, _ := PayloadID([]byte{0xab, 0xcd})
	b, _ := PayloadID([]byte{0xab, 0xcd})
	c, _ := PayloadID([]byte{0xab, 0xce})
	if a != b || a == c {
		t.Fatalf("expected ids to follow content: %s %s %s", a, b, c)
	}
	if !strings.HasPrefix(a, "bafkrei") {
		t.Fatalf("expected raw sha2-256 CIDv1, got %s", a)
	}

	ok, err := VerifyPayloadID(a, []byte{0xab, 0xcd})
	if err != nil || !ok {
		t.Fatalf("expected id to verify, ok=%v err=%v", ok, err)
	}
	if ok, _ := VerifyPayloadID(a, []byte{0xab, 0xce}); ok {
		t.Fatalf("expected id to reject different content")
	}
	if _, err := VerifyPayloadID("not-a-cid", nil); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPayloadRepo_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewPayloadRepo(openTestDB(t))

	at := time.UnixMilli(1_700_000_000_123)
	body := []byte("signed extrinsic bytes")
	id, err := repo.Save(ctx, PayloadRecord{
		SessionID:   "session-1",
		Mode:        "signing",
		Fingerprint: "0011223344556677",
		Frames:      3,
		ReceivedAt:  at,
		Body:        body,
	})
	if err != nil {
		t.Fatalf("save payload: %v", err)
	}

	got, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("get payload: %v", err)
	}
	if got.ID != id || got.SessionID != "session-1" || got.Mode != "signing" || got.Frames != 3 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Size != len(body) || !bytes.Equal(got.Body, body) {
		t.Fatalf("unexpected body: size %d body %q", got.Size, got.Body)
	}
	if !got.ReceivedAt.Equal(at) {
		t.Fatalf("unexpected received_at: %s", got.ReceivedAt)
	}

	if _, err := repo.Get(ctx, "bafkreimissing"); !errors.Is(err, ErrPayloadNotFound) {
		t.Fatalf("expected ErrPayloadNotFound, got %v", err)
	}
}

func TestPayloadRepo_SaveSameBodyRefreshesRow(t *testing.T) {
	ctx := context.Background()
	repo := NewPayloadRepo(openTestDB(t))

	body := []byte("same")
	first, err := repo.Save(ctx, PayloadRecord{SessionID: "a", Mode: "signing", ReceivedAt: time.UnixMilli(1000), Body: body})
	if err != nil {
		t.Fatalf("save first: %v", err)
	}
	second, err := repo.Save(ctx, PayloadRecord{SessionID: "b", Mode: "signing", ReceivedAt: time.UnixMilli(2000), Body: body})
	if err != nil {
		t.Fatalf("save second: %v", err)
	}
	if first != second {
		t.Fatalf("expected same id, got %s and %s", first, second)
	}

	list, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != "b" || list[0].ReceivedAt.UnixMilli() != 2000 {
		t.Fatalf("expected one refreshed row, got %+v", list)
	}
}

func TestPayloadRepo_ListRecentAndPrune(t *testing.T) {
	ctx := context.Background()
	repo := NewPayloadRepo(openTestDB(t))

	for i, body := range []string{"oldest", "older", "newer", "newest"} {
		if _, err := repo.Save(ctx, PayloadRecord{
			SessionID:  body,
			Mode:       "address",
			ReceivedAt: time.UnixMilli(int64(1000 * (i + 1))),
			Body:       []byte(body),
		}); err != nil {
			t.Fatalf("save %s: %v", body, err)
		}
	}

	list, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || string(list[0].Body) != "newest" || string(list[1].Body) != "newer" {
		t.Fatalf("unexpected recent list: %+v", list)
	}

	if removed, err := repo.Prune(ctx, 0); err != nil || removed != 0 {
		t.Fatalf("expected keep=0 to be a no-op, removed %d err %v", removed, err)
	}
	removed, err := repo.Prune(ctx, 3)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one row pruned, got %d", removed)
	}

	list, err = repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list after prune: %v", err)
	}
	if len(list) != 3 || string(list[len(list)-1].Body) != "older" {
		t.Fatalf("expected oldest row to be pruned, got %+v", list)
	}
}
