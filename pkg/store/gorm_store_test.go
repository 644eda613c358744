package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"notesync/pkg/domain"
)

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestGormStoreUpsertPageRoundTrip(t *testing.T) {
	s := newTestGormStore(t)
	parent := "root"
	now := time.Now().UTC().Truncate(time.Millisecond)
	p := domain.Page{
		ID:              "p1",
		Title:           "notes",
		ParentID:        &parent,
		IsFavorite:      true,
		Type:            "document",
		CreatedAt:       now,
		UpdatedAt:       now,
		SyncStatus:      domain.SyncPending,
		ClientUpdatedAt: &now,
	}
	if err := s.UpsertPage(p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.Title = "renamed"
	if err := s.UpsertPage(p); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, ok, err := s.GetPage("p1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Title != "renamed" || got.ParentID == nil || *got.ParentID != "root" || !got.IsFavorite {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	pages, err := s.ListPages()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("upsert duplicated row: %d pages", len(pages))
	}
}

func TestGormStoreDeletePageCascadesBlocks(t *testing.T) {
	s := newTestGormStore(t)
	if err := s.UpsertPage(domain.Page{ID: "p1"}); err != nil {
		t.Fatalf("upsert page: %v", err)
	}
	if err := s.UpsertBlock(domain.Block{ID: "b1", PageID: "p1", Content: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("upsert block: %v", err)
	}
	if err := s.DeletePage("p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetPage("p1"); ok {
		t.Fatalf("page survived delete")
	}
	blocks, err := s.ListBlocksByPage("p1")
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("blocks survived page delete: %+v", blocks)
	}
}

func TestGormStoreListBlocksOrderedByIndex(t *testing.T) {
	s := newTestGormStore(t)
	for _, b := range []domain.Block{
		{ID: "b1", PageID: "p1", OrderIndex: 2},
		{ID: "b2", PageID: "p1", OrderIndex: 0},
		{ID: "b3", PageID: "p1", OrderIndex: 1},
	} {
		if err := s.UpsertBlock(b); err != nil {
			t.Fatalf("upsert block: %v", err)
		}
	}
	blocks, err := s.ListBlocksByPage("p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if blocks[0].ID != "b2" || blocks[1].ID != "b3" || blocks[2].ID != "b1" {
		t.Fatalf("blocks not sorted by order_index: %+v", blocks)
	}
}

func TestGormStoreBatchUpdateBlocks(t *testing.T) {
	s := newTestGormStore(t)
	for i, id := range []string{"b1", "b2", "b3"} {
		if err := s.UpsertBlock(domain.Block{ID: id, PageID: "p1", OrderIndex: i * 2}); err != nil {
			t.Fatalf("upsert block: %v", err)
		}
	}
	blocks, _ := s.ListBlocksByPage("p1")
	for i := range blocks {
		blocks[i].OrderIndex = i
	}
	if err := s.BatchUpdateBlocks(blocks); err != nil {
		t.Fatalf("batch update: %v", err)
	}
	got, _ := s.ListBlocksByPage("p1")
	for i, b := range got {
		if b.OrderIndex != i {
			t.Fatalf("expected dense indexes, got %d at %d", b.OrderIndex, i)
		}
	}
}

func TestGormStoreChatMessageRetryRule(t *testing.T) {
	s := newTestGormStore(t)
	msg := domain.ChatMessage{ID: "m1", ThreadID: "t1", Role: domain.RoleUser, SyncStatus: domain.MessageLocal, Timestamp: time.Now().UTC()}
	if err := s.UpsertChatMessage(msg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.MarkMessageError("m1", "boom"); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	if err := s.MarkMessageError("m1", "boom again"); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	msg.SyncStatus = domain.MessageError
	if err := s.UpsertChatMessage(msg); err != nil {
		t.Fatalf("upsert failed row: %v", err)
	}
	row, ok, err := s.GetChatMessage("m1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if row.RetryCount != 2 {
		t.Fatalf("retry count reset on error upsert: %d", row.RetryCount)
	}

	msg.SyncStatus = domain.MessageSynced
	if err := s.UpsertChatMessage(msg); err != nil {
		t.Fatalf("upsert synced row: %v", err)
	}
	row, _, _ = s.GetChatMessage("m1")
	if row.RetryCount != 0 {
		t.Fatalf("retry count survived non-error upsert: %d", row.RetryCount)
	}
}

func TestGormStoreGetHistoryWindow(t *testing.T) {
	s := newTestGormStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{"m0", "m1", "m2", "m3"}
	for i, id := range ids {
		msg := domain.ChatMessage{ID: id, ThreadID: "t1", Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := s.UpsertChatMessage(msg); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	history, err := s.GetHistory("t1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ID != "m2" || history[1].ID != "m3" {
		t.Fatalf("expected the newest window oldest-first, got %+v", history)
	}
}

func TestGormStoreAppendSyncLog(t *testing.T) {
	s := newTestGormStore(t)
	entry := domain.SyncLog{
		ID:         "l1",
		EntityType: "page",
		EntityID:   "p1",
		Action:     "created",
		Status:     "success",
		Payload:    json.RawMessage(`{"id":"p1"}`),
		DeviceID:   "dev-1",
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.AppendSyncLog(entry); err != nil {
		t.Fatalf("append: %v", err)
	}
}
