package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"notesync/pkg/ai"
	"notesync/pkg/domain"
	"notesync/pkg/pending"
	"notesync/pkg/store"
)

type scriptedStream struct {
	chunks []string
	pos    int
}

func (s *scriptedStream) Next() (string, error) {
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() error { return nil }

type fakeStreamer struct {
	chunks []string
}

func (f *fakeStreamer) StreamChat(context.Context, []ai.Message) (ai.ChunkStream, error) {
	return &scriptedStream{chunks: f.chunks}, nil
}

func newTestBridge(chunks []string) (*Bridge, *store.MemoryStore, *pending.Tracker) {
	mem := store.NewMemoryStore()
	tracker := pending.NewTracker(mem)
	b := New(Config{
		Store:    mem,
		Tracker:  tracker,
		Streamer: &fakeStreamer{chunks: chunks},
		UserID:   func() string { return "u1" },
	})
	return b, mem, tracker
}

func waitEvent(t *testing.T, ch <-chan json.RawMessage) json.RawMessage {
	t.Helper()
	select {
	case raw := <-ch:
		return raw
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func TestSendUserMessageStreamsToSubscribers(t *testing.T) {
	b, mem, _ := newTestBridge([]string{"Hel", "lo"})

	news := make(chan json.RawMessage, 4)
	ends := make(chan json.RawMessage, 4)
	b.Subscribe(string(EventNewAssistantMessage), func(p json.RawMessage) { news <- p })
	b.Subscribe(string(EventStreamEnd), func(p json.RawMessage) { ends <- p })

	resp := b.SendUserMessage(context.Background(), SendUserMessageRequest{ThreadID: "t1", Content: "Hi"})
	if !resp.Success || resp.MessageID == "" {
		t.Fatalf("send not acknowledged: %+v", resp)
	}
	// The user row is durable before the stream starts.
	if row, ok, _ := mem.GetChatMessage(resp.MessageID); !ok || row.SyncStatus != domain.MessageSendingStream && row.SyncStatus != domain.MessageSynced {
		t.Fatalf("user row missing or in unexpected state: %+v", row)
	}

	var newEv domain.NewAssistantMessageEvent
	if err := json.Unmarshal(waitEvent(t, news), &newEv); err != nil {
		t.Fatalf("decode new event: %v", err)
	}
	if newEv.FirstChunk != "Hel" || newEv.RelatedUserMessageID != resp.MessageID {
		t.Fatalf("unexpected new-assistant event: %+v", newEv)
	}

	var endEv domain.StreamEndEvent
	if err := json.Unmarshal(waitEvent(t, ends), &endEv); err != nil {
		t.Fatalf("decode end event: %v", err)
	}
	if endEv.AssistantMessageID != newEv.AssistantMessageID {
		t.Fatalf("end event for wrong assistant: %+v", endEv)
	}

	assistant, ok, _ := mem.GetChatMessage(newEv.AssistantMessageID)
	if !ok || assistant.Content != "Hello" || assistant.SyncStatus != domain.MessageSynced {
		t.Fatalf("assistant row not finalized: %+v", assistant)
	}

	history, err := b.GetMessages("t1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(history) != 2 || history[0].ID != resp.MessageID || history[1].ID != newEv.AssistantMessageID {
		t.Fatalf("thread history wrong after stream: %+v", history)
	}
	if history[0].Content != "Hi" || history[1].Content != "Hello" {
		t.Fatalf("thread contents wrong after stream: %+v", history)
	}
}

func TestSendUserMessageValidation(t *testing.T) {
	b, _, _ := newTestBridge(nil)
	resp := b.SendUserMessage(context.Background(), SendUserMessageRequest{ThreadID: "t1"})
	if resp.Success || resp.Error == "" {
		t.Fatalf("empty content accepted: %+v", resp)
	}
}

func TestSubscribeLegacyAliasAndUnsubscribe(t *testing.T) {
	b, _, _ := newTestBridge(nil)

	got := make(chan json.RawMessage, 2)
	unsubscribe := b.Subscribe("chunk", func(p json.RawMessage) { got <- p })

	b.StreamChunk(domain.StreamChunkEvent{Chunk: "x", ThreadID: "t1"})
	var ev domain.StreamChunkEvent
	if err := json.Unmarshal(waitEvent(t, got), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Chunk != "x" {
		t.Fatalf("legacy alias missed the event: %+v", ev)
	}

	unsubscribe()
	b.StreamChunk(domain.StreamChunkEvent{Chunk: "y", ThreadID: "t1"})
	select {
	case <-got:
		t.Fatalf("unsubscribed handler still invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetMessagesChronological(t *testing.T) {
	b, mem, _ := newTestBridge(nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		msg := domain.ChatMessage{ID: id, ThreadID: "t1", Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := mem.UpsertChatMessage(msg); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	messages, err := b.GetMessages("t1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(messages) != 3 || messages[0].ID != "m1" || messages[2].ID != "m3" {
		t.Fatalf("history out of order: %+v", messages)
	}

	var verr *domain.ValidationError
	if _, err := b.GetMessages(" "); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreatePageWritesOptimisticallyAndStages(t *testing.T) {
	b, mem, tracker := newTestBridge(nil)

	page, err := b.CreatePage(CreatePageRequest{Title: "notes"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if page.ID == "" || page.SyncStatus != domain.SyncPending {
		t.Fatalf("unexpected page: %+v", page)
	}
	if _, ok, _ := mem.GetPage(page.ID); !ok {
		t.Fatalf("optimistic write missing")
	}
	if !tracker.Has(pending.EntityPage, page.ID) {
		t.Fatalf("create not staged")
	}

	if _, err := b.CreatePage(CreatePageRequest{Title: "  "}); err == nil {
		t.Fatalf("empty title accepted")
	}
}

func TestUpdatePageAppliesPatch(t *testing.T) {
	b, mem, tracker := newTestBridge(nil)
	if err := mem.UpsertPage(domain.Page{ID: "p1", Title: "old", SyncStatus: domain.SyncSynced}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	title := "new"
	page, err := b.UpdatePage("p1", domain.PagePatch{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if page.Title != "new" || page.SyncStatus != domain.SyncPending {
		t.Fatalf("patch not applied optimistically: %+v", page)
	}
	if !tracker.Has(pending.EntityPage, "p1") {
		t.Fatalf("update not staged")
	}
}

func TestCreateBlockAppendsAtEnd(t *testing.T) {
	b, mem, _ := newTestBridge(nil)
	for i, id := range []string{"b1", "b2"} {
		if err := mem.UpsertBlock(domain.Block{ID: id, PageID: "p1", OrderIndex: i}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	block, err := b.CreateBlock(CreateBlockRequest{PageID: "p1", Type: "paragraph"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if block.OrderIndex != 2 {
		t.Fatalf("block not appended at end: %+v", block)
	}

	blocks, err := b.GetBlocks("p1")
	if err != nil {
		t.Fatalf("get blocks: %v", err)
	}
	if len(blocks) != 3 || blocks[2].ID != block.ID {
		t.Fatalf("materialized view wrong: %+v", blocks)
	}
}

func TestDeleteBlockCapturesPageBeforeWrite(t *testing.T) {
	b, mem, tracker := newTestBridge(nil)
	if err := mem.UpsertBlock(domain.Block{ID: "b1", PageID: "p1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ack := b.DeleteBlock("b1")
	if !ack.Success {
		t.Fatalf("delete failed: %+v", ack)
	}
	if _, ok, _ := mem.GetBlock("b1"); ok {
		t.Fatalf("optimistic delete missing")
	}
	changes := tracker.Changes()
	if len(changes) != 1 || changes[0].PageID != "p1" {
		t.Fatalf("staged delete lost its owning page: %+v", changes)
	}
}

func TestReorderBlocksAppliesNewIndexes(t *testing.T) {
	b, mem, tracker := newTestBridge(nil)
	for i, id := range []string{"b1", "b2", "b3"} {
		if err := mem.UpsertBlock(domain.Block{ID: id, PageID: "p1", OrderIndex: i, SyncStatus: domain.SyncSynced}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	ack := b.ReorderBlocks([]string{"b3", "b1", "b2"})
	if !ack.Success {
		t.Fatalf("reorder failed: %+v", ack)
	}
	blocks, err := b.GetBlocks("p1")
	if err != nil {
		t.Fatalf("get blocks: %v", err)
	}
	if blocks[0].ID != "b3" || blocks[1].ID != "b1" || blocks[2].ID != "b2" {
		t.Fatalf("reorder not applied: %+v", blocks)
	}
	if tracker.Len() != 3 {
		t.Fatalf("reorder staged %d changes", tracker.Len())
	}
}
