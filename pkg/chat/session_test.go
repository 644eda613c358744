package chat

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"notesync/pkg/ai"
	"notesync/pkg/domain"
	"notesync/pkg/store"
)

type scriptedStream struct {
	chunks []string
	errAt  int // index at which Next fails; -1 for graceful end
	pos    int
}

func (s *scriptedStream) Next() (string, error) {
	if s.errAt >= 0 && s.pos == s.errAt {
		return "", &domain.StreamError{Stage: "read", Err: errors.New("connection reset")}
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() error { return nil }

type fakeStreamer struct {
	stream     *scriptedStream
	connectErr error
	gotHistory []ai.Message
}

func (f *fakeStreamer) StreamChat(_ context.Context, messages []ai.Message) (ai.ChunkStream, error) {
	f.gotHistory = messages
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.stream, nil
}

type recordedEvents struct {
	news   []domain.NewAssistantMessageEvent
	chunks []domain.StreamChunkEvent
	ends   []domain.StreamEndEvent
	errs   []domain.StreamErrorEvent
}

func (r *recordedEvents) NewAssistantMessage(ev domain.NewAssistantMessageEvent) {
	r.news = append(r.news, ev)
}
func (r *recordedEvents) StreamChunk(ev domain.StreamChunkEvent) { r.chunks = append(r.chunks, ev) }
func (r *recordedEvents) StreamEnd(ev domain.StreamEndEvent)     { r.ends = append(r.ends, ev) }
func (r *recordedEvents) StreamError(ev domain.StreamErrorEvent) { r.errs = append(r.errs, ev) }

func newTestSession(t *testing.T, mem *store.MemoryStore, streamer ai.ChatStreamer) (*Session, *recordedEvents) {
	t.Helper()
	events := &recordedEvents{}
	s := NewSession(Config{
		Store:    mem,
		Streamer: streamer,
		Events:   events,
	})
	return s, events
}

func TestSessionAccumulatesChunksIntoAssistantRow(t *testing.T) {
	mem := store.NewMemoryStore()
	streamer := &fakeStreamer{stream: &scriptedStream{chunks: []string{"Hel", "lo, ", "world"}, errAt: -1}}
	s, events := newTestSession(t, mem, streamer)

	userMsg, err := s.Begin("t1", "u1", "hi")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if userMsg.SyncStatus != domain.MessageSendingStream {
		t.Fatalf("user row not in sending_stream before run: %s", userMsg.SyncStatus)
	}
	s.Run(context.Background())

	if len(events.news) != 1 {
		t.Fatalf("expected one new-assistant event, got %d", len(events.news))
	}
	if events.news[0].FirstChunk != "Hel" || events.news[0].RelatedUserMessageID != userMsg.ID {
		t.Fatalf("unexpected first event: %+v", events.news[0])
	}
	if len(events.chunks) != 2 {
		t.Fatalf("expected two chunk events after the first, got %d", len(events.chunks))
	}
	if len(events.ends) != 1 || len(events.errs) != 0 {
		t.Fatalf("expected exactly one end and no error, got %d/%d", len(events.ends), len(events.errs))
	}

	assistant, ok, _ := mem.GetChatMessage(events.news[0].AssistantMessageID)
	if !ok {
		t.Fatalf("assistant row missing")
	}
	if assistant.Content != "Hello, world" {
		t.Fatalf("accumulated content %q", assistant.Content)
	}
	if assistant.SyncStatus != domain.MessageSynced || assistant.RelatedUserMessageID != userMsg.ID {
		t.Fatalf("assistant row not finalized: %+v", assistant)
	}
	user, _, _ := mem.GetChatMessage(userMsg.ID)
	if user.SyncStatus != domain.MessageSynced {
		t.Fatalf("user row not synced: %s", user.SyncStatus)
	}
}

func TestSessionZeroChunkStreamEndsWithoutAssistantRow(t *testing.T) {
	mem := store.NewMemoryStore()
	streamer := &fakeStreamer{stream: &scriptedStream{errAt: -1}}
	s, events := newTestSession(t, mem, streamer)

	userMsg, err := s.Begin("t1", "u1", "hi")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	s.Run(context.Background())

	if len(events.news) != 0 || len(events.chunks) != 0 {
		t.Fatalf("zero-chunk stream emitted content events")
	}
	if len(events.ends) != 1 || events.ends[0].AssistantMessageID != "" {
		t.Fatalf("expected one end with no assistant id, got %+v", events.ends)
	}
	user, _, _ := mem.GetChatMessage(userMsg.ID)
	if user.SyncStatus != domain.MessageSynced {
		t.Fatalf("user row not synced: %s", user.SyncStatus)
	}
}

func TestSessionMidStreamFailureMarksBothRows(t *testing.T) {
	mem := store.NewMemoryStore()
	streamer := &fakeStreamer{stream: &scriptedStream{chunks: []string{"partial"}, errAt: 1}}
	s, events := newTestSession(t, mem, streamer)

	userMsg, err := s.Begin("t1", "u1", "hi")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	s.Run(context.Background())

	if len(events.errs) != 1 || len(events.ends) != 0 {
		t.Fatalf("expected exactly one error and no end, got %d/%d", len(events.errs), len(events.ends))
	}
	user, _, _ := mem.GetChatMessage(userMsg.ID)
	if user.SyncStatus != domain.MessageError || user.RetryCount != 1 {
		t.Fatalf("user row not marked failed: %+v", user)
	}
	assistant, ok, _ := mem.GetChatMessage(events.errs[0].AssistantMessageID)
	if !ok || assistant.SyncStatus != domain.MessageError {
		t.Fatalf("assistant row not marked failed: %+v", assistant)
	}
	if assistant.Content != "partial" {
		t.Fatalf("partial content lost: %q", assistant.Content)
	}
}

func TestSessionConnectFailureHasNoAssistantRow(t *testing.T) {
	mem := store.NewMemoryStore()
	streamer := &fakeStreamer{connectErr: &domain.StreamError{Stage: "connect", Err: errors.New("refused")}}
	s, events := newTestSession(t, mem, streamer)

	userMsg, err := s.Begin("t1", "u1", "hi")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	s.Run(context.Background())

	if len(events.errs) != 1 || events.errs[0].AssistantMessageID != "" {
		t.Fatalf("expected one error without assistant id, got %+v", events.errs)
	}
	user, _, _ := mem.GetChatMessage(userMsg.ID)
	if user.SyncStatus != domain.MessageError {
		t.Fatalf("user row not marked failed: %s", user.SyncStatus)
	}
}

func TestSessionBeginValidation(t *testing.T) {
	mem := store.NewMemoryStore()
	s, _ := newTestSession(t, mem, &fakeStreamer{stream: &scriptedStream{errAt: -1}})

	var verr *domain.ValidationError
	if _, err := s.Begin("", "u1", "hi"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for empty thread, got %v", err)
	}
	if _, err := s.Begin("t1", "u1", "  "); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for empty content, got %v", err)
	}
}

func TestSessionBeginRetryExcludesFailedExchange(t *testing.T) {
	mem := store.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []domain.ChatMessage{
		{ID: "u-old", ThreadID: "t1", Role: domain.RoleUser, Content: "earlier", Timestamp: base, SyncStatus: domain.MessageSynced},
		{ID: "a-old", ThreadID: "t1", Role: domain.RoleAssistant, Content: "reply", Timestamp: base.Add(time.Second), SyncStatus: domain.MessageSynced, RelatedUserMessageID: "u-old"},
		{ID: "u-fail", ThreadID: "t1", Role: domain.RoleUser, Content: "retry me", Timestamp: base.Add(2 * time.Second), SyncStatus: domain.MessageError, ErrorMessage: "boom"},
		{ID: "a-fail", ThreadID: "t1", Role: domain.RoleAssistant, Content: "torn", Timestamp: base.Add(3 * time.Second), SyncStatus: domain.MessageError, RelatedUserMessageID: "u-fail"},
	}
	for _, m := range seed {
		if err := mem.UpsertChatMessage(m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	streamer := &fakeStreamer{stream: &scriptedStream{chunks: []string{"fresh"}, errAt: -1}}
	s, events := newTestSession(t, mem, streamer)

	row, err := s.BeginRetry("u-fail")
	if err != nil {
		t.Fatalf("begin retry: %v", err)
	}
	if row.SyncStatus != domain.MessageSendingStream || row.ErrorMessage != "" {
		t.Fatalf("retry did not reset the row: %+v", row)
	}
	s.Run(context.Background())

	// History sent upstream holds the prior exchange plus the retried content,
	// never the torn assistant reply.
	for _, m := range streamer.gotHistory {
		if m.Content == "torn" {
			t.Fatalf("failed assistant reply leaked into history: %+v", streamer.gotHistory)
		}
	}
	last := streamer.gotHistory[len(streamer.gotHistory)-1]
	if last.Role != "user" || last.Content != "retry me" {
		t.Fatalf("retried message not last in history: %+v", streamer.gotHistory)
	}
	if len(events.ends) != 1 {
		t.Fatalf("retry attempt did not end cleanly: %+v", events)
	}
	user, _, _ := mem.GetChatMessage("u-fail")
	if user.SyncStatus != domain.MessageSynced {
		t.Fatalf("retried user row not synced: %s", user.SyncStatus)
	}
}

func TestSessionBeginRetryRejectsAssistantRows(t *testing.T) {
	mem := store.NewMemoryStore()
	if err := mem.UpsertChatMessage(domain.ChatMessage{ID: "a1", ThreadID: "t1", Role: domain.RoleAssistant, SyncStatus: domain.MessageError}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, _ := newTestSession(t, mem, &fakeStreamer{stream: &scriptedStream{errAt: -1}})

	var verr *domain.ValidationError
	if _, err := s.BeginRetry("a1"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for assistant id, got %v", err)
	}
}
