// Package chat assembles a token-streamed assistant reply into a durable
// message record while keeping the renderer updated in real time.
package chat

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"notesync/internal/util"
	"notesync/pkg/ai"
	"notesync/pkg/domain"
	"notesync/pkg/store"
)

const (
	defaultHistoryLimit  = 50
	defaultStreamTimeout = 30 * time.Second
)

// Events receives the ordered notification sequence of one send attempt. For
// a given user message the sequence is exactly one of {new?, chunk*, end} or
// {new?, chunk*, error}.
type Events interface {
	NewAssistantMessage(domain.NewAssistantMessageEvent)
	StreamChunk(domain.StreamChunkEvent)
	StreamEnd(domain.StreamEndEvent)
	StreamError(domain.StreamErrorEvent)
}

// Config wires required dependencies for a session.
type Config struct {
	Store         store.Store
	Streamer      ai.ChatStreamer
	Events        Events
	HistoryLimit  int
	StreamTimeout time.Duration
	Logger        *slog.Logger
}

// Session manages exactly one outbound user message's assistant-response
// lifecycle. A second send on the same thread gets its own Session.
type Session struct {
	store         store.Store
	streamer      ai.ChatStreamer
	events        Events
	historyLimit  int
	streamTimeout time.Duration
	log           *slog.Logger

	userMsg  domain.ChatMessage
	history  []domain.ChatMessage
	terminal bool
}

// NewSession constructs a session. Defaults: 50 history messages, 30s stream
// deadline.
func NewSession(cfg Config) *Session {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	timeout := cfg.StreamTimeout
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		store:         cfg.Store,
		streamer:      cfg.Streamer,
		events:        cfg.Events,
		historyLimit:  historyLimit,
		streamTimeout: timeout,
		log:           logger,
	}
}

// Begin validates the request, captures the prior history, and persists the
// user message with status sending_stream before any network activity, so the
// row is visible even if the request never starts.
func (s *Session) Begin(threadID, userID, content string) (domain.ChatMessage, error) {
	if strings.TrimSpace(threadID) == "" {
		return domain.ChatMessage{}, &domain.ValidationError{Field: "threadId", Reason: "required"}
	}
	if strings.TrimSpace(content) == "" {
		return domain.ChatMessage{}, &domain.ValidationError{Field: "content", Reason: "required"}
	}
	history, err := s.store.GetHistory(threadID, s.historyLimit)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	s.history = history
	s.userMsg = domain.ChatMessage{
		ID:         util.NewID(),
		ThreadID:   threadID,
		Role:       domain.RoleUser,
		Content:    content,
		UserID:     userID,
		Timestamp:  time.Now().UTC(),
		SyncStatus: domain.MessageSendingStream,
	}
	if err := s.store.UpsertChatMessage(s.userMsg); err != nil {
		return domain.ChatMessage{}, err
	}
	return s.userMsg, nil
}

// BeginRetry re-opens a previously failed user message for a fresh attempt.
// The message leaves error for sending_stream; it never returns to local.
func (s *Session) BeginRetry(messageID string) (domain.ChatMessage, error) {
	row, ok, err := s.store.GetChatMessage(messageID)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if !ok || row.Role != domain.RoleUser {
		return domain.ChatMessage{}, &domain.ValidationError{Field: "messageId", Reason: "no user message with this id"}
	}
	history, err := s.store.GetHistory(row.ThreadID, s.historyLimit)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	s.history = history[:0]
	for _, m := range history {
		if m.ID != row.ID && m.RelatedUserMessageID != row.ID {
			s.history = append(s.history, m)
		}
	}
	row.SyncStatus = domain.MessageSendingStream
	row.ErrorMessage = ""
	if err := s.store.UpsertChatMessage(row); err != nil {
		return domain.ChatMessage{}, err
	}
	s.userMsg = row
	return row, nil
}

// Run opens the chunked request and drives the stream to its single terminal
// notification. Must be called once, after Begin.
func (s *Session) Run(ctx context.Context) {
	messages := make([]ai.Message, 0, len(s.history)+1)
	for _, m := range s.history {
		messages = append(messages, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, ai.Message{Role: string(domain.RoleUser), Content: s.userMsg.Content})

	streamCtx, cancel := context.WithTimeout(ctx, s.streamTimeout)
	defer cancel()

	stream, err := s.streamer.StreamChat(streamCtx, messages)
	if err != nil {
		s.fail("", err)
		return
	}
	defer stream.Close()

	var (
		assistantID string
		acc         strings.Builder
	)
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			s.finish(assistantID, acc.String())
			return
		}
		if err != nil {
			s.fail(assistantID, err)
			return
		}
		if chunk == "" {
			continue
		}
		acc.WriteString(chunk)
		if assistantID == "" {
			assistantID = util.NewID()
			row := domain.ChatMessage{
				ID:                   assistantID,
				ThreadID:             s.userMsg.ThreadID,
				Role:                 domain.RoleAssistant,
				Content:              chunk,
				Timestamp:            time.Now().UTC(),
				SyncStatus:           domain.MessageSendingStream,
				RelatedUserMessageID: s.userMsg.ID,
			}
			if err := s.store.UpsertChatMessage(row); err != nil {
				s.fail(assistantID, err)
				return
			}
			s.events.NewAssistantMessage(domain.NewAssistantMessageEvent{
				AssistantMessageID:   assistantID,
				FirstChunk:           chunk,
				RelatedUserMessageID: s.userMsg.ID,
				ThreadID:             s.userMsg.ThreadID,
			})
			continue
		}
		if err := s.appendContent(assistantID, acc.String()); err != nil {
			s.fail(assistantID, err)
			return
		}
		s.events.StreamChunk(domain.StreamChunkEvent{
			AssistantMessageID: assistantID,
			Chunk:              chunk,
			ThreadID:           s.userMsg.ThreadID,
		})
	}
}

func (s *Session) appendContent(assistantID, content string) error {
	row, ok, err := s.store.GetChatMessage(assistantID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	row.Content = content
	return s.store.UpsertChatMessage(row)
}

// finish freezes the assistant row, marks both rows synced, and emits the
// single end notification. A zero-chunk stream still terminates, with no
// assistant id and no row to finalize.
func (s *Session) finish(assistantID, content string) {
	if s.terminal {
		return
	}
	s.terminal = true
	if assistantID != "" {
		if row, ok, err := s.store.GetChatMessage(assistantID); err == nil && ok {
			row.Content = content
			row.SyncStatus = domain.MessageSynced
			row.ErrorMessage = ""
			if err := s.store.UpsertChatMessage(row); err != nil {
				s.log.Error("finalize assistant row", "id", assistantID, "err", err)
			}
		}
	}
	s.userMsg.SyncStatus = domain.MessageSynced
	s.userMsg.ErrorMessage = ""
	if err := s.store.UpsertChatMessage(s.userMsg); err != nil {
		s.log.Error("finalize user row", "id", s.userMsg.ID, "err", err)
	}
	s.events.StreamEnd(domain.StreamEndEvent{
		AssistantMessageID:   assistantID,
		RelatedUserMessageID: s.userMsg.ID,
		ThreadID:             s.userMsg.ThreadID,
	})
}

// fail marks the affected rows, then emits the single error notification.
// Never emits end for the same attempt.
func (s *Session) fail(assistantID string, cause error) {
	if s.terminal {
		return
	}
	s.terminal = true
	msg := cause.Error()
	if err := s.store.MarkMessageError(s.userMsg.ID, msg); err != nil {
		s.log.Error("mark user row error", "id", s.userMsg.ID, "err", err)
	}
	if assistantID != "" {
		if err := s.store.MarkMessageError(assistantID, msg); err != nil {
			s.log.Error("mark assistant row error", "id", assistantID, "err", err)
		}
	}
	s.log.Warn("chat stream failed",
		"threadId", s.userMsg.ThreadID, "userMessageId", s.userMsg.ID, "err", cause)
	s.events.StreamError(domain.StreamErrorEvent{
		AssistantMessageID:   assistantID,
		RelatedUserMessageID: s.userMsg.ID,
		Error:                msg,
		ThreadID:             s.userMsg.ThreadID,
	})
}
