// Package bridge is the message-passing surface between the core process and
// the renderer: string-keyed request/response channels with JSON-serializable
// payloads, plus fire-and-forget event channels the renderer subscribes to.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"notesync/internal/util"
	"notesync/pkg/ai"
	"notesync/pkg/chat"
	"notesync/pkg/domain"
	"notesync/pkg/pending"
	"notesync/pkg/store"
)

// EventType names a renderer-subscribed event channel.
type EventType string

const (
	EventNewAssistantMessage EventType = "new-assistant-message"
	EventStreamChunk         EventType = "stream-chunk"
	EventStreamEnd           EventType = "stream-end"
	EventStreamError         EventType = "stream-error"
)

// canonicalEvent maps legacy channel names onto the current ones.
func canonicalEvent(name string) EventType {
	switch name {
	case "chunk":
		return EventStreamChunk
	case "end":
		return EventStreamEnd
	case "error":
		return EventStreamError
	}
	return EventType(name)
}

// Handler receives one event payload, already JSON-encoded.
type Handler func(payload json.RawMessage)

// Config wires required dependencies for the bridge.
type Config struct {
	Store         store.Store
	Tracker       *pending.Tracker
	Streamer      ai.ChatStreamer
	UserID        func() string
	HistoryLimit  int
	StreamTimeout time.Duration
	Logger        *slog.Logger
}

// Bridge owns the channel handlers and the event fan-out. One instance per
// process, constructed at startup and passed by reference (no singletons).
type Bridge struct {
	store         store.Store
	tracker       *pending.Tracker
	streamer      ai.ChatStreamer
	userID        func() string
	historyLimit  int
	streamTimeout time.Duration
	log           *slog.Logger

	mu      sync.Mutex
	subs    map[EventType]map[int]Handler
	nextSub int
}

// New constructs the bridge.
func New(cfg Config) *Bridge {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 200
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userID := cfg.UserID
	if userID == nil {
		userID = func() string { return "" }
	}
	return &Bridge{
		store:         cfg.Store,
		tracker:       cfg.Tracker,
		streamer:      cfg.Streamer,
		userID:        userID,
		historyLimit:  historyLimit,
		streamTimeout: cfg.StreamTimeout,
		log:           logger,
		subs:          make(map[EventType]map[int]Handler),
	}
}

// Subscribe registers a handler for an event channel (legacy names accepted)
// and returns its unsubscribe handle.
func (b *Bridge) Subscribe(event string, h Handler) (unsubscribe func()) {
	name := canonicalEvent(event)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[name] == nil {
		b.subs[name] = make(map[int]Handler)
	}
	b.nextSub++
	id := b.nextSub
	b.subs[name][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[name], id)
	}
}

// publish delivers an event to current subscribers, synchronously, so event
// order matches emission order within one streaming session.
func (b *Bridge) publish(event EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("marshal event", "event", event, "err", err)
		return
	}
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[event]))
	for _, h := range b.subs[event] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

// chat.Events implementation: the bridge is the session's notifier.

func (b *Bridge) NewAssistantMessage(ev domain.NewAssistantMessageEvent) {
	b.publish(EventNewAssistantMessage, ev)
}

func (b *Bridge) StreamChunk(ev domain.StreamChunkEvent) {
	b.publish(EventStreamChunk, ev)
}

func (b *Bridge) StreamEnd(ev domain.StreamEndEvent) {
	b.publish(EventStreamEnd, ev)
}

func (b *Bridge) StreamError(ev domain.StreamErrorEvent) {
	b.publish(EventStreamError, ev)
}

// Ack is the generic success/error acknowledgement payload.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SendUserMessageRequest struct {
	ThreadID string `json:"threadId"`
	Content  string `json:"content"`
}

type SendUserMessageResponse struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SendUserMessage persists the user message and starts its streaming session
// in the background. The response resolves as soon as the row is durable;
// stream progress arrives over the event channels.
func (b *Bridge) SendUserMessage(ctx context.Context, req SendUserMessageRequest) SendUserMessageResponse {
	session := b.newSession()
	userMsg, err := session.Begin(req.ThreadID, b.userID(), req.Content)
	if err != nil {
		return SendUserMessageResponse{Error: err.Error()}
	}
	go session.Run(context.WithoutCancel(ctx))
	return SendUserMessageResponse{Success: true, MessageID: userMsg.ID, Timestamp: userMsg.Timestamp}
}

// RetryUserMessage re-attempts a failed user message with a new independent
// session.
func (b *Bridge) RetryUserMessage(ctx context.Context, messageID string) SendUserMessageResponse {
	session := b.newSession()
	userMsg, err := session.BeginRetry(messageID)
	if err != nil {
		return SendUserMessageResponse{Error: err.Error()}
	}
	go session.Run(context.WithoutCancel(ctx))
	return SendUserMessageResponse{Success: true, MessageID: userMsg.ID, Timestamp: userMsg.Timestamp}
}

func (b *Bridge) newSession() *chat.Session {
	return chat.NewSession(chat.Config{
		Store:         b.store,
		Streamer:      b.streamer,
		Events:        b,
		HistoryLimit:  b.historyLimit,
		StreamTimeout: b.streamTimeout,
		Logger:        b.log,
	})
}

// GetMessages returns a thread's recent history in chronological order.
func (b *Bridge) GetMessages(threadID string) ([]domain.ChatMessage, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, &domain.ValidationError{Field: "threadId", Reason: "required"}
	}
	return b.store.GetHistory(threadID, b.historyLimit)
}

type CreatePageRequest struct {
	Title    string  `json:"title"`
	ParentID *string `json:"parentId,omitempty"`
	Type     string  `json:"type,omitempty"`
}

// CreatePage writes the page optimistically and stages the create for sync.
func (b *Bridge) CreatePage(req CreatePageRequest) (domain.Page, error) {
	if strings.TrimSpace(req.Title) == "" {
		return domain.Page{}, &domain.ValidationError{Field: "title", Reason: "required"}
	}
	now := time.Now().UTC()
	page := domain.Page{
		ID:              util.NewID(),
		Title:           req.Title,
		ParentID:        req.ParentID,
		Type:            req.Type,
		CreatedAt:       now,
		UpdatedAt:       now,
		SyncStatus:      domain.SyncPending,
		ClientUpdatedAt: &now,
	}
	if err := b.store.UpsertPage(page); err != nil {
		return domain.Page{}, err
	}
	b.tracker.StageCreatePage(page)
	return page, nil
}

// UpdatePage applies a typed patch optimistically and stages it.
func (b *Bridge) UpdatePage(id string, patch domain.PagePatch) (domain.Page, error) {
	page, ok, err := b.store.GetPage(id)
	if err != nil {
		return domain.Page{}, err
	}
	if !ok {
		return domain.Page{}, &domain.ValidationError{Field: "id", Reason: "page not found"}
	}
	patch.Apply(&page)
	now := time.Now().UTC()
	page.UpdatedAt = now
	page.ClientUpdatedAt = &now
	page.SyncStatus = domain.SyncPending
	if err := b.store.UpsertPage(page); err != nil {
		return domain.Page{}, err
	}
	b.tracker.StageUpdatePage(id, patch)
	return page, nil
}

// DeletePage removes the page (and its blocks) locally and stages the delete.
func (b *Bridge) DeletePage(id string) Ack {
	b.tracker.StageDeletePage(id)
	if err := b.store.DeletePage(id); err != nil {
		return Ack{Error: err.Error()}
	}
	return Ack{Success: true}
}

// GetPage reads one page.
func (b *Bridge) GetPage(id string) (domain.Page, bool, error) {
	return b.store.GetPage(id)
}

// ListPages reads all pages.
func (b *Bridge) ListPages() ([]domain.Page, error) {
	return b.store.ListPages()
}

type CreateBlockRequest struct {
	PageID     string          `json:"pageId"`
	Type       string          `json:"type"`
	Content    json.RawMessage `json:"content,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	OrderIndex *int            `json:"orderIndex,omitempty"`
}

// CreateBlock appends a block (or inserts at the given index) optimistically
// and stages the create.
func (b *Bridge) CreateBlock(req CreateBlockRequest) (domain.Block, error) {
	if strings.TrimSpace(req.PageID) == "" {
		return domain.Block{}, &domain.ValidationError{Field: "pageId", Reason: "required"}
	}
	orderIndex := 0
	if req.OrderIndex != nil {
		orderIndex = *req.OrderIndex
	} else {
		current, err := b.tracker.MaterializeBlocks(req.PageID)
		if err != nil {
			return domain.Block{}, err
		}
		orderIndex = len(current)
	}
	now := time.Now().UTC()
	block := domain.Block{
		ID:         util.NewID(),
		PageID:     req.PageID,
		Type:       req.Type,
		Content:    req.Content,
		Metadata:   req.Metadata,
		OrderIndex: orderIndex,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncStatus: domain.SyncPending,
	}
	if err := b.store.UpsertBlock(block); err != nil {
		return domain.Block{}, err
	}
	b.tracker.StageCreateBlock(block)
	return block, nil
}

// UpdateBlock applies a typed patch optimistically and stages it.
func (b *Bridge) UpdateBlock(id string, patch domain.BlockPatch) (domain.Block, error) {
	block, ok, err := b.store.GetBlock(id)
	if err != nil {
		return domain.Block{}, err
	}
	if !ok {
		return domain.Block{}, &domain.ValidationError{Field: "id", Reason: "block not found"}
	}
	// Stage first so the tracker captures the owning page before the write.
	b.tracker.StageUpdateBlock(id, patch)
	patch.Apply(&block)
	block.UpdatedAt = time.Now().UTC()
	block.SyncStatus = domain.SyncPending
	if err := b.store.UpsertBlock(block); err != nil {
		return domain.Block{}, err
	}
	return block, nil
}

// DeleteBlock removes the block locally and stages the delete.
func (b *Bridge) DeleteBlock(id string) Ack {
	b.tracker.StageDeleteBlock(id)
	if err := b.store.DeleteBlock(id); err != nil {
		return Ack{Error: err.Error()}
	}
	return Ack{Success: true}
}

// GetBlocks returns the effective block list for a page, staged overlay
// included.
func (b *Bridge) GetBlocks(pageID string) ([]domain.Block, error) {
	if strings.TrimSpace(pageID) == "" {
		return nil, &domain.ValidationError{Field: "pageId", Reason: "required"}
	}
	return b.tracker.MaterializeBlocks(pageID)
}

// ReorderBlocks stages sequential order_index updates for exactly the given
// ids and applies them optimistically.
func (b *Bridge) ReorderBlocks(ids []string) Ack {
	b.tracker.Reorder(ids)
	updated := make([]domain.Block, 0, len(ids))
	for i, id := range ids {
		block, ok, err := b.store.GetBlock(id)
		if err != nil {
			return Ack{Error: err.Error()}
		}
		if !ok {
			continue
		}
		block.OrderIndex = i
		block.UpdatedAt = time.Now().UTC()
		block.SyncStatus = domain.SyncPending
		updated = append(updated, block)
	}
	if err := b.store.BatchUpdateBlocks(updated); err != nil {
		return Ack{Error: err.Error()}
	}
	return Ack{Success: true}
}
