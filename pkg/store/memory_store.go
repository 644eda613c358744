package store

import (
	"sort"
	"sync"

	"notesync/pkg/domain"
)

// MemoryStore keeps the cache in-process. Used by tests and by the ephemeral
// (no cache file) mode; semantics match GormStore.
type MemoryStore struct {
	mu       sync.RWMutex
	pages    map[string]domain.Page
	blocks   map[string]domain.Block
	messages map[string]domain.ChatMessage
	syncLog  []domain.SyncLog
	order    []string // page insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages:    make(map[string]domain.Page),
		blocks:   make(map[string]domain.Block),
		messages: make(map[string]domain.ChatMessage),
	}
}

// UpsertPage stores or replaces a page record.
func (m *MemoryStore) UpsertPage(p domain.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pages[p.ID]; !exists {
		m.order = append(m.order, p.ID)
	}
	m.pages[p.ID] = p
	return nil
}

// GetPage retrieves a page by id.
func (m *MemoryStore) GetPage(id string) (domain.Page, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[id]
	return p, ok, nil
}

// ListPages returns pages in insertion order.
func (m *MemoryStore) ListPages() ([]domain.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Page, 0, len(m.order))
	for _, id := range m.order {
		if p, ok := m.pages[id]; ok {
			res = append(res, p)
		}
	}
	return res, nil
}

// DeletePage removes a page and its blocks.
func (m *MemoryStore) DeletePage(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, id)
	for blockID, b := range m.blocks {
		if b.PageID == id {
			delete(m.blocks, blockID)
		}
	}
	filtered := m.order[:0]
	for _, item := range m.order {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.order = filtered
	return nil
}

// SetPageSyncStatus updates a page's sync status in place.
func (m *MemoryStore) SetPageSyncStatus(id string, status domain.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		return nil
	}
	p.SyncStatus = status
	m.pages[id] = p
	return nil
}

// UpsertBlock stores or replaces a block record.
func (m *MemoryStore) UpsertBlock(b domain.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[b.ID] = b
	return nil
}

// GetBlock retrieves a block by id.
func (m *MemoryStore) GetBlock(id string) (domain.Block, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[id]
	return b, ok, nil
}

// ListBlocksByPage returns a page's blocks sorted by order_index ascending.
func (m *MemoryStore) ListBlocksByPage(pageID string) ([]domain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Block, 0)
	for _, b := range m.blocks {
		if b.PageID == pageID {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].OrderIndex < res[j].OrderIndex })
	return res, nil
}

// BatchUpdateBlocks upserts blocks as one unit.
func (m *MemoryStore) BatchUpdateBlocks(blocks []domain.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range blocks {
		m.blocks[b.ID] = b
	}
	return nil
}

// DeleteBlock removes a block.
func (m *MemoryStore) DeleteBlock(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, id)
	return nil
}

// SetBlockSyncStatus updates a block's sync status in place.
func (m *MemoryStore) SetBlockSyncStatus(id string, status domain.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok {
		return nil
	}
	b.SyncStatus = status
	m.blocks[id] = b
	return nil
}

// UpsertChatMessage stores or replaces a message. Retry count is preserved
// when the incoming status is error and reset to zero otherwise.
func (m *MemoryStore) UpsertChatMessage(msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, exists := m.messages[msg.ID]; exists {
		if msg.SyncStatus == domain.MessageError {
			msg.RetryCount = prev.RetryCount
		} else {
			msg.RetryCount = 0
		}
	}
	m.messages[msg.ID] = msg
	return nil
}

// GetChatMessage retrieves a chat message by id.
func (m *MemoryStore) GetChatMessage(id string) (domain.ChatMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok, nil
}

// GetHistory returns the most recent limit messages in chronological order.
func (m *MemoryStore) GetHistory(threadID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]domain.ChatMessage, 0)
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			all = append(all, msg)
		}
	}
	// Newest first, cut the tail, then reverse to chronological.
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if len(all) > limit {
		all = all[:limit]
	}
	res := make([]domain.ChatMessage, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		res = append(res, all[i])
	}
	return res, nil
}

// ListMessagesByStatus returns messages in a given sync status, oldest first.
func (m *MemoryStore) ListMessagesByStatus(status domain.MessageStatus) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ChatMessage, 0)
	for _, msg := range m.messages {
		if msg.SyncStatus == status {
			res = append(res, msg)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Timestamp.Before(res[j].Timestamp) })
	return res, nil
}

// SetMessageStatus updates a message's sync status without touching its
// retry count.
func (m *MemoryStore) SetMessageStatus(id string, status domain.MessageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil
	}
	msg.SyncStatus = status
	m.messages[id] = msg
	return nil
}

// MarkMessageError flags a message as failed and bumps its retry count.
func (m *MemoryStore) MarkMessageError(id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil
	}
	msg.SyncStatus = domain.MessageError
	msg.ErrorMessage = errMsg
	msg.RetryCount++
	m.messages[id] = msg
	return nil
}

// DeleteChatMessage removes a chat message.
func (m *MemoryStore) DeleteChatMessage(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	return nil
}

// AppendSyncLog records one push attempt.
func (m *MemoryStore) AppendSyncLog(entry domain.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLog = append(m.syncLog, entry)
	return nil
}

// SyncLogEntries returns a copy of the audit log. Test helper.
func (m *MemoryStore) SyncLogEntries() []domain.SyncLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.SyncLog, len(m.syncLog))
	copy(res, m.syncLog)
	return res
}
