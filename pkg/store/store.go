package store

import (
	"notesync/pkg/domain"
)

// Store defines persistence operations for pages, blocks, and chat messages.
// It is the single source of truth for what the renderer shows offline; all
// mutation from other components goes through this surface.
type Store interface {
	// pages
	UpsertPage(p domain.Page) error
	GetPage(id string) (domain.Page, bool, error)
	ListPages() ([]domain.Page, error)
	// DeletePage cascades to the page's blocks.
	DeletePage(id string) error
	SetPageSyncStatus(id string, status domain.SyncStatus) error

	// blocks
	UpsertBlock(b domain.Block) error
	GetBlock(id string) (domain.Block, bool, error)
	// ListBlocksByPage returns a page's blocks sorted by order_index ascending.
	ListBlocksByPage(pageID string) ([]domain.Block, error)
	BatchUpdateBlocks(blocks []domain.Block) error
	DeleteBlock(id string) error
	SetBlockSyncStatus(id string, status domain.SyncStatus) error

	// chat messages
	UpsertChatMessage(m domain.ChatMessage) error
	GetChatMessage(id string) (domain.ChatMessage, bool, error)
	// GetHistory returns the most recent limit messages of a thread in
	// chronological order (fetched tail-first, then reversed).
	GetHistory(threadID string, limit int) ([]domain.ChatMessage, error)
	ListMessagesByStatus(status domain.MessageStatus) ([]domain.ChatMessage, error)
	// SetMessageStatus updates sync_status only, leaving retry_count intact.
	SetMessageStatus(id string, status domain.MessageStatus) error
	// MarkMessageError sets sync_status=error, attaches the message, and
	// increments retry_count.
	MarkMessageError(id string, errMsg string) error
	DeleteChatMessage(id string) error

	// audit
	AppendSyncLog(entry domain.SyncLog) error
}
