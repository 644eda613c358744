package domain

import (
	"encoding/json"
	"time"
)

// SyncStatus tracks a page or block row's confirmation state with the remote
// service.
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncPending  SyncStatus = "pending"
	SyncConflict SyncStatus = "conflict"
	SyncError    SyncStatus = "error"
)

// MessageStatus tracks a chat message's send lifecycle. Transitions follow a
// fixed graph: local is never re-entered once left, synced is terminal for a
// send attempt.
type MessageStatus string

const (
	MessageLocal         MessageStatus = "local"
	MessageSendingStream MessageStatus = "sending_stream"
	MessageSendingBatch  MessageStatus = "sending_batch"
	MessageSynced        MessageStatus = "synced"
	MessageError         MessageStatus = "error"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxRetries caps automatic push attempts; beyond it an item needs an
// explicit user-triggered retry.
const MaxRetries = 5

type Page struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	ParentID        *string    `json:"parentId,omitempty"`
	IsFavorite      bool       `json:"isFavorite"`
	Type            string     `json:"type"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	SyncStatus      SyncStatus `json:"syncStatus"`
	ServerUpdatedAt *time.Time `json:"serverUpdatedAt,omitempty"`
	ClientUpdatedAt *time.Time `json:"clientUpdatedAt,omitempty"`
}

type Block struct {
	ID              string          `json:"id"`
	PageID          string          `json:"pageId"`
	Type            string          `json:"type"`
	Content         json.RawMessage `json:"content,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	OrderIndex      int             `json:"orderIndex"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	SyncStatus      SyncStatus      `json:"syncStatus"`
	ServerUpdatedAt *time.Time      `json:"serverUpdatedAt,omitempty"`
}

type ChatMessage struct {
	ID                   string        `json:"id"`
	ThreadID             string        `json:"threadId"`
	Role                 Role          `json:"role"`
	Content              string        `json:"content"`
	UserID               string        `json:"userId,omitempty"`
	Timestamp            time.Time     `json:"timestamp"`
	SyncStatus           MessageStatus `json:"syncStatus"`
	RelatedUserMessageID string        `json:"relatedUserMessageId,omitempty"`
	ServerMessageID      string        `json:"serverMessageId,omitempty"`
	ErrorMessage         string        `json:"errorMessage,omitempty"`
	RetryCount           int           `json:"retryCount"`
}

// SyncLog is one append-only audit record written on every push attempt.
type SyncLog struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entityType"`
	EntityID     string          `json:"entityId"`
	Action       string          `json:"action"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	DeviceID     string          `json:"deviceId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// PagePatch is a partial page update. Nil fields are left untouched; the
// allowed field set is the type itself, not a runtime allow-list.
type PagePatch struct {
	Title      *string `json:"title,omitempty"`
	ParentID   *string `json:"parentId,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
	Type       *string `json:"type,omitempty"`
}

// Apply copies the set fields onto p.
func (patch PagePatch) Apply(p *Page) {
	if patch.Title != nil {
		p.Title = *patch.Title
	}
	if patch.ParentID != nil {
		p.ParentID = patch.ParentID
	}
	if patch.IsFavorite != nil {
		p.IsFavorite = *patch.IsFavorite
	}
	if patch.Type != nil {
		p.Type = *patch.Type
	}
}

// BlockPatch is a partial block update.
type BlockPatch struct {
	Type       *string          `json:"type,omitempty"`
	Content    *json.RawMessage `json:"content,omitempty"`
	Metadata   *json.RawMessage `json:"metadata,omitempty"`
	OrderIndex *int             `json:"orderIndex,omitempty"`
}

// Apply copies the set fields onto b.
func (patch BlockPatch) Apply(b *Block) {
	if patch.Type != nil {
		b.Type = *patch.Type
	}
	if patch.Content != nil {
		b.Content = *patch.Content
	}
	if patch.Metadata != nil {
		b.Metadata = *patch.Metadata
	}
	if patch.OrderIndex != nil {
		b.OrderIndex = *patch.OrderIndex
	}
}
