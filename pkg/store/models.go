package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Content and metadata stay opaque JSON.
type PageModel struct {
	ID              string  `gorm:"primaryKey"`
	Title           string  `gorm:"not null"`
	ParentID        *string `gorm:"index"`
	IsFavorite      bool
	Type            string
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
	SyncStatus      string    `gorm:"not null;index"`
	ServerUpdatedAt *time.Time
	ClientUpdatedAt *time.Time
}

type BlockModel struct {
	ID              string `gorm:"primaryKey"`
	PageID          string `gorm:"not null;index"`
	Type            string `gorm:"not null"`
	Content         datatypes.JSON
	Metadata        datatypes.JSON
	OrderIndex      int       `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
	SyncStatus      string    `gorm:"not null;index"`
	ServerUpdatedAt *time.Time
}

type ChatMessageModel struct {
	ID                   string    `gorm:"primaryKey"`
	ThreadID             string    `gorm:"not null;index"`
	Role                 string    `gorm:"not null"`
	Content              string    `gorm:"not null"`
	UserID               string    `gorm:"index"`
	Timestamp            time.Time `gorm:"not null;index"`
	SyncStatus           string    `gorm:"not null"`
	RelatedUserMessageID string    `gorm:"index"`
	ServerMessageID      string
	ErrorMessage         string
	RetryCount           int `gorm:"not null;default:0"`
}

type SyncLogModel struct {
	ID           string `gorm:"primaryKey"`
	EntityType   string `gorm:"not null;index"`
	EntityID     string `gorm:"not null;index"`
	Action       string `gorm:"not null"`
	Status       string `gorm:"not null"`
	Payload      datatypes.JSON
	ErrorMessage string
	DeviceID     string
	CreatedAt    time.Time `gorm:"not null;index"`
}
