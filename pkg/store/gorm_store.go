package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"notesync/pkg/domain"
)

// GormStore implements Store using GORM + SQLite. The cache file lives in the
// app's data directory; the remote service is never read through this type.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the local cache file and runs auto-migrations.
func NewGormStore(path string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows one writer; a single connection also serializes reads
	// behind writes so per-entity mutation order matches call order.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&PageModel{}, &BlockModel{}, &ChatMessageModel{}, &SyncLogModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.StorageError{Op: op, Err: err}
}

// UpsertPage stores or replaces a page row. Idempotent on id.
func (s *GormStore) UpsertPage(p domain.Page) error {
	model := pageToModel(p)
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
	return storageErr("upsert page", err)
}

// GetPage retrieves a page by id.
func (s *GormStore) GetPage(id string) (domain.Page, bool, error) {
	var model PageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Page{}, false, nil
		}
		return domain.Page{}, false, storageErr("get page", err)
	}
	return pageFromModel(model), true, nil
}

// ListPages returns all pages ordered by created_at.
func (s *GormStore) ListPages() ([]domain.Page, error) {
	var models []PageModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, storageErr("list pages", err)
	}
	res := make([]domain.Page, 0, len(models))
	for _, m := range models {
		res = append(res, pageFromModel(m))
	}
	return res, nil
}

// DeletePage removes a page and its blocks.
func (s *GormStore) DeletePage(id string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&BlockModel{}, "page_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&PageModel{}, "id = ?", id).Error
	})
	return storageErr("delete page", err)
}

// SetPageSyncStatus updates a page's sync status in place.
func (s *GormStore) SetPageSyncStatus(id string, status domain.SyncStatus) error {
	err := s.db.Model(&PageModel{}).Where("id = ?", id).
		Update("sync_status", string(status)).Error
	return storageErr("set page sync status", err)
}

// UpsertBlock stores or replaces a block row. Idempotent on id.
func (s *GormStore) UpsertBlock(b domain.Block) error {
	model := blockToModel(b)
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
	return storageErr("upsert block", err)
}

// GetBlock retrieves a block by id.
func (s *GormStore) GetBlock(id string) (domain.Block, bool, error) {
	var model BlockModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Block{}, false, nil
		}
		return domain.Block{}, false, storageErr("get block", err)
	}
	return blockFromModel(model), true, nil
}

// ListBlocksByPage returns a page's blocks sorted by order_index ascending.
func (s *GormStore) ListBlocksByPage(pageID string) ([]domain.Block, error) {
	var models []BlockModel
	if err := s.db.Where("page_id = ?", pageID).
		Order("order_index ASC").
		Find(&models).Error; err != nil {
		return nil, storageErr("list blocks", err)
	}
	res := make([]domain.Block, 0, len(models))
	for _, m := range models {
		res = append(res, blockFromModel(m))
	}
	return res, nil
}

// BatchUpdateBlocks upserts blocks in one transaction. Used by order_index
// reconciliation; either all rows land or none do.
func (s *GormStore) BatchUpdateBlocks(blocks []domain.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, b := range blocks {
			model := blockToModel(b)
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("batch update blocks", err)
}

// DeleteBlock removes a block.
func (s *GormStore) DeleteBlock(id string) error {
	return storageErr("delete block", s.db.Delete(&BlockModel{}, "id = ?", id).Error)
}

// SetBlockSyncStatus updates a block's sync status in place.
func (s *GormStore) SetBlockSyncStatus(id string, status domain.SyncStatus) error {
	err := s.db.Model(&BlockModel{}).Where("id = ?", id).
		Update("sync_status", string(status)).Error
	return storageErr("set block sync status", err)
}

// UpsertChatMessage stores or replaces a chat message row. On conflict all
// fields are overwritten except retry_count, which is preserved when the
// incoming status is error and reset to zero otherwise.
func (s *GormStore) UpsertChatMessage(m domain.ChatMessage) error {
	model := messageToModel(m)
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"thread_id":               model.ThreadID,
			"role":                    model.Role,
			"content":                 model.Content,
			"user_id":                 model.UserID,
			"timestamp":               model.Timestamp,
			"sync_status":             model.SyncStatus,
			"related_user_message_id": model.RelatedUserMessageID,
			"server_message_id":       model.ServerMessageID,
			"error_message":           model.ErrorMessage,
			"retry_count": gorm.Expr(
				"CASE WHEN excluded.sync_status = 'error' THEN chat_message_models.retry_count ELSE 0 END"),
		}),
	}).Create(&model).Error
	return storageErr("upsert chat message", err)
}

// GetChatMessage retrieves a chat message by id.
func (s *GormStore) GetChatMessage(id string) (domain.ChatMessage, bool, error) {
	var model ChatMessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatMessage{}, false, nil
		}
		return domain.ChatMessage{}, false, storageErr("get chat message", err)
	}
	return messageFromModel(model), true, nil
}

// GetHistory returns recent messages for a thread (newest first internally,
// then reversed to chronological). Scanning the tail keeps long threads cheap.
func (s *GormStore) GetHistory(threadID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	var models []ChatMessageModel
	if err := s.db.Where("thread_id = ?", threadID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, storageErr("get history", err)
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// ListMessagesByStatus returns messages in a given sync status, oldest first.
func (s *GormStore) ListMessagesByStatus(status domain.MessageStatus) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	if err := s.db.Where("sync_status = ?", string(status)).
		Order("timestamp ASC").
		Find(&models).Error; err != nil {
		return nil, storageErr("list messages by status", err)
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// SetMessageStatus updates a message's sync status without touching its
// retry count.
func (s *GormStore) SetMessageStatus(id string, status domain.MessageStatus) error {
	err := s.db.Model(&ChatMessageModel{}).Where("id = ?", id).
		Update("sync_status", string(status)).Error
	return storageErr("set message status", err)
}

// MarkMessageError flags a message as failed and bumps its retry count.
func (s *GormStore) MarkMessageError(id string, errMsg string) error {
	err := s.db.Model(&ChatMessageModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"sync_status":   string(domain.MessageError),
			"error_message": errMsg,
			"retry_count":   gorm.Expr("retry_count + 1"),
		}).Error
	return storageErr("mark message error", err)
}

// DeleteChatMessage removes a chat message.
func (s *GormStore) DeleteChatMessage(id string) error {
	return storageErr("delete chat message", s.db.Delete(&ChatMessageModel{}, "id = ?", id).Error)
}

// AppendSyncLog records one push attempt in the append-only audit table.
func (s *GormStore) AppendSyncLog(entry domain.SyncLog) error {
	model := syncLogToModel(entry)
	return storageErr("append sync log", s.db.Create(&model).Error)
}

func pageToModel(p domain.Page) PageModel {
	return PageModel{
		ID:              p.ID,
		Title:           p.Title,
		ParentID:        p.ParentID,
		IsFavorite:      p.IsFavorite,
		Type:            p.Type,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
		SyncStatus:      string(p.SyncStatus),
		ServerUpdatedAt: p.ServerUpdatedAt,
		ClientUpdatedAt: p.ClientUpdatedAt,
	}
}

func pageFromModel(m PageModel) domain.Page {
	return domain.Page{
		ID:              m.ID,
		Title:           m.Title,
		ParentID:        m.ParentID,
		IsFavorite:      m.IsFavorite,
		Type:            m.Type,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		SyncStatus:      domain.SyncStatus(m.SyncStatus),
		ServerUpdatedAt: m.ServerUpdatedAt,
		ClientUpdatedAt: m.ClientUpdatedAt,
	}
}

func blockToModel(b domain.Block) BlockModel {
	return BlockModel{
		ID:              b.ID,
		PageID:          b.PageID,
		Type:            b.Type,
		Content:         datatypes.JSON(b.Content),
		Metadata:        datatypes.JSON(b.Metadata),
		OrderIndex:      b.OrderIndex,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
		SyncStatus:      string(b.SyncStatus),
		ServerUpdatedAt: b.ServerUpdatedAt,
	}
}

func blockFromModel(m BlockModel) domain.Block {
	return domain.Block{
		ID:              m.ID,
		PageID:          m.PageID,
		Type:            m.Type,
		Content:         []byte(m.Content),
		Metadata:        []byte(m.Metadata),
		OrderIndex:      m.OrderIndex,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		SyncStatus:      domain.SyncStatus(m.SyncStatus),
		ServerUpdatedAt: m.ServerUpdatedAt,
	}
}

func messageToModel(m domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:                   m.ID,
		ThreadID:             m.ThreadID,
		Role:                 string(m.Role),
		Content:              m.Content,
		UserID:               m.UserID,
		Timestamp:            m.Timestamp,
		SyncStatus:           string(m.SyncStatus),
		RelatedUserMessageID: m.RelatedUserMessageID,
		ServerMessageID:      m.ServerMessageID,
		ErrorMessage:         m.ErrorMessage,
		RetryCount:           m.RetryCount,
	}
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:                   m.ID,
		ThreadID:             m.ThreadID,
		Role:                 domain.Role(m.Role),
		Content:              m.Content,
		UserID:               m.UserID,
		Timestamp:            m.Timestamp,
		SyncStatus:           domain.MessageStatus(m.SyncStatus),
		RelatedUserMessageID: m.RelatedUserMessageID,
		ServerMessageID:      m.ServerMessageID,
		ErrorMessage:         m.ErrorMessage,
		RetryCount:           m.RetryCount,
	}
}

func syncLogToModel(entry domain.SyncLog) SyncLogModel {
	return SyncLogModel{
		ID:           entry.ID,
		EntityType:   entry.EntityType,
		EntityID:     entry.EntityID,
		Action:       entry.Action,
		Status:       entry.Status,
		Payload:      datatypes.JSON(entry.Payload),
		ErrorMessage: entry.ErrorMessage,
		DeviceID:     entry.DeviceID,
		CreatedAt:    entry.CreatedAt,
	}
}
