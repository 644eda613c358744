// Package syncer drains staged changes against the remote service and
// reconciles remote state back into the local store.
package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"notesync/internal/util"
	"notesync/pkg/domain"
	"notesync/pkg/pending"
	"notesync/pkg/remote"
	"notesync/pkg/store"
)

const pullConcurrency = 4

// Config wires required dependencies for the coordinator.
type Config struct {
	Store      store.Store
	Tracker    *pending.Tracker
	Remote     *remote.Client
	DeviceID   string
	MaxRetries int
	Logger     *slog.Logger
}

// Coordinator pushes staged changes and pulls authoritative remote state.
type Coordinator struct {
	store      store.Store
	tracker    *pending.Tracker
	remote     *remote.Client
	deviceID   string
	maxRetries int
	log        *slog.Logger
}

// PushResult summarizes one push cycle.
type PushResult struct {
	Pushed  int
	Failed  int
	Skipped int
}

// New constructs the coordinator.
func New(cfg Config) *Coordinator {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = domain.MaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      cfg.Store,
		tracker:    cfg.Tracker,
		remote:     cfg.Remote,
		deviceID:   cfg.DeviceID,
		maxRetries: maxRetries,
		log:        logger,
	}
}

// PushPending drains staged changes in creates, updates, deletes order, one
// remote call per item. A failing item is marked and left staged; it never
// aborts the rest of the batch. Afterwards order_index is re-numbered densely
// for every touched page.
func (c *Coordinator) PushPending(ctx context.Context) (PushResult, error) {
	var res PushResult
	touchedPages := make(map[string]bool)

	for _, change := range c.tracker.Changes() {
		if change.RetryCount >= c.maxRetries {
			res.Skipped++
			continue
		}
		// Conflicted rows wait for an explicit resolution; the automatic
		// cycle never picks a side.
		if c.isConflicted(change) {
			res.Skipped++
			continue
		}
		if change.Entity == pending.EntityBlock && change.PageID != "" {
			touchedPages[change.PageID] = true
		}
		if err := c.pushChange(ctx, change); err != nil {
			res.Failed++
			c.markFailed(change, err)
			c.appendLog(change, "failure", err.Error())
			continue
		}
		res.Pushed++
		c.tracker.Clear(change.Entity, change.ID)
		c.appendLog(change, "success", "")
	}

	for pageID := range touchedPages {
		if err := c.reconcileOrder(pageID); err != nil {
			c.log.Error("reconcile block order", "pageId", pageID, "err", err)
		}
	}
	return res, nil
}

func (c *Coordinator) pushChange(ctx context.Context, change pending.Change) error {
	switch {
	case change.Entity == pending.EntityPage && change.Op == pending.OpCreated:
		row, err := c.remote.CreatePage(ctx, *change.Page)
		if err != nil {
			return err
		}
		return c.confirmPage(row)
	case change.Entity == pending.EntityPage && change.Op == pending.OpUpdated:
		row, err := c.remote.UpdatePage(ctx, change.ID, *change.PagePatch)
		if err != nil {
			return err
		}
		return c.confirmPage(row)
	case change.Entity == pending.EntityPage && change.Op == pending.OpDeleted:
		if err := c.remote.DeletePage(ctx, change.ID); err != nil {
			return err
		}
		return c.store.DeletePage(change.ID)
	case change.Entity == pending.EntityBlock && change.Op == pending.OpCreated:
		row, err := c.remote.CreateBlock(ctx, *change.Block)
		if err != nil {
			return err
		}
		return c.confirmBlock(row)
	case change.Entity == pending.EntityBlock && change.Op == pending.OpUpdated:
		row, err := c.remote.UpdateBlock(ctx, change.ID, *change.BlockPatch)
		if err != nil {
			return err
		}
		return c.confirmBlock(row)
	case change.Entity == pending.EntityBlock && change.Op == pending.OpDeleted:
		if err := c.remote.DeleteBlock(ctx, change.ID); err != nil {
			return err
		}
		return c.store.DeleteBlock(change.ID)
	}
	return nil
}

func (c *Coordinator) isConflicted(change pending.Change) bool {
	switch change.Entity {
	case pending.EntityPage:
		if p, ok, err := c.store.GetPage(change.ID); err == nil && ok {
			return p.SyncStatus == domain.SyncConflict
		}
	case pending.EntityBlock:
		if b, ok, err := c.store.GetBlock(change.ID); err == nil && ok {
			return b.SyncStatus == domain.SyncConflict
		}
	}
	return false
}

func (c *Coordinator) confirmPage(row domain.Page) error {
	row.SyncStatus = domain.SyncSynced
	if row.ServerUpdatedAt == nil {
		now := time.Now().UTC()
		row.ServerUpdatedAt = &now
	}
	return c.store.UpsertPage(row)
}

func (c *Coordinator) confirmBlock(row domain.Block) error {
	row.SyncStatus = domain.SyncSynced
	if row.ServerUpdatedAt == nil {
		now := time.Now().UTC()
		row.ServerUpdatedAt = &now
	}
	return c.store.UpsertBlock(row)
}

func (c *Coordinator) markFailed(change pending.Change, cause error) {
	c.tracker.MarkFailed(change.Entity, change.ID, cause.Error())
	var err error
	switch change.Entity {
	case pending.EntityPage:
		err = c.store.SetPageSyncStatus(change.ID, domain.SyncError)
	case pending.EntityBlock:
		err = c.store.SetBlockSyncStatus(change.ID, domain.SyncError)
	}
	if err != nil {
		c.log.Error("mark sync error", "entity", change.Entity, "id", change.ID, "err", err)
	}
	c.log.Warn("push failed", "entity", change.Entity, "op", change.Op, "id", change.ID, "err", cause)
}

func (c *Coordinator) appendLog(change pending.Change, status, errMsg string) {
	var payload json.RawMessage
	switch {
	case change.Page != nil:
		payload, _ = json.Marshal(change.Page)
	case change.Block != nil:
		payload, _ = json.Marshal(change.Block)
	case change.PagePatch != nil:
		payload, _ = json.Marshal(change.PagePatch)
	case change.BlockPatch != nil:
		payload, _ = json.Marshal(change.BlockPatch)
	}
	entry := domain.SyncLog{
		ID:           util.NewID(),
		EntityType:   string(change.Entity),
		EntityID:     change.ID,
		Action:       string(change.Op),
		Status:       status,
		Payload:      payload,
		ErrorMessage: errMsg,
		DeviceID:     c.deviceID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.AppendSyncLog(entry); err != nil {
		c.log.Error("append sync log", "entityId", change.ID, "err", err)
	}
}

// reconcileOrder re-reads the full block list for a page and re-numbers
// order_index densely. Interleaved creates and deletes leave gaps; after this
// pass the indexes are {0..n-1} with no duplicates.
func (c *Coordinator) reconcileOrder(pageID string) error {
	rows, err := c.store.ListBlocksByPage(pageID)
	if err != nil {
		return err
	}
	changed := make([]domain.Block, 0)
	for i := range rows {
		if rows[i].OrderIndex != i {
			rows[i].OrderIndex = i
			rows[i].UpdatedAt = time.Now().UTC()
			changed = append(changed, rows[i])
		}
	}
	return c.store.BatchUpdateBlocks(changed)
}

// Pull refreshes the local projection from the authoritative remote state.
// Rows protected by a staged local edit are kept; when the remote row moved
// under such an edit the local row surfaces sync_status=conflict rather than
// being silently overwritten. Synced local rows not matched remotely are
// discarded.
func (c *Coordinator) Pull(ctx context.Context) error {
	remotePages, err := c.remote.ListPages(ctx)
	if err != nil {
		return err
	}
	if err := c.applyPulledPages(remotePages); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pullConcurrency)
	for _, p := range remotePages {
		pageID := p.ID
		g.Go(func() error {
			blocks, err := c.remote.ListBlocks(gctx, pageID)
			if err != nil {
				return err
			}
			return c.applyPulledBlocks(pageID, blocks)
		})
	}
	return g.Wait()
}

func (c *Coordinator) applyPulledPages(remotePages []domain.Page) error {
	local, err := c.store.ListPages()
	if err != nil {
		return err
	}
	matched := make(map[string]bool, len(remotePages))
	for _, r := range remotePages {
		matched[r.ID] = true
		if c.tracker.Has(pending.EntityPage, r.ID) {
			if c.pageDiverged(r) {
				if err := c.store.SetPageSyncStatus(r.ID, domain.SyncConflict); err != nil {
					return err
				}
			}
			continue
		}
		r.SyncStatus = domain.SyncSynced
		if err := c.store.UpsertPage(r); err != nil {
			return err
		}
	}
	for _, l := range local {
		if matched[l.ID] || l.SyncStatus != domain.SyncSynced || c.tracker.Has(pending.EntityPage, l.ID) {
			continue
		}
		if err := c.store.DeletePage(l.ID); err != nil {
			return err
		}
	}
	return nil
}

// pageDiverged reports whether the remote row moved past the base our staged
// edit was made against.
func (c *Coordinator) pageDiverged(r domain.Page) bool {
	local, ok, err := c.store.GetPage(r.ID)
	if err != nil || !ok {
		return false
	}
	if r.ServerUpdatedAt == nil {
		return false
	}
	if local.ServerUpdatedAt == nil {
		return true
	}
	return r.ServerUpdatedAt.After(*local.ServerUpdatedAt)
}

func (c *Coordinator) applyPulledBlocks(pageID string, remoteBlocks []domain.Block) error {
	local, err := c.store.ListBlocksByPage(pageID)
	if err != nil {
		return err
	}
	matched := make(map[string]bool, len(remoteBlocks))
	for _, r := range remoteBlocks {
		matched[r.ID] = true
		if c.tracker.Has(pending.EntityBlock, r.ID) {
			if c.blockDiverged(r) {
				if err := c.store.SetBlockSyncStatus(r.ID, domain.SyncConflict); err != nil {
					return err
				}
			}
			continue
		}
		r.SyncStatus = domain.SyncSynced
		if err := c.store.UpsertBlock(r); err != nil {
			return err
		}
	}
	for _, l := range local {
		if matched[l.ID] || l.SyncStatus != domain.SyncSynced || c.tracker.Has(pending.EntityBlock, l.ID) {
			continue
		}
		if err := c.store.DeleteBlock(l.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) blockDiverged(r domain.Block) bool {
	local, ok, err := c.store.GetBlock(r.ID)
	if err != nil || !ok {
		return false
	}
	if r.ServerUpdatedAt == nil {
		return false
	}
	if local.ServerUpdatedAt == nil {
		return true
	}
	return r.ServerUpdatedAt.After(*local.ServerUpdatedAt)
}

// PushLocalMessages drains chat messages waiting on the background batch
// path: local rows plus previously failed rows under the retry cap. Failures
// stay isolated per message.
func (c *Coordinator) PushLocalMessages(ctx context.Context) (PushResult, error) {
	var res PushResult
	localMsgs, err := c.store.ListMessagesByStatus(domain.MessageLocal)
	if err != nil {
		return res, err
	}
	failed, err := c.store.ListMessagesByStatus(domain.MessageError)
	if err != nil {
		return res, err
	}
	pendingMsgs := localMsgs
	for _, m := range failed {
		// Failed assistant rows are rebuilt by a stream retry, not batched.
		if m.Role == domain.RoleUser {
			pendingMsgs = append(pendingMsgs, m)
		}
	}
	for _, m := range pendingMsgs {
		if m.RetryCount >= c.maxRetries {
			res.Skipped++
			continue
		}
		// Status-only update: an upsert here would reset retry_count and
		// defeat the retry cap.
		if err := c.store.SetMessageStatus(m.ID, domain.MessageSendingBatch); err != nil {
			return res, err
		}
		m.SyncStatus = domain.MessageSendingBatch
		row, err := c.remote.CreateMessage(ctx, m)
		if err != nil {
			res.Failed++
			if markErr := c.store.MarkMessageError(m.ID, err.Error()); markErr != nil {
				c.log.Error("mark message error", "id", m.ID, "err", markErr)
			}
			c.appendMessageLog(m, "failure", err.Error())
			continue
		}
		m.SyncStatus = domain.MessageSynced
		m.ErrorMessage = ""
		if row.ServerMessageID != "" {
			m.ServerMessageID = row.ServerMessageID
		}
		if err := c.store.UpsertChatMessage(m); err != nil {
			return res, err
		}
		res.Pushed++
		c.appendMessageLog(m, "success", "")
	}
	return res, nil
}

func (c *Coordinator) appendMessageLog(m domain.ChatMessage, status, errMsg string) {
	entry := domain.SyncLog{
		ID:           util.NewID(),
		EntityType:   "chat_message",
		EntityID:     m.ID,
		Action:       "push",
		Status:       status,
		ErrorMessage: errMsg,
		DeviceID:     c.deviceID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.AppendSyncLog(entry); err != nil {
		c.log.Error("append sync log", "entityId", m.ID, "err", err)
	}
}

// ResetRetry clears a staged item's retry count so the next cycle retries it.
// On a conflicted row this is the user's decision to push the local version;
// the conflict flag drops back to pending.
func (c *Coordinator) ResetRetry(entity pending.EntityKind, id string) {
	c.tracker.ResetRetry(entity, id)
	switch entity {
	case pending.EntityPage:
		if p, ok, err := c.store.GetPage(id); err == nil && ok && p.SyncStatus == domain.SyncConflict {
			if err := c.store.SetPageSyncStatus(id, domain.SyncPending); err != nil {
				c.log.Error("clear conflict flag", "id", id, "err", err)
			}
		}
	case pending.EntityBlock:
		if b, ok, err := c.store.GetBlock(id); err == nil && ok && b.SyncStatus == domain.SyncConflict {
			if err := c.store.SetBlockSyncStatus(id, domain.SyncPending); err != nil {
				c.log.Error("clear conflict flag", "id", id, "err", err)
			}
		}
	}
}
