// Package pending stages not-yet-confirmed creates, updates, and deletes as
// an in-memory overlay over the local store.
package pending

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"notesync/pkg/domain"
	"notesync/pkg/store"
)

type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

type EntityKind string

const (
	EntityPage  EntityKind = "page"
	EntityBlock EntityKind = "block"
)

// Change is one staged operation. The Op tag selects which payload field is
// set: Page/Block for creates, PagePatch/BlockPatch for updates, none for
// deletes. At most one Change exists per entity id at any time.
type Change struct {
	Op         Op
	Entity     EntityKind
	ID         string
	PageID     string // owning page for block changes; reconcile target
	Page       *domain.Page
	Block      *domain.Block
	PagePatch  *domain.PagePatch
	BlockPatch *domain.BlockPatch
	RetryCount int
	LastError  string
	StagedAt   time.Time

	seq int
}

// Tracker holds staged changes keyed by entity id. It never writes the store
// itself except through FlushAll; optimistic local writes are the caller's
// choice, made separately.
type Tracker struct {
	mu      sync.Mutex
	store   store.Store
	changes map[string]*Change
	seq     int
}

// NewTracker builds a tracker reading through the given store.
func NewTracker(s store.Store) *Tracker {
	return &Tracker{
		store:   s,
		changes: make(map[string]*Change),
	}
}

func key(entity EntityKind, id string) string {
	return string(entity) + "/" + id
}

// StageCreatePage records a page create keyed by its client-generated id.
func (t *Tracker) StageCreatePage(p domain.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.put(&Change{Op: OpCreated, Entity: EntityPage, ID: p.ID, Page: &p})
}

// StageCreateBlock records a block create keyed by its client-generated id.
func (t *Tracker) StageCreateBlock(b domain.Block) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.put(&Change{Op: OpCreated, Entity: EntityBlock, ID: b.ID, PageID: b.PageID, Block: &b})
}

// StageUpdatePage records a partial page update. An update over a staged
// create folds into the create payload; an update after a staged delete is
// dropped (delete subsumes it).
func (t *Tracker) StageUpdatePage(id string, patch domain.PagePatch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.changes[key(EntityPage, id)]
	if ok {
		switch existing.Op {
		case OpCreated:
			patch.Apply(existing.Page)
			existing.StagedAt = time.Now().UTC()
			return
		case OpUpdated:
			mergePagePatch(existing.PagePatch, patch)
			existing.StagedAt = time.Now().UTC()
			return
		case OpDeleted:
			return
		}
	}
	t.put(&Change{Op: OpUpdated, Entity: EntityPage, ID: id, PagePatch: &patch})
}

// StageUpdateBlock records a partial block update with the same folding rules
// as StageUpdatePage.
func (t *Tracker) StageUpdateBlock(id string, patch domain.BlockPatch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.changes[key(EntityBlock, id)]
	if ok {
		switch existing.Op {
		case OpCreated:
			patch.Apply(existing.Block)
			existing.StagedAt = time.Now().UTC()
			return
		case OpUpdated:
			mergeBlockPatch(existing.BlockPatch, patch)
			existing.StagedAt = time.Now().UTC()
			return
		case OpDeleted:
			return
		}
	}
	t.put(&Change{Op: OpUpdated, Entity: EntityBlock, ID: id, PageID: t.lookupPageID(id), BlockPatch: &patch})
}

// StageDeletePage records a page delete. Deleting an id known only to the
// created set drops the create instead of staging a remote delete.
func (t *Tracker) StageDeletePage(id string) {
	t.stageDelete(EntityPage, id)
}

// StageDeleteBlock records a block delete with the same created-set rule.
func (t *Tracker) StageDeleteBlock(id string) {
	t.stageDelete(EntityBlock, id)
}

func (t *Tracker) stageDelete(entity EntityKind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entity == EntityPage {
		// The page delete subsumes staged block changes under it; pushing
		// them would target a remotely deleted page.
		for k, c := range t.changes {
			if c.Entity == EntityBlock && c.PageID == id {
				delete(t.changes, k)
			}
		}
	}
	if existing, ok := t.changes[key(entity, id)]; ok {
		if existing.Op == OpCreated {
			delete(t.changes, key(entity, id))
			return
		}
	}
	pageID := ""
	if entity == EntityBlock {
		pageID = t.lookupPageID(id)
	}
	t.put(&Change{Op: OpDeleted, Entity: entity, ID: id, PageID: pageID})
}

// lookupPageID resolves a block's owning page before the caller's optimistic
// write removes or moves it. Caller holds t.mu; store reads don't take it.
func (t *Tracker) lookupPageID(id string) string {
	if existing, ok := t.changes[key(EntityBlock, id)]; ok && existing.Block != nil {
		return existing.Block.PageID
	}
	if b, ok, err := t.store.GetBlock(id); err == nil && ok {
		return b.PageID
	}
	return ""
}

// put overwrites any prior change for the same id.
func (t *Tracker) put(c *Change) {
	t.seq++
	c.seq = t.seq
	c.StagedAt = time.Now().UTC()
	t.changes[key(c.Entity, c.ID)] = c
}

// Reorder stages sequential order_index updates for exactly the given ids in
// the given order. Blocks outside the set are not renumbered.
func (t *Tracker) Reorder(ids []string) {
	for i, id := range ids {
		idx := i
		t.StageUpdateBlock(id, domain.BlockPatch{OrderIndex: &idx})
	}
}

// MaterializeBlocks computes the effective block list for a page: store rows
// minus the deleted set, with the updated set overlaid and created entries
// appended, sorted by order_index.
func (t *Tracker) MaterializeBlocks(pageID string) ([]domain.Block, error) {
	rows, err := t.store.ListBlocksByPage(pageID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(rows))
	res := make([]domain.Block, 0, len(rows))
	for _, b := range rows {
		seen[b.ID] = true
		c, ok := t.changes[key(EntityBlock, b.ID)]
		if !ok {
			res = append(res, b)
			continue
		}
		switch c.Op {
		case OpDeleted:
			// dropped
		case OpUpdated:
			c.BlockPatch.Apply(&b)
			res = append(res, b)
		case OpCreated:
			// Already optimistically persisted; the staged payload wins.
			res = append(res, *c.Block)
		}
	}
	for _, c := range t.sorted() {
		if c.Entity == EntityBlock && c.Op == OpCreated && c.Block.PageID == pageID && !seen[c.ID] {
			res = append(res, *c.Block)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].OrderIndex < res[j].OrderIndex })
	return res, nil
}

// FlushAll applies every staged change to the local store and clears the
// staged state only after all applies succeed.
func (t *Tracker) FlushAll() error {
	t.mu.Lock()
	changes := t.sorted()
	t.mu.Unlock()

	for _, c := range changes {
		if err := t.applyLocal(c); err != nil {
			return fmt.Errorf("flush %s %s: %w", c.Op, c.ID, err)
		}
	}
	t.mu.Lock()
	t.changes = make(map[string]*Change)
	t.mu.Unlock()
	return nil
}

func (t *Tracker) applyLocal(c Change) error {
	switch {
	case c.Entity == EntityPage && c.Op == OpCreated:
		return t.store.UpsertPage(*c.Page)
	case c.Entity == EntityPage && c.Op == OpUpdated:
		p, ok, err := t.store.GetPage(c.ID)
		if err != nil || !ok {
			return err
		}
		c.PagePatch.Apply(&p)
		return t.store.UpsertPage(p)
	case c.Entity == EntityPage && c.Op == OpDeleted:
		return t.store.DeletePage(c.ID)
	case c.Entity == EntityBlock && c.Op == OpCreated:
		return t.store.UpsertBlock(*c.Block)
	case c.Entity == EntityBlock && c.Op == OpUpdated:
		b, ok, err := t.store.GetBlock(c.ID)
		if err != nil || !ok {
			return err
		}
		c.BlockPatch.Apply(&b)
		return t.store.UpsertBlock(b)
	case c.Entity == EntityBlock && c.Op == OpDeleted:
		return t.store.DeleteBlock(c.ID)
	}
	return nil
}

// Changes returns staged changes ordered creates, then updates, then deletes;
// stage order within each group.
func (t *Tracker) Changes() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := t.sorted()
	res := make([]Change, 0, len(all))
	for _, op := range []Op{OpCreated, OpUpdated, OpDeleted} {
		for _, c := range all {
			if c.Op == op {
				res = append(res, c)
			}
		}
	}
	return res
}

// sorted returns copies of all changes in stage order. Caller holds t.mu.
func (t *Tracker) sorted() []Change {
	all := make([]Change, 0, len(t.changes))
	for _, c := range t.changes {
		all = append(all, *c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	return all
}

// Has reports whether a change is staged for the id.
func (t *Tracker) Has(entity EntityKind, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.changes[key(entity, id)]
	return ok
}

// Clear removes the staged change for an id, if any.
func (t *Tracker) Clear(entity EntityKind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.changes, key(entity, id))
}

// MarkFailed records a failed push attempt against the staged item.
func (t *Tracker) MarkFailed(entity EntityKind, id string, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.changes[key(entity, id)]; ok {
		c.RetryCount++
		c.LastError = errMsg
	}
}

// ResetRetry clears the retry counter so the next push cycle picks the item
// up again. User-triggered.
func (t *Tracker) ResetRetry(entity EntityKind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.changes[key(entity, id)]; ok {
		c.RetryCount = 0
		c.LastError = ""
	}
}

// Len returns the number of staged changes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes)
}

func mergePagePatch(dst *domain.PagePatch, src domain.PagePatch) {
	if src.Title != nil {
		dst.Title = src.Title
	}
	if src.ParentID != nil {
		dst.ParentID = src.ParentID
	}
	if src.IsFavorite != nil {
		dst.IsFavorite = src.IsFavorite
	}
	if src.Type != nil {
		dst.Type = src.Type
	}
}

func mergeBlockPatch(dst *domain.BlockPatch, src domain.BlockPatch) {
	if src.Type != nil {
		dst.Type = src.Type
	}
	if src.Content != nil {
		dst.Content = src.Content
	}
	if src.Metadata != nil {
		dst.Metadata = src.Metadata
	}
	if src.OrderIndex != nil {
		dst.OrderIndex = src.OrderIndex
	}
}
