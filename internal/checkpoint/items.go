// Package checkpoint implements the in-memory checkpoint subsystem.
package checkpoint

import (
	"math"
	"sort"

	"github.com/seqmesh/seqmesh-go/internal/core/item"
)

// SnapshotRange describes one checkpoint visited by a drain: its snapshot
// bounds and, for disk checkpoints, the high completed seqno to flush.
type SnapshotRange struct {
	Start uint64
	End   uint64

	HCS    uint64
	HasHCS bool
}

// ItemsForCursor is the result of a drain call.
type ItemsForCursor struct {
	// Items are the drained items in enqueue order. Structural meta items
	// (checkpoint_start, checkpoint_end, empty) are consumed by the walk
	// but not emitted; set_vbucket_state items are emitted.
	Items []*item.Item

	// Ranges holds one entry per checkpoint that contributed items, in
	// visit order.
	Ranges []SnapshotRange

	// MoreAvailable is true iff the cursor did not reach the end of the
	// open checkpoint: the item limit was hit or a checkpoint type
	// boundary stopped the walk.
	MoreAvailable bool

	// Type is the type of the checkpoints visited. A single drain never
	// mixes memory and disk checkpoints.
	Type Type

	// MaxDeletedRevSeqno is the highest deletion revSeqno observed across
	// the visited checkpoints.
	MaxDeletedRevSeqno    uint64
	HasMaxDeletedRevSeqno bool
}

// RegisterCursorBySeqno registers (or re-registers) a named cursor so that
// its next read observes items with bySeqno strictly greater than
// startBySeqno.
//
// The cursor lands in the checkpoint whose snapshot range contains
// startBySeqno, or the first checkpoint past it. If startBySeqno is at or
// beyond the high seqno, the cursor lands at the end of the open
// checkpoint and observes nothing until new items arrive. Registering into
// a non-empty open memory checkpoint closes it first, bounding the set of
// items the first read returns; an open disk checkpoint is left open.
//
// TryBackfill is returned true when startBySeqno precedes the earliest
// retained snapshot: the consumer must backfill from disk before
// streaming.
func (m *Manager) RegisterCursorBySeqno(name string, startBySeqno uint64, opts ...CursorOption) CursorRegResult {
	m.mu.Lock()

	if old, ok := m.cursors[name]; ok && old != m.persistence {
		delete(m.cursors, name)
	}

	res := CursorRegResult{
		TryBackfill: startBySeqno+1 < m.checkpoints[0].snapStart,
	}

	c := &Cursor{
		name:      name,
		gen:       m.takeGen(),
		droppable: name != PersistenceCursorName,
	}
	for _, opt := range opts {
		opt(c)
	}
	if name == PersistenceCursorName {
		c.droppable = false
	}

	newOpenSeqno := int64(-1)
	open := m.openCheckpoint()
	if startBySeqno >= uint64(m.lastBySeqno) {
		c.ckptID = open.id
		c.pos = open.lastIdx()
		res.Seqno = uint64(m.lastBySeqno) + 1
	} else {
		target := m.findCheckpointFor(startBySeqno)
		if target == open && open.numItems > 0 && open.ctype == TypeMemory {
			// Bound the first read of the new cursor. A disk checkpoint is
			// left alone: its snapshot may still be arriving.
			m.addOpenCheckpoint(open.id+1, uint64(m.lastBySeqno), uint64(m.lastBySeqno), nil, TypeMemory)
			newOpenSeqno = m.lastBySeqno
		}
		c.ckptID = target.id
		c.pos = m.positionInCheckpoint(target, startBySeqno)
		res.Seqno = m.nextObservedSeqno(c)
	}

	m.cursors[name] = c
	if name == PersistenceCursorName {
		m.persistence = c
	}
	res.Handle = handleOf(c)
	m.mu.Unlock()

	if newOpenSeqno >= 0 && m.hooks.NotifyNewCheckpoint != nil {
		m.hooks.NotifyNewCheckpoint(m.vbid, newOpenSeqno)
	}
	return res
}

// findCheckpointFor locates the checkpoint whose snapshot range contains
// the seqno, or the first checkpoint past it, defaulting to the open one.
// Callers hold the lock.
func (m *Manager) findCheckpointFor(seqno uint64) *Checkpoint {
	for _, c := range m.checkpoints {
		if seqno >= c.snapStart && seqno <= c.snapEnd {
			return c
		}
		if c.snapStart > seqno {
			return c
		}
	}
	return m.openCheckpoint()
}

// positionInCheckpoint returns the last-read idx for a cursor that must
// next observe items with bySeqno strictly greater than seqno: the idx of
// the last element at or below seqno, or the checkpoint start.
func (m *Manager) positionInCheckpoint(c *Checkpoint, seqno uint64) uint64 {
	pos := uint64(0)
	for _, e := range c.elems {
		if uint64(e.it.BySeqno) <= seqno {
			pos = e.idx
		} else {
			break
		}
	}
	return pos
}

// nextObservedSeqno returns the bySeqno of the first non-structural
// element the cursor will emit, or highSeqno+1 if it has none pending.
// Callers hold the lock.
func (m *Manager) nextObservedSeqno(c *Cursor) uint64 {
	ckpt := m.byID(c.ckptID)
	pos := c.pos
	for ckpt != nil {
		for i := ckpt.posAfter(pos); i < len(ckpt.elems); i++ {
			if !ckpt.elems[i].it.Op.IsStructural() {
				return uint64(ckpt.elems[i].it.BySeqno)
			}
		}
		ckpt = m.checkpointAfter(ckpt.id)
		pos = 0
	}
	return uint64(m.lastBySeqno) + 1
}

// RemoveCursor removes the referenced cursor from the registry. Removal is
// idempotent: an expired handle returns false. The persistence cursor is
// never removable.
func (m *Manager) RemoveCursor(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.resolve(h)
	if c == nil || c == m.persistence {
		return false
	}
	delete(m.cursors, c.name)
	return true
}

// GetCursor returns a weak handle to the named cursor.
func (m *Manager) GetCursor(name string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cursors[name]
	if !ok {
		return Handle{}, false
	}
	return handleOf(c), true
}

// GetNextItemsForCursor drains all outstanding items for the cursor,
// stopping only at a checkpoint type boundary or the end of the open
// checkpoint.
func (m *Manager) GetNextItemsForCursor(h Handle) (ItemsForCursor, error) {
	return m.GetItemsForCursor(h, math.MaxInt)
}

// GetItemsForCursor drains items for the cursor, stopping on the first
// checkpoint boundary at or past approxLimit non-meta items. Drains never
// truncate mid-checkpoint and never cross a Memory/Disk type boundary once
// they have collected items; a second call picks up the next-type
// checkpoint on its own. A drain that has collected nothing yet moves past
// the boundary.
//
// An expired handle returns item.ErrCursorNotFound; the caller aborts
// gracefully.
func (m *Manager) GetItemsForCursor(h Handle, approxLimit int) (ItemsForCursor, error) {
	m.mu.Lock()

	c := m.resolve(h)
	if c == nil {
		m.mu.Unlock()
		return ItemsForCursor{}, item.ErrCursorNotFound.WithDetails(h.name)
	}
	res := m.drain(c, approxLimit)
	m.mu.Unlock()
	return res, nil
}

// GetNextItemsForPersistence drains all outstanding items for the
// persistence cursor.
func (m *Manager) GetNextItemsForPersistence() ItemsForCursor {
	return m.GetItemsForPersistence(math.MaxInt)
}

// GetItemsForPersistence drains items for the persistence cursor, bounded
// like GetItemsForCursor.
func (m *Manager) GetItemsForPersistence(approxLimit int) ItemsForCursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drain(m.persistence, approxLimit)
}

// drain walks the cursor forward, collecting items and per-checkpoint
// snapshot ranges. Callers hold the lock.
func (m *Manager) drain(c *Cursor, approxLimit int) ItemsForCursor {
	ckpt := m.byID(c.ckptID)
	item.Invariant(ckpt != nil, "getItemsForCursor",
		"cursor %s references missing checkpoint %d", c.name, c.ckptID)

	res := ItemsForCursor{Type: ckpt.ctype}
	nonMeta := 0
	c.numVisits++

	for {
		emitted := false
		for i := ckpt.posAfter(c.pos); i < len(ckpt.elems); i++ {
			e := ckpt.elems[i]
			c.pos = e.idx
			if e.it.Op.IsStructural() {
				continue
			}
			res.Items = append(res.Items, e.it)
			if !e.it.IsMeta() {
				nonMeta++
			}
			emitted = true
		}
		if emitted {
			start, end := ckpt.SnapshotRange()
			r := SnapshotRange{Start: start, End: end}
			r.HCS, r.HasHCS = ckpt.HighCompletedSeqno()
			res.Ranges = append(res.Ranges, r)
			if ckpt.hasMaxDelRev &&
				(!res.HasMaxDeletedRevSeqno || ckpt.maxDeletedRevSeqno > res.MaxDeletedRevSeqno) {
				res.MaxDeletedRevSeqno = ckpt.maxDeletedRevSeqno
				res.HasMaxDeletedRevSeqno = true
			}
		}

		if ckpt.state == StateOpen {
			return res
		}
		next := m.checkpointAfter(ckpt.id)
		item.Invariant(next != nil, "getItemsForCursor",
			"closed checkpoint %d has no successor", ckpt.id)
		// A type boundary ends the drain, unless nothing was emitted yet:
		// an exhausted empty checkpoint is skipped so the second-call rule
		// applies to item-bearing drains only.
		if next.ctype != ckpt.ctype && len(res.Items) > 0 {
			res.MoreAvailable = true
			return res
		}
		if nonMeta >= approxLimit {
			res.MoreAvailable = true
			return res
		}
		if len(res.Items) == 0 {
			res.Type = next.ctype
		}

		if c == m.persistence {
			m.pCursorPreCheckpointID = ckpt.id
		}
		c.ckptID = next.id
		c.pos = 0
		ckpt = next
	}
}

// RemoveClosedUnrefCheckpoints removes closed checkpoints that no cursor
// references, scanning from the oldest and stopping at the first
// referenced one so snapshot ranges stay contiguous. At most limit
// checkpoints are removed.
//
// When every closed checkpoint was removable and the open checkpoint holds
// no non-meta items but carries expelled-item bookkeeping worth
// reclaiming, the open checkpoint is closed and a fresh one created; the
// second return reports this.
//
// Returns the number of non-meta items released.
func (m *Manager) RemoveClosedUnrefCheckpoints(limit int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := make(map[uint64]int, len(m.cursors))
	for _, c := range m.cursors {
		refs[c.ckptID]++
	}

	released := 0
	removed := 0
	blocked := false
	for len(m.checkpoints) > 1 && removed < limit {
		oldest := m.checkpoints[0]
		if oldest.state != StateClosed {
			break
		}
		if refs[oldest.id] > 0 {
			blocked = true
			break
		}
		released += oldest.numItems
		m.numItems -= int64(len(oldest.elems))
		m.acct.Add(-oldest.MemUsage())
		m.checkpoints = m.checkpoints[1:]
		removed++
	}
	if removed > 0 {
		m.removedCnt.Inc(int64(removed))
	}

	newOpenCreated := false
	open := m.openCheckpoint()
	if !blocked && len(m.checkpoints) == 1 && open.numItems == 0 && open.numExpelled > 0 {
		m.addOpenCheckpoint(open.id+1, uint64(m.lastBySeqno), uint64(m.lastBySeqno), nil, TypeMemory)
		newOpenCreated = true
	}
	return released, newOpenCreated
}

// HasClosedCheckpointWhichCanBeRemoved reports whether the oldest
// checkpoint is closed and unreferenced.
func (m *Manager) HasClosedCheckpointWhichCanBeRemoved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldest := m.checkpoints[0]
	if oldest.state != StateClosed {
		return false
	}
	for _, c := range m.cursors {
		if c.ckptID == oldest.id {
			return false
		}
	}
	return true
}

// ExpelUnreferencedCheckpointItems compacts the oldest checkpoint that
// still has a cursor in it, removing items every such cursor has already
// read. Checkpoint identity, snapshot range and type are preserved.
func (m *Manager) ExpelUnreferencedCheckpointItems() ExpelResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ckpt := range m.checkpoints {
		minIdx, hasCursor := m.minCursorIdx(ckpt.id)
		if !hasCursor {
			continue
		}
		if minIdx == 0 {
			return ExpelResult{}
		}
		count, bytes := ckpt.expel(minIdx)
		if count > 0 {
			m.numItems -= int64(count)
			m.acct.Add(-bytes)
			m.expelledCnt.Inc(int64(count))
		}
		return ExpelResult{Count: count, MemoryReleased: bytes}
	}
	return ExpelResult{}
}

// GetListOfCursorsToDrop returns weak handles to the droppable cursors
// positioned in closed checkpoints, oldest first. The persistence cursor
// is never included.
func (m *Manager) GetListOfCursorsToDrop() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	listPos := make(map[uint64]int, len(m.checkpoints))
	for i, c := range m.checkpoints {
		listPos[c.id] = i
	}
	openID := m.openCheckpoint().id

	var drop []*Cursor
	for _, c := range m.cursors {
		if !c.droppable || c.ckptID == openID {
			continue
		}
		drop = append(drop, c)
	}
	sort.Slice(drop, func(i, j int) bool {
		a, b := drop[i], drop[j]
		if listPos[a.ckptID] != listPos[b.ckptID] {
			return listPos[a.ckptID] < listPos[b.ckptID]
		}
		if a.pos != b.pos {
			return a.pos < b.pos
		}
		return a.name < b.name
	})

	handles := make([]Handle, 0, len(drop))
	for _, c := range drop {
		handles = append(handles, handleOf(c))
	}
	return handles
}
