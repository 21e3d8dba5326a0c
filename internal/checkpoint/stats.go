// Package checkpoint implements the in-memory checkpoint subsystem.
package checkpoint

import "github.com/seqmesh/seqmesh-go/internal/core/item"

// ManagerStats is a point-in-time snapshot of one manager, taken under the
// manager lock.
type ManagerStats struct {
	VBID                 uint16
	NumCheckpoints       int
	NumItems             int64
	NumOpenChkItems      int
	HighSeqno            int64
	OpenCheckpointID     uint64
	LastClosedID         uint64
	MemoryUsage          int64
	MemoryOverhead       int64
	NumCursors           int
	ItemsQueued          int64
	ItemsDeduplicated    int64
	ItemsExpelled        int64
	CheckpointsRemoved   int64
	PersistencePreChkID  uint64
	OpenCheckpointIsDisk bool
}

// Stats returns a snapshot of the manager's counters and sizes.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openCheckpoint()
	s := ManagerStats{
		VBID:                 m.vbid,
		NumCheckpoints:       len(m.checkpoints),
		NumItems:             m.numItems,
		NumOpenChkItems:      open.numItems,
		HighSeqno:            m.lastBySeqno,
		OpenCheckpointID:     open.id,
		LastClosedID:         m.lastClosedID(),
		NumCursors:           len(m.cursors),
		ItemsQueued:          m.queuedCnt.Count(),
		ItemsDeduplicated:    m.dedupedCnt.Count(),
		ItemsExpelled:        m.expelledCnt.Count(),
		CheckpointsRemoved:   m.removedCnt.Count(),
		PersistencePreChkID:  m.pCursorPreCheckpointID,
		OpenCheckpointIsDisk: open.ctype == TypeDisk,
	}
	for _, c := range m.checkpoints {
		s.MemoryUsage += c.MemUsage()
		s.MemoryOverhead += c.memOverhead()
	}
	return s
}

// NumItems returns the total number of items held, meta items included.
func (m *Manager) NumItems() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numItems
}

// NumCheckpoints returns the length of the checkpoint list.
func (m *Manager) NumCheckpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}

// NumOpenChkItems returns the number of non-meta items in the open
// checkpoint.
func (m *Manager) NumOpenChkItems() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCheckpoint().numItems
}

// NumItemsForCursor returns the exact count of non-meta items the cursor
// has yet to process: those strictly after its position through the end of
// the open checkpoint. An expired handle counts zero.
//
// The count is exact (not an estimate): it is computed under the manager
// lock from the cursor's resolved position.
func (m *Manager) NumItemsForCursor(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.resolve(h)
	if c == nil {
		return 0
	}
	return m.numItemsAfterCursor(c)
}

// NumItemsForPersistence returns the exact count of non-meta items the
// persistence cursor has yet to process.
func (m *Manager) NumItemsForPersistence() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numItemsAfterCursor(m.persistence)
}

func (m *Manager) numItemsAfterCursor(c *Cursor) int {
	ckpt := m.byID(c.ckptID)
	item.Invariant(ckpt != nil, "numItemsForCursor",
		"cursor %s references missing checkpoint %d", c.name, c.ckptID)

	count := ckpt.itemsAfter(c.pos)
	for next := m.checkpointAfter(ckpt.id); next != nil; next = m.checkpointAfter(next.id) {
		count += next.numItems
	}
	return count
}

// MemoryUsage returns the byte estimate for all checkpoints held.
func (m *Manager) MemoryUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, c := range m.checkpoints {
		total += c.MemUsage()
	}
	return total
}

// MemoryOverhead returns the bookkeeping byte estimate: element slots and
// key index entries, excluding document bytes.
func (m *Manager) MemoryOverhead() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, c := range m.checkpoints {
		total += c.memOverhead()
	}
	return total
}

// MemoryUsageOfUnrefCheckpoints returns the byte estimate for closed
// checkpoints that no cursor references.
func (m *Manager) MemoryUsageOfUnrefCheckpoints() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := make(map[uint64]bool, len(m.cursors))
	for _, c := range m.cursors {
		refs[c.ckptID] = true
	}
	var total int64
	for _, c := range m.checkpoints {
		if c.state == StateClosed && !refs[c.id] {
			total += c.MemUsage()
		}
	}
	return total
}

// OpenCheckpointID returns the id of the open checkpoint.
func (m *Manager) OpenCheckpointID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCheckpoint().id
}

// LastClosedCheckpointID returns the id of the newest closed checkpoint,
// or zero when none is held.
func (m *Manager) LastClosedCheckpointID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastClosedID()
}

func (m *Manager) lastClosedID() uint64 {
	if len(m.checkpoints) < 2 {
		return 0
	}
	return m.checkpoints[len(m.checkpoints)-2].id
}

// HighSeqno returns the last assigned bySeqno.
func (m *Manager) HighSeqno() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBySeqno
}

// SetBySeqno overrides the high seqno, used when seeding a manager from a
// persisted vbucket state.
func (m *Manager) SetBySeqno(seqno int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBySeqno = seqno
}

// NextBySeqno reserves and returns the next bySeqno.
func (m *Manager) NextBySeqno() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBySeqno++
	return m.lastBySeqno
}

// GetSnapshotInfo returns the high seqno and the open checkpoint's
// snapshot range.
func (m *Manager) GetSnapshotInfo() SnapshotInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openCheckpoint()
	return SnapshotInfo{
		HighSeqno: m.lastBySeqno,
		Start:     open.snapStart,
		End:       open.snapEnd,
	}
}

// OpenSnapshotStartSeqno returns the open checkpoint's snapshot start.
func (m *Manager) OpenSnapshotStartSeqno() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCheckpoint().snapStart
}

// IsOpenCheckpointDisk reports whether the open checkpoint holds a disk
// snapshot.
func (m *Manager) IsOpenCheckpointDisk() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCheckpoint().ctype == TypeDisk
}

// PersistenceCursorPreChkID returns the id of the checkpoint preceding the
// one the persistence cursor is walking.
func (m *Manager) PersistenceCursorPreChkID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pCursorPreCheckpointID
}

// ItemsPersisted records that the persistence consumer has durably applied
// everything drained so far, advancing the persisted-past checkpoint id.
func (m *Manager) ItemsPersisted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistence.ckptID > 0 {
		m.pCursorPreCheckpointID = m.persistence.ckptID - 1
	}
}
