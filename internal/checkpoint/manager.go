// Package checkpoint implements the in-memory checkpoint subsystem.
package checkpoint

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/seqmesh/seqmesh-go/internal/core/item"
	"github.com/seqmesh/seqmesh-go/pkg/hlc"
)

// PreLinkFunc is notified with the CAS assigned to an item before the item
// becomes visible to readers. Implementations must not call back into the
// manager.
type PreLinkFunc func(cas uint64)

// Hooks are the upper-layer callbacks a manager fires outside its lock.
type Hooks struct {
	// NotifyFlusher is invoked when the persistence queue grows.
	NotifyFlusher func(vbid uint16)

	// NotifyNewCheckpoint is invoked when a new open checkpoint is
	// created, so paused consumers can retry.
	NotifyNewCheckpoint func(vbid uint16, highSeqno int64)
}

// CursorRegResult is the outcome of RegisterCursorBySeqno.
type CursorRegResult struct {
	// Seqno is the sequence number from which the cursor will next
	// observe items.
	Seqno uint64

	// TryBackfill is true when the requested start precedes the earliest
	// snapshot still retained, so the consumer must backfill from disk
	// before streaming from memory.
	TryBackfill bool

	// Handle is the weak reference to the registered cursor.
	Handle Handle
}

// SnapshotInfo describes the current snapshot of a manager.
type SnapshotInfo struct {
	HighSeqno int64
	Start     uint64
	End       uint64
}

// ExpelResult reports the outcome of ExpelUnreferencedCheckpointItems.
type ExpelResult struct {
	Count          int
	MemoryReleased int64
}

// Manager maintains the ordered list of checkpoints for one vbucket,
// assigns seqnos, and owns the cursor registry.
type Manager struct {
	cfg    *Config
	acct   *Accounting
	logger *slog.Logger
	hooks  Hooks
	clock  *hlc.Clock
	vbid   uint16

	mu          sync.Mutex
	checkpoints []*Checkpoint
	cursors     map[string]*Cursor
	persistence *Cursor
	lastBySeqno int64
	nextGen     uint64

	// numItems counts every element held, meta items included.
	numItems int64

	// pCursorPreCheckpointID is the id of the last checkpoint fully
	// persisted past, updated when a drain moves the persistence cursor
	// into the next checkpoint and by ItemsPersisted.
	pCursorPreCheckpointID uint64

	// Lifetime counters.
	queuedCnt   metrics.Counter
	dedupedCnt  metrics.Counter
	expelledCnt metrics.Counter
	removedCnt  metrics.Counter
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithHooks sets the upper-layer callbacks.
func WithHooks(h Hooks) ManagerOption {
	return func(m *Manager) {
		m.hooks = h
	}
}

// WithClock sets the CAS clock, shared across managers of a bucket.
func WithClock(c *hlc.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager creates a manager for one vbucket with a single open
// checkpoint covering [lastSnapStart, lastSnapEnd] and the persistence
// cursor positioned at its start.
func NewManager(cfg *Config, acct *Accounting, vbid uint16, lastSeqno int64, lastSnapStart, lastSnapEnd uint64, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:         cfg,
		acct:        acct,
		vbid:        vbid,
		cursors:     make(map[string]*Cursor),
		lastBySeqno: lastSeqno,
		queuedCnt:   metrics.NewCounter(),
		dedupedCnt:  metrics.NewCounter(),
		expelledCnt: metrics.NewCounter(),
		removedCnt:  metrics.NewCounter(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.clock == nil {
		m.clock = hlc.New()
	}

	m.addOpenCheckpoint(1, lastSnapStart, lastSnapEnd, nil, TypeMemory)

	p := &Cursor{
		name:   PersistenceCursorName,
		gen:    m.takeGen(),
		ckptID: 1,
	}
	m.cursors[p.name] = p
	m.persistence = p

	return m
}

// VBID returns the vbucket this manager belongs to.
func (m *Manager) VBID() uint16 { return m.vbid }

func (m *Manager) takeGen() uint64 {
	m.nextGen++
	return m.nextGen
}

// openCheckpoint returns the tail checkpoint. Callers hold the lock.
func (m *Manager) openCheckpoint() *Checkpoint {
	return m.checkpoints[len(m.checkpoints)-1]
}

// byID returns the checkpoint with the given id, or nil. Callers hold the
// lock.
func (m *Manager) byID(id uint64) *Checkpoint {
	for _, c := range m.checkpoints {
		if c.id == id {
			return c
		}
	}
	return nil
}

// checkpointAfter returns the checkpoint following the one with the given
// id, or nil. Callers hold the lock.
func (m *Manager) checkpointAfter(id uint64) *Checkpoint {
	for i, c := range m.checkpoints {
		if c.id == id && i+1 < len(m.checkpoints) {
			return m.checkpoints[i+1]
		}
	}
	return nil
}

// createCheckpointItem builds a meta item with the original checkpoint
// seqno conventions: checkpoint_start and checkpoint_end both take
// lastBySeqno+1, so an end marker orders after every item it closes and a
// start marker never orders after the first item queued behind it (a
// generated seqno for that item equals the marker's).
func (m *Manager) createCheckpointItem(op item.Operation) *item.Item {
	return &item.Item{
		VBID:    m.vbid,
		Op:      op,
		BySeqno: m.lastBySeqno + 1,
	}
}

// addOpenCheckpoint closes the current open checkpoint (if any) and
// appends a new open one. Callers hold the lock.
func (m *Manager) addOpenCheckpoint(id uint64, snapStart, snapEnd uint64, hcs *uint64, ctype Type) {
	if len(m.checkpoints) > 0 {
		open := m.openCheckpoint()
		item.Invariant(open.state == StateOpen, "addOpenCheckpoint",
			"tail checkpoint %d is not open", open.id)
		open.close(m.createCheckpointItem(item.OpCheckpointEnd))
		m.numItems++
		m.acct.Add(open.elems[len(open.elems)-1].it.Size())
	}

	ckpt := newCheckpoint(id, m.vbid, snapStart, snapEnd, hcs, ctype, m.createCheckpointItem(item.OpCheckpointStart))
	m.checkpoints = append(m.checkpoints, ckpt)
	m.numItems++
	m.acct.Add(ckpt.MemUsage())
}

// checkOpenCheckpoint decides whether the open checkpoint must be closed
// and a new one started, per policy: item-count bound, time bound, or
// forced creation. Returns the previous open checkpoint id if a new one
// was created, else 0. Callers hold the lock.
func (m *Manager) checkOpenCheckpoint(forceCreation, timeBound bool) uint64 {
	open := m.openCheckpoint()
	if open.numItems == 0 && !forceCreation {
		return 0
	}
	// A disk checkpoint covers exactly its declared snapshot; the count
	// and time bounds never split it.
	if open.ctype == TypeDisk && !forceCreation {
		return 0
	}

	trigger := forceCreation ||
		open.numItems >= m.cfg.MaxCheckpointItems() ||
		(timeBound && time.Since(open.created) >= m.cfg.MaxCheckpointTime())
	if !trigger {
		return 0
	}

	prevID := open.id
	m.addOpenCheckpoint(prevID+1, uint64(m.lastBySeqno), uint64(m.lastBySeqno), nil, TypeMemory)
	return prevID
}

// QueueDirty appends an item to the open checkpoint.
//
// With generateSeqno the item is assigned lastBySeqno+1; otherwise its
// BySeqno must exceed the current high seqno or the call panics with an
// InvariantViolation. With generateCas a fresh HLC CAS is assigned, and
// preLink (if non-nil) is notified before the item is visible to readers.
//
// Returns true if the logical persistence queue grew by one: the item was
// appended as a new entry rather than replacing an unread occurrence of
// its key. Returns item.ErrMemoryExhausted when the checkpoint memory hard
// cap is configured and reached; the caller retries after backpressure.
func (m *Manager) QueueDirty(it *item.Item, generateSeqno, generateCas bool, preLink PreLinkFunc) (bool, error) {
	item.Invariant(!it.IsMeta(), "queueDirty", "meta item %s", it)

	m.mu.Lock()

	if hardCap := m.cfg.MemHardCap(); hardCap > 0 && m.acct.CheckpointMem() >= hardCap {
		m.mu.Unlock()
		return false, item.ErrMemoryExhausted.WithDetails(
			fmt.Sprintf("vb:%d cap:%d", m.vbid, hardCap))
	}

	if !generateSeqno {
		item.Invariant(it.BySeqno > m.lastBySeqno, "queueDirty",
			"bySeqno %d does not advance high seqno %d", it.BySeqno, m.lastBySeqno)
	}

	// Dedup that would reorder an already-read occurrence breaks into a
	// new checkpoint instead.
	open := m.openCheckpoint()
	maxIdx, hasCursor := m.cursorBounds(open.id)
	force := open.dedupBlocked(it.Key, maxIdx, hasCursor)

	newCkptSeqno := int64(-1)
	if prevID := m.checkOpenCheckpoint(force, true); prevID != 0 {
		open = m.openCheckpoint()
		maxIdx, hasCursor = m.cursorBounds(open.id)
		newCkptSeqno = m.lastBySeqno
	}

	if generateSeqno {
		it.BySeqno = m.lastBySeqno + 1
	}
	m.lastBySeqno = it.BySeqno

	if generateCas {
		it.Cas = m.clock.Next()
		if preLink != nil {
			preLink(it.Cas)
		}
	}

	m.adjustOpenSnapshot(open, uint64(it.BySeqno))

	before := open.MemUsage()
	res := open.queueItem(it, maxIdx, hasCursor)
	item.Invariant(res != QueueFailure, "queueDirty", "open checkpoint %d rejected %s", open.id, it)
	m.acct.Add(open.MemUsage() - before)

	if res == QueueNewItem {
		m.numItems++
	}
	m.queuedCnt.Inc(1)
	if res == QueueExistingItem {
		m.dedupedCnt.Inc(1)
	}

	grew := res == QueueNewItem
	m.mu.Unlock()

	if newCkptSeqno >= 0 && m.hooks.NotifyNewCheckpoint != nil {
		m.hooks.NotifyNewCheckpoint(m.vbid, newCkptSeqno)
	}
	if grew && m.hooks.NotifyFlusher != nil {
		m.hooks.NotifyFlusher(m.vbid)
	}
	return grew, nil
}

// adjustOpenSnapshot keeps the open checkpoint's snapshot range covering
// the item about to be appended. Memory checkpoints grow their range as
// items arrive; the first item of an empty one also pins snapStart so the
// range reflects what the checkpoint actually holds. Disk checkpoints have
// a fixed, caller-declared range and items must fall inside it.
func (m *Manager) adjustOpenSnapshot(open *Checkpoint, seqno uint64) {
	if open.ctype == TypeDisk {
		item.Invariant(seqno >= open.snapStart && seqno <= open.snapEnd,
			"queueDirty", "seqno %d outside disk snapshot [%d, %d]",
			seqno, open.snapStart, open.snapEnd)
		return
	}
	if open.numItems == 0 {
		open.snapStart = seqno
		if open.snapEnd < seqno {
			open.snapEnd = seqno
		}
		return
	}
	if open.snapEnd < seqno {
		open.snapEnd = seqno
	}
}

// QueueSetVBState appends a set_vbucket_state meta item to the open
// checkpoint. No seqno slot is consumed and no dedup applies; the item is
// handed to the persistence consumer on its next drain.
func (m *Manager) QueueSetVBState() {
	m.mu.Lock()
	open := m.openCheckpoint()
	it := &item.Item{
		VBID:    m.vbid,
		Op:      item.OpSetVBucketState,
		BySeqno: m.lastBySeqno + 1,
	}
	res := open.queueItem(it, 0, false)
	item.Invariant(res == QueueNewItem, "queueSetVBState", "open checkpoint %d rejected state item", open.id)
	m.numItems++
	m.acct.Add(it.Size())
	m.mu.Unlock()

	if m.hooks.NotifyFlusher != nil {
		m.hooks.NotifyFlusher(m.vbid)
	}
}

// CreateNewCheckpoint forces the open checkpoint closed and a new one
// open. Returns the new open checkpoint id.
func (m *Manager) CreateNewCheckpoint() uint64 {
	m.mu.Lock()
	prevID := m.checkOpenCheckpoint(true, false)
	id := m.openCheckpoint().id
	seqno := m.lastBySeqno
	m.mu.Unlock()

	if prevID != 0 && m.hooks.NotifyNewCheckpoint != nil {
		m.hooks.NotifyNewCheckpoint(m.vbid, seqno)
	}
	return id
}

// CreateSnapshot declares the snapshot range for incoming items. If the
// open checkpoint is empty and of the same type, its range is adjusted in
// place; otherwise it is closed and a new open checkpoint created with the
// given range and type. An HCS is only valid for disk snapshots.
func (m *Manager) CreateSnapshot(snapStart, snapEnd uint64, hcs *uint64, ctype Type) {
	item.Invariant(hcs == nil || ctype == TypeDisk, "createSnapshot",
		"HCS is only valid for disk snapshots")
	item.Invariant(snapStart <= snapEnd, "createSnapshot",
		"snapStart %d > snapEnd %d", snapStart, snapEnd)

	m.mu.Lock()
	open := m.openCheckpoint()
	if open.numItems == 0 && open.ctype == ctype {
		open.snapStart = snapStart
		open.snapEnd = snapEnd
		open.hasHCS = false
		if hcs != nil {
			open.highCompletedSeqno = *hcs
			open.hasHCS = true
		}
		m.mu.Unlock()
		return
	}

	m.addOpenCheckpoint(open.id+1, snapStart, snapEnd, hcs, ctype)
	seqno := m.lastBySeqno
	m.mu.Unlock()

	if m.hooks.NotifyNewCheckpoint != nil {
		m.hooks.NotifyNewCheckpoint(m.vbid, seqno)
	}
}

// UpdateCurrentSnapshot extends the open checkpoint's snapshot end. The
// type must match the open checkpoint.
func (m *Manager) UpdateCurrentSnapshot(snapEnd uint64, ctype Type) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openCheckpoint()
	item.Invariant(open.ctype == ctype, "updateCurrentSnapshot",
		"type %v does not match open checkpoint type %v", ctype, open.ctype)
	item.Invariant(snapEnd >= open.snapEnd, "updateCurrentSnapshot",
		"snapEnd %d behind current %d", snapEnd, open.snapEnd)
	open.snapEnd = snapEnd
}

// SetBackfillPhase marks the vbucket as receiving a disk backfill by
// declaring a disk snapshot covering [start, end].
func (m *Manager) SetBackfillPhase(start, end uint64) {
	m.CreateSnapshot(start, end, nil, TypeDisk)
}

// ResetSnapshotRange collapses the open checkpoint's snapshot range onto
// the current high seqno. Only valid while the open checkpoint is empty.
func (m *Manager) ResetSnapshotRange() {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openCheckpoint()
	item.Invariant(open.numItems == 0, "resetSnapshotRange",
		"open checkpoint %d holds %d items", open.id, open.numItems)
	open.snapStart = uint64(m.lastBySeqno)
	open.snapEnd = uint64(m.lastBySeqno)
}

// Clear discards every checkpoint, resets the high seqno to the given
// value and recreates a single open checkpoint with the next id. Every
// cursor is repositioned to the start of the new open checkpoint.
func (m *Manager) Clear(seqno uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.checkpoints {
		m.acct.Add(-c.MemUsage())
	}
	prevOpenID := m.openCheckpoint().id
	m.checkpoints = nil
	m.numItems = 0
	m.lastBySeqno = int64(seqno)

	m.addOpenCheckpoint(prevOpenID+1, seqno, seqno, nil, TypeMemory)

	open := m.openCheckpoint()
	for _, c := range m.cursors {
		c.ckptID = open.id
		c.pos = 0
	}
}

// TakeAndResetCursors re-homes every cursor from other into this manager
// at the start of this manager's open checkpoint, clearing them from
// other. other keeps its checkpoints and is given a fresh persistence
// cursor so it remains usable; callers typically Clear or discard it.
func (m *Manager) TakeAndResetCursors(other *Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	open := m.openCheckpoint()
	for name, c := range other.cursors {
		c.ckptID = open.id
		c.pos = 0
		m.cursors[name] = c
		if name == PersistenceCursorName {
			m.persistence = c
		}
	}

	other.cursors = make(map[string]*Cursor)
	p := &Cursor{
		name:   PersistenceCursorName,
		gen:    other.takeGen(),
		ckptID: other.openCheckpoint().id,
	}
	other.cursors[p.name] = p
	other.persistence = p
}

// String returns a textual dump of the manager, used by stats and debug
// output.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "CheckpointManager[vb:%d] highSeqno:%d numItems:%d checkpoints:%d\n",
		m.vbid, m.lastBySeqno, m.numItems, len(m.checkpoints))
	for _, c := range m.checkpoints {
		fmt.Fprintf(&b, "  Checkpoint[id:%d %s %s snap:[%d,%d] items:%d expelled:%d mem:%d]\n",
			c.id, c.state, c.ctype, c.snapStart, c.snapEnd, c.numItems, c.numExpelled, c.MemUsage())
	}
	for _, c := range m.cursors {
		fmt.Fprintf(&b, "  Cursor[%s ckpt:%d pos:%d droppable:%v]\n", c.name, c.ckptID, c.pos, c.droppable)
	}
	return b.String()
}
