// Package checkpoint implements the in-memory checkpoint subsystem.
package checkpoint

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/seqmesh/seqmesh-go/internal/core/item"
)

// CheckpointOverhead is the fixed memory overhead charged per checkpoint
// on top of its items.
const CheckpointOverhead = 256

// keyIndexEntryOverhead approximates the bytes a key index entry costs
// beyond the key itself.
const keyIndexEntryOverhead = 48

// Type classifies a checkpoint by the snapshot it was built from.
type Type uint8

const (
	// TypeMemory is a checkpoint of in-memory mutations.
	TypeMemory Type = iota

	// TypeDisk is a checkpoint built from a disk snapshot received by a
	// replica. Disk checkpoints carry a high completed seqno and are never
	// merged with memory checkpoints.
	TypeDisk
)

// String returns the type name.
func (t Type) String() string {
	if t == TypeDisk {
		return "disk"
	}
	return "memory"
}

// State is the lifecycle state of a checkpoint.
type State uint8

const (
	// StateOpen is the single tail checkpoint accepting new items.
	StateOpen State = iota

	// StateClosed is a frozen checkpoint awaiting consumption and removal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	if s == StateClosed {
		return "closed"
	}
	return "open"
}

// QueueResult reports what queueItem did with an item.
type QueueResult uint8

const (
	// QueueNewItem means the item was appended as a new entry.
	QueueNewItem QueueResult = iota

	// QueueExistingItem means the item replaced an unread occurrence of the
	// same key in place.
	QueueExistingItem

	// QueueFailure means a caller precondition was violated, e.g. queueing
	// into a closed checkpoint.
	QueueFailure
)

// element is one slot in a checkpoint's item sequence. idx is a per
// checkpoint insertion counter: stable under dedup and expel, strictly
// increasing in slice order, so cursor positions survive removals.
type element struct {
	idx uint64
	it  *item.Item
}

// Checkpoint is a bounded, ordered window of items with an explicit
// snapshot range. All methods are called under the owning manager's lock.
type Checkpoint struct {
	id    uint64
	vbid  uint16
	ctype Type
	state State

	snapStart uint64
	snapEnd   uint64

	// highCompletedSeqno is only meaningful for disk checkpoints.
	highCompletedSeqno uint64
	hasHCS             bool

	elems   []element
	nextIdx uint64

	// keyIndex maps key to the insertion idx of its current occurrence.
	// Only maintained while open; an entry may point at an expelled
	// element, which permanently blocks dedup for that key.
	keyIndex map[string]uint64

	// numItems counts non-meta items currently held.
	numItems int

	// numExpelled counts items removed by expel over the lifetime.
	numExpelled int

	// maxDeletedRevSeqno tracks the highest revSeqno among deletions.
	maxDeletedRevSeqno uint64
	hasMaxDelRev       bool

	// memUsage is the byte estimate for items held, excluding the fixed
	// checkpoint overhead. Atomic so aggregate readers skip the lock.
	memUsage atomic.Int64

	created time.Time
}

// newCheckpoint creates a checkpoint seeded with the given checkpoint_start
// meta item.
func newCheckpoint(id uint64, vbid uint16, snapStart, snapEnd uint64, hcs *uint64, ctype Type, start *item.Item) *Checkpoint {
	c := &Checkpoint{
		id:        id,
		vbid:      vbid,
		ctype:     ctype,
		state:     StateOpen,
		snapStart: snapStart,
		snapEnd:   snapEnd,
		keyIndex:  make(map[string]uint64),
		created:   time.Now(),
	}
	if hcs != nil {
		c.highCompletedSeqno = *hcs
		c.hasHCS = true
	}
	c.appendElement(start)
	return c
}

// ID returns the checkpoint id.
func (c *Checkpoint) ID() uint64 { return c.id }

// Type returns the checkpoint type.
func (c *Checkpoint) Type() Type { return c.ctype }

// State returns the checkpoint state.
func (c *Checkpoint) State() State { return c.state }

// SnapshotRange returns the snapshot range covered by this checkpoint.
func (c *Checkpoint) SnapshotRange() (start, end uint64) {
	return c.snapStart, c.snapEnd
}

// HighCompletedSeqno returns the HCS and whether one is set. Only disk
// checkpoints carry an HCS.
func (c *Checkpoint) HighCompletedSeqno() (uint64, bool) {
	return c.highCompletedSeqno, c.hasHCS
}

// NumItems returns the count of non-meta items currently held.
func (c *Checkpoint) NumItems() int { return c.numItems }

// MemUsage returns the item byte estimate plus the fixed overhead.
func (c *Checkpoint) MemUsage() int64 {
	return c.memUsage.Load() + CheckpointOverhead
}

// memOverhead estimates bookkeeping bytes: the element slots and the key
// index entries, excluding document bytes.
func (c *Checkpoint) memOverhead() int64 {
	overhead := int64(CheckpointOverhead)
	overhead += int64(len(c.elems)) * 24
	for k := range c.keyIndex {
		overhead += int64(len(k)) + keyIndexEntryOverhead
	}
	return overhead
}

// appendElement appends it with the next insertion idx and updates
// accounting. Returns the assigned idx.
func (c *Checkpoint) appendElement(it *item.Item) uint64 {
	idx := c.nextIdx
	c.nextIdx++
	c.elems = append(c.elems, element{idx: idx, it: it})
	c.memUsage.Add(it.Size())
	if !it.IsMeta() {
		c.numItems++
		if c.keyIndex != nil {
			c.keyIndex[it.Key] = idx
		}
	}
	if it.IsDeletion() && (!c.hasMaxDelRev || it.RevSeqno > c.maxDeletedRevSeqno) {
		c.maxDeletedRevSeqno = it.RevSeqno
		c.hasMaxDelRev = true
	}
	return idx
}

// posOf returns the slice position of the element with the given idx, or
// (0, false) if it is not present (expelled or deduplicated away).
func (c *Checkpoint) posOf(idx uint64) (int, bool) {
	n := sort.Search(len(c.elems), func(i int) bool { return c.elems[i].idx >= idx })
	if n < len(c.elems) && c.elems[n].idx == idx {
		return n, true
	}
	return 0, false
}

// posAfter returns the slice position of the first element with an idx
// strictly greater than the given one.
func (c *Checkpoint) posAfter(idx uint64) int {
	return sort.Search(len(c.elems), func(i int) bool { return c.elems[i].idx > idx })
}

// lastIdx returns the insertion idx of the tail element.
func (c *Checkpoint) lastIdx() uint64 {
	return c.elems[len(c.elems)-1].idx
}

// dedupBlocked reports whether queueing key into this open checkpoint
// cannot deduplicate in place: the key has a prior occurrence that some
// cursor in this checkpoint has already read or is positioned at, or the
// prior occurrence was expelled. The caller reacts by opening a new
// checkpoint.
//
// maxCursorIdx is the largest last-read idx among cursors positioned in
// this checkpoint; hasCursor is false when no cursor is here.
func (c *Checkpoint) dedupBlocked(key string, maxCursorIdx uint64, hasCursor bool) bool {
	if c.state != StateOpen {
		return false
	}
	oldIdx, ok := c.keyIndex[key]
	if !ok {
		return false
	}
	if _, present := c.posOf(oldIdx); !present {
		// The occurrence was expelled; the key can only go to a new
		// checkpoint.
		return true
	}
	return hasCursor && maxCursorIdx >= oldIdx
}

// queueItem appends it to the tail, deduplicating against an unread prior
// occurrence of the same key.
//
// A prior occurrence is replaced in place iff no cursor in this checkpoint
// has read it or is positioned at it: the old element is removed from the
// sequence and the new item appended, preserving order. A cursor at the
// occurrence inhibits replacement, as it still has to observe the old
// value. Callers resolve blocked dedup by opening a new checkpoint first;
// queueItem falls back to a plain append if called with dedup blocked.
func (c *Checkpoint) queueItem(it *item.Item, maxCursorIdx uint64, hasCursor bool) QueueResult {
	if c.state != StateOpen {
		return QueueFailure
	}

	if !it.IsMeta() {
		if oldIdx, ok := c.keyIndex[it.Key]; ok {
			if pos, present := c.posOf(oldIdx); present && (!hasCursor || maxCursorIdx < oldIdx) {
				old := c.elems[pos].it
				c.elems = append(c.elems[:pos], c.elems[pos+1:]...)
				c.memUsage.Add(-old.Size())
				c.numItems--
				c.appendElement(it)
				return QueueExistingItem
			}
		}
	}

	c.appendElement(it)
	return QueueNewItem
}

// close freezes the checkpoint, appending the given checkpoint_end meta
// item. The key index is dropped: closed checkpoints never deduplicate.
func (c *Checkpoint) close(end *item.Item) {
	c.appendElement(end)
	c.state = StateClosed
	c.keyIndex = nil
}

// expel removes non-meta items with idx in (start, upTo] from the item
// sequence. Snapshot range, id, state and type are preserved; only the
// sequence is compacted. Meta items are never expelled, so every cursor
// still observes exactly one checkpoint_start/checkpoint_end pair.
//
// Returns the number of items removed and the byte estimate reclaimed.
func (c *Checkpoint) expel(upTo uint64) (int, int64) {
	kept := c.elems[:0]
	count := 0
	var bytes int64
	for _, e := range c.elems {
		if e.idx > upTo || e.it.IsMeta() {
			kept = append(kept, e)
			continue
		}
		count++
		bytes += e.it.Size()
	}
	c.elems = kept
	if count > 0 {
		c.numItems -= count
		c.numExpelled += count
		c.memUsage.Add(-bytes)
	}
	return count, bytes
}

// itemsAfter counts non-meta items with idx strictly greater than the
// given one.
func (c *Checkpoint) itemsAfter(idx uint64) int {
	count := 0
	for i := c.posAfter(idx); i < len(c.elems); i++ {
		if !c.elems[i].it.IsMeta() {
			count++
		}
	}
	return count
}
