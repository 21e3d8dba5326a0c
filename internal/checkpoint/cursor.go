// Package checkpoint implements the in-memory checkpoint subsystem.
package checkpoint

// PersistenceCursorName is the reserved name of the persistence cursor.
// It exists for the lifetime of a manager and is never droppable.
const PersistenceCursorName = "persistence"

// Cursor is a named position inside a manager's checkpoint list: the id of
// a checkpoint and the insertion idx of the last element read within it.
// Insertion idxs are stable under dedup and expel, so a position survives
// removals without adjustment.
//
// Cursors are owned by the manager; all fields are guarded by the manager
// lock. External holders keep a Handle and re-resolve it on every use.
type Cursor struct {
	name      string
	gen       uint64
	ckptID    uint64
	pos       uint64
	droppable bool

	// numVisits counts drain calls, for stats.
	numVisits uint64
}

// Name returns the cursor name.
func (c *Cursor) Name() string { return c.name }

// Droppable reports whether the cursor may be offered for cursor dropping.
func (c *Cursor) Droppable() bool { return c.droppable }

// Handle is a weak reference to a registered cursor. A handle expires when
// its cursor is removed; re-registering the same name yields a new
// generation, so stale handles to a prior incarnation do not resolve.
//
// The zero Handle never resolves.
type Handle struct {
	name string
	gen  uint64
}

// Name returns the name of the referenced cursor.
func (h Handle) Name() string { return h.name }

// CursorOption configures cursor registration.
type CursorOption func(*Cursor)

// WithDroppable marks whether the cursor participates in cursor dropping.
// Cursors are droppable by default; the persistence cursor never is.
func WithDroppable(v bool) CursorOption {
	return func(c *Cursor) {
		c.droppable = v
	}
}

// resolve returns the live cursor for h, or nil if the handle has expired.
// Callers hold the manager lock.
func (m *Manager) resolve(h Handle) *Cursor {
	c, ok := m.cursors[h.name]
	if !ok || c.gen != h.gen {
		return nil
	}
	return c
}

// handleOf builds a weak handle for a live cursor.
func handleOf(c *Cursor) Handle {
	return Handle{name: c.name, gen: c.gen}
}

// cursorBounds returns the largest last-read idx among cursors positioned
// in the given checkpoint, and whether any cursor is there. Callers hold
// the manager lock.
func (m *Manager) cursorBounds(ckptID uint64) (maxIdx uint64, hasCursor bool) {
	for _, c := range m.cursors {
		if c.ckptID != ckptID {
			continue
		}
		if !hasCursor || c.pos > maxIdx {
			maxIdx = c.pos
		}
		hasCursor = true
	}
	return maxIdx, hasCursor
}

// minCursorIdx returns the smallest last-read idx among cursors positioned
// in the given checkpoint. Callers hold the manager lock.
func (m *Manager) minCursorIdx(ckptID uint64) (minIdx uint64, hasCursor bool) {
	for _, c := range m.cursors {
		if c.ckptID != ckptID {
			continue
		}
		if !hasCursor || c.pos < minIdx {
			minIdx = c.pos
		}
		hasCursor = true
	}
	return minIdx, hasCursor
}
