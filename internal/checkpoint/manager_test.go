package checkpoint

import (
	"errors"
	"testing"

	"github.com/seqmesh/seqmesh-go/internal/core/item"
)

const testQuota = 1 << 30

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	return NewManager(NewConfig(testQuota), NewAccounting(), 0, 0, 0, 0, opts...)
}

func queue(t *testing.T, m *Manager, key, value string) bool {
	t.Helper()
	grew, err := m.QueueDirty(item.NewMutation(m.VBID(), key, []byte(value)), true, true, nil)
	if err != nil {
		t.Fatalf("QueueDirty(%s): %v", key, err)
	}
	return grew
}

func drainKeys(res ItemsForCursor) []string {
	keys := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		keys = append(keys, it.Key)
	}
	return keys
}

// Scenario: simple enqueue and drain.
func TestSimpleEnqueueAndDrain(t *testing.T) {
	m := newTestManager(t)

	if !queue(t, m, "x", "1") {
		t.Fatal("first enqueue must grow the persistence queue")
	}
	if !queue(t, m, "y", "2") {
		t.Fatal("second enqueue must grow the persistence queue")
	}

	res := m.GetItemsForPersistence(100)
	if len(res.Items) != 2 {
		t.Fatalf("drained %d items, want 2", len(res.Items))
	}
	if res.Items[0].Key != "x" || res.Items[0].BySeqno != 1 {
		t.Fatalf("first item = %v, want x@1", res.Items[0])
	}
	if res.Items[1].Key != "y" || res.Items[1].BySeqno != 2 {
		t.Fatalf("second item = %v, want y@2", res.Items[1])
	}
	if len(res.Ranges) != 1 || res.Ranges[0].Start != 1 || res.Ranges[0].End != 2 {
		t.Fatalf("ranges = %v, want [(1,2)]", res.Ranges)
	}
	if res.MoreAvailable {
		t.Fatal("MoreAvailable = true after a full drain")
	}
	if res.Type != TypeMemory {
		t.Fatalf("Type = %v, want memory", res.Type)
	}
}

// Scenario: dedup in the open checkpoint with no cursor between.
func TestDedupInOpenCheckpoint(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "x", "1")
	queue(t, m, "y", "2")

	if queue(t, m, "x", "3") {
		t.Fatal("dedup replacement must not grow the persistence queue")
	}
	if got := m.NumOpenChkItems(); got != 2 {
		t.Fatalf("NumOpenChkItems = %d, want 2", got)
	}
	if got := m.OpenCheckpointID(); got != 1 {
		t.Fatalf("OpenCheckpointID = %d, want 1 (no new checkpoint)", got)
	}

	res := m.GetNextItemsForPersistence()
	keys := drainKeys(res)
	if len(keys) != 2 || keys[0] != "y" || keys[1] != "x" {
		t.Fatalf("drained keys = %v, want [y x]", keys)
	}
	if res.Items[0].BySeqno != 2 || res.Items[1].BySeqno != 3 {
		t.Fatalf("seqnos = [%d %d], want [2 3]", res.Items[0].BySeqno, res.Items[1].BySeqno)
	}
	if string(res.Items[1].Value) != "3" {
		t.Fatalf("x value = %q, want 3", res.Items[1].Value)
	}
}

// Scenario: dedup after the cursor read the first occurrence forces a new
// checkpoint.
func TestDedupForcesNewCheckpoint(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "x", "1")
	queue(t, m, "y", "2")
	m.GetNextItemsForPersistence()

	if !queue(t, m, "x", "3") {
		t.Fatal("blocked dedup must grow the persistence queue")
	}
	if got := m.OpenCheckpointID(); got != 2 {
		t.Fatalf("OpenCheckpointID = %d, want 2", got)
	}
	if got := m.NumCheckpoints(); got != 2 {
		t.Fatalf("NumCheckpoints = %d, want 2 (old kept until persistence passes)", got)
	}
	if got := m.NumOpenChkItems(); got != 1 {
		t.Fatalf("NumOpenChkItems = %d, want 1", got)
	}

	res := m.GetNextItemsForPersistence()
	keys := drainKeys(res)
	if len(keys) != 1 || keys[0] != "x" {
		t.Fatalf("drained keys = %v, want [x]", keys)
	}
	if string(res.Items[0].Value) != "3" || res.Items[0].BySeqno != 3 {
		t.Fatalf("item = %v %q, want x@3 value 3", res.Items[0], res.Items[0].Value)
	}
}

// Scenario: expel items behind the cursor.
func TestExpel(t *testing.T) {
	m := newTestManager(t)
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for _, k := range keys {
		queue(t, m, k, "v")
	}

	// Position the persistence cursor between seq 5 and 6.
	m.RegisterCursorBySeqno(PersistenceCursorName, 5)

	res := m.ExpelUnreferencedCheckpointItems()
	if res.Count != 5 {
		t.Fatalf("expelled %d items, want 5", res.Count)
	}
	if res.MemoryReleased <= 0 {
		t.Fatalf("MemoryReleased = %d, want > 0", res.MemoryReleased)
	}

	drained := m.GetNextItemsForPersistence()
	if len(drained.Items) != 5 || drained.Items[0].BySeqno != 6 {
		t.Fatalf("next read starts at seq %d with %d items, want seq 6 with 5 items",
			drained.Items[0].BySeqno, len(drained.Items))
	}
	// The expelled checkpoint still reports its full snapshot range.
	if len(drained.Ranges) == 0 || drained.Ranges[0].Start != 1 || drained.Ranges[0].End != 10 {
		t.Fatalf("ranges = %v, want first (1,10)", drained.Ranges)
	}
}

func TestExpelNothingAtCheckpointStart(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")

	// The persistence cursor is still at the checkpoint start.
	res := m.ExpelUnreferencedCheckpointItems()
	if res.Count != 0 || res.MemoryReleased != 0 {
		t.Fatalf("expel = %+v, want zero", res)
	}
}

// Scenario: cursor drop frees the oldest checkpoint.
func TestCursorDrop(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	queue(t, m, "b", "2")
	m.CreateNewCheckpoint()

	reg := m.RegisterCursorBySeqno("replica-1", 0)
	if reg.TryBackfill {
		t.Fatal("TryBackfill = true for a fully retained range")
	}

	drop := m.GetListOfCursorsToDrop()
	if len(drop) != 1 || drop[0].Name() != "replica-1" {
		t.Fatalf("cursors to drop = %v, want [replica-1]", drop)
	}

	// The upper layer switches the consumer to backfill and removes the
	// cursor.
	if !m.RemoveCursor(drop[0]) {
		t.Fatal("RemoveCursor failed")
	}
	if m.RemoveCursor(drop[0]) {
		t.Fatal("RemoveCursor must be idempotent")
	}

	// Once persistence has advanced, the old checkpoint is removable.
	m.GetNextItemsForPersistence()
	released, _ := m.RemoveClosedUnrefCheckpoints(100)
	if released != 2 {
		t.Fatalf("released %d items, want 2", released)
	}
	if got := m.NumCheckpoints(); got != 1 {
		t.Fatalf("NumCheckpoints = %d, want 1", got)
	}
}

// Scenario: snapshot range on a disk checkpoint.
func TestDiskSnapshotDrain(t *testing.T) {
	m := newTestManager(t)
	hcs := uint64(150)
	m.CreateSnapshot(100, 200, &hcs, TypeDisk)

	for seq := int64(100); seq <= 200; seq++ {
		it := item.NewMutation(0, "k"+string(rune(seq)), []byte("v"))
		it.BySeqno = seq
		if _, err := m.QueueDirty(it, false, false, nil); err != nil {
			t.Fatalf("QueueDirty(%d): %v", seq, err)
		}
	}

	res := m.GetNextItemsForPersistence()
	if len(res.Items) != 101 {
		t.Fatalf("drained %d items, want 101", len(res.Items))
	}
	if res.Type != TypeDisk {
		t.Fatalf("Type = %v, want disk", res.Type)
	}
	if len(res.Ranges) != 1 {
		t.Fatalf("ranges = %v, want one", res.Ranges)
	}
	r := res.Ranges[0]
	if r.Start != 100 || r.End != 200 || !r.HasHCS || r.HCS != 150 {
		t.Fatalf("range = %+v, want (100,200,hcs=150)", r)
	}
	if !m.IsOpenCheckpointDisk() {
		t.Fatal("IsOpenCheckpointDisk = false")
	}
}

func TestDrainStopsAtTypeBoundary(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	queue(t, m, "b", "2")

	hcs := uint64(4)
	m.CreateSnapshot(3, 4, &hcs, TypeDisk)
	for seq := int64(3); seq <= 4; seq++ {
		it := item.NewMutation(0, "d"+string(rune('0'+seq)), []byte("v"))
		it.BySeqno = seq
		if _, err := m.QueueDirty(it, false, false, nil); err != nil {
			t.Fatalf("QueueDirty: %v", err)
		}
	}

	first := m.GetNextItemsForPersistence()
	if len(first.Items) != 2 || first.Type != TypeMemory {
		t.Fatalf("first drain = %d items type %v, want 2 memory items", len(first.Items), first.Type)
	}
	if !first.MoreAvailable {
		t.Fatal("MoreAvailable = false at a type boundary")
	}

	second := m.GetNextItemsForPersistence()
	if len(second.Items) != 2 || second.Type != TypeDisk {
		t.Fatalf("second drain = %d items type %v, want 2 disk items", len(second.Items), second.Type)
	}
	if second.MoreAvailable {
		t.Fatal("MoreAvailable = true after draining the open disk checkpoint")
	}
}

func TestBoundedDrainStopsAtCheckpointBoundary(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	queue(t, m, "b", "2")
	m.CreateNewCheckpoint()
	queue(t, m, "c", "3")

	// approxLimit 1 is reached inside the first checkpoint, which is
	// still drained whole.
	res := m.GetItemsForPersistence(1)
	if got := drainKeys(res); len(got) != 2 {
		t.Fatalf("drained %v, want the whole first checkpoint", got)
	}
	if !res.MoreAvailable {
		t.Fatal("MoreAvailable = false with the open checkpoint pending")
	}

	rest := m.GetItemsForPersistence(100)
	if got := drainKeys(rest); len(got) != 1 || got[0] != "c" {
		t.Fatalf("second drain = %v, want [c]", got)
	}
	if rest.MoreAvailable {
		t.Fatal("MoreAvailable = true after reaching the open checkpoint end")
	}
}

func TestRedrainYieldsNothing(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	m.GetNextItemsForPersistence()

	res := m.GetNextItemsForPersistence()
	if len(res.Items) != 0 || res.MoreAvailable {
		t.Fatalf("re-drain = %d items more=%v, want empty and false", len(res.Items), res.MoreAvailable)
	}
}

func TestSuccessiveDrainsConcatenate(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	queue(t, m, "b", "2")
	m.CreateNewCheckpoint()
	queue(t, m, "c", "3")

	reg := m.RegisterCursorBySeqno("replica-1", 0)
	first, err := m.GetItemsForCursor(reg.Handle, 1)
	if err != nil {
		t.Fatalf("GetItemsForCursor: %v", err)
	}
	second, err := m.GetItemsForCursor(reg.Handle, 100)
	if err != nil {
		t.Fatalf("GetItemsForCursor: %v", err)
	}

	var all []string
	all = append(all, drainKeys(first)...)
	all = append(all, drainKeys(second)...)
	want := []string{"a", "b", "c"}
	if len(all) != len(want) {
		t.Fatalf("concatenated = %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("concatenated = %v, want %v", all, want)
		}
	}
}

func TestRegisterCursorExactSeqnoIsExclusive(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	queue(t, m, "b", "2")
	queue(t, m, "c", "3")

	reg := m.RegisterCursorBySeqno("replica-1", 2)
	if reg.Seqno != 3 {
		t.Fatalf("reg.Seqno = %d, want 3", reg.Seqno)
	}
	res, err := m.GetNextItemsForCursor(reg.Handle)
	if err != nil {
		t.Fatalf("GetNextItemsForCursor: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Key != "c" {
		t.Fatalf("drained = %v, want [c]", drainKeys(res))
	}
}

func TestRegisterCursorAtHighSeqnoSeesNothingUntilNewItems(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")

	reg := m.RegisterCursorBySeqno("replica-1", 5)
	if reg.Seqno != 2 {
		t.Fatalf("reg.Seqno = %d, want highSeqno+1 = 2", reg.Seqno)
	}
	res, _ := m.GetNextItemsForCursor(reg.Handle)
	if len(res.Items) != 0 {
		t.Fatalf("drained %v, want nothing", drainKeys(res))
	}

	queue(t, m, "b", "2")
	res, _ = m.GetNextItemsForCursor(reg.Handle)
	if len(res.Items) != 1 || res.Items[0].Key != "b" {
		t.Fatalf("drained %v, want [b]", drainKeys(res))
	}
}

func TestRegisterCursorTryBackfill(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	queue(t, m, "b", "2")
	m.CreateNewCheckpoint()
	m.GetNextItemsForPersistence()
	m.RemoveClosedUnrefCheckpoints(100)

	queue(t, m, "c", "3")

	// Seqnos 1..2 are no longer retained.
	reg := m.RegisterCursorBySeqno("replica-1", 0)
	if !reg.TryBackfill {
		t.Fatal("TryBackfill = false for a start preceding the earliest snapshot")
	}

	// A start just below the retained snapshot start needs no backfill.
	reg = m.RegisterCursorBySeqno("replica-2", 2)
	if reg.TryBackfill {
		t.Fatal("TryBackfill = true for a start adjacent to the retained snapshot")
	}
}

func TestRegisterRemoveRoundTrip(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")

	before := m.Stats()
	reg := m.RegisterCursorBySeqno("replica-1", 5)
	if !m.RemoveCursor(reg.Handle) {
		t.Fatal("RemoveCursor failed")
	}
	after := m.Stats()

	if before.NumCheckpoints != after.NumCheckpoints ||
		before.NumItems != after.NumItems ||
		before.NumCursors != after.NumCursors ||
		before.OpenCheckpointID != after.OpenCheckpointID {
		t.Fatalf("state changed across register/remove: before %+v after %+v", before, after)
	}
}

func TestReRegisterReplacesCursor(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	queue(t, m, "b", "2")

	first := m.RegisterCursorBySeqno("replica-1", 0)
	second := m.RegisterCursorBySeqno("replica-1", 1)

	// The old handle is expired.
	if _, err := m.GetItemsForCursor(first.Handle, 10); !errors.Is(err, item.ErrCursorNotFound) {
		t.Fatalf("stale handle err = %v, want ErrCursorNotFound", err)
	}
	res, err := m.GetItemsForCursor(second.Handle, 10)
	if err != nil {
		t.Fatalf("GetItemsForCursor: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Key != "b" {
		t.Fatalf("drained %v, want [b]", drainKeys(res))
	}
}

func TestPersistenceCursorNotDroppable(t *testing.T) {
	m := newTestManager(t)
	h, ok := m.GetCursor(PersistenceCursorName)
	if !ok {
		t.Fatal("persistence cursor missing")
	}
	if m.RemoveCursor(h) {
		t.Fatal("persistence cursor must not be removable")
	}
	if list := m.GetListOfCursorsToDrop(); len(list) != 0 {
		t.Fatalf("cursors to drop = %v, want none", list)
	}
}

func TestMaxItemsTriggersNewCheckpoint(t *testing.T) {
	m := newTestManager(t)
	m.cfg.SetMaxCheckpointItems(2)

	queue(t, m, "a", "1")
	queue(t, m, "b", "2")
	if got := m.OpenCheckpointID(); got != 1 {
		t.Fatalf("OpenCheckpointID = %d, want 1", got)
	}
	queue(t, m, "c", "3")
	if got := m.OpenCheckpointID(); got != 2 {
		t.Fatalf("OpenCheckpointID = %d, want 2 after hitting the item bound", got)
	}
}

func TestMaxTimeTriggersNewCheckpoint(t *testing.T) {
	m := newTestManager(t)
	m.cfg.SetMaxCheckpointTime(0)

	queue(t, m, "a", "1")
	queue(t, m, "b", "2")
	if got := m.OpenCheckpointID(); got != 2 {
		t.Fatalf("OpenCheckpointID = %d, want 2 after the time bound", got)
	}
}

func TestSeqnoRegressionPanics(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("QueueDirty with a stale seqno must panic")
		}
		if _, ok := r.(*item.InvariantViolation); !ok {
			t.Fatalf("panic value = %T, want *item.InvariantViolation", r)
		}
	}()

	it := item.NewMutation(0, "b", []byte("2"))
	it.BySeqno = 1
	m.QueueDirty(it, false, false, nil)
}

func TestGeneratedSeqnosAreDense(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 5; i++ {
		queue(t, m, string(rune('a'+i)), "v")
	}
	if got := m.HighSeqno(); got != 5 {
		t.Fatalf("HighSeqno = %d, want 5", got)
	}
	res := m.GetNextItemsForPersistence()
	for i, it := range res.Items {
		if it.BySeqno != int64(i+1) {
			t.Fatalf("item %d seqno = %d, want %d", i, it.BySeqno, i+1)
		}
	}
}

func TestMemHardCapRejectsEnqueue(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	m.cfg.SetMemHardCap(1)

	_, err := m.QueueDirty(item.NewMutation(0, "b", []byte("2")), true, true, nil)
	if !errors.Is(err, item.ErrMemoryExhausted) {
		t.Fatalf("err = %v, want ErrMemoryExhausted", err)
	}
}

func TestCreateSnapshotThenUpdateEqualsSingleSnapshot(t *testing.T) {
	a := newTestManager(t)
	a.CreateSnapshot(10, 20, nil, TypeMemory)
	a.UpdateCurrentSnapshot(30, TypeMemory)

	b := newTestManager(t)
	b.CreateSnapshot(10, 30, nil, TypeMemory)

	ia, ib := a.GetSnapshotInfo(), b.GetSnapshotInfo()
	if ia != ib {
		t.Fatalf("snapshot info differs: %+v vs %+v", ia, ib)
	}
	if a.OpenCheckpointID() != b.OpenCheckpointID() {
		t.Fatal("createSnapshot into an empty open checkpoint must adjust in place")
	}
}

func TestQueueSetVBState(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	m.QueueSetVBState()

	res := m.GetNextItemsForPersistence()
	if len(res.Items) != 2 {
		t.Fatalf("drained %d items, want mutation + state item", len(res.Items))
	}
	if res.Items[1].Op != item.OpSetVBucketState {
		t.Fatalf("second item op = %v, want set_vbucket_state", res.Items[1].Op)
	}
	// No seqno slot consumed.
	if got := m.HighSeqno(); got != 1 {
		t.Fatalf("HighSeqno = %d, want 1", got)
	}
}

func TestSyncWriteItemsFlowThrough(t *testing.T) {
	m := newTestManager(t)

	pending := item.NewPendingSyncWrite(0, "p1", []byte("v"))
	grew, err := m.QueueDirty(pending, true, true, nil)
	if err != nil || !grew {
		t.Fatalf("QueueDirty(pending): grew=%v err=%v", grew, err)
	}
	queue(t, m, "m1", "1")

	res := m.GetNextItemsForPersistence()
	if len(res.Items) != 2 {
		t.Fatalf("drained %d items, want 2", len(res.Items))
	}
	if res.Items[0].Op != item.OpPendingSyncWrite || res.Items[0].State != item.Pending {
		t.Fatalf("first item = %v state %v, want pending sync write", res.Items[0].Op, res.Items[0].State)
	}
}

func TestClear(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	queue(t, m, "b", "2")
	m.CreateNewCheckpoint()
	reg := m.RegisterCursorBySeqno("replica-1", 0)

	m.Clear(0)

	if got := m.NumCheckpoints(); got != 1 {
		t.Fatalf("NumCheckpoints = %d, want 1", got)
	}
	if got := m.OpenCheckpointID(); got != 3 {
		t.Fatalf("OpenCheckpointID = %d, want previous open + 1 = 3", got)
	}
	if got := m.HighSeqno(); got != 0 {
		t.Fatalf("HighSeqno = %d, want 0", got)
	}

	// Cursors were repositioned to the new open checkpoint.
	queue(t, m, "c", "1")
	res, err := m.GetItemsForCursor(reg.Handle, 10)
	if err != nil {
		t.Fatalf("GetItemsForCursor after clear: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Key != "c" {
		t.Fatalf("drained %v, want [c]", drainKeys(res))
	}
}

func TestTakeAndResetCursors(t *testing.T) {
	src := newTestManager(t)
	queue(t, src, "a", "1")
	srcReg := src.RegisterCursorBySeqno("replica-1", 0)
	_ = srcReg

	dst := NewManager(NewConfig(testQuota), NewAccounting(), 1, 0, 0, 0)
	dst.TakeAndResetCursors(src)

	// The cursor now lives in dst at the start of its open checkpoint.
	if _, ok := dst.GetCursor("replica-1"); !ok {
		t.Fatal("replica-1 not re-homed into dst")
	}
	grew, err := dst.QueueDirty(item.NewMutation(1, "z", []byte("9")), true, true, nil)
	if err != nil || !grew {
		t.Fatalf("QueueDirty on dst: grew=%v err=%v", grew, err)
	}
	h, _ := dst.GetCursor("replica-1")
	res, err := dst.GetItemsForCursor(h, 10)
	if err != nil {
		t.Fatalf("GetItemsForCursor: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Key != "z" {
		t.Fatalf("drained %v, want [z]", drainKeys(res))
	}

	// The source is cursor-less apart from a fresh persistence cursor,
	// and retains its checkpoints.
	if _, ok := src.GetCursor("replica-1"); ok {
		t.Fatal("replica-1 still present in src")
	}
	if _, ok := src.GetCursor(PersistenceCursorName); !ok {
		t.Fatal("src must keep a persistence cursor")
	}
	// Registration closed src's first checkpoint, so two remain.
	if got := src.NumCheckpoints(); got != 2 {
		t.Fatalf("src NumCheckpoints = %d, want 2", got)
	}
}

func TestRemoveClosedUnrefStopsAtReferenced(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	m.CreateNewCheckpoint()
	queue(t, m, "b", "2")
	m.CreateNewCheckpoint()
	queue(t, m, "c", "3")

	// Persistence moves all the way to the open checkpoint; replica-1
	// stops inside the second checkpoint (the bounded drain halts on the
	// boundary after two items).
	m.GetNextItemsForPersistence()
	reg := m.RegisterCursorBySeqno("replica-1", 0)
	if _, err := m.GetItemsForCursor(reg.Handle, 2); err != nil {
		t.Fatalf("GetItemsForCursor: %v", err)
	}

	// Checkpoint 1 is unreferenced; checkpoint 2 is held by replica-1, so
	// the scan stops there.
	released, _ := m.RemoveClosedUnrefCheckpoints(100)
	if released != 1 {
		t.Fatalf("released %d items, want 1", released)
	}
	if got := m.NumCheckpoints(); got != 2 {
		t.Fatalf("NumCheckpoints = %d, want 2", got)
	}

	// After the cursor moves on, the rest is removable.
	if _, err := m.GetItemsForCursor(reg.Handle, 100); err != nil {
		t.Fatalf("GetItemsForCursor: %v", err)
	}
	released, _ = m.RemoveClosedUnrefCheckpoints(100)
	if released != 1 {
		t.Fatalf("released %d items, want 1", released)
	}
}

func TestRemoveClosedUnrefRespectsLimit(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	m.CreateNewCheckpoint()
	queue(t, m, "b", "2")
	m.CreateNewCheckpoint()
	queue(t, m, "c", "3")
	m.GetNextItemsForPersistence()

	released, _ := m.RemoveClosedUnrefCheckpoints(1)
	if released != 1 {
		t.Fatalf("released %d items, want 1 with limit 1", released)
	}
	if got := m.NumCheckpoints(); got != 2 {
		t.Fatalf("NumCheckpoints = %d, want 2", got)
	}
}

func TestNumItemsForCursorExact(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 4; i++ {
		queue(t, m, string(rune('a'+i)), "v")
	}
	reg := m.RegisterCursorBySeqno("replica-1", 1)
	if got := m.NumItemsForCursor(reg.Handle); got != 3 {
		t.Fatalf("NumItemsForCursor = %d, want 3", got)
	}
	if got := m.NumItemsForPersistence(); got != 4 {
		t.Fatalf("NumItemsForPersistence = %d, want 4", got)
	}

	m.GetItemsForCursor(reg.Handle, 100)
	if got := m.NumItemsForCursor(reg.Handle); got != 0 {
		t.Fatalf("NumItemsForCursor after drain = %d, want 0", got)
	}

	// Expired handles count zero.
	m.RemoveCursor(reg.Handle)
	if got := m.NumItemsForCursor(reg.Handle); got != 0 {
		t.Fatalf("NumItemsForCursor for expired handle = %d, want 0", got)
	}
}

func TestDrainedSeqnosStrictlyIncrease(t *testing.T) {
	m := newTestManager(t)
	m.cfg.SetMaxCheckpointItems(3)
	for i := 0; i < 10; i++ {
		queue(t, m, string(rune('a'+i%5)), "v")
	}

	var last int64
	for {
		res := m.GetItemsForPersistence(2)
		for _, it := range res.Items {
			if it.BySeqno <= last {
				t.Fatalf("seqno %d not greater than previous %d", it.BySeqno, last)
			}
			last = it.BySeqno
		}
		if !res.MoreAvailable {
			break
		}
	}
}

func TestSnapshotRangeCoversItems(t *testing.T) {
	m := newTestManager(t)
	m.cfg.SetMaxCheckpointItems(2)
	for i := 0; i < 6; i++ {
		queue(t, m, string(rune('a'+i)), "v")
	}

	for {
		res := m.GetItemsForPersistence(1)
		for _, it := range res.Items {
			seq := uint64(it.BySeqno)
			covered := false
			for _, r := range res.Ranges {
				if seq >= r.Start && seq <= r.End {
					covered = true
					break
				}
			}
			if !covered {
				t.Fatalf("seqno %d not covered by any range %v", seq, res.Ranges)
			}
		}
		if !res.MoreAvailable {
			break
		}
	}
}

func TestHooksFire(t *testing.T) {
	var flusherNotified, newCkptNotified int
	hooks := Hooks{
		NotifyFlusher:       func(vbid uint16) { flusherNotified++ },
		NotifyNewCheckpoint: func(vbid uint16, seqno int64) { newCkptNotified++ },
	}
	m := newTestManager(t, WithHooks(hooks))

	queue(t, m, "a", "1")
	if flusherNotified != 1 {
		t.Fatalf("flusher notified %d times, want 1", flusherNotified)
	}

	queue(t, m, "a", "2") // dedup, queue did not grow
	if flusherNotified != 1 {
		t.Fatalf("flusher notified %d times after dedup, want 1", flusherNotified)
	}

	m.CreateNewCheckpoint()
	if newCkptNotified != 1 {
		t.Fatalf("new-checkpoint notified %d times, want 1", newCkptNotified)
	}
}

func TestPreLinkSeesCasBeforeVisibility(t *testing.T) {
	m := newTestManager(t)
	var linked uint64
	it := item.NewMutation(0, "a", []byte("1"))
	if _, err := m.QueueDirty(it, true, true, func(cas uint64) { linked = cas }); err != nil {
		t.Fatalf("QueueDirty: %v", err)
	}
	if linked == 0 || linked != it.Cas {
		t.Fatalf("preLink cas = %d, item cas = %d", linked, it.Cas)
	}
}

func TestPersistencePreCheckpointID(t *testing.T) {
	m := newTestManager(t)
	queue(t, m, "a", "1")
	m.CreateNewCheckpoint()
	queue(t, m, "b", "2")

	m.GetNextItemsForPersistence()
	if got := m.PersistenceCursorPreChkID(); got != 1 {
		t.Fatalf("PersistenceCursorPreChkID = %d, want 1", got)
	}
	m.ItemsPersisted()
	if got := m.PersistenceCursorPreChkID(); got != 1 {
		t.Fatalf("PersistenceCursorPreChkID after ItemsPersisted = %d, want 1", got)
	}
}
