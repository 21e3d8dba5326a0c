// Package bucket ties per-vbucket checkpoint managers into one logical
// key-value bucket: key routing, shared memory accounting, the memory
// recovery task and the aggregate stats surface.
package bucket

import (
	"log/slog"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/seqmesh/seqmesh-go/internal/checkpoint"
	"github.com/seqmesh/seqmesh-go/internal/core/item"
	"github.com/seqmesh/seqmesh-go/pkg/cmap"
	"github.com/seqmesh/seqmesh-go/pkg/hlc"
)

// SlowStreamHandler is invoked during cursor dropping. It must switch the
// cursor's consumer to backfill and remove the cursor, returning true on
// success.
type SlowStreamHandler func(vbid uint16, cursor checkpoint.Handle) bool

// Bucket is a set of vbuckets sharing a quota, a CAS clock and the
// checkpoint threshold configuration.
type Bucket struct {
	cfg    *checkpoint.Config
	acct   *checkpoint.Accounting
	logger *slog.Logger
	clock  *hlc.Clock

	numVBuckets uint16
	managers    *cmap.Map[uint16, *checkpoint.Manager]

	hooks      checkpoint.Hooks
	slowStream SlowStreamHandler

	// memUsed estimates bucket-wide memory. Defaults to the checkpoint
	// aggregate; a full engine wires its hash table estimate in too.
	memUsed func() int64

	remover *checkpoint.Remover
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bucket) {
		b.logger = l
	}
}

// WithHooks sets the callbacks passed to every manager.
func WithHooks(h checkpoint.Hooks) Option {
	return func(b *Bucket) {
		b.hooks = h
	}
}

// WithSlowStreamHandler sets the cursor dropping callback. Without one,
// dropped cursors are removed directly.
func WithSlowStreamHandler(h SlowStreamHandler) Option {
	return func(b *Bucket) {
		b.slowStream = h
	}
}

// WithMemUsed sets the bucket-wide memory estimator.
func WithMemUsed(fn func() int64) Option {
	return func(b *Bucket) {
		b.memUsed = fn
	}
}

// New creates a bucket with numVBuckets empty vbuckets.
func New(cfg *checkpoint.Config, numVBuckets int, opts ...Option) *Bucket {
	b := &Bucket{
		cfg:         cfg,
		acct:        checkpoint.NewAccounting(),
		numVBuckets: uint16(numVBuckets),
		managers:    cmap.New[uint16, *checkpoint.Manager](),
		clock:       hlc.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.memUsed == nil {
		b.memUsed = b.acct.CheckpointMem
	}

	for vbid := uint16(0); vbid < b.numVBuckets; vbid++ {
		b.managers.Set(vbid, checkpoint.NewManager(cfg, b.acct, vbid, 0, 0, 0,
			checkpoint.WithLogger(b.logger),
			checkpoint.WithHooks(b.hooks),
			checkpoint.WithClock(b.clock),
		))
	}

	b.remover = checkpoint.NewRemover(b, cfg, b.acct,
		checkpoint.WithRemoverLogger(b.logger))
	return b
}

// Start launches the memory recovery task.
func (b *Bucket) Start() {
	b.remover.Start()
}

// Stop terminates the memory recovery task.
func (b *Bucket) Stop() {
	b.remover.Stop()
}

// NumVBuckets returns the number of vbuckets.
func (b *Bucket) NumVBuckets() int {
	return int(b.numVBuckets)
}

// VBForKey routes a key to its vbucket.
func (b *Bucket) VBForKey(key string) uint16 {
	return uint16(murmur3.Sum32([]byte(key)) % uint32(b.numVBuckets))
}

// Set queues a mutation for the key's vbucket, assigning seqno and CAS.
// Returns the queued item.
func (b *Bucket) Set(key string, value []byte) (*item.Item, error) {
	vbid := b.VBForKey(key)
	mgr, _ := b.managers.Get(vbid)
	it := item.NewMutation(vbid, key, value)
	if _, err := mgr.QueueDirty(it, true, true, nil); err != nil {
		return nil, err
	}
	return it, nil
}

// Delete queues a tombstone for the key's vbucket.
func (b *Bucket) Delete(key string, revSeqno uint64) (*item.Item, error) {
	vbid := b.VBForKey(key)
	mgr, _ := b.managers.Get(vbid)
	it := item.NewDeletion(vbid, key, revSeqno)
	if _, err := mgr.QueueDirty(it, true, true, nil); err != nil {
		return nil, err
	}
	return it, nil
}

// Accounting returns the shared checkpoint memory aggregate.
func (b *Bucket) Accounting() *checkpoint.Accounting {
	return b.acct
}

// Remover returns the memory recovery task.
func (b *Bucket) Remover() *checkpoint.Remover {
	return b.remover
}

// MemUsed implements checkpoint.KVBucket.
func (b *Bucket) MemUsed() int64 {
	return b.memUsed()
}

// CheckpointManager implements checkpoint.KVBucket. Returns nil for
// unknown vbuckets.
func (b *Bucket) CheckpointManager(vbid uint16) *checkpoint.Manager {
	mgr, ok := b.managers.Get(vbid)
	if !ok {
		return nil
	}
	return mgr
}

// VBucketsSortedByCheckpointMem implements checkpoint.KVBucket: live
// vbuckets ordered by checkpoint memory usage, largest first.
func (b *Bucket) VBucketsSortedByCheckpointMem() []uint16 {
	type vbMem struct {
		vbid uint16
		mem  int64
	}
	entries := make([]vbMem, 0, b.numVBuckets)
	b.managers.Range(func(vbid uint16, mgr *checkpoint.Manager) bool {
		entries = append(entries, vbMem{vbid: vbid, mem: mgr.MemoryUsage()})
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].mem != entries[j].mem {
			return entries[i].mem > entries[j].mem
		}
		return entries[i].vbid < entries[j].vbid
	})

	vbs := make([]uint16, len(entries))
	for i, e := range entries {
		vbs[i] = e.vbid
	}
	return vbs
}

// HandleSlowStream implements checkpoint.KVBucket. Without a registered
// handler the cursor is removed directly.
func (b *Bucket) HandleSlowStream(vbid uint16, cursor checkpoint.Handle) bool {
	if b.slowStream != nil {
		return b.slowStream(vbid, cursor)
	}
	mgr := b.CheckpointManager(vbid)
	if mgr == nil {
		return false
	}
	return mgr.RemoveCursor(cursor)
}
