// Package checkpoint implements the in-memory checkpoint subsystem.
package checkpoint

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"
)

// visitorSoftDuration is the expected upper bound for the per-vbucket
// removal pass. Exceeding it is logged, never interrupted.
const visitorSoftDuration = 50 * time.Millisecond

// KVBucket is the view of the owning bucket the remover needs. All methods
// must be safe for concurrent use.
type KVBucket interface {
	// MemUsed returns the bucket-wide memory estimate in bytes.
	MemUsed() int64

	// VBucketsSortedByCheckpointMem lists live vbuckets, largest
	// checkpoint memory first.
	VBucketsSortedByCheckpointMem() []uint16

	// CheckpointManager returns the manager for a vbucket, or nil if the
	// vbucket disappeared.
	CheckpointManager(vbid uint16) *Manager

	// HandleSlowStream asks the owner of the cursor to switch its
	// consumer to backfill and drop the cursor. Returns true if the
	// cursor was dropped.
	HandleSlowStream(vbid uint16, cursor Handle) bool
}

// Remover is the periodic memory-recovery task. When bucket memory crosses
// the configured watermarks it expels already-read items from referenced
// checkpoints, drops slow consumers' cursors, and removes closed
// unreferenced checkpoints on every vbucket.
type Remover struct {
	bucket KVBucket
	cfg    *Config
	acct   *Accounting
	logger *slog.Logger

	// limiter bounds recovery passes so a thrashing bucket does not spend
	// all its cycles expelling.
	limiter *rate.Limiter

	// available gates overlapping runs.
	available atomic.Bool

	cursorsDropped  metrics.Counter
	memoryRecovered metrics.Counter

	stopCh chan struct{}
	doneCh chan struct{}
}

// RemoverOption configures a Remover.
type RemoverOption func(*Remover)

// WithRemoverLogger sets the structured logger.
func WithRemoverLogger(l *slog.Logger) RemoverOption {
	return func(r *Remover) {
		r.logger = l
	}
}

// WithRemoverRateLimit bounds recovery passes per second.
func WithRemoverRateLimit(passesPerSec float64) RemoverOption {
	return func(r *Remover) {
		r.limiter = rate.NewLimiter(rate.Limit(passesPerSec), 1)
	}
}

// NewRemover creates a remover polling the given bucket.
func NewRemover(bucket KVBucket, cfg *Config, acct *Accounting, opts ...RemoverOption) *Remover {
	r := &Remover{
		bucket:          bucket,
		cfg:             cfg,
		acct:            acct,
		limiter:         rate.NewLimiter(rate.Inf, 1),
		cursorsDropped:  metrics.NewCounter(),
		memoryRecovered: metrics.NewCounter(),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	r.available.Store(true)
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Start launches the polling loop.
func (r *Remover) Start() {
	go r.run()
}

// Stop terminates the polling loop and waits for it to exit.
func (r *Remover) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// CursorsDropped returns the lifetime count of dropped cursors.
func (r *Remover) CursorsDropped() int64 {
	return r.cursorsDropped.Count()
}

// MemoryRecovered returns the lifetime byte estimate recovered.
func (r *Remover) MemoryRecovered() int64 {
	return r.memoryRecovered.Count()
}

func (r *Remover) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.RemoverInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce()
			ticker.Reset(r.cfg.RemoverInterval())
		case <-r.stopCh:
			return
		}
	}
}

// RunOnce performs one recovery pass: decide whether recovery is needed,
// expel, drop cursors, then visit every vbucket to remove closed
// unreferenced checkpoints. All steps are best-effort; a vbucket that
// disappears between selection and operation is skipped.
func (r *Remover) RunOnce() {
	if !r.available.CompareAndSwap(true, false) {
		return
	}
	defer r.available.Store(true)

	if !r.limiter.Allow() {
		return
	}

	target, needed := r.memoryRecoveryTarget()
	if needed {
		var recovered int64
		if r.cfg.ExpelEnabled() {
			recovered = r.attemptExpel(target)
		}
		if recovered < target {
			recovered += r.attemptCursorDrop(target - recovered)
		}
		r.memoryRecovered.Inc(recovered)
	}

	r.visitAll()
}

// memoryRecoveryTarget computes whether recovery is needed and how many
// bytes to reclaim.
//
// Recovery starts when either the total memory used exceeds the cursor
// dropping upper mark, or memory is above the low watermark while
// checkpoint memory exceeds its own upper mark. The target is the amount by
// which the triggering measure (checkpoint memory or total memory) exceeds
// its lower mark.
func (r *Remover) memoryRecoveryTarget() (int64, bool) {
	memUsed := r.bucket.MemUsed()
	ckptMem := r.acct.CheckpointMem()

	hitCkptMark := memUsed >= r.cfg.LowWatermark() && ckptMem >= r.cfg.CheckpointMemUpperMark()
	hitTotalMark := memUsed > r.cfg.CursorDropUpperMark()

	switch {
	case hitCkptMark:
		target := ckptMem - r.cfg.CheckpointMemLowerMark()
		r.logger.Info("triggering memory recovery: checkpoint memory over upper mark",
			"checkpoint_mem", ckptMem,
			"upper_mark", r.cfg.CheckpointMemUpperMark(),
			"target_bytes", target)
		return target, true
	case hitTotalMark:
		target := memUsed - r.cfg.CursorDropLowerMark()
		r.logger.Info("triggering memory recovery: mem_used over cursor dropping upper mark",
			"mem_used", memUsed,
			"upper_mark", r.cfg.CursorDropUpperMark(),
			"target_bytes", target)
		return target, true
	default:
		return 0, false
	}
}

// attemptExpel expels read items from the vbuckets with the largest
// checkpoint memory until the target is met.
func (r *Remover) attemptExpel(target int64) int64 {
	var recovered int64
	for _, vbid := range r.bucket.VBucketsSortedByCheckpointMem() {
		if recovered >= target {
			break
		}
		mgr := r.bucket.CheckpointManager(vbid)
		if mgr == nil {
			continue
		}
		res := mgr.ExpelUnreferencedCheckpointItems()
		if res.Count > 0 {
			r.logger.Debug("expelled checkpoint items",
				"vb", vbid,
				"count", res.Count,
				"bytes", res.MemoryReleased)
		}
		recovered += res.MemoryReleased
	}
	return recovered
}

// attemptCursorDrop asks slow consumers to switch to backfill until the
// target is met, counting the memory of the checkpoints their cursors
// unreferenced.
func (r *Remover) attemptCursorDrop(target int64) int64 {
	var recovered int64
	for _, vbid := range r.bucket.VBucketsSortedByCheckpointMem() {
		if recovered >= target {
			break
		}
		mgr := r.bucket.CheckpointManager(vbid)
		if mgr == nil {
			continue
		}
		for _, h := range mgr.GetListOfCursorsToDrop() {
			if recovered >= target {
				break
			}
			before := mgr.MemoryUsageOfUnrefCheckpoints()
			if !r.bucket.HandleSlowStream(vbid, h) {
				continue
			}
			freed := mgr.MemoryUsageOfUnrefCheckpoints() - before
			r.cursorsDropped.Inc(1)
			recovered += freed
			r.logger.Info("dropped cursor for slow stream",
				"vb", vbid,
				"cursor", h.Name(),
				"bytes_unreferenced", freed)
		}
	}
	return recovered
}

// visitAll removes closed unreferenced checkpoints on every vbucket.
func (r *Remover) visitAll() {
	begin := time.Now()
	for _, vbid := range r.bucket.VBucketsSortedByCheckpointMem() {
		select {
		case <-r.stopCh:
			return
		default:
		}
		mgr := r.bucket.CheckpointManager(vbid)
		if mgr == nil {
			continue
		}
		mgr.RemoveClosedUnrefCheckpoints(math.MaxInt)
	}
	if elapsed := time.Since(begin); elapsed > visitorSoftDuration {
		r.logger.Warn("checkpoint removal visitor ran long",
			"elapsed", elapsed,
			"expected_max", visitorSoftDuration)
	}
}
