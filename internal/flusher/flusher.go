// Package flusher implements the persistence consumer: it drains each
// vbucket's persistence cursor and applies the items to a Badger keyspace.
//
// Keys are laid out as:
//   - v/{vbid_be2}/k/{key}   document bodies (deleted keys are removed)
//   - v/{vbid_be2}/seq       highest persisted bySeqno (8 bytes BE)
//
// The flusher is an example of the external consumer the checkpoint
// subsystem feeds; a full engine replaces it with its storage backend.
package flusher

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/oklog/ulid/v2"

	"github.com/seqmesh/seqmesh-go/internal/bucket"
	"github.com/seqmesh/seqmesh-go/internal/core/item"
)

// Config configures the flusher.
type Config struct {
	// Dir is the Badger directory. Empty uses an in-memory store.
	Dir string

	// BatchLimit bounds non-meta items drained per vbucket per pass.
	BatchLimit int

	// Interval is the poll interval when no notifications arrive.
	Interval time.Duration

	// SyncWrites makes Badger fsync each batch.
	SyncWrites bool

	// Logger is the structured logger.
	Logger *slog.Logger
}

// DefaultConfig returns a default flusher configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		BatchLimit: 1000,
		Interval:   100 * time.Millisecond,
	}
}

// Flusher drains persistence cursors into Badger.
type Flusher struct {
	cfg    Config
	runID  string
	bucket *bucket.Bucket
	db     *badger.DB
	logger *slog.Logger

	// notifyCh coalesces flusher notifications from the managers.
	notifyCh chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a flusher over the given bucket.
func New(cfg Config, b *bucket.Bucket) (*Flusher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = &badgerLogger{logger: cfg.Logger}
	opts.SyncWrites = cfg.SyncWrites
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("flusher: open badger: %w", err)
	}

	runID, err := newRunID()
	if err != nil {
		db.Close()
		return nil, err
	}

	f := &Flusher{
		cfg:      cfg,
		runID:    runID,
		bucket:   b,
		db:       db,
		logger:   cfg.Logger.With("component", "flusher", "run", runID),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	return f, nil
}

// newRunID generates a ULID identifying this flusher incarnation in logs.
func newRunID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", fmt.Errorf("flusher: run id: %w", err)
	}
	return id.String(), nil
}

// RunID returns the ULID of this flusher incarnation.
func (f *Flusher) RunID() string { return f.runID }

// Notify wakes the flusher; wire it as the managers' NotifyFlusher hook.
func (f *Flusher) Notify(vbid uint16) {
	select {
	case f.notifyCh <- struct{}{}:
	default:
	}
}

// Start launches the flush loop.
func (f *Flusher) Start() {
	go f.run()
}

// Stop terminates the flush loop started by Start, flushes once more and
// closes the store.
func (f *Flusher) Stop() error {
	close(f.stopCh)
	<-f.doneCh
	f.FlushAll()
	return f.db.Close()
}

// Close releases the store without the flush-loop handshake, for callers
// that never called Start.
func (f *Flusher) Close() error {
	return f.db.Close()
}

func (f *Flusher) run() {
	defer close(f.doneCh)
	f.logger.Info("flusher started", "dir", f.cfg.Dir, "batch_limit", f.cfg.BatchLimit)

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.notifyCh:
			f.FlushAll()
		case <-ticker.C:
			f.FlushAll()
		case <-f.stopCh:
			return
		}
	}
}

// FlushAll drains every vbucket once. Returns the number of items applied.
func (f *Flusher) FlushAll() int {
	total := 0
	for vbid := uint16(0); vbid < uint16(f.bucket.NumVBuckets()); vbid++ {
		n, err := f.flushVB(vbid)
		if err != nil {
			f.logger.Error("flush failed", "vb", vbid, "error", err)
			continue
		}
		total += n
	}
	return total
}

// flushVB drains one vbucket's persistence cursor and applies the batch.
func (f *Flusher) flushVB(vbid uint16) (int, error) {
	mgr := f.bucket.CheckpointManager(vbid)
	if mgr == nil {
		return 0, nil
	}

	flushed := 0
	for {
		res := mgr.GetItemsForPersistence(f.cfg.BatchLimit)
		if len(res.Items) > 0 {
			if err := f.applyBatch(vbid, res.Items); err != nil {
				return flushed, err
			}
			flushed += len(res.Items)
			mgr.ItemsPersisted()
		}
		if !res.MoreAvailable {
			return flushed, nil
		}
	}
}

// applyBatch writes one drained batch atomically.
func (f *Flusher) applyBatch(vbid uint16, items []*item.Item) error {
	wb := f.db.NewWriteBatch()
	defer wb.Cancel()

	var highSeqno int64
	for _, it := range items {
		if it.BySeqno > highSeqno {
			highSeqno = it.BySeqno
		}
		switch {
		case it.Op == item.OpSetVBucketState:
			// State records only advance the persisted seqno marker.
		case it.IsDeletion():
			if err := wb.Delete(docKey(vbid, it.Key)); err != nil {
				return err
			}
		default:
			if err := wb.Set(docKey(vbid, it.Key), it.Value); err != nil {
				return err
			}
		}
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(highSeqno))
	if err := wb.Set(seqKey(vbid), seq[:]); err != nil {
		return err
	}
	return wb.Flush()
}

// Get reads a persisted document body.
func (f *Flusher) Get(vbid uint16, key string) ([]byte, error) {
	var value []byte
	err := f.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(docKey(vbid, key))
		if err != nil {
			return err
		}
		value, err = it.ValueCopy(nil)
		return err
	})
	return value, err
}

// PersistedSeqno returns the highest persisted bySeqno for a vbucket.
func (f *Flusher) PersistedSeqno(vbid uint16) (uint64, error) {
	var seqno uint64
	err := f.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(seqKey(vbid))
		if err != nil {
			return err
		}
		return it.Value(func(v []byte) error {
			if len(v) >= 8 {
				seqno = binary.BigEndian.Uint64(v[:8])
			}
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	return seqno, err
}

func docKey(vbid uint16, key string) []byte {
	buf := make([]byte, 0, 5+len(key))
	buf = append(buf, 'v', '/')
	buf = binary.BigEndian.AppendUint16(buf, vbid)
	buf = append(buf, '/', 'k', '/')
	return append(buf, key...)
}

func seqKey(vbid uint16) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, 'v', '/')
	buf = binary.BigEndian.AppendUint16(buf, vbid)
	return append(buf, '/', 's', 'e', 'q')
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
