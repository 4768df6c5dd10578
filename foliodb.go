// Package foliodb is an embedded, single-node transactional key-value
// store built around a disk-backed B+Tree of fixed-size pages, with MVCC
// concurrency control, write-ahead logging, and LRU page caching.
package foliodb

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/foliodb/foliodb/config"
	"github.com/foliodb/foliodb/concurrency"
	"github.com/foliodb/foliodb/index"
	"github.com/foliodb/foliodb/metrics"
	"github.com/foliodb/foliodb/storage"
)

// Store is the top-level handle: one open data file, one WAL, one page
// cache, one free-list, and the B+Tree rooted over them.
type Store struct {
	opts    config.Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	dataDisk *storage.Finder
	wal      *storage.WAL
	cache    *storage.PageCache
	freelist *storage.FreeList
	locks    *concurrency.LockManager
	tree     *index.Tree

	walInstanceID uuid.UUID

	stopSampling chan struct{}
	doneSampling chan struct{}
}

// Open opens or creates a store at opts.Path, replaying the WAL for crash
// recovery before accepting new transactions. logger may be the zero
// value (a disabled logger); reg may be nil to opt out of metrics.
func Open(opts config.Options, logger zerolog.Logger, reg prometheus.Registerer) (*Store, error) {
	dataDisk, err := storage.OpenFinder(storage.FinderConfig{
		Path:       opts.Path,
		PageSize:   storage.DataPageSize,
		BatchDelay: opts.Finder.BatchDelay,
		BatchSize:  opts.Finder.BatchSize,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("foliodb: open data file: %w", err)
	}

	cache := storage.NewPageCache(opts.Cache.MaxCacheSize)
	m := metrics.New(reg)

	wal, recovery, err := storage.OpenWAL(storage.WALConfig{
		Path:               opts.Path + ".wal",
		MaxBufferSize:      opts.WAL.MaxBufferSize,
		MaxFileSize:        opts.WAL.MaxFileSize,
		GroupCommitDelay:   opts.WAL.GroupCommitDelay,
		GroupCommitCount:   opts.WAL.GroupCommitCount,
		CheckpointInterval: opts.WAL.CheckpointInterval,
		CheckpointCount:    opts.WAL.CheckpointCount,
		Logger:             logger,
		Flush: func(upto int64) error {
			return flushCommittedPages(dataDisk, cache, upto)
		},
		CommitNotify: func(txID uint64, commitIndex int64) {
			cache.Commit(txID, commitIndex)
		},
	})
	if err != nil {
		dataDisk.Close()
		return nil, fmt.Errorf("foliodb: open wal: %w", err)
	}

	instanceID := uuid.New()
	logger.Info().
		Str("wal_instance_id", instanceID.String()).
		Uint64("last_transaction", recovery.LastTransaction).
		Int64("last_index", recovery.LastIndex).
		Int("to_apply", len(recovery.ToApply)).
		Int("to_rollback", len(recovery.ToRollback)).
		Msg("foliodb: wal recovery complete")

	if err := applyRecovery(dataDisk, recovery); err != nil {
		wal.Close()
		dataDisk.Close()
		return nil, fmt.Errorf("foliodb: apply recovery: %w", err)
	}

	freelist, err := storage.OpenFreeList(dataDisk)
	if err != nil {
		wal.Close()
		dataDisk.Close()
		return nil, fmt.Errorf("foliodb: open freelist: %w", err)
	}

	writer := index.NewWriter(cache, dataDisk, wal, freelist)
	tree, err := index.OpenTree(writer)
	if err != nil {
		wal.Close()
		dataDisk.Close()
		return nil, fmt.Errorf("foliodb: open tree: %w", err)
	}

	s := &Store{
		opts:          opts,
		logger:        logger,
		metrics:       m,
		dataDisk:      dataDisk,
		wal:           wal,
		cache:         cache,
		freelist:      freelist,
		locks:         concurrency.NewLockManager(),
		tree:          tree,
		walInstanceID: instanceID,
		stopSampling:  make(chan struct{}),
		doneSampling:  make(chan struct{}),
	}
	go s.runSampling()
	return s, nil
}

// OpenMemory opens a store entirely in memory (no file, no durability) —
// used by tests and ephemeral callers.
func OpenMemory(logger zerolog.Logger) (*Store, error) {
	dataDisk := storage.OpenFinderMemory(storage.FinderConfig{
		PageSize:   storage.DataPageSize,
		BatchDelay: time.Millisecond,
		BatchSize:  1,
		Logger:     logger,
	})
	cache := storage.NewPageCache(4096)

	wal, recovery, err := storage.OpenWALMemory(storage.WALConfig{
		MaxBufferSize:      256,
		MaxFileSize:        64,
		GroupCommitDelay:   time.Millisecond,
		GroupCommitCount:   1,
		CheckpointInterval: time.Hour,
		CheckpointCount:    1 << 30,
		Logger:             logger,
		Flush: func(upto int64) error {
			return flushCommittedPages(dataDisk, cache, upto)
		},
		CommitNotify: func(txID uint64, commitIndex int64) {
			cache.Commit(txID, commitIndex)
		},
	})
	if err != nil {
		dataDisk.Close()
		return nil, fmt.Errorf("foliodb: open memory wal: %w", err)
	}
	if err := applyRecovery(dataDisk, recovery); err != nil {
		wal.Close()
		dataDisk.Close()
		return nil, err
	}

	freelist, err := storage.OpenFreeList(dataDisk)
	if err != nil {
		wal.Close()
		dataDisk.Close()
		return nil, err
	}
	writer := index.NewWriter(cache, dataDisk, wal, freelist)
	tree, err := index.OpenTree(writer)
	if err != nil {
		wal.Close()
		dataDisk.Close()
		return nil, err
	}

	s := &Store{
		logger:        logger,
		dataDisk:      dataDisk,
		wal:           wal,
		cache:         cache,
		freelist:      freelist,
		locks:         concurrency.NewLockManager(),
		tree:          tree,
		walInstanceID: uuid.New(),
		stopSampling:  make(chan struct{}),
		doneSampling:  make(chan struct{}),
	}
	go s.runSampling()
	return s, nil
}

// Begin starts a new transaction and returns its cursor.
func (s *Store) Begin() *index.Cursor {
	return s.tree.Begin()
}

// Get is a convenience one-shot read: begin, get, commit (a read-only
// transaction still needs a snapshot and a WAL start/commit pair so its
// id never collides with a concurrent writer's).
func (s *Store) Get(key string) ([]byte, error) {
	c := s.Begin()
	value, err := c.Get(key)
	if commitErr := c.Commit(); commitErr != nil && err == nil {
		err = commitErr
	}
	return value, err
}

// Put is a convenience one-shot write: begin, insert, commit. Concurrent
// Put calls are serialized by a write lock on the tree header page, so each
// one begins with a snapshot that includes every earlier Put's commit.
func (s *Store) Put(key string, value []byte) error {
	h := s.locks.LockWrite(index.HeaderIndex)
	defer h.Release()
	c := s.Begin()
	if err := c.Insert(key, value); err != nil {
		c.Abort()
		return err
	}
	return c.Commit()
}

// Checkpoint forces an immediate WAL checkpoint.
func (s *Store) Checkpoint() error {
	if err := s.wal.Checkpoint(); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Checkpoints.Inc()
	}
	return nil
}

// Close flushes and closes the WAL and data file.
func (s *Store) Close() error {
	close(s.stopSampling)
	<-s.doneSampling
	if err := s.wal.Close(); err != nil {
		return err
	}
	return s.dataDisk.Close()
}

func (s *Store) runSampling() {
	defer close(s.doneSampling)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSampling:
			return
		case <-ticker.C:
			hits, misses, size, _ := s.cache.Stats()
			s.metrics.SampleCache(hits, misses, size)
		}
	}
}

// applyRecovery replays committed inserts straight to the data file —
// uncommitted ones are simply never applied, which is the whole of
// "rollback" for a page that never made it past a crash.
func applyRecovery(disk *storage.Finder, recovery *storage.RecoveryResult) error {
	for _, ins := range recovery.ToApply {
		page := storage.NewPage(len(ins.Data))
		copy(page.Data, ins.Data)
		if err := disk.Write(ins.PageIndex, page); err != nil {
			return err
		}
	}
	if len(recovery.ToApply) > 0 {
		return disk.Fsync()
	}
	return nil
}

// flushCommittedPages is the WAL's checkpoint Flush callback: it persists
// every page version committed at or below upto to the data Finder, fsyncs
// once, and only then reclaims those versions from the page cache — so a
// checkpoint record naming upto as apply_upto is never written, and the
// WAL's circular cursor never allowed to overwrite a slot, until the data
// those records describe is genuinely durable on disk.
func flushCommittedPages(disk *storage.Finder, cache *storage.PageCache, upto int64) error {
	pages := cache.Snapshot(upto)
	if len(pages) == 0 {
		return nil
	}
	for index, page := range pages {
		if err := disk.Write(index, page); err != nil {
			return err
		}
	}
	if err := disk.Fsync(); err != nil {
		return err
	}
	for index := range pages {
		cache.Flush(index, upto)
	}
	return nil
}
