package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WALConfig configures the write-ahead log (spec §4.3/§6).
type WALConfig struct {
	Path string

	// MaxBufferSize is the number of buffered records (across all open
	// transactions) that forces an eager flush to the io worker.
	MaxBufferSize int

	// MaxFileSize is the length, in pages, of the circular WAL file.
	MaxFileSize int

	GroupCommitDelay time.Duration
	GroupCommitCount int

	CheckpointInterval time.Duration
	CheckpointCount    int

	// Flush persists every committed page at or below upto to the data
	// Finder (and fsyncs it), then reclaims the corresponding page-cache
	// versions — the store supplies this. A checkpoint record is only
	// written, and the circular cursor only allowed to overwrite a slot,
	// once this has actually happened: apply_upto must name an LSN the
	// data file is truly durable up to (spec §4.3's log circularity
	// safety invariant).
	Flush func(upto int64) error

	// CommitNotify is called synchronously from the io worker the moment a
	// commit record is assigned its LSN, letting the store promote the
	// corresponding page cache entries before the caller's Commit() returns.
	CommitNotify func(txID uint64, commitIndex int64)

	Logger zerolog.Logger
}

// RecoveredInsert is a committed page write recovered by replay, to be
// applied to the main data file before the store accepts new writes.
type RecoveredInsert struct {
	TxID      uint64
	PageIndex int
	Data      []byte
}

// RecoveredAbort is an uncommitted page write recovered by replay, to be
// discarded (no action needed beyond not applying it).
type RecoveredAbort struct {
	TxID      uint64
	PageIndex int
}

// RecoveryResult is what Open returns after replaying the log on startup.
type RecoveryResult struct {
	LastTransaction uint64
	LastIndex       int64
	// LastCheckpoint is the apply_upto of the most recent OpCheckpoint
	// record found, or 0 if none — the WAL's starting durability
	// watermark, conservative until the store runs its own checkpoint.
	LastCheckpoint int64
	ToApply        []RecoveredInsert
	ToRollback     []RecoveredAbort
}

type walBatch struct {
	records []LogRecord
	resp    chan walBatchResult
}

type walBatchResult struct {
	commitIndex int64
	err         error
}

// WAL is the write-ahead log: an in-memory per-transaction buffer, a single
// io worker that assigns LSNs and packs records into pages written through
// a Finder's group commit, and a background checkpoint loop.
type WAL struct {
	cfg    WALConfig
	disk   *Finder
	buffer *logBuffer

	ioCh         chan walBatch
	checkpointCh chan struct{}

	mu        sync.Mutex
	lastIndex int64
	cursor    int

	// slotMax[i] is the highest LSN packed into the entry currently
	// occupying physical slot i, and checkpointed is the highest apply_upto
	// actually flushed to the data file so far. Together they guard the
	// circular cursor: a slot may only be overwritten once its contents are
	// covered by checkpointed (spec §4.3 "Log circularity safety").
	slotMax      []int64
	checkpointed int64

	closeOnce sync.Once
	doneIO    chan struct{}
	doneCP    chan struct{}
	stopCP    chan struct{}
}

// OpenWAL opens the WAL file, replays it for crash recovery, and starts the
// io and checkpoint background workers.
func OpenWAL(cfg WALConfig) (*WAL, *RecoveryResult, error) {
	disk, err := OpenFinder(FinderConfig{
		Path:       cfg.Path,
		PageSize:   WALPageSize,
		BatchDelay: cfg.GroupCommitDelay,
		BatchSize:  cfg.GroupCommitCount,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("storage: open wal: %w", err)
	}
	return openWALOn(cfg, disk)
}

// OpenWALMemory is OpenWAL backed by an in-memory file — used by tests and
// by stores with no durability at all.
func OpenWALMemory(cfg WALConfig) (*WAL, *RecoveryResult, error) {
	disk := OpenFinderMemory(FinderConfig{
		PageSize:   WALPageSize,
		BatchDelay: cfg.GroupCommitDelay,
		BatchSize:  cfg.GroupCommitCount,
		Logger:     cfg.Logger,
	})
	return openWALOn(cfg, disk)
}

func openWALOn(cfg WALConfig, disk *Finder) (*WAL, *RecoveryResult, error) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 1024
	}
	w := &WAL{
		cfg:          cfg,
		disk:         disk,
		buffer:       newLogBuffer(),
		ioCh:         make(chan walBatch, 64),
		checkpointCh: make(chan struct{}, 1),
		doneIO:       make(chan struct{}),
		doneCP:       make(chan struct{}),
		stopCP:       make(chan struct{}),
	}

	result, cursor, slotMax, err := w.replay()
	if err != nil {
		disk.Close()
		return nil, nil, err
	}
	w.cursor = cursor
	w.lastIndex = result.LastIndex
	w.slotMax = slotMax
	w.checkpointed = result.LastCheckpoint
	w.buffer.setInitialState(result.LastTransaction)

	go w.runIO()
	go w.runCheckpoint()

	return w, result, nil
}

// Begin starts a new transaction, returning its id and a snapshot LSN
// (the last LSN the io worker has assigned at the moment of the call — spec §3/§4.4's
// snapshot-isolation reads use this as `view(snapshot)`'s argument).
func (w *WAL) Begin() (txID uint64, snapshot int64) {
	txID = w.buffer.newTransaction()
	w.mu.Lock()
	snapshot = w.lastIndex
	w.mu.Unlock()
	if w.buffer.len() >= w.cfg.MaxBufferSize {
		w.submit(w.buffer.flush())
	}
	return txID, snapshot
}

// Append buffers an insert record for txID. Data is the page's after-image.
func (w *WAL) Append(txID uint64, pageIndex int, data []byte) error {
	w.buffer.append(txID, pageIndex, data)
	if w.buffer.len() >= w.cfg.MaxBufferSize {
		if _, err := w.submit(w.buffer.flush()); err != nil {
			return err
		}
	}
	return nil
}

// Commit flushes txID's buffered records plus a trailing commit record
// through the io worker and returns the LSN the commit was assigned —
// durable once this call returns.
func (w *WAL) Commit(txID uint64) (int64, error) {
	records := w.buffer.commit(txID)
	return w.submit(records)
}

// Rollback flushes an abort record for txID; no data page is ever applied.
func (w *WAL) Rollback(txID uint64) error {
	records := w.buffer.rollback(txID)
	_, err := w.submit(records)
	return err
}

// Checkpoint forces an immediate checkpoint: it flushes every committed
// page up to the WAL's current last-assigned LSN to the data file via the
// configured Flush callback, then records a Checkpoint entry naming that
// LSN as apply_upto. It is also invoked automatically on a timer and after
// CheckpointCount records have been written.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	upto := w.lastIndex
	w.mu.Unlock()
	if err := w.checkpointUpto(upto); err != nil {
		return err
	}
	_, err := w.submit([]LogRecord{newCheckpointRecord(upto)})
	return err
}

// checkpointUpto runs cfg.Flush (if configured) and advances the in-memory
// checkpointed watermark before recording the Checkpoint entry itself.
// Called both from Checkpoint (a different goroutine than the io worker)
// and, synchronously and without going through the io channel, from the io
// worker itself when the circular cursor is about to overwrite a slot that
// isn't covered yet.
func (w *WAL) checkpointUpto(upto int64) error {
	if w.cfg.Flush != nil {
		if err := w.cfg.Flush(upto); err != nil {
			return fmt.Errorf("storage: wal checkpoint flush: %w", err)
		}
	}
	w.mu.Lock()
	if upto > w.checkpointed {
		w.checkpointed = upto
	}
	w.mu.Unlock()
	return nil
}

// Close drains the checkpoint loop and io worker, then closes the Finder.
func (w *WAL) Close() error {
	var closeErr error
	w.closeOnce.Do(func() {
		close(w.stopCP)
		<-w.doneCP
		close(w.ioCh)
		<-w.doneIO
		closeErr = w.disk.Close()
	})
	return closeErr
}

func (w *WAL) submit(records []LogRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	resp := make(chan walBatchResult, 1)
	w.ioCh <- walBatch{records: records, resp: resp}
	r := <-resp
	return r.commitIndex, r.err
}

// ensureSlotSafe forces a synchronous checkpoint flush before the circular
// cursor is allowed to overwrite slot: if that slot's current contents
// reach a higher LSN than what's already known durable in the data file,
// overwriting it now would silently drop committed-but-unpersisted data
// (spec §4.3 "Log circularity safety"). This calls cfg.Flush directly
// rather than going through Checkpoint/submit, since it runs on the io
// worker goroutine itself — routing through the ioCh here would deadlock.
func (w *WAL) ensureSlotSafe(slot int) error {
	w.mu.Lock()
	unsafe := w.slotMax[slot] > w.checkpointed
	upto := w.lastIndex
	w.mu.Unlock()
	if !unsafe {
		return nil
	}
	return w.checkpointUpto(upto)
}

// runIO assigns LSNs, packs records into WAL pages, and writes them through
// the Finder's group commit, one page per full (or batch-ending) entry.
func (w *WAL) runIO() {
	defer close(w.doneIO)
	current := &logEntry{}
	sinceCheckpoint := 0

	flushEntry := func() error {
		if len(current.records) == 0 {
			return nil
		}
		if err := w.ensureSlotSafe(w.cursor); err != nil {
			return err
		}
		page := NewPage(WALPageSize)
		if err := current.serializeInto(page); err != nil {
			return err
		}
		if err := w.disk.BatchWrite(w.cursor, page); err != nil {
			return err
		}
		w.slotMax[w.cursor] = current.records[len(current.records)-1].Index
		w.cursor = (w.cursor + 1) % w.cfg.MaxFileSize
		current = &logEntry{}
		return nil
	}

	for batch := range w.ioCh {
		var commitIndex int64
		var batchErr error

		for _, record := range batch.records {
			w.mu.Lock()
			w.lastIndex++
			record.Index = w.lastIndex
			w.mu.Unlock()
			record.ensureCompressed()

			if record.Operation == OpCommit && w.cfg.CommitNotify != nil {
				w.cfg.CommitNotify(record.TxID, record.Index)
			}
			if record.Operation == OpCommit {
				commitIndex = record.Index
			}

			if !current.isAvailable(record) {
				if err := flushEntry(); err != nil {
					batchErr = err
					break
				}
			}
			current.append(record)
			sinceCheckpoint++
		}

		if batchErr == nil {
			batchErr = flushEntry()
		}
		if batchErr == nil && w.cfg.CheckpointCount > 0 && sinceCheckpoint >= w.cfg.CheckpointCount {
			sinceCheckpoint = 0
			select {
			case w.checkpointCh <- struct{}{}:
			default:
			}
		}

		batch.resp <- walBatchResult{commitIndex: commitIndex, err: batchErr}
	}
}

func (w *WAL) runCheckpoint() {
	defer close(w.doneCP)
	interval := w.cfg.CheckpointInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCP:
			return
		case <-ticker.C:
			if err := w.Checkpoint(); err != nil {
				w.cfg.Logger.Warn().Err(err).Msg("wal: periodic checkpoint failed")
			}
		case <-w.checkpointCh:
			if err := w.Checkpoint(); err != nil {
				w.cfg.Logger.Warn().Err(err).Msg("wal: triggered checkpoint failed")
			}
		}
	}
}

// replay scans the circular WAL file to recover the log's logical state
// after a crash, following the original source's two-pass algorithm: first
// locate every record keyed by LSN (detecting the circular cursor wrap
// point when an LSN decreases), then walk the records in LSN order
// tracking started/committed/aborted transactions and pending inserts,
// applying checkpoint records by discarding inserts below their apply_upto.
func (w *WAL) replay() (*RecoveryResult, int, []int64, error) {
	cursor := 0
	records := make(map[int64]LogRecord)
	cursorIndex := int64(0)
	slotMax := make([]int64, w.cfg.MaxFileSize)

	for index := 0; index < w.cfg.MaxFileSize; index++ {
		page, err := w.disk.Read(index)
		if err != nil {
			break
		}
		entry := deserializeEntry(page)
		for _, record := range entry.records {
			if record.Index < cursorIndex {
				cursor = index
			}
			cursorIndex = record.Index
			records[record.Index] = record
			if record.Index > slotMax[index] {
				slotMax[index] = record.Index
			}
		}
	}

	ordered := make([]int64, 0, len(records))
	for lsn := range records {
		ordered = append(ordered, lsn)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var lastIndex int64
	var lastTransaction uint64
	var lastCheckpoint int64
	started := make(map[uint64]struct{})
	committed := make(map[uint64]struct{})
	inserts := make(map[int64]LogRecord)

	for _, lsn := range ordered {
		record := records[lsn]
		if record.TxID > lastTransaction {
			lastTransaction = record.TxID
		}
		if record.Index > lastIndex {
			lastIndex = record.Index
		}
		switch record.Operation {
		case OpStart:
			started[record.TxID] = struct{}{}
		case OpCommit:
			if _, ok := started[record.TxID]; ok {
				delete(started, record.TxID)
				committed[record.TxID] = struct{}{}
			}
		case OpAbort:
			delete(started, record.TxID)
		case OpCheckpoint:
			for insertLSN := range inserts {
				if insertLSN < record.ApplyUpto {
					delete(inserts, insertLSN)
				}
			}
			if record.ApplyUpto > lastCheckpoint {
				lastCheckpoint = record.ApplyUpto
			}
			started = make(map[uint64]struct{})
			committed = make(map[uint64]struct{})
		case OpInsert:
			inserts[record.Index] = record
		}
	}

	insertLSNs := make([]int64, 0, len(inserts))
	for lsn := range inserts {
		insertLSNs = append(insertLSNs, lsn)
	}
	sort.Slice(insertLSNs, func(i, j int) bool { return insertLSNs[i] < insertLSNs[j] })

	result := &RecoveryResult{LastTransaction: lastTransaction, LastIndex: lastIndex, LastCheckpoint: lastCheckpoint}
	for _, lsn := range insertLSNs {
		record := inserts[lsn]
		if _, ok := committed[record.TxID]; ok {
			result.ToApply = append(result.ToApply, RecoveredInsert{
				TxID: record.TxID, PageIndex: record.PageIndex, Data: record.Data,
			})
		} else {
			result.ToRollback = append(result.ToRollback, RecoveredAbort{
				TxID: record.TxID, PageIndex: record.PageIndex,
			})
		}
	}
	return result, cursor, slotMax, nil
}
