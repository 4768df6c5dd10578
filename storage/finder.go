package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FinderConfig configures a Finder instance (spec §6).
type FinderConfig struct {
	Path       string
	PageSize   int
	BatchDelay time.Duration
	BatchSize  int
	Logger     zerolog.Logger
}

// cmdKind enumerates the commands consumed by the Finder's single I/O
// worker. Every op is serialized through one channel, so at most one
// file-descriptor operation is ever in flight (spec §5).
type cmdKind int

const (
	cmdRead cmdKind = iota
	cmdWrite
	cmdFlush
	cmdLen
)

type ioResult struct {
	page   *Page
	length int64
	err    error
}

type ioCmd struct {
	kind  cmdKind
	index int
	page  *Page
	resp  chan ioResult
}

type batchItem struct {
	index int
	page  *Page
	done  chan error
}

// Finder is the asynchronous page-indexed file I/O engine described in
// spec §4.1. A single file is viewed as an array of fixed-size pages; all
// I/O is serialized through one worker goroutine, and a second goroutine
// batches writes into group commits.
//
// Shutdown uses a closing flag plus an in-flight WaitGroup rather than
// simply closing the request channels: a public call that has already
// passed the closing check must be allowed to finish its send before the
// channel is torn down, or it would panic on a send to a closed channel.
type Finder struct {
	cfg  FinderConfig
	file StorageFile
	lock *fileLock // OS-level inter-process lock; nil for in-memory finders

	ioCh    chan ioCmd
	batchCh chan batchItem

	closing   bool
	closingMu sync.Mutex
	inflight  sync.WaitGroup

	doneBatch chan struct{}
	doneIO    chan struct{}
}

// OpenFinder opens (or creates) the backing file and starts the I/O and
// batcher workers.
func OpenFinder(cfg FinderConfig) (*Finder, error) {
	lock, err := lockFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: lock finder file %q: %w", cfg.Path, err)
	}
	file, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		lock.unlock()
		return nil, fmt.Errorf("storage: open finder file %q: %w", cfg.Path, err)
	}
	f := newFinder(cfg, file)
	f.lock = lock
	return f, nil
}

// OpenFinderMemory backs a Finder with an in-memory file — used by tests
// and by callers that want a store with no durability at all.
func OpenFinderMemory(cfg FinderConfig) *Finder {
	return newFinder(cfg, NewMemFile())
}

func newFinder(cfg FinderConfig, file StorageFile) *Finder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	f := &Finder{
		cfg:       cfg,
		file:      file,
		ioCh:      make(chan ioCmd, 64),
		batchCh:   make(chan batchItem, 64),
		doneBatch: make(chan struct{}),
		doneIO:    make(chan struct{}),
	}
	go f.runIO()
	go f.runBatcher()
	return f
}

// enter registers a public call as in-flight, rejecting it with ErrClosed
// if Close has already started. Always paired with a deferred leave().
func (f *Finder) enter() bool {
	f.closingMu.Lock()
	if f.closing {
		f.closingMu.Unlock()
		return false
	}
	f.inflight.Add(1)
	f.closingMu.Unlock()
	return true
}

func (f *Finder) leave() { f.inflight.Done() }

// Read seeks to index*pageSize and reads one page. Short reads, zero
// pages, and EOF all map to ErrNotFound (spec §4.1).
func (f *Finder) Read(index int) (*Page, error) {
	if !f.enter() {
		return nil, ErrClosed
	}
	defer f.leave()
	resp := make(chan ioResult, 1)
	f.ioCh <- ioCmd{kind: cmdRead, index: index, resp: resp}
	r := <-resp
	return r.page, r.err
}

// Write seeks and writes one page with no implicit fsync.
func (f *Finder) Write(index int, page *Page) error {
	if !f.enter() {
		return ErrClosed
	}
	defer f.leave()
	return f.writeSync(index, page)
}

// Fsync is a durability barrier: it returns only after the OS has flushed
// the file.
func (f *Finder) Fsync() error {
	if !f.enter() {
		return ErrClosed
	}
	defer f.leave()
	return f.fsyncSync()
}

// Len returns the file length in pages (ceiling).
func (f *Finder) Len() (int, error) {
	if !f.enter() {
		return 0, ErrClosed
	}
	defer f.leave()
	resp := make(chan ioResult, 1)
	f.ioCh <- ioCmd{kind: cmdLen, resp: resp}
	r := <-resp
	if r.err != nil {
		return 0, r.err
	}
	n := r.length / int64(f.cfg.PageSize)
	if r.length%int64(f.cfg.PageSize) != 0 {
		n++
	}
	return int(n), nil
}

// BatchWrite enqueues a write for group commit: the batcher accumulates up
// to BatchSize writes or BatchDelay elapsed, forwards them as ordered
// writes, issues one Fsync, then completes every waiter together.
func (f *Finder) BatchWrite(index int, page *Page) error {
	if !f.enter() {
		return ErrClosed
	}
	defer f.leave()
	done := make(chan error, 1)
	f.batchCh <- batchItem{index: index, page: page, done: done}
	return <-done
}

// Close drains and terminates the background workers. In-flight commands
// either complete or observe ErrClosed; Close never terminates the workers
// on a single request's error.
func (f *Finder) Close() error {
	f.closingMu.Lock()
	if f.closing {
		f.closingMu.Unlock()
		<-f.doneIO
		return nil
	}
	f.closing = true
	f.closingMu.Unlock()

	f.inflight.Wait()
	close(f.batchCh)
	<-f.doneBatch
	close(f.ioCh)
	<-f.doneIO
	if f.lock != nil {
		f.lock.unlock()
	}
	return f.file.Close()
}

func (f *Finder) writeSync(index int, page *Page) error {
	resp := make(chan ioResult, 1)
	f.ioCh <- ioCmd{kind: cmdWrite, index: index, page: page, resp: resp}
	return (<-resp).err
}

func (f *Finder) fsyncSync() error {
	resp := make(chan ioResult, 1)
	f.ioCh <- ioCmd{kind: cmdFlush, resp: resp}
	return (<-resp).err
}

func (f *Finder) runIO() {
	defer close(f.doneIO)
	for cmd := range f.ioCh {
		cmd.resp <- f.execIO(cmd)
	}
}

func (f *Finder) execIO(cmd ioCmd) ioResult {
	switch cmd.kind {
	case cmdRead:
		page := NewPage(f.cfg.PageSize)
		n, err := f.file.ReadAt(page.Data, int64(cmd.index)*int64(f.cfg.PageSize))
		if err != nil && err != io.EOF {
			return ioResult{err: &IOError{Op: "read", Index: cmd.index, Err: err}}
		}
		if err == io.EOF || n < len(page.Data) || page.IsEmpty() {
			return ioResult{err: ErrNotFound}
		}
		return ioResult{page: page}
	case cmdWrite:
		if _, err := f.file.WriteAt(cmd.page.Data, int64(cmd.index)*int64(f.cfg.PageSize)); err != nil {
			return ioResult{err: &IOError{Op: "write", Index: cmd.index, Err: err}}
		}
		return ioResult{}
	case cmdFlush:
		if err := f.file.Sync(); err != nil {
			return ioResult{err: &IOError{Op: "fsync", Err: err}}
		}
		return ioResult{}
	case cmdLen:
		info, err := f.file.Stat()
		if err != nil {
			return ioResult{err: &IOError{Op: "stat", Err: err}}
		}
		return ioResult{length: info.Size()}
	}
	return ioResult{err: fmt.Errorf("storage: unknown finder command %d", cmd.kind)}
}

// runBatcher is the group-commit loop: it accumulates pending writes until
// either BatchSize is reached or BatchDelay elapses, forwards the pending
// writes in order, fsyncs once, then releases every waiter together. On
// shutdown it performs one final flush of whatever is pending before
// signaling the I/O loop to stop.
func (f *Finder) runBatcher() {
	defer close(f.doneBatch)
	var pending []batchItem
	timer := time.NewTimer(f.cfg.BatchDelay)
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	stopTimer := func() {
		if !timerActive {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerActive = false
	}

	flush := func() {
		if len(pending) == 0 {
			return
		}
		items := pending
		pending = nil
		stopTimer()

		var survivors []batchItem
		for _, it := range items {
			if err := f.writeSync(it.index, it.page); err != nil {
				it.done <- err
				continue
			}
			survivors = append(survivors, it)
		}
		if len(survivors) == 0 {
			return
		}
		f.cfg.Logger.Debug().Int("batch_size", len(survivors)).Msg("finder: group commit")
		err := f.fsyncSync()
		for _, it := range survivors {
			it.done <- err
		}
	}

	for {
		select {
		case item, ok := <-f.batchCh:
			if !ok {
				flush()
				return
			}
			pending = append(pending, item)
			if !timerActive {
				timer.Reset(f.cfg.BatchDelay)
				timerActive = true
			}
			if len(pending) >= f.cfg.BatchSize {
				flush()
			}
		case <-timer.C:
			timerActive = false
			flush()
		}
	}
}
