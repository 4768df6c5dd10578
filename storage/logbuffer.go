package storage

import "sync"

// logBuffer accumulates WAL records per transaction before they are handed
// to the WAL's io worker, grounded on the original source's LogBuffer
// (spec §4.3's in-memory batching stage).
type logBuffer struct {
	mu              sync.Mutex
	lastTransaction uint64
	byTx            map[uint64][]LogRecord
	size            int
}

func newLogBuffer() *logBuffer {
	return &logBuffer{byTx: make(map[uint64][]LogRecord)}
}

// setInitialState seeds the transaction counter after recovery so new
// transactions never reuse an id seen in the log.
func (b *logBuffer) setInitialState(lastTransaction uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastTransaction = lastTransaction
}

func (b *logBuffer) newTransaction() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastTransaction++
	txID := b.lastTransaction
	b.byTx[txID] = []LogRecord{newStartRecord(txID)}
	b.size++
	return txID
}

func (b *logBuffer) append(txID uint64, pageIndex int, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byTx[txID] = append(b.byTx[txID], newInsertRecord(txID, pageIndex, data))
	b.size++
}

// commit removes txID's buffered records and returns them with a trailing
// commit record, ready to hand to the WAL io worker.
func (b *logBuffer) commit(txID uint64) []LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.byTx[txID]
	delete(b.byTx, txID)
	b.size -= len(records)
	return append(records, newCommitRecord(txID))
}

func (b *logBuffer) rollback(txID uint64) []LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.byTx[txID]
	delete(b.byTx, txID)
	b.size -= len(records)
	return append(records, newAbortRecord(txID))
}

func (b *logBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// flush drains every buffered record across all transactions, used when
// the buffer grows past its configured limit.
func (b *logBuffer) flush() []LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all []LogRecord
	for _, records := range b.byTx {
		all = append(all, records...)
	}
	b.byTx = make(map[uint64][]LogRecord)
	b.size = 0
	return all
}
