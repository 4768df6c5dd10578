package storage

import "testing"

func TestLogBufferCommitReturnsRecordsWithTrailingCommit(t *testing.T) {
	b := newLogBuffer()
	tx := b.newTransaction()
	b.append(tx, 1, []byte("a"))
	b.append(tx, 2, []byte("b"))

	records := b.commit(tx)
	if len(records) != 4 { // start + 2 inserts + commit
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	if records[0].Operation != OpStart {
		t.Errorf("expected first record to be start, got %s", records[0].Operation)
	}
	if last := records[len(records)-1]; last.Operation != OpCommit {
		t.Errorf("expected trailing commit record, got %s", last.Operation)
	}
	if b.len() != 0 {
		t.Errorf("expected buffer drained after commit, got size %d", b.len())
	}
}

func TestLogBufferRollbackEndsWithAbort(t *testing.T) {
	b := newLogBuffer()
	tx := b.newTransaction()
	b.append(tx, 1, []byte("a"))

	records := b.rollback(tx)
	if last := records[len(records)-1]; last.Operation != OpAbort {
		t.Errorf("expected trailing abort record, got %s", last.Operation)
	}
}

func TestLogBufferTransactionIDsAreUniqueAndIncreasing(t *testing.T) {
	b := newLogBuffer()
	tx1 := b.newTransaction()
	tx2 := b.newTransaction()
	if tx2 <= tx1 {
		t.Errorf("expected increasing transaction ids, got %d then %d", tx1, tx2)
	}
}

func TestLogBufferSetInitialStateSeedsCounter(t *testing.T) {
	b := newLogBuffer()
	b.setInitialState(100)
	tx := b.newTransaction()
	if tx != 101 {
		t.Errorf("expected first transaction after seeding to be 101, got %d", tx)
	}
}

func TestLogBufferFlushDrainsAllTransactions(t *testing.T) {
	b := newLogBuffer()
	tx1 := b.newTransaction()
	tx2 := b.newTransaction()
	b.append(tx1, 1, []byte("a"))
	b.append(tx2, 2, []byte("b"))

	all := b.flush()
	if len(all) != 4 { // 2 starts + 2 inserts
		t.Fatalf("expected 4 records, got %d", len(all))
	}
	if b.len() != 0 {
		t.Errorf("expected buffer empty after flush, got %d", b.len())
	}
}
