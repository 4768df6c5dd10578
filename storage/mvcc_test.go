package storage

import "testing"

func pageWith(b byte) *Page {
	p := NewPage(8)
	p.Data[0] = b
	return p
}

func TestChainViewPicksHighestCommitAtOrBelowSnapshot(t *testing.T) {
	c := newChain()
	c.appendCommitted(1, 10, pageWith(1))
	c.appendCommitted(2, 20, pageWith(2))
	c.appendCommitted(3, 30, pageWith(3))

	if got := c.view(25); got.Data[0] != 2 {
		t.Errorf("expected version at commit 20, got %d", got.Data[0])
	}
	if got := c.view(30); got.Data[0] != 3 {
		t.Errorf("expected version at commit 30, got %d", got.Data[0])
	}
	if got := c.view(5); got != nil {
		t.Errorf("expected no visible version below first commit, got %v", got)
	}
}

func TestChainUncommittedInvisibleToOtherSnapshots(t *testing.T) {
	c := newChain()
	c.appendCommitted(1, 10, pageWith(1))
	c.appendUncommitted(2, pageWith(9))

	if got := c.view(1000); got.Data[0] != 1 {
		t.Errorf("reader must not see uncommitted write, got %d", got.Data[0])
	}
	if got := c.viewUncommitted(2); got.Data[0] != 9 {
		t.Errorf("writer must see its own uncommitted write, got %v", got)
	}
	if got := c.viewUncommitted(3); got != nil {
		t.Errorf("unrelated tx must not see tx 2's uncommitted write")
	}
}

func TestChainAppendUncommittedReplacesSameTx(t *testing.T) {
	c := newChain()
	c.appendUncommitted(5, pageWith(1))
	c.appendUncommitted(5, pageWith(2))

	if len(c.versions) != 1 {
		t.Fatalf("expected one entry for repeated writes by the same tx, got %d", len(c.versions))
	}
	if got := c.viewUncommitted(5); got.Data[0] != 2 {
		t.Errorf("expected latest write to win, got %d", got.Data[0])
	}
}

func TestChainCommitPromotes(t *testing.T) {
	c := newChain()
	c.appendUncommitted(5, pageWith(7))
	c.commit(5, 42)

	if got := c.viewUncommitted(5); got != nil {
		t.Errorf("committed entry should no longer be uncommitted")
	}
	if got := c.view(42); got == nil || got.Data[0] != 7 {
		t.Errorf("expected committed page visible at commit index 42, got %v", got)
	}
}

func TestChainAbortDropsOnlyThatTx(t *testing.T) {
	c := newChain()
	c.appendCommitted(1, 10, pageWith(1))
	c.appendUncommitted(2, pageWith(2))
	c.appendUncommitted(3, pageWith(3))
	c.abort(2)

	if c.viewUncommitted(2) != nil {
		t.Errorf("aborted tx's write should be gone")
	}
	if c.viewUncommitted(3) == nil {
		t.Errorf("other tx's uncommitted write must survive an unrelated abort")
	}
	if c.view(10) == nil {
		t.Errorf("committed entry must survive an unrelated abort")
	}
}

func TestChainSplitOffKeepsUncommittedAndRecentCommits(t *testing.T) {
	c := newChain()
	c.appendCommitted(1, 10, pageWith(1))
	c.appendCommitted(2, 20, pageWith(2))
	c.appendUncommitted(3, pageWith(3))
	c.splitOff(10)

	if c.view(10) != nil {
		t.Errorf("commit at or below watermark must be reclaimed")
	}
	if got := c.view(20); got == nil || got.Data[0] != 2 {
		t.Errorf("commit above watermark must survive, got %v", got)
	}
	if c.viewUncommitted(3) == nil {
		t.Errorf("uncommitted entries must never be reclaimed by splitOff")
	}
}

func TestChainIsEmpty(t *testing.T) {
	c := newChain()
	if !c.isEmpty() {
		t.Errorf("new chain should be empty")
	}
	c.appendCommitted(1, 1, pageWith(1))
	if c.isEmpty() {
		t.Errorf("chain with an entry should not be empty")
	}
}
