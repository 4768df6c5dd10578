package storage

// Uncommitted marks a version chain entry that has not yet received a
// commit index. Real commit indices are never negative (WAL LSNs start at
// 1, and pages filled from disk are stamped with the reader's snapshot,
// which is at least 0), so -1 is a safe sentinel.
const Uncommitted = -1

// version is one entry in a page's MVCC chain: the page image written by
// txID, either still uncommitted or committed at commitIndex.
type version struct {
	txID        uint64
	commitIndex int64
	page        *Page
}

// chain is the per-page-index MVCC version chain described in spec §3:
// committed entries in strictly increasing commit-index order, plus any
// number of uncommitted entries from distinct live transactions.
type chain struct {
	versions []version
}

func newChain() *chain {
	return &chain{}
}

// view returns the page visible to a reader at the given snapshot: the
// entry with the greatest commitIndex <= snapshot, or nil if none.
func (c *chain) view(snapshot int64) *Page {
	var best *version
	for i := range c.versions {
		v := &c.versions[i]
		if v.commitIndex == Uncommitted || v.commitIndex > snapshot {
			continue
		}
		if best == nil || v.commitIndex > best.commitIndex {
			best = v
		}
	}
	if best == nil {
		return nil
	}
	return best.page
}

// viewUncommitted returns the page written by txID itself, if it has an
// uncommitted entry in this chain — a transaction always sees its own
// writes regardless of snapshot.
func (c *chain) viewUncommitted(txID uint64) *Page {
	for i := range c.versions {
		v := &c.versions[i]
		if v.txID == txID && v.commitIndex == Uncommitted {
			return v.page
		}
	}
	return nil
}

// appendUncommitted replaces any existing uncommitted entry for txID with
// page (a transaction may overwrite its own dirty page any number of times
// before commit) and otherwise appends a new one.
func (c *chain) appendUncommitted(txID uint64, page *Page) {
	for i := range c.versions {
		v := &c.versions[i]
		if v.txID == txID && v.commitIndex == Uncommitted {
			v.page = page
			return
		}
	}
	c.versions = append(c.versions, version{txID: txID, commitIndex: Uncommitted, page: page})
}

// appendCommitted appends a page loaded from disk as already committed at
// commitIndex — used when the cache fills a miss from the Finder.
func (c *chain) appendCommitted(txID uint64, commitIndex int64, page *Page) {
	c.versions = append(c.versions, version{txID: txID, commitIndex: commitIndex, page: page})
}

// commit promotes txID's uncommitted entry (if any) to committed at
// commitIndex, preserving the chain's increasing commit-index invariant by
// construction (commitIndex is always the next LSN handed out by the WAL).
func (c *chain) commit(txID uint64, commitIndex int64) {
	for i := range c.versions {
		v := &c.versions[i]
		if v.txID == txID && v.commitIndex == Uncommitted {
			v.commitIndex = commitIndex
			return
		}
	}
}

// abort drops txID's uncommitted entry, if any.
func (c *chain) abort(txID uint64) {
	out := c.versions[:0]
	for _, v := range c.versions {
		if v.txID == txID && v.commitIndex == Uncommitted {
			continue
		}
		out = append(out, v)
	}
	c.versions = out
}

// splitOff removes every entry with commitIndex <= upto, keeping only
// versions a snapshot above upto could still need. Uncommitted entries are
// never removed by splitOff — only commit/abort clear those.
func (c *chain) splitOff(upto int64) {
	out := c.versions[:0]
	for _, v := range c.versions {
		if v.commitIndex != Uncommitted && v.commitIndex <= upto {
			continue
		}
		out = append(out, v)
	}
	c.versions = out
}

func (c *chain) isEmpty() bool { return len(c.versions) == 0 }
