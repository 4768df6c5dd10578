package index

import (
	"fmt"
	"sync/atomic"

	"github.com/foliodb/foliodb/storage"
)

// Writer is the shared plumbing every Cursor reads and writes through: it
// layers the page cache over the Finder (filling misses from disk at the
// transaction's snapshot) and mirrors every write into the WAL buffer
// before marking it dirty in the cache (spec §4.4 "Cursor / Writer
// separation").
type Writer struct {
	cache    *storage.PageCache
	disk     *storage.Finder
	wal      *storage.WAL
	freelist *storage.FreeList
}

// NewWriter builds the shared writer plumbing for a tree.
func NewWriter(cache *storage.PageCache, disk *storage.Finder, wal *storage.WAL, freelist *storage.FreeList) *Writer {
	return &Writer{cache: cache, disk: disk, wal: wal, freelist: freelist}
}

// read returns the page visible to txID at snapshot, filling the cache
// from disk on a miss.
func (w *Writer) read(txID uint64, snapshot int64, index int) (*storage.Page, error) {
	if page := w.cache.Get(txID, snapshot, index); page != nil {
		return page, nil
	}
	page, err := w.disk.Read(index)
	if err != nil {
		return nil, err
	}
	w.cache.InsertFromDisk(txID, snapshot, index, page)
	return page, nil
}

// write buffers page as an insert record in the WAL and marks it dirty in
// the cache — every write goes to both simultaneously per spec §4.4.
func (w *Writer) write(txID uint64, index int, page *storage.Page) error {
	if err := w.wal.Append(txID, index, page.Data); err != nil {
		return err
	}
	w.cache.InsertDirty(txID, index, page)
	return nil
}

// Tree is the B+Tree root handle: long-lived, shared across transactions.
// Cursors are opened against it and are cheap, short-lived.
type Tree struct {
	writer *Writer
}

// OpenTree loads (or, on a brand-new store, initializes) the tree rooted
// at the header page.
func OpenTree(writer *Writer) (*Tree, error) {
	t := &Tree{writer: writer}
	if _, err := writer.disk.Read(HeaderIndex); err == storage.ErrNotFound {
		if err := t.initEmpty(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) initEmpty() error {
	rootIndex, err := t.writer.freelist.Acquire()
	if err != nil {
		return err
	}
	rootPage, err := encodeLeaf(&leaf{next: noNext})
	if err != nil {
		return err
	}
	if err := t.writer.disk.Write(rootIndex, rootPage); err != nil {
		return err
	}
	headerPage := encodeHeader(&treeHeader{root: rootIndex})
	if err := t.writer.disk.Write(HeaderIndex, headerPage); err != nil {
		return err
	}
	return t.writer.disk.Fsync()
}

// Begin opens a new cursor: a fresh transaction id and a read snapshot.
func (t *Tree) Begin() *Cursor {
	txID, snapshot := t.writer.wal.Begin()
	return &Cursor{tree: t, txID: txID, snapshot: snapshot}
}

// Cursor is one transaction's view of the tree (spec §4.4's state
// machine: Open until Commit, then Closed forever).
type Cursor struct {
	tree     *Tree
	txID     uint64
	snapshot int64
	closed   atomic.Bool
}

// Get looks up key, returning ErrNotFound if absent.
func (c *Cursor) Get(key string) ([]byte, error) {
	if c.closed.Load() {
		return nil, storage.ErrTransactionClosed
	}
	valueIndex, err := c.findValueIndex(key)
	if err != nil {
		return nil, err
	}
	page, err := c.tree.writer.read(c.txID, c.snapshot, valueIndex)
	if err != nil {
		return nil, err
	}
	return decodeValue(page)
}

func (c *Cursor) findValueIndex(key string) (int, error) {
	header, err := c.readHeader()
	if err != nil {
		return 0, err
	}
	index := header.root
	for {
		page, err := c.tree.writer.read(c.txID, c.snapshot, index)
		if err != nil {
			return 0, err
		}
		if isLeafPage(page) {
			l := decodeLeaf(page)
			for _, e := range l.entries {
				if e.key == key {
					return e.valuePage, nil
				}
			}
			return 0, storage.ErrNotFound
		}
		n := decodeInternal(page)
		index = n.children[n.childFor(key)]
	}
}

func (c *Cursor) readHeader() (*treeHeader, error) {
	page, err := c.tree.writer.read(c.txID, c.snapshot, HeaderIndex)
	if err != nil {
		return nil, err
	}
	return decodeHeader(page), nil
}

// Insert upserts key -> value. Last writer wins within a transaction;
// repeated inserts of the same key just overwrite the dirty value page.
func (c *Cursor) Insert(key string, value []byte) error {
	if c.closed.Load() {
		return storage.ErrTransactionClosed
	}
	header, err := c.readHeader()
	if err != nil {
		return err
	}

	result, err := c.appendAt(header.root, key, value)
	if err != nil {
		return err
	}
	if result.split == nil {
		return nil
	}

	newRootIndex, err := c.tree.writer.freelist.Acquire()
	if err != nil {
		return err
	}
	newRootPage, err := encodeInternal(&internal{
		keys:     []string{result.split.sepKey},
		children: []int{header.root, result.split.newIndex},
	})
	if err != nil {
		return err
	}
	if err := c.tree.writer.write(c.txID, newRootIndex, newRootPage); err != nil {
		return err
	}
	return c.tree.writer.write(c.txID, HeaderIndex, encodeHeader(&treeHeader{root: newRootIndex}))
}

// Commit durably commits the transaction's writes and closes the cursor.
func (c *Cursor) Commit() error {
	if c.closed.Swap(true) {
		return storage.ErrTransactionClosed
	}
	commitIndex, err := c.tree.writer.wal.Commit(c.txID)
	if err != nil {
		return err
	}
	c.tree.writer.cache.Commit(c.txID, commitIndex)
	return nil
}

// Abort discards the transaction's writes and closes the cursor.
func (c *Cursor) Abort() error {
	if c.closed.Swap(true) {
		return storage.ErrTransactionClosed
	}
	if err := c.tree.writer.wal.Rollback(c.txID); err != nil {
		return err
	}
	c.tree.writer.cache.Abort(c.txID)
	return nil
}

// splitResult is what a recursive appendAt call returns to its caller:
// either nothing (the subtree absorbed the insert without splitting,
// possibly reporting a new leftmost key that must replace the parent's
// separator) or a split that must be linked into the parent.
type splitResult struct {
	split       *splitInfo
	newLeftmost string
	hasLeftmost bool
}

type splitInfo struct {
	sepKey   string
	newIndex int
}

// appendAt is the recursive post-order insertion of spec §4.4: descend to
// the target leaf, insert or overwrite, split if oversized, and propagate
// either a split or a changed leftmost key back up to the caller.
func (c *Cursor) appendAt(index int, key string, value []byte) (splitResult, error) {
	page, err := c.tree.writer.read(c.txID, c.snapshot, index)
	if err != nil {
		return splitResult{}, err
	}

	if isLeafPage(page) {
		return c.insertIntoLeaf(index, decodeLeaf(page), key, value)
	}

	node := decodeInternal(page)
	childIdx := node.childFor(key)
	childResult, err := c.appendAt(node.children[childIdx], key, value)
	if err != nil {
		return splitResult{}, err
	}

	if childResult.split != nil {
		return c.insertIntoInternal(index, node, childIdx, childResult.split)
	}
	if childResult.hasLeftmost && childIdx > 0 {
		node.keys[childIdx-1] = childResult.newLeftmost
		if err := c.persistInternal(index, node); err != nil {
			return splitResult{}, err
		}
	}
	return splitResult{}, nil
}

func (c *Cursor) insertIntoLeaf(index int, l *leaf, key string, value []byte) (splitResult, error) {
	oldLeftmost := ""
	if len(l.entries) > 0 {
		oldLeftmost = l.entries[0].key
	}

	overwrote := false
	for i := range l.entries {
		if l.entries[i].key == key {
			valueIndex := l.entries[i].valuePage
			valuePage, err := encodeValue(value)
			if err != nil {
				return splitResult{}, err
			}
			if err := c.tree.writer.write(c.txID, valueIndex, valuePage); err != nil {
				return splitResult{}, err
			}
			overwrote = true
			break
		}
	}

	if !overwrote {
		valueIndex, err := c.tree.writer.freelist.Acquire()
		if err != nil {
			return splitResult{}, err
		}
		valuePage, err := encodeValue(value)
		if err != nil {
			return splitResult{}, err
		}
		if err := c.tree.writer.write(c.txID, valueIndex, valuePage); err != nil {
			return splitResult{}, err
		}
		pos := 0
		for pos < len(l.entries) && l.entries[pos].key < key {
			pos++
		}
		l.entries = append(l.entries, leafEntry{})
		copy(l.entries[pos+1:], l.entries[pos:])
		l.entries[pos] = leafEntry{key: key, valuePage: valueIndex}
	}

	if leafSize(l) <= MaxNodeLen {
		if err := c.persistLeaf(index, l); err != nil {
			return splitResult{}, err
		}
		newLeftmost := l.entries[0].key
		return splitResult{hasLeftmost: !overwrote && newLeftmost != oldLeftmost, newLeftmost: newLeftmost}, nil
	}

	mid := len(l.entries) / 2
	lower := append([]leafEntry(nil), l.entries[:mid]...)
	upper := append([]leafEntry(nil), l.entries[mid:]...)

	newIndex, err := c.tree.writer.freelist.Acquire()
	if err != nil {
		return splitResult{}, err
	}
	upperLeaf := &leaf{entries: upper, next: l.next}
	upperPage, err := encodeLeaf(upperLeaf)
	if err != nil {
		return splitResult{}, err
	}
	if err := c.tree.writer.write(c.txID, newIndex, upperPage); err != nil {
		return splitResult{}, err
	}

	lowerLeaf := &leaf{entries: lower, next: int32(newIndex)}
	if err := c.persistLeaf(index, lowerLeaf); err != nil {
		return splitResult{}, err
	}

	return splitResult{split: &splitInfo{sepKey: upper[0].key, newIndex: newIndex}}, nil
}

func (c *Cursor) insertIntoInternal(index int, node *internal, childIdx int, split *splitInfo) (splitResult, error) {
	node.keys = append(node.keys, "")
	copy(node.keys[childIdx+1:], node.keys[childIdx:])
	node.keys[childIdx] = split.sepKey

	node.children = append(node.children, 0)
	copy(node.children[childIdx+2:], node.children[childIdx+1:])
	node.children[childIdx+1] = split.newIndex

	if internalSize(node) <= MaxNodeLen {
		if err := c.persistInternal(index, node); err != nil {
			return splitResult{}, err
		}
		return splitResult{}, nil
	}

	mid := len(node.keys) / 2
	pushUp := node.keys[mid]

	lower := &internal{
		keys:     append([]string(nil), node.keys[:mid]...),
		children: append([]int(nil), node.children[:mid+1]...),
	}
	upper := &internal{
		keys:     append([]string(nil), node.keys[mid+1:]...),
		children: append([]int(nil), node.children[mid+1:]...),
	}

	newIndex, err := c.tree.writer.freelist.Acquire()
	if err != nil {
		return splitResult{}, err
	}
	upperPage, err := encodeInternal(upper)
	if err != nil {
		return splitResult{}, err
	}
	if err := c.tree.writer.write(c.txID, newIndex, upperPage); err != nil {
		return splitResult{}, err
	}
	if err := c.persistInternal(index, lower); err != nil {
		return splitResult{}, err
	}

	return splitResult{split: &splitInfo{sepKey: pushUp, newIndex: newIndex}}, nil
}

func (c *Cursor) persistLeaf(index int, l *leaf) error {
	page, err := encodeLeaf(l)
	if err != nil {
		return err
	}
	return c.tree.writer.write(c.txID, index, page)
}

func (c *Cursor) persistInternal(index int, n *internal) error {
	page, err := encodeInternal(n)
	if err != nil {
		return fmt.Errorf("index: persist internal node: %w", err)
	}
	return c.tree.writer.write(c.txID, index, page)
}
