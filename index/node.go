// Package index implements the disk-backed B+Tree Cursor of spec §4.4:
// a transactional, copy-on-write-physically index over string keys,
// layered on top of the storage package's Finder/WAL/PageCache.
package index

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/foliodb/foliodb/storage"
)

// HeaderIndex is the page index reserved for the Tree Header singleton.
const HeaderIndex = 0

// MaxNodeLen bounds the serialized size of a node's key/child payload
// before it must split (spec §3 "Node size ≤ MAX_NODE_LEN").
const MaxNodeLen = storage.DataPageSize - nodeDataOffset - 256

const (
	nodeTypeOffset = 0
	numKeysOffset  = 1 // uint16
	nextLeafOffset = 3 // int32, leaf only
	nodeDataOffset = 7

	nodeTypeInternal = byte(0)
	nodeTypeLeaf     = byte(1)

	// noNext marks a leaf with no right sibling.
	noNext = int32(-1)
)

// leafEntry is one (key, value page index) pair stored in a leaf.
type leafEntry struct {
	key       string
	valuePage int
}

// leaf is a decoded leaf node: its entries in key order plus the index of
// the next leaf to its right, chained for range scans.
type leaf struct {
	entries []leafEntry
	next    int32
}

// internal is a decoded internal node: len(children) == len(keys)+1, and
// key[i] separates children[i] (keys < key[i]) from children[i+1]
// (keys >= key[i]).
type internal struct {
	keys     []string
	children []int
}

func isLeafPage(page *storage.Page) bool {
	return page.Data[nodeTypeOffset] == nodeTypeLeaf
}

func decodeLeaf(page *storage.Page) *leaf {
	numKeys := binary.LittleEndian.Uint16(page.Data[numKeysOffset:])
	next := int32(binary.LittleEndian.Uint32(page.Data[nextLeafOffset:]))
	l := &leaf{entries: make([]leafEntry, 0, numKeys), next: next}
	off := nodeDataOffset
	for i := 0; i < int(numKeys); i++ {
		kl := int(binary.LittleEndian.Uint16(page.Data[off:]))
		off += 2
		key := string(page.Data[off : off+kl])
		off += kl
		vp := int(binary.LittleEndian.Uint32(page.Data[off:]))
		off += 4
		l.entries = append(l.entries, leafEntry{key: key, valuePage: vp})
	}
	return l
}

func encodeLeaf(l *leaf) (*storage.Page, error) {
	page := storage.NewPage(storage.DataPageSize)
	page.Data[nodeTypeOffset] = nodeTypeLeaf
	binary.LittleEndian.PutUint16(page.Data[numKeysOffset:], uint16(len(l.entries)))
	binary.LittleEndian.PutUint32(page.Data[nextLeafOffset:], uint32(l.next))
	off := nodeDataOffset
	for _, e := range l.entries {
		kb := []byte(e.key)
		if off+2+len(kb)+4 > len(page.Data) {
			return nil, fmt.Errorf("index: leaf node overflowed page size")
		}
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(kb)))
		off += 2
		copy(page.Data[off:], kb)
		off += len(kb)
		binary.LittleEndian.PutUint32(page.Data[off:], uint32(e.valuePage))
		off += 4
	}
	return page, nil
}

func decodeInternal(page *storage.Page) *internal {
	numKeys := binary.LittleEndian.Uint16(page.Data[numKeysOffset:])
	off := nodeDataOffset
	n := &internal{
		keys:     make([]string, 0, numKeys),
		children: make([]int, 0, numKeys+1),
	}
	child0 := int(binary.LittleEndian.Uint32(page.Data[off:]))
	off += 4
	n.children = append(n.children, child0)
	for i := 0; i < int(numKeys); i++ {
		kl := int(binary.LittleEndian.Uint16(page.Data[off:]))
		off += 2
		key := string(page.Data[off : off+kl])
		off += kl
		child := int(binary.LittleEndian.Uint32(page.Data[off:]))
		off += 4
		n.keys = append(n.keys, key)
		n.children = append(n.children, child)
	}
	return n
}

func encodeInternal(n *internal) (*storage.Page, error) {
	page := storage.NewPage(storage.DataPageSize)
	page.Data[nodeTypeOffset] = nodeTypeInternal
	binary.LittleEndian.PutUint16(page.Data[numKeysOffset:], uint16(len(n.keys)))
	off := nodeDataOffset
	binary.LittleEndian.PutUint32(page.Data[off:], uint32(n.children[0]))
	off += 4
	for i, key := range n.keys {
		kb := []byte(key)
		if off+2+len(kb)+4 > len(page.Data) {
			return nil, fmt.Errorf("index: internal node overflowed page size")
		}
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(kb)))
		off += 2
		copy(page.Data[off:], kb)
		off += len(kb)
		binary.LittleEndian.PutUint32(page.Data[off:], uint32(n.children[i+1]))
		off += 4
	}
	return page, nil
}

func leafSize(l *leaf) int {
	s := 0
	for _, e := range l.entries {
		s += 2 + len(e.key) + 4
	}
	return s
}

func internalSize(n *internal) int {
	s := 4
	for _, k := range n.keys {
		s += 2 + len(k) + 4
	}
	return s
}

// childFor returns the index of the child that key belongs under.
func (n *internal) childFor(key string) int {
	i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] > key })
	return i
}
