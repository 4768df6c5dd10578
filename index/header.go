package index

import (
	"encoding/binary"
	"fmt"

	"github.com/foliodb/foliodb/storage"
)

// treeHeader is the singleton at HeaderIndex carrying the current root
// page index. Fixed, per spec's Open Question resolution, as an MVCC'd
// page: readers take a consistent root even while a writer restructures
// the tree concurrently.
type treeHeader struct {
	root int
}

func decodeHeader(page *storage.Page) *treeHeader {
	return &treeHeader{root: int(binary.LittleEndian.Uint32(page.Data[0:4]))}
}

func encodeHeader(h *treeHeader) *storage.Page {
	page := storage.NewPage(storage.DataPageSize)
	binary.LittleEndian.PutUint32(page.Data[0:4], uint32(h.root))
	return page
}

// valuePage holds one stored value as [marker byte][length uint32][payload].
// The leading marker byte is always 1: without it, an empty value would
// serialize to an all-zero page, which Finder.Read treats as an unwritten
// slot and reports as ErrNotFound instead of returning it. Values must fit
// within a single data page; callers needing larger values should chunk at
// the application layer (no overflow-page chain is specified).
func decodeValue(page *storage.Page) ([]byte, error) {
	n := binary.LittleEndian.Uint32(page.Data[1:5])
	if int(n)+5 > len(page.Data) {
		return nil, fmt.Errorf("index: corrupt value page")
	}
	out := make([]byte, n)
	copy(out, page.Data[5:5+n])
	return out, nil
}

func encodeValue(value []byte) (*storage.Page, error) {
	if len(value)+5 > storage.DataPageSize {
		return nil, fmt.Errorf("index: value of %d bytes exceeds page capacity", len(value))
	}
	page := storage.NewPage(storage.DataPageSize)
	page.Data[0] = 1
	binary.LittleEndian.PutUint32(page.Data[1:5], uint32(len(value)))
	copy(page.Data[5:], value)
	return page, nil
}
