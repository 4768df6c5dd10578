package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/snappy"
)

// WALPageSize is the fixed size of one WAL page — large enough to batch
// several records per group commit (spec §3: "typical WAL page size 32 KiB").
const WALPageSize = 32 * 1024

// Operation is the tagged union of things a LogRecord can describe
// (spec §3 "WAL Record").
type Operation byte

const (
	OpStart Operation = iota + 1
	OpCommit
	OpAbort
	OpCheckpoint
	OpInsert
)

func (op Operation) String() string {
	switch op {
	case OpStart:
		return "start"
	case OpCommit:
		return "commit"
	case OpAbort:
		return "abort"
	case OpCheckpoint:
		return "checkpoint"
	case OpInsert:
		return "insert"
	default:
		return fmt.Sprintf("operation(%d)", op)
	}
}

// LogRecord is one WAL record. Index is the monotonically assigned log
// sequence number (LSN), filled in by the WAL's io worker — callers never
// set it themselves.
type LogRecord struct {
	Index     int64
	TxID      uint64
	Operation Operation

	// ApplyUpto is set only for OpCheckpoint.
	ApplyUpto int64

	// PageIndex and Data are set only for OpInsert. Data is the after-image
	// of the page, snappy-compressed on the wire.
	PageIndex int
	Data      []byte

	// compressed caches Data's snappy encoding so encodedSize and encode
	// don't each recompress it. Populated by ensureCompressed; falls back
	// to compressing on demand if never called (e.g. records built
	// directly in tests).
	compressed []byte
}

// ensureCompressed snappy-compresses Data once and caches the result. The
// io worker calls this right after assigning a record's LSN, before the
// same record is measured (encodedSize) and later serialized (encode).
func (r *LogRecord) ensureCompressed() {
	if r.Operation == OpInsert && r.compressed == nil {
		r.compressed = snappy.Encode(nil, r.Data)
	}
}

func (r LogRecord) compressedData() []byte {
	if r.compressed != nil {
		return r.compressed
	}
	return snappy.Encode(nil, r.Data)
}

func newStartRecord(txID uint64) LogRecord    { return LogRecord{TxID: txID, Operation: OpStart} }
func newCommitRecord(txID uint64) LogRecord   { return LogRecord{TxID: txID, Operation: OpCommit} }
func newAbortRecord(txID uint64) LogRecord    { return LogRecord{TxID: txID, Operation: OpAbort} }
func newCheckpointRecord(applyUpto int64) LogRecord {
	return LogRecord{Operation: OpCheckpoint, ApplyUpto: applyUpto}
}
func newInsertRecord(txID uint64, pageIndex int, data []byte) LogRecord {
	return LogRecord{TxID: txID, Operation: OpInsert, PageIndex: pageIndex, Data: data}
}

// encodedSize returns the on-wire size of the record, including the
// snappy-compressed payload for OpInsert.
func (r LogRecord) encodedSize() int {
	const fixed = 1 + 8 + 8 // opcode + index + txid
	switch r.Operation {
	case OpCheckpoint:
		return fixed + 8
	case OpInsert:
		return fixed + 4 + 4 + len(r.compressedData())
	default:
		return fixed
	}
}

func (r LogRecord) encode(buf []byte) []byte {
	buf = append(buf, byte(r.Operation))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Index))
	buf = binary.LittleEndian.AppendUint64(buf, r.TxID)
	switch r.Operation {
	case OpCheckpoint:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.ApplyUpto))
	case OpInsert:
		compressed := r.compressedData()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.PageIndex))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(compressed)))
		buf = append(buf, compressed...)
	}
	return buf
}

// decodeRecord parses one record from buf, returning the remaining bytes.
func decodeRecord(buf []byte) (LogRecord, []byte, error) {
	if len(buf) < 17 {
		return LogRecord{}, nil, fmt.Errorf("storage: truncated wal record")
	}
	r := LogRecord{
		Operation: Operation(buf[0]),
		Index:     int64(binary.LittleEndian.Uint64(buf[1:9])),
		TxID:      binary.LittleEndian.Uint64(buf[9:17]),
	}
	rest := buf[17:]
	switch r.Operation {
	case OpStart, OpCommit, OpAbort:
		return r, rest, nil
	case OpCheckpoint:
		if len(rest) < 8 {
			return LogRecord{}, nil, fmt.Errorf("storage: truncated checkpoint record")
		}
		r.ApplyUpto = int64(binary.LittleEndian.Uint64(rest[:8]))
		return r, rest[8:], nil
	case OpInsert:
		if len(rest) < 8 {
			return LogRecord{}, nil, fmt.Errorf("storage: truncated insert record header")
		}
		r.PageIndex = int(binary.LittleEndian.Uint32(rest[:4]))
		dataLen := int(binary.LittleEndian.Uint32(rest[4:8]))
		rest = rest[8:]
		if len(rest) < dataLen {
			return LogRecord{}, nil, fmt.Errorf("storage: truncated insert record payload")
		}
		data, err := snappy.Decode(nil, rest[:dataLen])
		if err != nil {
			return LogRecord{}, nil, fmt.Errorf("storage: decompress wal insert: %w", err)
		}
		r.Data = data
		return r, rest[dataLen:], nil
	default:
		return LogRecord{}, nil, fmt.Errorf("storage: unknown wal operation %d", r.Operation)
	}
}

// logEntry is a batch of records packed into one WAL page (spec §3
// "WAL Entry"). isAvailable reports whether adding a given record would
// keep the serialized size within page capacity.
type logEntry struct {
	records []LogRecord
}

const logEntryHeaderSize = 4 + 4 // crc32 + count

func (e *logEntry) isAvailable(r LogRecord) bool {
	return e.size()+r.encodedSize() <= WALPageSize
}

func (e *logEntry) size() int {
	total := logEntryHeaderSize
	for _, r := range e.records {
		total += r.encodedSize()
	}
	return total
}

func (e *logEntry) append(r LogRecord) {
	e.records = append(e.records, r)
}

// serializeInto packs the entry into a zeroed WALPageSize page.
func (e *logEntry) serializeInto(page *Page) error {
	buf := make([]byte, 0, WALPageSize)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // crc placeholder
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.records)))
	for _, r := range e.records {
		buf = r.encode(buf)
	}
	if len(buf) > len(page.Data) {
		return fmt.Errorf("storage: wal entry of %d bytes exceeds page size %d", len(buf), len(page.Data))
	}
	crc := crc32.ChecksumIEEE(buf[logEntryHeaderSize:])
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	for i := range page.Data {
		page.Data[i] = 0
	}
	copy(page.Data, buf)
	return nil
}

// deserializeEntry unpacks a logEntry from a WAL page. A zero (never
// written) page or a CRC mismatch (torn write from a crash) both surface
// as an empty entry rather than an error — the replay loop treats either
// as "nothing usable here".
func deserializeEntry(page *Page) *logEntry {
	if page.IsEmpty() || len(page.Data) < logEntryHeaderSize {
		return &logEntry{}
	}
	storedCRC := binary.LittleEndian.Uint32(page.Data[0:4])
	count := binary.LittleEndian.Uint32(page.Data[4:8])
	body := page.Data[logEntryHeaderSize:]

	e := &logEntry{}
	rest := body
	for i := uint32(0); i < count; i++ {
		r, next, err := decodeRecord(rest)
		if err != nil {
			return &logEntry{}
		}
		e.records = append(e.records, r)
		rest = next
	}
	consumed := len(body) - len(rest)
	if crc32.ChecksumIEEE(body[:consumed]) != storedCRC {
		return &logEntry{}
	}
	return e
}
