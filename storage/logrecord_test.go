package storage

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestLogRecordEncodeDecodeRoundTrip(t *testing.T) {
	cases := []LogRecord{
		newStartRecord(1),
		newCommitRecord(1),
		newAbortRecord(2),
		newCheckpointRecord(42),
		newInsertRecord(3, 7, []byte("hello, wal")),
	}
	for _, want := range cases {
		want.Index = 99
		buf := want.encode(nil)
		got, rest, err := decodeRecord(buf)
		if err != nil {
			t.Fatalf("decode %s: %v", want.Operation, err)
		}
		if len(rest) != 0 {
			t.Errorf("%s: expected no trailing bytes, got %d", want.Operation, len(rest))
		}
		if got.Operation != want.Operation || got.TxID != want.TxID || got.Index != want.Index {
			t.Errorf("%s: round trip mismatch: got %+v want %+v", want.Operation, got, want)
		}
		if want.Operation == OpInsert && !bytes.Equal(got.Data, want.Data) {
			t.Errorf("insert payload mismatch: got %q want %q", got.Data, want.Data)
		}
		if want.Operation == OpCheckpoint && got.ApplyUpto != want.ApplyUpto {
			t.Errorf("checkpoint apply_upto mismatch: got %d want %d", got.ApplyUpto, want.ApplyUpto)
		}
	}
}

func TestLogEntrySerializeDeserializeRoundTrip(t *testing.T) {
	e := &logEntry{}
	e.append(newStartRecord(1))
	e.append(newInsertRecord(1, 5, []byte("page-after-image")))
	e.append(newCommitRecord(1))

	page := NewPage(WALPageSize)
	if err := e.serializeInto(page); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got := deserializeEntry(page)
	if len(got.records) != len(e.records) {
		t.Fatalf("expected %d records, got %d", len(e.records), len(got.records))
	}
	for i, r := range got.records {
		if r.Operation != e.records[i].Operation {
			t.Errorf("record %d: expected op %s, got %s", i, e.records[i].Operation, r.Operation)
		}
	}
}

func TestDeserializeEntryRejectsCorruptedPage(t *testing.T) {
	e := &logEntry{}
	e.append(newCommitRecord(5))
	page := NewPage(WALPageSize)
	if err := e.serializeInto(page); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	page.Data[20] ^= 0xFF // flip a body byte, breaking the CRC

	got := deserializeEntry(page)
	if len(got.records) != 0 {
		t.Errorf("expected a torn/corrupted page to deserialize as empty, got %d records", len(got.records))
	}
}

func TestDeserializeEntryHandlesNeverWrittenPage(t *testing.T) {
	page := NewPage(WALPageSize)
	got := deserializeEntry(page)
	if len(got.records) != 0 {
		t.Errorf("expected zero page to deserialize as empty entry")
	}
}

func TestLogEntryIsAvailableRespectsPageCapacity(t *testing.T) {
	e := &logEntry{}
	payload := make([]byte, WALPageSize) // random: incompressible, so encodedSize ~= WALPageSize
	rand.Read(payload)
	big := newInsertRecord(1, 1, payload)
	if e.isAvailable(big) {
		t.Errorf("a record bigger than the page must never be considered available")
	}
}
