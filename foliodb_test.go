package foliodb

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/foliodb/foliodb/config"
)

func TestStoreSimpleInsertAndGet(t *testing.T) {
	store, err := OpenMemory(zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Put("greeting", []byte("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get("greeting")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestStoreAbortedTransactionInvisible(t *testing.T) {
	store, err := OpenMemory(zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	c := store.Begin()
	if err := c.Insert("k", []byte("v")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := store.Get("k"); err == nil {
		t.Errorf("expected aborted key to be absent")
	}
}

func TestStoreNodeSplitAcrossManyKeys(t *testing.T) {
	store, err := OpenMemory(zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	const n = 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k-%06d", i)
		if err := store.Put(key, []byte(fmt.Sprintf("v-%d", i))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k-%06d", i)
		got, err := store.Get(key)
		if err != nil {
			t.Fatalf("get %q: %v", key, err)
		}
		want := fmt.Sprintf("v-%d", i)
		if string(got) != want {
			t.Errorf("key %q: expected %q got %q", key, want, got)
		}
	}
}

func TestStoreGroupCommitTenConcurrentTransactions(t *testing.T) {
	store, err := OpenMemory(zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.Put(fmt.Sprintf("tx-%d", i), []byte(fmt.Sprintf("val-%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent put failed: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		if _, err := store.Get(fmt.Sprintf("tx-%d", i)); err != nil {
			t.Errorf("tx-%d should be committed and visible: %v", i, err)
		}
	}
}

func TestStoreRecoveryAfterCrashWithCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.foliodb")
	opts := config.Default(path)
	opts.WAL.MaxFileSize = 64
	opts.WAL.CheckpointInterval = time.Hour
	opts.WAL.CheckpointCount = 1 << 30

	store, err := Open(opts, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Put("durable", []byte("value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := store.Put("after-checkpoint", []byte("second")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(opts, zerolog.Nop(), nil)
	require.NoError(t, err, "reopen")
	defer reopened.Close()

	got, err := reopened.Get("durable")
	require.NoError(t, err, "get after recovery")
	require.Equal(t, "value", string(got), "key written before the checkpoint must survive recovery")

	got2, err := reopened.Get("after-checkpoint")
	require.NoError(t, err, "get second key after recovery")
	require.Equal(t, "second", string(got2), "key written after the checkpoint must also survive recovery")
}

func TestStoreCircularLogWithSmallMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.foliodb")
	opts := config.Default(path)
	opts.WAL.MaxFileSize = 4
	opts.WAL.GroupCommitCount = 1
	opts.WAL.CheckpointInterval = time.Hour
	opts.WAL.CheckpointCount = 1 << 30

	store, err := Open(opts, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Each value is large and incompressible (random bytes, near the
	// 4 KiB page cap) so a single put's WAL entry alone is a sizeable
	// fraction of one 32 KiB WAL page. Each Put commits as its own batch,
	// and the WAL io worker writes every batch's entry to a slot of its
	// own, so 40 puts advance the circular cursor 40 times over a 4-page
	// file: it wraps around ten times.
	const n = 40
	const valueSize = 3000
	values := make([][]byte, n)
	for i := range values {
		values[i] = make([]byte, valueSize)
		if _, err := rand.Read(values[i]); err != nil {
			t.Fatalf("rand %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if err := store.Put(fmt.Sprintf("wrap-%d", i), values[i]); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(opts, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for i := n - 5; i < n; i++ {
		key := fmt.Sprintf("wrap-%d", i)
		got, err := reopened.Get(key)
		if err != nil {
			t.Fatalf("get %q after wrap recovery: %v", key, err)
		}
		if string(got) != string(values[i]) {
			t.Errorf("key %q: recovered value does not match what was written", key)
		}
	}
}

func TestOpenRejectsConcurrentExclusiveOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked.foliodb")
	opts := config.Default(path)

	store, err := Open(opts, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := Open(opts, zerolog.Nop(), nil); err == nil {
		t.Errorf("expected a second open of the same data file to fail while the first is held")
	}
}
