package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSetsPath(t *testing.T) {
	opts := Default("/tmp/db.foliodb")
	if opts.Path != "/tmp/db.foliodb" {
		t.Errorf("expected path to be preserved, got %q", opts.Path)
	}
	if opts.WAL.MaxFileSize <= 0 {
		t.Errorf("expected a sane default wal max file size, got %d", opts.WAL.MaxFileSize)
	}
}

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foliodb.yaml")
	if err := os.WriteFile(path, []byte("path: /data/store.foliodb\nwal:\n  max_buffer_size: 10\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.WAL.MaxBufferSize != 10 {
		t.Errorf("expected overridden max_buffer_size 10, got %d", opts.WAL.MaxBufferSize)
	}
	if opts.Cache.MaxCacheSize != Default("").Cache.MaxCacheSize {
		t.Errorf("expected omitted cache section to fall back to defaults")
	}
	if opts.Finder.BatchDelay != 5*time.Millisecond {
		t.Errorf("expected omitted finder section to fall back to defaults, got %v", opts.Finder.BatchDelay)
	}
}

func TestLoadRequiresPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foliodb.yaml")
	if err := os.WriteFile(path, []byte("wal:\n  max_buffer_size: 10\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("expected an error when path is missing from the config file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/foliodb.yaml"); err == nil {
		t.Errorf("expected an error for a missing config file")
	}
}
