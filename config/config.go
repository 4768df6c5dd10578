// Package config loads foliodb's tunables (spec §6 "Configuration") from
// either programmatic defaults or a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options collects the Finder, WAL, and Page Cache settings named in
// spec.md §6. The B+Tree's MAX_NODE_LEN is not among them: it is the
// compile-time constant index.MaxNodeLen.
type Options struct {
	Path string `yaml:"path"`

	Finder FinderOptions `yaml:"finder"`
	WAL    WALOptions    `yaml:"wal"`
	Cache  CacheOptions  `yaml:"cache"`
}

type FinderOptions struct {
	BatchDelay time.Duration `yaml:"batch_delay"`
	BatchSize  int           `yaml:"batch_size"`
}

type WALOptions struct {
	MaxBufferSize      int           `yaml:"max_buffer_size"`
	MaxFileSize        int           `yaml:"max_file_size"`
	GroupCommitDelay   time.Duration `yaml:"group_commit_delay"`
	GroupCommitCount   int           `yaml:"group_commit_count"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointCount    int           `yaml:"checkpoint_count"`
}

type CacheOptions struct {
	MaxCacheSize int `yaml:"max_cache_size"`
}

// Default returns the programmatic baseline configuration — the primary
// construction path; YAML loading is an additive convenience.
func Default(path string) Options {
	return Options{
		Path: path,
		Finder: FinderOptions{
			BatchDelay: 5 * time.Millisecond,
			BatchSize:  64,
		},
		WAL: WALOptions{
			MaxBufferSize:      256,
			MaxFileSize:        1024,
			GroupCommitDelay:   5 * time.Millisecond,
			GroupCommitCount:   64,
			CheckpointInterval: 30 * time.Second,
			CheckpointCount:    4096,
		},
		Cache: CacheOptions{
			MaxCacheSize: 4096,
		},
	}
}

// Load reads Options from a YAML file, decoding it over Default("") so any
// field the file omits keeps its default and a partial config file is
// valid. The file must set path.
func Load(yamlPath string) (Options, error) {
	opts := Default("")
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return Options{}, fmt.Errorf("config: read %q: %w", yamlPath, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("config: parse %q: %w", yamlPath, err)
	}
	if opts.Path == "" {
		return Options{}, fmt.Errorf("config: %q: missing required field path", yamlPath)
	}
	return opts, nil
}
