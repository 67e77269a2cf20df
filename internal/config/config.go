// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package config holds the flat, TOML-driven configuration recognized by
// the storage coordinator: worker pool sizes, the tile cache budget, and
// an opaque vfs.* sub-map passed through to VFS Init.
package config

import (
	"github.com/pelletier/go-toml"
	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/errcodes"
)

const (
	// DefaultNumAsyncThreads is the default size of the async query pool.
	DefaultNumAsyncThreads = 4

	// DefaultNumReaderThreads is the default size of the reader pool used
	// for parallel fragment-metadata loading.
	DefaultNumReaderThreads = 4

	// DefaultNumWriterThreads is the default size of the writer pool.
	DefaultNumWriterThreads = 4

	// DefaultTileCacheSize is the default byte budget of the tile cache
	// (10 MiB), chosen to be small enough for tests and large enough to
	// exercise eviction under moderate load.
	DefaultTileCacheSize = 10 << 20
)

// Config is the flat configuration mapping recognized by the coordinator:
// sm.* keys size the three worker pools and the tile cache, vfs.* is
// opaque and handed to the VFS backend untouched.
type Config struct {
	StorageManager StorageManagerConfig `toml:"sm"`
	VFS            map[string]interface{} `toml:"vfs"`
}

// StorageManagerConfig is the "sm.*" namespace.
type StorageManagerConfig struct {
	NumAsyncThreads  int   `toml:"num_async_threads"`
	NumReaderThreads int   `toml:"num_reader_threads"`
	NumWriterThreads int   `toml:"num_writer_threads"`
	TileCacheSize    int64 `toml:"tile_cache_size"`
}

// NewDefaultConfig returns a Config populated with the package defaults.
func NewDefaultConfig() *Config {
	return &Config{
		StorageManager: StorageManagerConfig{
			NumAsyncThreads:  DefaultNumAsyncThreads,
			NumReaderThreads: DefaultNumReaderThreads,
			NumWriterThreads: DefaultNumWriterThreads,
			TileCacheSize:    DefaultTileCacheSize,
		},
		VFS: map[string]interface{}{},
	}
}

// Parse decodes TOML bytes into a Config seeded with the package defaults,
// then validates it.
func Parse(data []byte) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.New(errcodes.ParseError, "parsing configuration: "+err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects invalid configurations: non-positive pool sizes and a
// negative cache budget.
func (c *Config) Validate() error {
	if c.StorageManager.NumAsyncThreads <= 0 {
		return errors.New(errcodes.InvalidArgument, "sm.num_async_threads must be positive")
	}
	if c.StorageManager.NumReaderThreads <= 0 {
		return errors.New(errcodes.InvalidArgument, "sm.num_reader_threads must be positive")
	}
	if c.StorageManager.NumWriterThreads <= 0 {
		return errors.New(errcodes.InvalidArgument, "sm.num_writer_threads must be positive")
	}
	if c.StorageManager.TileCacheSize < 0 {
		return errors.New(errcodes.InvalidArgument, "sm.tile_cache_size must be non-negative")
	}
	return nil
}
