// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molecula/arraydb/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultNumAsyncThreads, cfg.StorageManager.NumAsyncThreads)
	assert.Equal(t, config.DefaultNumReaderThreads, cfg.StorageManager.NumReaderThreads)
	assert.Equal(t, config.DefaultNumWriterThreads, cfg.StorageManager.NumWriterThreads)
	assert.EqualValues(t, config.DefaultTileCacheSize, cfg.StorageManager.TileCacheSize)
}

func TestParse(t *testing.T) {
	data := []byte(`
[sm]
num_async_threads = 8
num_reader_threads = 16
tile_cache_size = 1048576

[vfs]
endpoint = "s3.example.com"
`)
	cfg, err := config.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.StorageManager.NumAsyncThreads)
	assert.Equal(t, 16, cfg.StorageManager.NumReaderThreads)
	// num_writer_threads left at default since not present in the TOML.
	assert.Equal(t, config.DefaultNumWriterThreads, cfg.StorageManager.NumWriterThreads)
	assert.EqualValues(t, 1048576, cfg.StorageManager.TileCacheSize)
	assert.Equal(t, "s3.example.com", cfg.VFS["endpoint"])
}

func TestParseInvalidTOML(t *testing.T) {
	_, err := config.Parse([]byte("not valid toml [[["))
	assert.Error(t, err)
}

func TestValidateRejectsNonPositivePoolSizes(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.StorageManager.NumAsyncThreads = 0
	assert.Error(t, cfg.Validate())

	cfg = config.NewDefaultConfig()
	cfg.StorageManager.NumReaderThreads = -1
	assert.Error(t, cfg.Validate())

	cfg = config.NewDefaultConfig()
	cfg.StorageManager.NumWriterThreads = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeCacheSize(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.StorageManager.TileCacheSize = -1
	assert.Error(t, cfg.Validate())
}
