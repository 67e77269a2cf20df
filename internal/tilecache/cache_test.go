// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package tilecache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molecula/arraydb/internal/tilecache"
)

func TestInsertAndReadHit(t *testing.T) {
	c := tilecache.New(1024)
	require.NoError(t, c.Insert("uri+0", []byte("hello world"), false))

	buf := make([]byte, 5)
	hit, err := c.Read("uri+0", buf, 0, 5)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "hello", string(buf))
}

func TestReadMiss(t *testing.T) {
	c := tilecache.New(1024)
	buf := make([]byte, 4)
	hit, err := c.Read("nope", buf, 0, 4)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInsertExceedingBudgetIsSilentNoOp(t *testing.T) {
	c := tilecache.New(4)
	require.NoError(t, c.Insert("big", make([]byte, 100), false))
	buf := make([]byte, 1)
	hit, err := c.Read("big", buf, 0, 1)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.EqualValues(t, 0, c.Size())
}

func TestEvictionRespectsBudget(t *testing.T) {
	c := tilecache.New(10)
	require.NoError(t, c.Insert("a", make([]byte, 6), false))
	require.NoError(t, c.Insert("b", make([]byte, 6), false))

	assert.LessOrEqual(t, c.Size(), c.MaxSize())

	// "a" should have been evicted since inserting "b" pushed size over budget.
	buf := make([]byte, 6)
	hitA, _ := c.Read("a", buf, 0, 6)
	hitB, _ := c.Read("b", buf, 0, 6)
	assert.False(t, hitA)
	assert.True(t, hitB)
}

func TestInsertWithoutOverwriteKeepsExisting(t *testing.T) {
	c := tilecache.New(1024)
	require.NoError(t, c.Insert("k", []byte("first"), false))
	require.NoError(t, c.Insert("k", []byte("second"), false))

	buf := make([]byte, 5)
	hit, err := c.Read("k", buf, 0, 5)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "first", string(buf))
}

func TestInsertWithOverwriteReplaces(t *testing.T) {
	c := tilecache.New(1024)
	require.NoError(t, c.Insert("k", []byte("first!"), false))
	require.NoError(t, c.Insert("k", []byte("second"), true))

	buf := make([]byte, 6)
	hit, err := c.Read("k", buf, 0, 6)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "second", string(buf))
}

func TestRepeatedOverwriteDoesNotInflateSize(t *testing.T) {
	c := tilecache.New(1024)
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Insert("k", []byte("second"), true))
	}
	assert.EqualValues(t, len("second"), c.Size())
}

func TestZeroBudgetAcceptsNothing(t *testing.T) {
	c := tilecache.New(0)
	require.NoError(t, c.Insert("k", []byte("x"), false))
	assert.EqualValues(t, 0, c.Size())
}
