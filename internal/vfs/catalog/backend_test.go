// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molecula/arraydb/internal/vfs"
	"github.com/molecula/arraydb/internal/vfs/catalog"
)

func newBackend(t *testing.T) *catalog.Backend {
	t.Helper()
	b := catalog.New()
	require.NoError(t, b.Init(map[string]interface{}{"path": ":memory:"}))
	t.Cleanup(func() { _ = b.Terminate() })
	return b
}

func TestCreateDirAndIsDir(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	require.NoError(t, b.CreateDir(ctx, "catalog://a"))
	isDir, err := b.IsDir(ctx, "catalog://a")
	require.NoError(t, err)
	assert.True(t, isDir)
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	require.NoError(t, b.Write(ctx, "catalog://a/f", []byte("hello")))
	require.NoError(t, b.Write(ctx, "catalog://a/f", []byte(" world")))

	buf := make([]byte, 11)
	n, err := b.Read(ctx, "catalog://a/f", 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hello world", string(buf))
}

func TestReadMissingFile(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, err := b.Read(ctx, "catalog://nope", 0, make([]byte, 1))
	assert.Error(t, err)
}

func TestLsListsDirectChildrenOnly(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	require.NoError(t, b.CreateDir(ctx, "catalog://a"))
	require.NoError(t, b.Touch(ctx, "catalog://a/f1"))
	require.NoError(t, b.CreateDir(ctx, "catalog://a/sub"))
	require.NoError(t, b.Touch(ctx, "catalog://a/sub/f2"))

	children, err := b.Ls(ctx, "catalog://a")
	require.NoError(t, err)
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.LastPathPart()
	}
	assert.ElementsMatch(t, []string{"f1", "sub"}, names)
}

func TestRemoveDirRemovesSubtree(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	require.NoError(t, b.CreateDir(ctx, "catalog://a"))
	require.NoError(t, b.Touch(ctx, "catalog://a/f1"))
	require.NoError(t, b.RemoveDir(ctx, "catalog://a"))

	isFile, err := b.IsFile(ctx, "catalog://a/f1")
	require.NoError(t, err)
	assert.False(t, isFile)
}

func TestMoveDirRelocatesSubtree(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	require.NoError(t, b.CreateDir(ctx, "catalog://a"))
	require.NoError(t, b.Write(ctx, "catalog://a/f1", []byte("x")))
	require.NoError(t, b.MoveDir(ctx, "catalog://a", "catalog://b"))

	isDir, err := b.IsDir(ctx, "catalog://a")
	require.NoError(t, err)
	assert.False(t, isDir)

	isFile, err := b.IsFile(ctx, "catalog://b/f1")
	require.NoError(t, err)
	assert.True(t, isFile)
}

func TestFilelockSharedStacksExclusiveBlocks(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	l1, err := b.FilelockLock(ctx, "catalog://lock", vfs.LockShared)
	require.NoError(t, err)
	l2, err := b.FilelockLock(ctx, "catalog://lock", vfs.LockShared)
	require.NoError(t, err)

	_, err = b.FilelockLock(ctx, "catalog://lock", vfs.LockExclusive)
	assert.Error(t, err)

	require.NoError(t, b.FilelockUnlock(ctx, "catalog://lock", l1))
	require.NoError(t, b.FilelockUnlock(ctx, "catalog://lock", l2))

	l3, err := b.FilelockLock(ctx, "catalog://lock", vfs.LockExclusive)
	require.NoError(t, err)
	require.NoError(t, b.FilelockUnlock(ctx, "catalog://lock", l3))
}
