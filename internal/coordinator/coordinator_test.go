// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package coordinator_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/config"
	"github.com/molecula/arraydb/internal/coordinator"
	"github.com/molecula/arraydb/internal/errcodes"
	"github.com/molecula/arraydb/internal/fragment"
	"github.com/molecula/arraydb/internal/objtype"
	"github.com/molecula/arraydb/internal/schema"
	"github.com/molecula/arraydb/internal/vfs"
	"github.com/molecula/arraydb/internal/vfs/mem"
)

type stubMetadata struct {
	loadedKey schema.EncryptionKey
}

func (m *stubMetadata) Load(key schema.EncryptionKey) error {
	m.loadedKey = key
	return nil
}

func stubFactory(coord *coordinator.Coordinator, sch *schema.Schema, sparse bool, uri vfs.URI, timestamp uint64) coordinator.FragmentMetadata {
	return &stubMetadata{}
}

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	v := vfs.NewFacade()
	v.Register(mem.New())

	c := coordinator.New(v, coordinator.OptMetadataFactory(stubFactory))
	require.NoError(t, c.Init(config.NewDefaultConfig()))
	return c
}

func createArray(t *testing.T, c *coordinator.Coordinator, uri vfs.URI) {
	t.Helper()
	ctx := context.Background()
	sch := &schema.Schema{Encryption: schema.EncryptionNone, Body: []byte("body")}
	require.NoError(t, c.ArrayCreate(ctx, uri, objtype.Array, sch))
}

func newTestCoordinatorWithDedup(t *testing.T, dedup *fragment.DedupIndex) *coordinator.Coordinator {
	t.Helper()
	v := vfs.NewFacade()
	v.Register(mem.New())

	c := coordinator.New(v, coordinator.OptMetadataFactory(stubFactory), coordinator.OptDedupIndex(dedup))
	require.NoError(t, c.Init(config.NewDefaultConfig()))
	return c
}

func addFragment(t *testing.T, c *coordinator.Coordinator, arrayURI vfs.URI, name string) {
	t.Helper()
	ctx := context.Background()
	fragURI := arrayURI.Join(name)
	require.NoError(t, c.CreateDir(ctx, fragURI))
	require.NoError(t, c.Touch(ctx, fragURI.Join("__fragment_metadata.tdb")))
}

// S1 — snapshot cut-off.
func TestSnapshotCutoff(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	uri := vfs.URI("mem://db/arr")
	createArray(t, c, uri)
	addFragment(t, c, uri, "__a_5")
	addFragment(t, c, uri, "__b_10")
	addFragment(t, c, uri, "__c_15")

	sch, metas, err := c.ArrayOpenForReads(ctx, uri, 10, schema.NoEncryption)
	require.NoError(t, err)
	assert.NotNil(t, sch)
	assert.Len(t, metas, 2)
	require.NoError(t, c.ArrayCloseForReads(ctx, uri))

	_, metas, err = c.ArrayOpenForReads(ctx, uri, 4, schema.NoEncryption)
	require.NoError(t, err)
	assert.Empty(t, metas)
	require.NoError(t, c.ArrayCloseForReads(ctx, uri))
}

// S2 — concurrent readers: both close, entry and filelock are released.
func TestConcurrentReadersCloseCleanly(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	uri := vfs.URI("mem://db/arr")
	createArray(t, c, uri)

	_, _, err := c.ArrayOpenForReads(ctx, uri, ^uint64(0), schema.NoEncryption)
	require.NoError(t, err)
	_, _, err = c.ArrayOpenForReads(ctx, uri, ^uint64(0), schema.NoEncryption)
	require.NoError(t, err)

	require.NoError(t, c.ArrayCloseForReads(ctx, uri))
	require.NoError(t, c.ArrayCloseForReads(ctx, uri))

	// A third close should now fail: the entry is gone.
	err = c.ArrayCloseForReads(ctx, uri)
	assert.True(t, errors.Is(err, errcodes.NotFound))

	// The filelock was released: an xlock should now succeed immediately.
	done := make(chan error, 1)
	go func() { done <- c.ArrayXlock(ctx, uri) }()
	select {
	case err := <-done:
		require.NoError(t, err)
		require.NoError(t, c.ArrayXunlock(ctx, uri))
	case <-time.After(time.Second):
		t.Fatal("xlock should not block once all readers have closed")
	}
}

// S3 — xlock waits for readers.
func TestXlockWaitsForReaders(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	uri := vfs.URI("mem://db/arr")
	createArray(t, c, uri)

	_, _, err := c.ArrayOpenForReads(ctx, uri, ^uint64(0), schema.NoEncryption)
	require.NoError(t, err)

	xlockDone := make(chan error, 1)
	go func() { xlockDone <- c.ArrayXlock(ctx, uri) }()

	select {
	case <-xlockDone:
		t.Fatal("xlock should block while a reader is open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, c.ArrayCloseForReads(ctx, uri))

	select {
	case err := <-xlockDone:
		require.NoError(t, err)
		require.NoError(t, c.ArrayXunlock(ctx, uri))
	case <-time.After(time.Second):
		t.Fatal("xlock should unblock once the reader has closed")
	}
}

// S4 — key mismatch.
func TestEncryptionKeyMismatch(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	uri := vfs.URI("mem://db/arr")
	createArray(t, c, uri)

	k1 := schema.EncryptionKey{Kind: schema.EncryptionAES256GCM, Bytes: []byte("key-one")}
	k2 := schema.EncryptionKey{Kind: schema.EncryptionAES256GCM, Bytes: []byte("key-two")}

	_, _, err := c.ArrayOpenForReads(ctx, uri, ^uint64(0), k1)
	require.NoError(t, err)

	_, _, err = c.ArrayOpenForReads(ctx, uri, ^uint64(0), k2)
	require.True(t, errors.Is(err, errcodes.EncryptionMismatch))

	// T1's entry is untouched: a single close should fully drain it.
	require.NoError(t, c.ArrayCloseForReads(ctx, uri))
	err = c.ArrayCloseForReads(ctx, uri)
	assert.True(t, errors.Is(err, errcodes.NotFound))
}

// S5 — cancel in flight.
func TestCancelAllTasksQuiescence(t *testing.T) {
	c := newTestCoordinator(t)

	const n = 10
	var mu sync.Mutex
	var completed, cancelled int

	release := make(chan struct{})
	for i := 0; i < n; i++ {
		q := &blockingQuery{release: release}
		q.onComplete = func() {
			mu.Lock()
			completed++
			mu.Unlock()
		}
		q.onCancel = func() {
			mu.Lock()
			cancelled++
			mu.Unlock()
		}
		c.QuerySubmitAsync(q)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	c.CancelAllTasks()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, completed+cancelled)
	assert.False(t, c.CancellationInProgress())
}

type blockingQuery struct {
	release    chan struct{}
	onComplete func()
	onCancel   func()
}

func (q *blockingQuery) Process() error {
	<-q.release
	q.onComplete()
	return nil
}

func (q *blockingQuery) Cancel() {
	q.onCancel()
}

// S6 — cache metadata exclusion.
func TestWriteToCacheExcludesMetadataFiles(t *testing.T) {
	c := newTestCoordinator(t)
	err := c.WriteToCache("mem://db/arr/__x/__fragment_metadata.tdb", 0, []byte("data"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Cache().Size())

	err = c.WriteToCache("mem://db/arr/__array_schema.tdb", 0, []byte("data"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Cache().Size())

	err = c.WriteToCache("mem://db/arr/__x/attr1.tdb", 0, []byte("data"))
	require.NoError(t, err)
	assert.NotEqualValues(t, 0, c.Cache().Size())
}

func TestArrayOpenForWritesCoexistsWithReaders(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	uri := vfs.URI("mem://db/arr")
	createArray(t, c, uri)

	_, _, err := c.ArrayOpenForReads(ctx, uri, ^uint64(0), schema.NoEncryption)
	require.NoError(t, err)

	sch, err := c.ArrayOpenForWrites(ctx, uri, schema.NoEncryption)
	require.NoError(t, err)
	assert.NotNil(t, sch)

	require.NoError(t, c.ArrayCloseForWrites(ctx, uri))
	require.NoError(t, c.ArrayCloseForReads(ctx, uri))
}

func TestGetFragmentInfo(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)
	uri := vfs.URI("mem://db/arr")
	createArray(t, c, uri)
	addFragment(t, c, uri, "__a_5")
	addFragment(t, c, uri, "__b_10")

	infos, err := c.GetFragmentInfo(ctx, uri, ^uint64(0), schema.NoEncryption)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.EqualValues(t, 5, infos[0].Timestamp)
	assert.EqualValues(t, 10, infos[1].Timestamp)

	// The array must be fully closed afterward: xlock should not block.
	done := make(chan error, 1)
	go func() { done <- c.ArrayXlock(ctx, uri) }()
	select {
	case err := <-done:
		require.NoError(t, err)
		require.NoError(t, c.ArrayXunlock(ctx, uri))
	case <-time.After(time.Second):
		t.Fatal("GetFragmentInfo should not leave the entry open")
	}
}

func TestObjectTypeAndCreation(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t)

	require.NoError(t, c.GroupCreate(ctx, "mem://db/grp"))
	ot, err := c.ObjectType(ctx, "mem://db/grp")
	require.NoError(t, err)
	assert.Equal(t, objtype.Group, ot)

	createArray(t, c, "mem://db/grp/arr")
	ot, err = c.ObjectType(ctx, "mem://db/grp/arr")
	require.NoError(t, err)
	assert.Equal(t, objtype.Array, ot)

	isArray, err := c.IsArray(ctx, "mem://db/grp/arr")
	require.NoError(t, err)
	assert.True(t, isArray)
}

func TestOpenForReadsRecordsFragmentsInDedupIndex(t *testing.T) {
	ctx := context.Background()
	dedup, err := fragment.OpenDedupIndex(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	defer dedup.Close()

	c := newTestCoordinatorWithDedup(t, dedup)
	uri := vfs.URI("mem://db/arr")
	createArray(t, c, uri)
	addFragment(t, c, uri, "__a_5")

	sch, metas, err := c.ArrayOpenForReads(ctx, uri, 10, schema.NoEncryption)
	require.NoError(t, err)
	assert.NotNil(t, sch)
	assert.Len(t, metas, 1)
	require.NoError(t, c.ArrayCloseForReads(ctx, uri))

	fragURI := uri.Join("__a_5")
	_, ok, err := dedup.WasLoaded(fragURI)
	require.NoError(t, err)
	assert.True(t, ok)
}
