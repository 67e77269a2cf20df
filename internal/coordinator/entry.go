// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package coordinator

import (
	"sync"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/errcodes"
	"github.com/molecula/arraydb/internal/schema"
	"github.com/molecula/arraydb/internal/vfs"
)

// Mode distinguishes the read-side and write-side registries an entry
// belongs to.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// FragmentMetadata is the external collaborator the metadata loader
// constructs and populates. Its layout is entirely opaque to the
// coordinator beyond the ability to load it under an encryption key.
type FragmentMetadata interface {
	Load(key schema.EncryptionKey) error
}

// MetadataFactory constructs a FragmentMetadata bound to a schema,
// dense/sparse flag, URI and timestamp.
type MetadataFactory func(coord *Coordinator, sch *schema.Schema, sparse bool, uri vfs.URI, timestamp uint64) FragmentMetadata

// Entry is the per-(URI, mode) open-array record: schema, per-fragment
// metadata, reference count, encryption key, and (read mode only) the
// shared cross-process filelock handle. Refcount transitions are the
// caller's responsibility to serialize under the owning registry's mutex —
// Entry itself only serializes its own mu-guarded state.
type Entry struct {
	mode Mode

	refcount int

	schema *schema.Schema

	hasKey bool
	key    schema.EncryptionKey

	fragMu       sync.Mutex
	fragmentMeta map[vfs.URI]FragmentMetadata

	fileLock vfs.FileLock

	mu sync.Mutex
}

func newEntry(mode Mode) *Entry {
	return &Entry{
		mode:         mode,
		fragmentMeta: make(map[vfs.URI]FragmentMetadata),
		fileLock:     vfs.InvalidFileLock,
	}
}

// Lock acquires the entry-level mutex. Callers must never acquire a
// registry mutex while holding this lock.
func (e *Entry) Lock() { e.mu.Lock() }

// Unlock releases the entry-level mutex.
func (e *Entry) Unlock() { e.mu.Unlock() }

// RefcountIncr must only be called while the owning registry's mutex is
// held.
func (e *Entry) RefcountIncr() { e.refcount++ }

// RefcountDecr must only be called while the owning registry's mutex is
// held.
func (e *Entry) RefcountDecr() { e.refcount-- }

// Refcount returns the current reference count.
func (e *Entry) Refcount() int { return e.refcount }

// Schema returns the entry's schema, or nil before the first SetSchema.
func (e *Entry) Schema() *schema.Schema { return e.schema }

// SetSchema attaches a freshly loaded schema. Stable thereafter for the
// life of the entry.
func (e *Entry) SetSchema(s *schema.Schema) { e.schema = s }

// SetEncryptionKey fixes the entry's key on first call; later calls must
// present an equal key or fail with EncryptionMismatch, leaving the entry
// untouched.
func (e *Entry) SetEncryptionKey(k schema.EncryptionKey) error {
	if !e.hasKey {
		e.key = k
		e.hasKey = true
		return nil
	}
	if e.key.Equal(k) {
		return nil
	}
	return errors.New(errcodes.EncryptionMismatch, "encryption key does not match key established at first open")
}

// EncryptionKey returns the entry's fixed key.
func (e *Entry) EncryptionKey() schema.EncryptionKey { return e.key }

// FragmentMetadata returns the cached metadata for uri, if present.
// Absence is reported via ok, never an error.
func (e *Entry) FragmentMetadata(uri vfs.URI) (FragmentMetadata, bool) {
	e.fragMu.Lock()
	defer e.fragMu.Unlock()
	m, ok := e.fragmentMeta[uri]
	return m, ok
}

// InsertFragmentMetadata records m for uri if no metadata is already
// present, preserving the at-most-one-instance-per-URI invariant even
// under concurrent inserts from the parallel loader.
func (e *Entry) InsertFragmentMetadata(uri vfs.URI, m FragmentMetadata) {
	e.fragMu.Lock()
	defer e.fragMu.Unlock()
	if _, exists := e.fragmentMeta[uri]; !exists {
		e.fragmentMeta[uri] = m
	}
}

// FileLock returns the entry's held shared filelock handle, or
// vfs.InvalidFileLock if none is held.
func (e *Entry) FileLock() vfs.FileLock { return e.fileLock }

// SetFileLock records the filelock handle acquired for this entry.
func (e *Entry) SetFileLock(l vfs.FileLock) { e.fileLock = l }
