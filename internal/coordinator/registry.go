// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package coordinator

import (
	"sync"

	"github.com/molecula/arraydb/internal/vfs"
)

// registry is one of the two independent URI->Entry mappings (read or
// write), each with its own mutex. The read registry's condition variable
// is broadcast on every removal so xlock can wait for readers to drain
// without polling.
type registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[vfs.URI]*Entry
}

func newRegistry() *registry {
	r := &registry{entries: make(map[vfs.URI]*Entry)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Lock acquires the registry mutex. The locking order is always registry
// mutex -> entry mutex; never the reverse.
func (r *registry) Lock() { r.mu.Lock() }

// Unlock releases the registry mutex.
func (r *registry) Unlock() { r.mu.Unlock() }

// Get returns the entry for uri, if any. Callers must hold the registry
// mutex.
func (r *registry) Get(uri vfs.URI) (*Entry, bool) {
	e, ok := r.entries[uri]
	return e, ok
}

// Set installs an entry for uri. Callers must hold the registry mutex.
func (r *registry) Set(uri vfs.URI, e *Entry) {
	r.entries[uri] = e
}

// Delete removes uri's entry and wakes any xlock waiter blocked on this
// registry draining. Callers must hold the registry mutex.
func (r *registry) Delete(uri vfs.URI) {
	delete(r.entries, uri)
	r.cond.Broadcast()
}

// Len reports the number of live entries. Callers must hold the registry
// mutex.
func (r *registry) Len() int { return len(r.entries) }

// Wait blocks on the registry's condition variable. Callers must hold the
// registry mutex; it is released for the duration of the wait.
func (r *registry) Wait() { r.cond.Wait() }
