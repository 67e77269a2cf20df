// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package mem implements an in-process VFS backend for tests: no real I/O,
// just a mutex-guarded tree kept in memory. Filelocks are emulated with
// reference-counted shared/exclusive state.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/errcodes"
	"github.com/molecula/arraydb/internal/vfs"
)

type lockState struct {
	sharedCount int
	exclusive   bool
}

// Backend is an in-memory filesystem tree keyed by canonical URI string.
type Backend struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	locks    map[string]*lockState
	handles  map[vfs.FileLock]string
	nextLock vfs.FileLock
}

// New returns an empty in-memory backend rooted at "mem://".
func New() *Backend {
	return &Backend{
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"mem://": true},
		locks:    make(map[string]*lockState),
		handles:  make(map[vfs.FileLock]string),
		nextLock: 1,
	}
}

func (b *Backend) SupportsURIScheme(uri vfs.URI) bool {
	return strings.HasPrefix(uri.String(), "mem://")
}

func (b *Backend) Init(params map[string]interface{}) error { return nil }
func (b *Backend) Terminate() error                          { return nil }
func (b *Backend) CancelAllTasks()                            {}

func (b *Backend) CreateDir(ctx context.Context, uri vfs.URI) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirs[strings.TrimSuffix(uri.String(), "/")] = true
	return nil
}

func (b *Backend) RemoveDir(ctx context.Context, uri vfs.URI) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := strings.TrimSuffix(uri.String(), "/") + "/"
	delete(b.dirs, strings.TrimSuffix(uri.String(), "/"))
	for k := range b.dirs {
		if strings.HasPrefix(k+"/", prefix) {
			delete(b.dirs, k)
		}
	}
	for k := range b.files {
		if strings.HasPrefix(k, prefix) {
			delete(b.files, k)
		}
	}
	return nil
}

func (b *Backend) MoveDir(ctx context.Context, from, to vfs.URI) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fromPrefix := strings.TrimSuffix(from.String(), "/")
	toPrefix := strings.TrimSuffix(to.String(), "/")
	if b.dirs[fromPrefix] {
		delete(b.dirs, fromPrefix)
		b.dirs[toPrefix] = true
	}
	for k, v := range b.files {
		if strings.HasPrefix(k, fromPrefix+"/") {
			newKey := toPrefix + strings.TrimPrefix(k, fromPrefix)
			delete(b.files, k)
			b.files[newKey] = v
		}
	}
	return nil
}

func (b *Backend) Touch(ctx context.Context, uri vfs.URI) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.files[uri.String()]; !ok {
		b.files[uri.String()] = []byte{}
	}
	return nil
}

func (b *Backend) RemoveFile(ctx context.Context, uri vfs.URI) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.files[uri.String()]; !ok {
		return errors.New(errcodes.NotFound, "remove_file: "+uri.String())
	}
	delete(b.files, uri.String())
	return nil
}

func (b *Backend) IsFile(ctx context.Context, uri vfs.URI) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.files[uri.String()]
	return ok, nil
}

func (b *Backend) IsDir(ctx context.Context, uri vfs.URI) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.dirs[strings.TrimSuffix(uri.String(), "/")]
	return ok, nil
}

func (b *Backend) Ls(ctx context.Context, uri vfs.URI) ([]vfs.URI, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := strings.TrimSuffix(uri.String(), "/") + "/"
	seen := map[string]bool{}
	var out []string
	add := func(k string) {
		if !strings.HasPrefix(k, prefix) {
			return
		}
		rest := strings.TrimPrefix(k, prefix)
		if rest == "" {
			return
		}
		child := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			child = rest[:idx]
		}
		full := prefix + child
		if !seen[full] {
			seen[full] = true
			out = append(out, full)
		}
	}
	for k := range b.dirs {
		add(k)
	}
	for k := range b.files {
		add(k)
	}
	sort.Strings(out)
	uris := make([]vfs.URI, len(out))
	for i, s := range out {
		uris[i] = vfs.URI(s)
	}
	return uris, nil
}

func (b *Backend) Read(ctx context.Context, uri vfs.URI, offset int64, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[uri.String()]
	if !ok {
		return 0, errors.New(errcodes.NotFound, "read: "+uri.String())
	}
	if offset >= int64(len(data)) {
		return 0, nil
	}
	n := copy(buf, data[offset:])
	return n, nil
}

func (b *Backend) Write(ctx context.Context, uri vfs.URI, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[uri.String()] = append(append([]byte{}, b.files[uri.String()]...), data...)
	return nil
}

func (b *Backend) CloseFile(ctx context.Context, uri vfs.URI) error { return nil }
func (b *Backend) Sync(ctx context.Context, uri vfs.URI) error      { return nil }

func (b *Backend) FilelockLock(ctx context.Context, uri vfs.URI, mode vfs.LockMode) (vfs.FileLock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := uri.String()
	st, ok := b.locks[key]
	if !ok {
		st = &lockState{}
		b.locks[key] = st
	}
	if mode == vfs.LockExclusive {
		if st.exclusive || st.sharedCount > 0 {
			return vfs.InvalidFileLock, errors.New(errcodes.LockFailure, "exclusive lock unavailable: "+key)
		}
		st.exclusive = true
	} else {
		if st.exclusive {
			return vfs.InvalidFileLock, errors.New(errcodes.LockFailure, "shared lock unavailable: "+key)
		}
		st.sharedCount++
	}
	handle := b.nextLock
	b.nextLock++
	b.handles[handle] = key
	return handle, nil
}

func (b *Backend) FilelockUnlock(ctx context.Context, uri vfs.URI, lock vfs.FileLock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.handles[lock]
	if !ok {
		return errors.New(errcodes.LockFailure, "filelock_unlock: unknown handle")
	}
	delete(b.handles, lock)
	st := b.locks[key]
	if st == nil {
		return nil
	}
	if st.exclusive {
		st.exclusive = false
	} else if st.sharedCount > 0 {
		st.sharedCount--
	}
	return nil
}
