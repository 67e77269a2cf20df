// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package local implements the POSIX filesystem VFS backend: plain os
// file/dir operations plus advisory filelocks via syscall.Flock.
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/errcodes"
	"github.com/molecula/arraydb/internal/vfs"
	"github.com/molecula/arraydb/syswrap"
)

// Backend implements vfs.Backend over the local filesystem. URIs of the
// form "file:///abs/path" or a bare absolute path are both accepted.
type Backend struct {
	mu        sync.Mutex
	openFiles map[vfs.URI]*os.File
	locks     map[vfs.FileLock]*os.File
	nextLock  vfs.FileLock
}

// New returns a ready local Backend.
func New() *Backend {
	return &Backend{
		openFiles: make(map[vfs.URI]*os.File),
		locks:     make(map[vfs.FileLock]*os.File),
		nextLock:  1,
	}
}

func toPath(uri vfs.URI) string {
	s := uri.String()
	return strings.TrimPrefix(s, "file://")
}

func (b *Backend) SupportsURIScheme(uri vfs.URI) bool {
	s := uri.String()
	return strings.HasPrefix(s, "file://") || strings.HasPrefix(s, "/")
}

func (b *Backend) Init(params map[string]interface{}) error { return nil }
func (b *Backend) Terminate() error                          { return nil }
func (b *Backend) CancelAllTasks()                            {}

func (b *Backend) CreateDir(ctx context.Context, uri vfs.URI) error {
	if err := os.MkdirAll(toPath(uri), 0755); err != nil {
		return errors.New(errcodes.IOError, "create_dir: "+err.Error())
	}
	return nil
}

func (b *Backend) RemoveDir(ctx context.Context, uri vfs.URI) error {
	if err := os.RemoveAll(toPath(uri)); err != nil {
		return errors.New(errcodes.IOError, "remove_dir: "+err.Error())
	}
	return nil
}

func (b *Backend) MoveDir(ctx context.Context, from, to vfs.URI) error {
	if err := os.Rename(toPath(from), toPath(to)); err != nil {
		return errors.New(errcodes.IOError, "move_dir: "+err.Error())
	}
	return nil
}

func (b *Backend) Touch(ctx context.Context, uri vfs.URI) error {
	f, mustClose, err := syswrap.OpenFile(toPath(uri), os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return errors.New(errcodes.IOError, "touch: "+err.Error())
	}
	if mustClose {
		return syswrap.CloseFile(f)
	}
	return syswrap.CloseFile(f)
}

func (b *Backend) RemoveFile(ctx context.Context, uri vfs.URI) error {
	if err := os.Remove(toPath(uri)); err != nil {
		if os.IsNotExist(err) {
			return errors.New(errcodes.NotFound, "remove_file: "+err.Error())
		}
		return errors.New(errcodes.IOError, "remove_file: "+err.Error())
	}
	return nil
}

func (b *Backend) IsFile(ctx context.Context, uri vfs.URI) (bool, error) {
	fi, err := os.Stat(toPath(uri))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.New(errcodes.IOError, "is_file: "+err.Error())
	}
	return !fi.IsDir(), nil
}

func (b *Backend) IsDir(ctx context.Context, uri vfs.URI) (bool, error) {
	fi, err := os.Stat(toPath(uri))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.New(errcodes.IOError, "is_dir: "+err.Error())
	}
	return fi.IsDir(), nil
}

func (b *Backend) Ls(ctx context.Context, uri vfs.URI) ([]vfs.URI, error) {
	entries, err := os.ReadDir(toPath(uri))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errcodes.NotFound, "ls: "+err.Error())
		}
		return nil, errors.New(errcodes.IOError, "ls: "+err.Error())
	}
	out := make([]vfs.URI, 0, len(entries))
	base := uri.WithTrailingSlash()
	for _, e := range entries {
		out = append(out, base.Join(e.Name()))
	}
	return out, nil
}

func (b *Backend) Read(ctx context.Context, uri vfs.URI, offset int64, buf []byte) (int, error) {
	f, err := os.Open(toPath(uri))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.New(errcodes.NotFound, "read: "+err.Error())
		}
		return 0, errors.New(errcodes.IOError, "read: "+err.Error())
	}
	defer f.Close()
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, errors.New(errcodes.IOError, "read: "+err.Error())
	}
	return n, nil
}

func (b *Backend) Write(ctx context.Context, uri vfs.URI, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(toPath(uri)), 0755); err != nil {
		return errors.New(errcodes.IOError, "write: "+err.Error())
	}
	f, err := os.OpenFile(toPath(uri), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.New(errcodes.IOError, "write: "+err.Error())
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return errors.New(errcodes.IOError, "write: "+err.Error())
	}
	return nil
}

func (b *Backend) CloseFile(ctx context.Context, uri vfs.URI) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.openFiles[uri]; ok {
		delete(b.openFiles, uri)
		return syswrap.CloseFile(f)
	}
	return nil
}

func (b *Backend) Sync(ctx context.Context, uri vfs.URI) error {
	f, err := os.OpenFile(toPath(uri), os.O_WRONLY, 0644)
	if err != nil {
		return errors.New(errcodes.IOError, "sync: "+err.Error())
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errors.New(errcodes.IOError, "sync: "+err.Error())
	}
	return nil
}

// FilelockLock acquires a POSIX advisory lock on uri via flock(2). Shared
// locks stack (flock LOCK_SH allows multiple holders); an exclusive lock
// blocks if any lock, shared or exclusive, is already held elsewhere.
func (b *Backend) FilelockLock(ctx context.Context, uri vfs.URI, mode vfs.LockMode) (vfs.FileLock, error) {
	path := toPath(uri)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return vfs.InvalidFileLock, errors.New(errcodes.IOError, "filelock_lock: "+err.Error())
	}
	f, mustClose, err := syswrap.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return vfs.InvalidFileLock, errors.New(errcodes.LockFailure, "filelock_lock: "+err.Error())
	}
	_ = mustClose

	how := syscall.LOCK_SH
	if mode == vfs.LockExclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		syswrap.CloseFile(f)
		return vfs.InvalidFileLock, errors.New(errcodes.LockFailure, "flock: "+err.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	handle := b.nextLock
	b.nextLock++
	b.locks[handle] = f
	return handle, nil
}

func (b *Backend) FilelockUnlock(ctx context.Context, uri vfs.URI, lock vfs.FileLock) error {
	b.mu.Lock()
	f, ok := b.locks[lock]
	if ok {
		delete(b.locks, lock)
	}
	b.mu.Unlock()
	if !ok {
		return errors.New(errcodes.LockFailure, "filelock_unlock: unknown handle")
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		syswrap.CloseFile(f)
		return errors.New(errcodes.LockFailure, "flock unlock: "+err.Error())
	}
	return syswrap.CloseFile(f)
}
