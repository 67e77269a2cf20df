// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package vfs

import (
	"context"
	"strings"
	"sync"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/errcodes"
)

// Facade dispatches VFS operations to whichever registered Backend claims
// a URI's scheme. It performs no caching; every operation is a
// pass-through.
type Facade struct {
	mu       sync.RWMutex
	backends []Backend
}

// NewFacade returns an empty Facade. Register backends with Register
// before calling Init.
func NewFacade() *Facade {
	return &Facade{}
}

// Register adds a backend to the dispatch list. Later-registered backends
// are tried first, so a caller can override a catch-all local backend with
// a more specific one.
func (f *Facade) Register(b Backend) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends = append([]Backend{b}, f.backends...)
}

func (f *Facade) backendFor(uri URI) (Backend, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, b := range f.backends {
		if b.SupportsURIScheme(uri) {
			return b, nil
		}
	}
	return nil, errors.New(errcodes.UnsupportedScheme, "no VFS backend supports URI scheme: "+uri.String())
}

// SupportsURIScheme reports whether any registered backend claims uri.
func (f *Facade) SupportsURIScheme(uri URI) bool {
	_, err := f.backendFor(uri)
	return err == nil
}

// Init calls Init on every registered backend with the vfs.* config
// sub-map.
func (f *Facade) Init(params map[string]interface{}) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, b := range f.backends {
		if err := b.Init(params); err != nil {
			return errors.Wrap(err, "initializing VFS backend")
		}
	}
	return nil
}

// Terminate calls Terminate on every registered backend.
func (f *Facade) Terminate() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var first error
	for _, b := range f.backends {
		if err := b.Terminate(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CancelAllTasks propagates cancellation to every registered backend.
func (f *Facade) CancelAllTasks() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, b := range f.backends {
		b.CancelAllTasks()
	}
}

func (f *Facade) CreateDir(ctx context.Context, uri URI) error {
	b, err := f.backendFor(uri)
	if err != nil {
		return err
	}
	return b.CreateDir(ctx, uri)
}

func (f *Facade) RemoveDir(ctx context.Context, uri URI) error {
	b, err := f.backendFor(uri)
	if err != nil {
		return err
	}
	return b.RemoveDir(ctx, uri)
}

func (f *Facade) MoveDir(ctx context.Context, from, to URI) error {
	b, err := f.backendFor(from)
	if err != nil {
		return err
	}
	return b.MoveDir(ctx, from, to)
}

func (f *Facade) Touch(ctx context.Context, uri URI) error {
	b, err := f.backendFor(uri)
	if err != nil {
		return err
	}
	return b.Touch(ctx, uri)
}

func (f *Facade) RemoveFile(ctx context.Context, uri URI) error {
	b, err := f.backendFor(uri)
	if err != nil {
		return err
	}
	return b.RemoveFile(ctx, uri)
}

func (f *Facade) IsFile(ctx context.Context, uri URI) (bool, error) {
	b, err := f.backendFor(uri)
	if err != nil {
		return false, err
	}
	return b.IsFile(ctx, uri)
}

func (f *Facade) IsDir(ctx context.Context, uri URI) (bool, error) {
	b, err := f.backendFor(uri)
	if err != nil {
		return false, err
	}
	return b.IsDir(ctx, uri)
}

func (f *Facade) Ls(ctx context.Context, uri URI) ([]URI, error) {
	b, err := f.backendFor(uri)
	if err != nil {
		return nil, err
	}
	return b.Ls(ctx, uri)
}

func (f *Facade) Read(ctx context.Context, uri URI, offset int64, buf []byte) (int, error) {
	b, err := f.backendFor(uri)
	if err != nil {
		return 0, err
	}
	return b.Read(ctx, uri, offset, buf)
}

func (f *Facade) Write(ctx context.Context, uri URI, data []byte) error {
	b, err := f.backendFor(uri)
	if err != nil {
		return err
	}
	return b.Write(ctx, uri, data)
}

func (f *Facade) CloseFile(ctx context.Context, uri URI) error {
	b, err := f.backendFor(uri)
	if err != nil {
		return err
	}
	return b.CloseFile(ctx, uri)
}

func (f *Facade) Sync(ctx context.Context, uri URI) error {
	b, err := f.backendFor(uri)
	if err != nil {
		return err
	}
	return b.Sync(ctx, uri)
}

func (f *Facade) FilelockLock(ctx context.Context, uri URI, mode LockMode) (FileLock, error) {
	b, err := f.backendFor(uri)
	if err != nil {
		return InvalidFileLock, err
	}
	lock, err := b.FilelockLock(ctx, uri, mode)
	if err != nil {
		return InvalidFileLock, errors.WithMessage(err, "acquiring filelock on "+uri.String())
	}
	return lock, nil
}

func (f *Facade) FilelockUnlock(ctx context.Context, uri URI, lock FileLock) error {
	b, err := f.backendFor(uri)
	if err != nil {
		return err
	}
	return b.FilelockUnlock(ctx, uri, lock)
}

// SchemeOf returns the scheme prefix of a URI ("file", "s3", "mem", ...),
// or "" if none is present (treated as "file").
func SchemeOf(uri URI) string {
	s := uri.String()
	idx := strings.Index(s, "://")
	if idx < 0 {
		return ""
	}
	return s[:idx]
}
