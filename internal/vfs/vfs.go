// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package vfs is the uniform path/file/dir/lock façade the coordinator
// uses to reach pluggable storage backends. It performs no caching of
// its own; every call passes straight through to a Backend.
package vfs

import (
	"context"
	"strings"
)

// URI is an opaque, validated location string. Two URIs are equal iff
// their canonical string forms are equal.
type URI string

// String returns the canonical string form.
func (u URI) String() string { return string(u) }

// Join appends a path component, inserting a separator if needed.
func (u URI) Join(part string) URI {
	s := string(u)
	if strings.HasSuffix(s, "/") {
		return URI(s + part)
	}
	return URI(s + "/" + part)
}

// LastPathPart returns the final path component of the URI.
func (u URI) LastPathPart() string {
	s := strings.TrimSuffix(string(u), "/")
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

// WithTrailingSlash returns the URI with exactly one trailing slash.
func (u URI) WithTrailingSlash() URI {
	s := string(u)
	if strings.HasSuffix(s, "/") {
		return u
	}
	return URI(s + "/")
}

// LockMode selects a shared or exclusive filelock.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// FileLock is an opaque handle returned by FilelockLock. InvalidFileLock
// is the sentinel meaning "not held".
type FileLock uint64

// InvalidFileLock means "not held".
const InvalidFileLock FileLock = 0

// Backend is the pluggable storage implementation a Backend façade
// dispatches to. Methods report their own failures as coded errors through
// github.com/molecula/arraydb/errors; an error from closing an underlying
// file or database is returned as it comes.
type Backend interface {
	CreateDir(ctx context.Context, uri URI) error
	RemoveDir(ctx context.Context, uri URI) error
	MoveDir(ctx context.Context, from, to URI) error
	Touch(ctx context.Context, uri URI) error
	RemoveFile(ctx context.Context, uri URI) error
	IsFile(ctx context.Context, uri URI) (bool, error)
	IsDir(ctx context.Context, uri URI) (bool, error)
	// Ls returns the ordered list of direct children of uri.
	Ls(ctx context.Context, uri URI) ([]URI, error)
	Read(ctx context.Context, uri URI, offset int64, buf []byte) (int, error)
	Write(ctx context.Context, uri URI, data []byte) error
	CloseFile(ctx context.Context, uri URI) error
	Sync(ctx context.Context, uri URI) error
	FilelockLock(ctx context.Context, uri URI, mode LockMode) (FileLock, error)
	FilelockUnlock(ctx context.Context, uri URI, lock FileLock) error
	SupportsURIScheme(uri URI) bool
	CancelAllTasks()
	Init(params map[string]interface{}) error
	Terminate() error
}
