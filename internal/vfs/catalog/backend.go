// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package catalog implements a VFS backend over a local SQLite database:
// every directory and file is a row, so the object tree survives process
// restarts without the caller managing a directory layout on disk. It is
// meant as a lightweight stand-in for a hosted metadata catalog when
// neither the plain POSIX backend nor an S3 bucket fits the deployment.
package catalog

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/errcodes"
	"github.com/molecula/arraydb/internal/vfs"
)

const scheme = "catalog://"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
	path   TEXT PRIMARY KEY,
	is_dir INTEGER NOT NULL,
	data   BLOB
);
`

type lockState struct {
	sharedCount int
	exclusive   bool
}

// Backend implements vfs.Backend against a single SQLite database file.
// File and directory metadata is persisted; filelocks are process-local
// advisory state, mirroring the in-memory backend's emulation, since
// SQLite's own locking operates at the database-file granularity rather
// than per logical path.
type Backend struct {
	mu      sync.Mutex
	db      *sql.DB
	locks   map[string]*lockState
	handles map[vfs.FileLock]string
	next    vfs.FileLock
}

// New returns a Backend with no database open yet. Call Init with
// {"path": "<file>"} before use, or "path": ":memory:" for a purely
// in-process catalog.
func New() *Backend {
	return &Backend{
		locks:   make(map[string]*lockState),
		handles: make(map[vfs.FileLock]string),
		next:    1,
	}
}

func (b *Backend) SupportsURIScheme(uri vfs.URI) bool {
	return strings.HasPrefix(uri.String(), scheme)
}

// Init opens the SQLite database named by params["path"] and ensures the
// nodes table exists. An empty or missing path defaults to ":memory:".
func (b *Backend) Init(params map[string]interface{}) error {
	path := ":memory:"
	if v, ok := params["path"].(string); ok && v != "" {
		path = v
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return errors.New(errcodes.Internal, "opening catalog database: "+err.Error())
	}
	// A single connection: an in-memory database is otherwise invisible
	// across pooled connections, and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return errors.New(errcodes.Internal, "creating catalog schema: "+err.Error())
	}
	b.mu.Lock()
	b.db = db
	b.mu.Unlock()
	if _, err := b.db.Exec(`INSERT OR IGNORE INTO nodes(path, is_dir, data) VALUES (?, 1, NULL)`, scheme); err != nil {
		return errors.New(errcodes.Internal, "seeding catalog root: "+err.Error())
	}
	return nil
}

func (b *Backend) Terminate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *Backend) CancelAllTasks() {}

func trimSlash(s string) string { return strings.TrimSuffix(s, "/") }

func (b *Backend) CreateDir(ctx context.Context, uri vfs.URI) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO nodes(path, is_dir, data) VALUES (?, 1, NULL)
		 ON CONFLICT(path) DO UPDATE SET is_dir = 1`,
		trimSlash(uri.String()))
	if err != nil {
		return errors.New(errcodes.IOError, "create_dir: "+err.Error())
	}
	return nil
}

func (b *Backend) RemoveDir(ctx context.Context, uri vfs.URI) error {
	prefix := trimSlash(uri.String())
	_, err := b.db.ExecContext(ctx, `DELETE FROM nodes WHERE path = ? OR path LIKE ?`, prefix, prefix+"/%")
	if err != nil {
		return errors.New(errcodes.IOError, "remove_dir: "+err.Error())
	}
	return nil
}

func (b *Backend) MoveDir(ctx context.Context, from, to vfs.URI) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errcodes.IOError, "move_dir: "+err.Error())
	}
	defer tx.Rollback()

	fromPrefix := trimSlash(from.String())
	toPrefix := trimSlash(to.String())

	rows, err := tx.QueryContext(ctx, `SELECT path, is_dir, data FROM nodes WHERE path = ? OR path LIKE ?`, fromPrefix, fromPrefix+"/%")
	if err != nil {
		return errors.New(errcodes.IOError, "move_dir: "+err.Error())
	}
	type row struct {
		path  string
		isDir int
		data  []byte
	}
	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.path, &r.isDir, &r.data); err != nil {
			rows.Close()
			return errors.New(errcodes.IOError, "move_dir: "+err.Error())
		}
		out = append(out, r)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE path = ? OR path LIKE ?`, fromPrefix, fromPrefix+"/%"); err != nil {
		return errors.New(errcodes.IOError, "move_dir: "+err.Error())
	}
	for _, r := range out {
		newPath := toPrefix + strings.TrimPrefix(r.path, fromPrefix)
		if _, err := tx.ExecContext(ctx, `INSERT INTO nodes(path, is_dir, data) VALUES (?, ?, ?)`, newPath, r.isDir, r.data); err != nil {
			return errors.New(errcodes.IOError, "move_dir: "+err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errcodes.IOError, "move_dir: "+err.Error())
	}
	return nil
}

func (b *Backend) Touch(ctx context.Context, uri vfs.URI) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO nodes(path, is_dir, data) VALUES (?, 0, x'')
		 ON CONFLICT(path) DO NOTHING`,
		uri.String())
	if err != nil {
		return errors.New(errcodes.IOError, "touch: "+err.Error())
	}
	return nil
}

func (b *Backend) RemoveFile(ctx context.Context, uri vfs.URI) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM nodes WHERE path = ? AND is_dir = 0`, uri.String())
	if err != nil {
		return errors.New(errcodes.IOError, "remove_file: "+err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errcodes.NotFound, "remove_file: "+uri.String())
	}
	return nil
}

func (b *Backend) IsFile(ctx context.Context, uri vfs.URI) (bool, error) {
	var isDir int
	err := b.db.QueryRowContext(ctx, `SELECT is_dir FROM nodes WHERE path = ?`, uri.String()).Scan(&isDir)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.New(errcodes.IOError, "is_file: "+err.Error())
	}
	return isDir == 0, nil
}

func (b *Backend) IsDir(ctx context.Context, uri vfs.URI) (bool, error) {
	var isDir int
	err := b.db.QueryRowContext(ctx, `SELECT is_dir FROM nodes WHERE path = ?`, trimSlash(uri.String())).Scan(&isDir)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.New(errcodes.IOError, "is_dir: "+err.Error())
	}
	return isDir == 1, nil
}

func (b *Backend) Ls(ctx context.Context, uri vfs.URI) ([]vfs.URI, error) {
	prefix := trimSlash(uri.String()) + "/"
	rows, err := b.db.QueryContext(ctx, `SELECT path FROM nodes WHERE path LIKE ? ORDER BY path`, prefix+"%")
	if err != nil {
		return nil, errors.New(errcodes.IOError, "ls: "+err.Error())
	}
	defer rows.Close()

	seen := map[string]bool{}
	var out []vfs.URI
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, errors.New(errcodes.IOError, "ls: "+err.Error())
		}
		rest := strings.TrimPrefix(path, prefix)
		if rest == "" {
			continue
		}
		child := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			child = rest[:idx]
		}
		full := prefix + child
		if !seen[full] {
			seen[full] = true
			out = append(out, vfs.URI(full))
		}
	}
	return out, nil
}

func (b *Backend) Read(ctx context.Context, uri vfs.URI, offset int64, buf []byte) (int, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM nodes WHERE path = ? AND is_dir = 0`, uri.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return 0, errors.New(errcodes.NotFound, "read: "+uri.String())
	}
	if err != nil {
		return 0, errors.New(errcodes.IOError, "read: "+err.Error())
	}
	if offset >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (b *Backend) Write(ctx context.Context, uri vfs.URI, data []byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errcodes.IOError, "write: "+err.Error())
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM nodes WHERE path = ?`, uri.String()).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return errors.New(errcodes.IOError, "write: "+err.Error())
	}
	merged := append(append([]byte(nil), existing...), data...)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO nodes(path, is_dir, data) VALUES (?, 0, ?)
		 ON CONFLICT(path) DO UPDATE SET data = excluded.data`,
		uri.String(), merged); err != nil {
		return errors.New(errcodes.IOError, "write: "+err.Error())
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errcodes.IOError, "write: "+err.Error())
	}
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
	handle := b.next
	b.next++
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
