// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package coordinator

import (
	"sync"

	"github.com/molecula/arraydb/internal/vfs"
)

// xlockManager serializes local xlock/xunlock pairs and tracks the
// exclusive filelock handle held for each locked URI. Its mutex is held
// for the entire duration between a successful lock and the matching
// unlock, not just while mutating the table, since xlock is a cross-call
// token rather than a critical-section guard.
type xlockManager struct {
	mu    sync.Mutex
	table map[vfs.URI]vfs.FileLock
}

func newXlockManager() *xlockManager {
	return &xlockManager{table: make(map[vfs.URI]vfs.FileLock)}
}
