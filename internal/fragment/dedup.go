// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package fragment

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/errcodes"
	"github.com/molecula/arraydb/internal/vfs"
)

var loadedBucket = []byte("loaded")

// DedupIndex records, on disk, every fragment URI whose metadata has
// already been loaded and validated at least once. It supplements the
// coordinator's per-open in-memory dedup: that cache is destroyed with
// the entry when refcount reaches zero, so a fragment that has never
// changed still pays the full metadata-load cost on every fresh open.
// Callers may consult WasLoaded to skip redundant validation work before
// falling back to a real Load.
type DedupIndex struct {
	db *bolt.DB
}

// OpenDedupIndex opens (creating if necessary) a bbolt database at path
// and ensures its bucket exists.
func OpenDedupIndex(path string) (*DedupIndex, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.New(errcodes.IOError, "opening dedup index: "+err.Error())
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(loadedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.New(errcodes.IOError, "creating dedup index bucket: "+err.Error())
	}
	return &DedupIndex{db: db}, nil
}

// Close releases the underlying database file.
func (d *DedupIndex) Close() error {
	return d.db.Close()
}

// MarkLoaded records that uri's metadata was successfully loaded at
// timestamp. Idempotent: a later call for the same URI overwrites the
// timestamp.
func (d *DedupIndex) MarkLoaded(uri vfs.URI, timestamp uint64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, timestamp)
		return tx.Bucket(loadedBucket).Put([]byte(uri.String()), buf)
	})
}

// WasLoaded reports whether uri's metadata has ever been recorded as
// loaded, and the timestamp it was recorded at.
func (d *DedupIndex) WasLoaded(uri vfs.URI) (timestamp uint64, ok bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(loadedBucket).Get([]byte(uri.String()))
		if v == nil {
			return nil
		}
		ok = true
		timestamp = binary.BigEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return 0, false, errors.New(errcodes.IOError, "reading dedup index: "+err.Error())
	}
	return timestamp, ok, nil
}
