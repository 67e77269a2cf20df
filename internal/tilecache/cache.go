// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package tilecache implements a bounded byte-addressed tile cache: a
// mapping key -> bytes with a strict byte-size budget and LRU eviction,
// backed by hashicorp/golang-lru's RemoveOldest/OnEvicted primitives.
package tilecache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/blake3"
)

// Cache is a byte-budgeted, LRU-evicted cache keyed by opaque strings
// (the coordinator forms keys as "<uri>+<offset>").
type Cache struct {
	mu      sync.Mutex
	inner   *lru.Cache
	maxSize int64
	curSize int64
}

type entry struct {
	key  string
	data []byte
}

// New returns a Cache budgeted to maxSize bytes. maxSize == 0 means the
// cache accepts nothing.
func New(maxSize int64) *Cache {
	c := &Cache{maxSize: maxSize}
	// hashicorp/golang-lru requires a positive entry-count bound; the
	// actual eviction policy here is byte-driven via RemoveOldest, so an
	// arbitrarily large entry cap is used and never itself the binding
	// constraint.
	inner, err := lru.NewWithEvict(1<<20, c.onEvicted)
	if err != nil {
		// Only fails for non-positive size, which the constant above
		// never is.
		panic(err)
	}
	c.inner = inner
	return c
}

func (c *Cache) onEvicted(key interface{}, value interface{}) {
	e := value.(*entry)
	c.curSize -= int64(len(e.data))
}

// fingerprint reduces an arbitrary-length key into a fixed-width bucket id
// so the underlying map never grows unbounded on pathological URIs.
func fingerprint(key string) string {
	sum := blake3.Sum256([]byte(key))
	return string(sum[:])
}

// Read copies n bytes starting at skip from the cached entry for key into
// out and reports a hit, or reports a miss without error. A miss is not a
// failure.
func (c *Cache) Read(key string, out []byte, skip, n int) (hit bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.inner.Get(fingerprint(key))
	if !ok {
		return false, nil
	}
	e := v.(*entry)
	if skip+n > len(e.data) {
		return false, nil
	}
	copy(out, e.data[skip:skip+n])
	return true, nil
}

// Insert stores a copy of data under key, evicting least-recently-used
// entries until the total cached size fits the budget. If data alone
// exceeds the whole budget, Insert is a silent no-op: the caller must not
// treat this as failure.
func (c *Cache) Insert(key string, data []byte, overwrite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(data))
	if size > c.maxSize {
		return nil
	}

	fp := fingerprint(key)
	old, exists := c.inner.Peek(fp)
	if exists && !overwrite {
		return nil
	}
	if exists {
		// Add() replaces an existing key's value in place without firing
		// onEvicted, so the old entry's bytes must be subtracted here or
		// curSize drifts upward on every overwrite.
		c.curSize -= int64(len(old.(*entry).data))
	}

	cp := append([]byte(nil), data...)
	c.inner.Add(fp, &entry{key: key, data: cp})
	c.curSize += size

	for c.curSize > c.maxSize {
		if _, _, ok := c.inner.RemoveOldest(); !ok {
			break
		}
	}
	return nil
}

// MaxSize returns the configured byte budget.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Size returns the current total size of live entries, for tests
// asserting the budget invariant.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curSize
}
