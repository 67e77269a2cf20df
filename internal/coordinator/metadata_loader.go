// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package coordinator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/molecula/arraydb/internal/fragment"
	"github.com/molecula/arraydb/internal/pool"
	"github.com/molecula/arraydb/internal/schema"
	"github.com/molecula/arraydb/internal/vfs"
	"github.com/molecula/arraydb/logger"
)

// loadFragmentMetadata loads metadata for every fragment in infos onto the
// reader pool in parallel, deduplicated against what entry already holds.
// Any single load failure cancels the whole batch; the caller is
// responsible for closing the half-open entry. dedup may be nil; when
// present it is consulted and updated as a best-effort record of which
// fragments have ever been loaded, purely for logging, and never gates
// or skips the actual Load call.
func loadFragmentMetadata(
	ctx context.Context,
	v *vfs.Facade,
	readerPool *pool.Pool,
	entry *Entry,
	sch *schema.Schema,
	key schema.EncryptionKey,
	factory MetadataFactory,
	coord *Coordinator,
	infos []fragment.Info,
	dedup *fragment.DedupIndex,
	log logger.Logger,
) ([]FragmentMetadata, error) {
	out := make([]FragmentMetadata, len(infos))
	g, gctx := errgroup.WithContext(ctx)

	for i, info := range infos {
		i, info := i, info
		g.Go(func() error {
			f := readerPool.Enqueue(func() error {
				if m, ok := entry.FragmentMetadata(info.URI); ok {
					out[i] = m
					return nil
				}
				sparse, err := fragment.IsSparse(gctx, v, info.URI)
				if err != nil {
					return err
				}
				m := factory(coord, sch, sparse, info.URI, info.Timestamp)
				if err := m.Load(key); err != nil {
					return err
				}
				entry.InsertFragmentMetadata(info.URI, m)
				out[i], _ = entry.FragmentMetadata(info.URI)
				markFragmentLoaded(dedup, log, info)
				return nil
			})
			return f.Wait()
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// markFragmentLoaded records info in dedup, logging at debug level when
// this is the fragment's first recorded load (a repeat is recorded
// without a log line). Failures are logged and
// otherwise ignored: the dedup index is a diagnostic aid, not a
// correctness dependency.
func markFragmentLoaded(dedup *fragment.DedupIndex, log logger.Logger, info fragment.Info) {
	if dedup == nil {
		return
	}
	_, seenBefore, err := dedup.WasLoaded(info.URI)
	if err != nil {
		log.Errorf("dedup index lookup for %s: %v", info.URI, err)
		return
	}
	if err := dedup.MarkLoaded(info.URI, info.Timestamp); err != nil {
		log.Errorf("dedup index update for %s: %v", info.URI, err)
		return
	}
	if !seenBefore {
		log.Debugf("fragment metadata loaded for the first time: %s", info.URI)
	}
}
