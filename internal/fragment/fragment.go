// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package fragment implements fragment naming, discovery, and snapshot
// sorting.
package fragment

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/errcodes"
	"github.com/molecula/arraydb/internal/vfs"
)

const (
	// MetadataFileName is the fragment-local file that both marks a
	// directory as a fragment and holds its metadata.
	MetadataFileName = "__fragment_metadata.tdb"

	// CoordsFileName's presence inside a fragment directory marks it
	// sparse; its absence marks it dense.
	CoordsFileName = "__coords.tdb"
)

// Info pairs a fragment's snapshot timestamp with its URI, the unit the
// coordinator sorts and filters fragment snapshots by.
type Info struct {
	Timestamp uint64
	URI       vfs.URI
}

// NewName returns a fresh fragment directory name "__<uuid>_<timestamp>"
// for a write-open. The uuid disambiguates fragments created by
// concurrent writers at the same timestamp.
func NewName(timestamp uint64) string {
	return "__" + uuid.NewString() + "_" + strconv.FormatUint(timestamp, 10)
}

// IsSparse reports whether the fragment at uri contains a coordinates
// file. It is a plain VFS probe, not an error condition either way.
func IsSparse(ctx context.Context, v *vfs.Facade, fragURI vfs.URI) (bool, error) {
	return v.IsFile(ctx, fragURI.Join(CoordsFileName))
}

// GetFragmentURIs enumerates fragment directories directly under
// arrayURI: children whose last path component starts with "." are
// skipped, and only directories containing MetadataFileName qualify as
// fragments.
func GetFragmentURIs(ctx context.Context, v *vfs.Facade, arrayURI vfs.URI) ([]vfs.URI, error) {
	children, err := v.Ls(ctx, arrayURI.WithTrailingSlash())
	if err != nil {
		return nil, err
	}
	var out []vfs.URI
	for _, child := range children {
		if strings.HasPrefix(child.LastPathPart(), ".") {
			continue
		}
		ok, err := v.IsFile(ctx, child.Join(MetadataFileName))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, child)
		}
	}
	return out, nil
}

// ParseTimestamp extracts the trailing "_<decimal>" timestamp from a
// fragment name of the form "__<uuid>_<timestamp>". A name not matching
// the "__" prefix or lacking an underscore is a program invariant
// violation, reported as errcodes.Internal rather than a user-facing
// failure kind.
func ParseTimestamp(name string) (uint64, error) {
	if !strings.HasPrefix(name, "__") {
		return 0, errors.New(errcodes.Internal, "fragment name missing __ prefix: "+name)
	}
	idx := strings.LastIndex(name, "_")
	if idx < 0 || idx == len(name)-1 {
		return 0, errors.New(errcodes.Internal, "fragment name missing timestamp: "+name)
	}
	ts, err := strconv.ParseUint(name[idx+1:], 10, 64)
	if err != nil {
		return 0, errors.New(errcodes.Internal, "fragment name has non-numeric timestamp: "+name)
	}
	return ts, nil
}

// GetSortedFragmentURIs retains fragments with timestamp <= t and returns
// them ascending by (timestamp, URI), URI lexical order breaking ties to
// make snapshots deterministic.
func GetSortedFragmentURIs(uris []vfs.URI, t uint64) ([]Info, error) {
	if len(uris) == 0 {
		return nil, nil
	}
	var out []Info
	for _, u := range uris {
		name := strings.TrimSuffix(u.String(), "/")
		idx := strings.LastIndex(name, "/")
		if idx >= 0 {
			name = name[idx+1:]
		}
		ts, err := ParseTimestamp(name)
		if err != nil {
			return nil, err
		}
		if ts <= t {
			out = append(out, Info{Timestamp: ts, URI: u})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].URI.String() < out[j].URI.String()
	})
	return out, nil
}
