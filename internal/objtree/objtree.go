// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package objtree implements pre-order and post-order walks over a URI
// tree: a stateful cursor holding a deque of pending URIs and, for
// post-order, a parallel deque of "expanded?" flags.
package objtree

import (
	"context"

	"github.com/molecula/arraydb/internal/objtype"
	"github.com/molecula/arraydb/internal/vfs"
)

// TypeOf classifies a URI; the coordinator supplies its own ObjectType
// implementation, since only it knows how to look for sentinel files.
type TypeOf func(ctx context.Context, uri vfs.URI) (objtype.Type, error)

// Order selects pre-order or post-order traversal.
type Order int

const (
	PreOrder Order = iota
	PostOrder
)

// Iterator is a stateful cursor over an object tree rooted at a URI.
type Iterator struct {
	v         *vfs.Facade
	typeOf    TypeOf
	order     Order
	recursive bool

	pending  []vfs.URI
	expanded []bool // post-order only, parallel to pending
}

// Begin returns an Iterator over root's object tree. root itself is
// never yielded, even when its own type is INVALID (a plain container
// directory with no sentinel file of its own): only root's valid
// (type != INVALID) children seed the walk. If recursive is false, the
// walk yields only those children instead of descending further.
func Begin(ctx context.Context, v *vfs.Facade, typeOf TypeOf, root vfs.URI, order Order, recursive bool) (*Iterator, error) {
	it := &Iterator{v: v, typeOf: typeOf, order: order, recursive: recursive}
	children, err := it.validChildren(ctx, root)
	if err != nil {
		return nil, err
	}
	it.pending = children
	if order == PostOrder {
		it.expanded = make([]bool, len(children))
	}
	return it, nil
}

// Next returns the next URI in traversal order, or ok=false when the walk
// is exhausted.
func (it *Iterator) Next(ctx context.Context) (uri vfs.URI, ok bool, err error) {
	if it.order == PreOrder {
		return it.nextPreOrder(ctx)
	}
	return it.nextPostOrder(ctx)
}

func (it *Iterator) validChildren(ctx context.Context, uri vfs.URI) ([]vfs.URI, error) {
	children, err := it.v.Ls(ctx, uri.WithTrailingSlash())
	if err != nil {
		return nil, err
	}
	var out []vfs.URI
	for _, c := range children {
		typ, err := it.typeOf(ctx, c)
		if err != nil {
			return nil, err
		}
		if typ != objtype.Invalid {
			out = append(out, c)
		}
	}
	return out, nil
}

// prepend inserts children at the front of s in reverse order, so that
// popping from the front yields them in their original ls() order.
func prepend[T any](s []T, children []T) []T {
	out := make([]T, 0, len(children)+len(s))
	for i := len(children) - 1; i >= 0; i-- {
		out = append(out, children[i])
	}
	out = append(out, s...)
	return out
}

func (it *Iterator) nextPreOrder(ctx context.Context) (vfs.URI, bool, error) {
	if len(it.pending) == 0 {
		return "", false, nil
	}
	uri := it.pending[0]
	it.pending = it.pending[1:]

	if it.recursive {
		typ, err := it.typeOf(ctx, uri)
		if err != nil {
			return "", false, err
		}
		if typ == objtype.Group {
			children, err := it.validChildren(ctx, uri)
			if err != nil {
				return "", false, err
			}
			it.pending = prepend(it.pending, children)
		}
	}
	return uri, true, nil
}

func (it *Iterator) nextPostOrder(ctx context.Context) (vfs.URI, bool, error) {
	for len(it.pending) > 0 {
		if !it.expanded[0] {
			uri := it.pending[0]
			typ, err := it.typeOf(ctx, uri)
			if err != nil {
				return "", false, err
			}
			it.expanded[0] = true
			if it.recursive && typ == objtype.Group {
				children, err := it.validChildren(ctx, uri)
				if err != nil {
					return "", false, err
				}
				if len(children) > 0 {
					flags := make([]bool, len(children))
					it.pending = prepend(it.pending, children)
					it.expanded = prepend(it.expanded, flags)
				}
			}
			continue
		}
		uri := it.pending[0]
		it.pending = it.pending[1:]
		it.expanded = it.expanded[1:]
		return uri, true, nil
	}
	return "", false, nil
}
