// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package objtree_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molecula/arraydb/internal/objtree"
	"github.com/molecula/arraydb/internal/objtype"
	"github.com/molecula/arraydb/internal/vfs"
	"github.com/molecula/arraydb/internal/vfs/mem"
)

// buildTree constructs:
//
//	mem://root (group)
//	  mem://root/g1 (group)
//	    mem://root/g1/arr1 (array)
//	  mem://root/arr2 (array)
func buildTree(t *testing.T) *vfs.Facade {
	t.Helper()
	ctx := context.Background()
	b := mem.New()
	v := vfs.NewFacade()
	v.Register(b)

	require.NoError(t, v.CreateDir(ctx, "mem://root"))
	require.NoError(t, v.Touch(ctx, "mem://root/"+objtype.GroupMarkerFile))

	require.NoError(t, v.CreateDir(ctx, "mem://root/g1"))
	require.NoError(t, v.Touch(ctx, "mem://root/g1/"+objtype.GroupMarkerFile))

	require.NoError(t, v.CreateDir(ctx, "mem://root/g1/arr1"))
	require.NoError(t, v.Touch(ctx, "mem://root/g1/arr1/"+objtype.ArraySchemaFile))

	require.NoError(t, v.CreateDir(ctx, "mem://root/arr2"))
	require.NoError(t, v.Touch(ctx, "mem://root/arr2/"+objtype.ArraySchemaFile))

	return v
}

func typeOf(v *vfs.Facade) objtree.TypeOf {
	return func(ctx context.Context, uri vfs.URI) (objtype.Type, error) {
		isArray, err := v.IsFile(ctx, uri.Join(objtype.ArraySchemaFile))
		if err != nil {
			return objtype.Invalid, err
		}
		if isArray {
			return objtype.Array, nil
		}
		isGroup, err := v.IsFile(ctx, uri.Join(objtype.GroupMarkerFile))
		if err != nil {
			return objtype.Invalid, err
		}
		if isGroup {
			return objtype.Group, nil
		}
		return objtype.Invalid, nil
	}
}

func drain(t *testing.T, it *objtree.Iterator) []vfs.URI {
	t.Helper()
	ctx := context.Background()
	var out []vfs.URI
	for {
		uri, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, uri)
	}
	return out
}

func TestPreOrderRecursive(t *testing.T) {
	ctx := context.Background()
	v := buildTree(t)
	it, err := objtree.Begin(ctx, v, typeOf(v), "mem://root", objtree.PreOrder, true)
	require.NoError(t, err)
	got := drain(t, it)

	names := make([]string, len(got))
	for i, u := range got {
		names[i] = u.LastPathPart()
	}
	// root itself is never yielded, only its valid descendants.
	require.NotEmpty(t, names)
	assert.NotContains(t, names, "root")
	assert.Contains(t, names, "g1")
	assert.Contains(t, names, "arr1")
	assert.Contains(t, names, "arr2")

	// g1 must precede arr1 (its child) in pre-order.
	idxG1, idxArr1 := indexOf(names, "g1"), indexOf(names, "arr1")
	assert.Less(t, idxG1, idxArr1)
}

func TestPostOrderRecursive(t *testing.T) {
	ctx := context.Background()
	v := buildTree(t)
	it, err := objtree.Begin(ctx, v, typeOf(v), "mem://root", objtree.PostOrder, true)
	require.NoError(t, err)
	got := drain(t, it)

	names := make([]string, len(got))
	for i, u := range got {
		names[i] = u.LastPathPart()
	}
	// root itself is never yielded, only its valid descendants, children before their parent.
	assert.NotContains(t, names, "root")

	idxG1, idxArr1 := indexOf(names, "g1"), indexOf(names, "arr1")
	assert.Less(t, idxArr1, idxG1)
}

func TestNonRecursiveYieldsRootsChildren(t *testing.T) {
	ctx := context.Background()
	v := buildTree(t)
	it, err := objtree.Begin(ctx, v, typeOf(v), "mem://root", objtree.PreOrder, false)
	require.NoError(t, err)
	got := drain(t, it)

	names := make([]string, len(got))
	for i, u := range got {
		names[i] = u.LastPathPart()
	}
	assert.ElementsMatch(t, []string{"g1", "arr2"}, names)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
