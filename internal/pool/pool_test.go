// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package pool_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molecula/arraydb/internal/pool"
)

func TestEnqueueRunsWork(t *testing.T) {
	p := pool.New(2)
	var ran int32
	f := p.Enqueue(func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	require.NoError(t, f.Wait())
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestEnqueuePropagatesError(t *testing.T) {
	p := pool.New(1)
	sentinel := assert.AnError
	f := p.Enqueue(func() error { return sentinel })
	assert.Equal(t, sentinel, f.Wait())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := pool.New(2)
	var concurrent, maxConcurrent int32

	futures := make([]*pool.Future, 0, 8)
	for i := 0; i < 8; i++ {
		futures = append(futures, p.Enqueue(func() error {
			cur := atomic.AddInt32(&concurrent, 1)
			for {
				max := atomic.LoadInt32(&maxConcurrent)
				if cur <= max || atomic.CompareAndSwapInt32(&maxConcurrent, max, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return nil
		}))
	}
	for _, f := range futures {
		require.NoError(t, f.Wait())
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(2))
}

func TestJoinWaitsForAllTasks(t *testing.T) {
	p := pool.New(4)
	var done int32
	for i := 0; i < 10; i++ {
		p.Enqueue(func() error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&done, 1)
			return nil
		})
	}
	p.Join()
	assert.EqualValues(t, 10, atomic.LoadInt32(&done))
}

func TestNewPoolsSizesIndependently(t *testing.T) {
	pools := pool.NewPools(1, 2, 3)
	assert.Equal(t, 1, pools.Async.Size())
	assert.Equal(t, 2, pools.Reader.Size())
	assert.Equal(t, 3, pools.Writer.Size())
	pools.Join()
}
