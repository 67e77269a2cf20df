// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package pool implements the three bounded worker pools: async (query
// execution), reader, and writer. Each is sized from configuration at
// Init and exposes Enqueue/Join, built on golang.org/x/sync primitives
// for bounded fan-out.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Future represents the outcome of a task submitted to a Pool.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task completes and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// Pool is a fixed-concurrency worker pool: at most Size tasks run at once,
// bounded by a semaphore rather than a fixed goroutine set. Enqueue never
// blocks the caller: each task waits for its slot in its own goroutine.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
	sz  int
}

// New returns a Pool that runs at most size tasks concurrently.
func New(size int) *Pool {
	return &Pool{sem: semaphore.NewWeighted(int64(size)), sz: size}
}

// Size returns the configured concurrency bound.
func (p *Pool) Size() int { return p.sz }

// Enqueue submits work to run on the pool and returns a Future for its
// result. work runs in its own goroutine once a slot is free.
func (p *Pool) Enqueue(work func() error) *Future {
	f := &Future{done: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			f.err = err
			close(f.done)
			return
		}
		defer p.sem.Release(1)
		f.err = work()
		close(f.done)
	}()
	return f
}

// Join blocks until every task submitted so far has completed.
func (p *Pool) Join() {
	p.wg.Wait()
}
