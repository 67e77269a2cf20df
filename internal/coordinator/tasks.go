// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package coordinator

import (
	"sync"
	"sync/atomic"

	"github.com/molecula/arraydb/internal/pool"
)

const (
	taskPending int32 = iota
	taskStarted
	taskCancelled
)

// taskEntry pairs a queued unit with its cancel hook. state is advanced
// exactly once via compare-and-swap by whichever of the pool worker or
// CancelAll observes it first, guaranteeing work and onCancel never both
// run and never neither.
type taskEntry struct {
	onCancel func()
	state    int32
}

// taskQueue is the cancellable task queue: a thin layer over a Pool
// that tracks queued-but-not-started tasks so CancelAll can run their
// on_cancel hooks synchronously.
type taskQueue struct {
	mu      sync.Mutex
	pending map[*taskEntry]struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{pending: make(map[*taskEntry]struct{})}
}

// Enqueue submits work to p and returns a Future for its outcome. If the
// task is still pending when CancelAll runs, onCancel is invoked instead
// of work and the Future completes with a nil error.
func (q *taskQueue) Enqueue(p *pool.Pool, work func() error, onCancel func()) *pool.Future {
	t := &taskEntry{onCancel: onCancel}
	q.mu.Lock()
	q.pending[t] = struct{}{}
	q.mu.Unlock()

	return p.Enqueue(func() error {
		if !atomic.CompareAndSwapInt32(&t.state, taskPending, taskStarted) {
			// Already claimed by CancelAll; on_cancel already ran there.
			return nil
		}
		q.mu.Lock()
		delete(q.pending, t)
		q.mu.Unlock()
		return work()
	})
}

// CancelAll marks every task still queued-but-not-started as cancelled and
// runs its on_cancel hook synchronously, then clears the pending set.
// Tasks that already transitioned to "started" are left to run to
// completion untouched.
func (q *taskQueue) CancelAll() {
	q.mu.Lock()
	pending := make([]*taskEntry, 0, len(q.pending))
	for t := range q.pending {
		pending = append(pending, t)
	}
	q.pending = make(map[*taskEntry]struct{})
	q.mu.Unlock()

	for _, t := range pending {
		if atomic.CompareAndSwapInt32(&t.state, taskPending, taskCancelled) {
			t.onCancel()
		}
	}
}
