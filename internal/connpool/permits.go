// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PermitQueue is a counting semaphore whose waiters are served strictly in
// arrival order. Acquisition only ever waits; it fails only when the
// caller's context is done or the queue is closed.
type PermitQueue struct {
	sem     *semaphore.Weighted
	permits int64

	closeCtx context.Context //nolint:containedctx
	closeFn  context.CancelFunc

	// +checkatomic
	held atomic.Int64
	// +checkatomic
	waiting atomic.Int64
}

// NewPermitQueue returns a queue with the given number of permits.
func NewPermitQueue(permits int) *PermitQueue {
	if permits < 1 {
		permits = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PermitQueue{
		sem:      semaphore.NewWeighted(int64(permits)),
		permits:  int64(permits),
		closeCtx: ctx,
		closeFn:  cancel,
	}
}

// Acquire waits for a permit. It returns ErrClosed if the queue is closed
// before or while waiting, or the context's cause if ctx is done first.
func (q *PermitQueue) Acquire(ctx context.Context) error {
	if q.closeCtx.Err() != nil {
		return ErrClosed
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(q.closeCtx, func() {
		cancel(ErrClosed)
	})
	defer stop()

	q.waiting.Add(1)
	err := q.sem.Acquire(ctx, 1)
	q.waiting.Add(-1)
	if err != nil {
		return context.Cause(ctx)
	}
	if q.closeCtx.Err() != nil {
		q.sem.Release(1)
		return ErrClosed
	}
	q.held.Add(1)
	return nil
}

// TryAcquire takes a permit only if one is immediately available and no
// one is already waiting.
func (q *PermitQueue) TryAcquire() bool {
	if q.closeCtx.Err() != nil || !q.sem.TryAcquire(1) {
		return false
	}
	q.held.Add(1)
	return true
}

// Release returns a permit, handing it to the longest waiting acquirer if
// there is one.
func (q *PermitQueue) Release() {
	q.held.Add(-1)
	q.sem.Release(1)
}

// Outstanding returns the number of permits currently held.
func (q *PermitQueue) Outstanding() int {
	return int(q.held.Load())
}

// Waiting returns the number of callers blocked in Acquire.
func (q *PermitQueue) Waiting() int {
	return int(q.waiting.Load())
}

// Capacity returns the total number of permits.
func (q *PermitQueue) Capacity() int {
	return int(q.permits)
}

// Close wakes every waiter with ErrClosed. Permits already held may still
// be released afterwards.
func (q *PermitQueue) Close() {
	q.closeFn()
}
