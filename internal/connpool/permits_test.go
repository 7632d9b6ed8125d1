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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermitQueueServesWaitersInOrder(t *testing.T) {
	t.Parallel()

	queue := NewPermitQueue(1)
	ctx := context.Background()
	require.NoError(t, queue.Acquire(ctx))

	const waiters = 5
	order := make(chan int, waiters)
	for i := range waiters {
		go func() {
			if err := queue.Acquire(ctx); err == nil {
				order <- i
			}
		}()
		// make sure each waiter is enqueued before the next one arrives
		require.Eventually(t, func() bool {
			return queue.Waiting() == i+1
		}, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}

	for want := range waiters {
		queue.Release()
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("waiter %d was not served", want)
		}
	}
	assert.Equal(t, 1, queue.Outstanding())
}

func TestPermitQueueLedger(t *testing.T) {
	t.Parallel()

	queue := NewPermitQueue(3)
	assert.Equal(t, 3, queue.Capacity())
	require.True(t, queue.TryAcquire())
	require.NoError(t, queue.Acquire(context.Background()))
	assert.Equal(t, 2, queue.Outstanding())
	queue.Release()
	assert.Equal(t, 1, queue.Outstanding())
	require.True(t, queue.TryAcquire())
	require.True(t, queue.TryAcquire())
	assert.False(t, queue.TryAcquire())
	assert.Equal(t, 3, queue.Outstanding())
}

func TestPermitQueueContextCancel(t *testing.T) {
	t.Parallel()

	queue := NewPermitQueue(1)
	require.True(t, queue.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := queue.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, queue.Outstanding())
}

func TestPermitQueueCloseWakesWaiters(t *testing.T) {
	t.Parallel()

	queue := NewPermitQueue(1)
	require.True(t, queue.TryAcquire())

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			errs <- queue.Acquire(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	queue.Close()
	for range 2 {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken by close")
		}
	}
	assert.ErrorIs(t, queue.Acquire(context.Background()), ErrClosed)
	assert.False(t, queue.TryAcquire())
	// held permits can still be returned
	queue.Release()
	assert.Zero(t, queue.Outstanding())
}
