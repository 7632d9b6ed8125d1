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

// Package workers bounds how much application code (response handlers
// and request body generators) runs concurrently.
package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned when work is submitted to a stopped pool.
var ErrStopped = errors.New("worker pool stopped")

// Pool runs functions with at most a fixed number executing at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
	wg   sync.WaitGroup

	// +checkatomic
	stopped atomic.Bool
	// +checkatomic
	active atomic.Int64
}

// New returns a pool that runs at most size functions concurrently.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return p.size
}

// Active returns the number of functions currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Do waits for a free slot and runs fn on the calling goroutine.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()
	fn()
	return nil
}

// Go waits for a free slot and runs fn on a new goroutine. It returns
// once fn has started, or with an error if no slot could be obtained.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	go func() {
		defer p.release()
		fn()
	}()
	return nil
}

// Stop rejects further work and waits for running functions to return.
func (p *Pool) Stop() {
	p.stopped.Store(true)
	p.wg.Wait()
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	p.active.Add(1)
	return nil
}

func (p *Pool) release() {
	p.active.Add(-1)
	p.sem.Release(1)
	p.wg.Done()
}
