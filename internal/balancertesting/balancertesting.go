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

// Package balancertesting provides a resolver that tests drive by hand.
package balancertesting

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/bufbuild/pooledhttp/resolver"
)

// FakeResolver is a resolver.Resolver whose results are published by the
// test. It supports a single task at a time.
type FakeResolver struct {
	started chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	receiver resolver.Receiver
	// +checklocks:mu
	refreshes int
	// +checklocks:mu
	refreshSignal chan struct{}
}

var _ resolver.Resolver = (*FakeResolver)(nil)

// NewFakeResolver returns a resolver with no task yet.
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		started:       make(chan struct{}),
		refreshSignal: make(chan struct{}),
	}
}

// New implements resolver.Resolver.
func (r *FakeResolver) New(
	ctx context.Context,
	_, _ string,
	receiver resolver.Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.receiver = receiver
	r.mu.Unlock()
	close(r.started)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-refresh:
				r.mu.Lock()
				r.refreshes++
				close(r.refreshSignal)
				r.refreshSignal = make(chan struct{})
				r.mu.Unlock()
			}
		}
	}()
	return closerFunc(func() error {
		cancel()
		<-done
		return nil
	})
}

// Publish delivers the given host:port pairs to the receiver.
func (r *FakeResolver) Publish(hostPorts ...string) {
	<-r.started
	addresses := make([]resolver.Address, len(hostPorts))
	for i, hostPort := range hostPorts {
		addresses[i].HostPort = hostPort
	}
	r.mu.Lock()
	receiver := r.receiver
	r.mu.Unlock()
	receiver.OnResolve(addresses)
}

// Fail delivers a resolution error to the receiver.
func (r *FakeResolver) Fail(err error) {
	<-r.started
	r.mu.Lock()
	receiver := r.receiver
	r.mu.Unlock()
	receiver.OnResolveError(err)
}

// Refreshes returns how many refresh signals the receiver has sent.
func (r *FakeResolver) Refreshes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshes
}

// AwaitRefresh waits until the refresh count exceeds previous and returns
// the new count.
func (r *FakeResolver) AwaitRefresh(ctx context.Context, previous int) (int, error) {
	for {
		r.mu.Lock()
		count, signal := r.refreshes, r.refreshSignal
		r.mu.Unlock()
		if count > previous {
			return count, nil
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return count, errors.New("timed out waiting for refresh")
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
