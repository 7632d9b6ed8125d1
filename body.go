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

package pooledhttp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/pooledhttp/internal/chunkqueue"
)

const (
	// copyChunkSize bounds each read from a caller-supplied reader.
	copyChunkSize = 4096
	// bodyQueueChunks is the number of chunks a generated body may buffer
	// ahead of the connection writer.
	bodyQueueChunks = 16
)

// BodySource describes how to produce a request body. The set of
// implementations is closed: use StaticBody, ReaderBody, GeneratorBody or
// PushBody.
//
// Replayable sources produce the same bytes every time they are sent, so
// a retry can resend them. Single-use sources can only be sent once; a
// retry of a request whose single-use body was already consumed fails
// with ErrBodyNotReplayable.
type BodySource interface {
	// Replayable reports whether the body may be sent more than once.
	Replayable() bool
	// ContentLength returns the body length, or -1 if it is not known in
	// advance. Bodies of unknown length are sent chunked.
	ContentLength() int64

	open(ctx context.Context, start startFunc) (bodyStream, error)
}

// startFunc runs fn in the background, bounded by the client's workers.
type startFunc func(ctx context.Context, fn func()) error

// bodyStream is one pass over a body. Close never closes anything the
// caller supplied.
type bodyStream interface {
	io.ReadCloser
	// failure returns the error the body source itself reported, as
	// opposed to an error writing to the connection.
	failure() error
}

// StaticBody returns a replayable body holding a copy of data.
func StaticBody(data []byte) BodySource {
	return &staticBody{data: bytes.Clone(data)}
}

type staticBody struct {
	data []byte
}

func (b *staticBody) Replayable() bool     { return true }
func (b *staticBody) ContentLength() int64 { return int64(len(b.data)) }

func (b *staticBody) open(context.Context, startFunc) (bodyStream, error) {
	return &staticStream{Reader: bytes.NewReader(b.data)}, nil
}

type staticStream struct {
	*bytes.Reader
}

func (s *staticStream) Close() error   { return nil }
func (s *staticStream) failure() error { return nil }

// ReaderBody returns a single-use body that copies from r. Only r's Read
// method is ever called; r is never closed, rewound or marked. Once any
// byte has been read, the body cannot be sent again.
func ReaderBody(r io.Reader) BodySource {
	return &readerBody{r: r}
}

type readerBody struct {
	r io.Reader
	// +checkatomic
	consumed atomic.Bool
	// +checkatomic
	inUse atomic.Bool
}

func (b *readerBody) Replayable() bool     { return false }
func (b *readerBody) ContentLength() int64 { return -1 }

func (b *readerBody) open(context.Context, startFunc) (bodyStream, error) {
	if b.consumed.Load() || !b.inUse.CompareAndSwap(false, true) {
		return nil, ErrBodyNotReplayable
	}
	return &readerStream{body: b}, nil
}

type readerStream struct {
	body *readerBody
	err  error
}

func (s *readerStream) Read(p []byte) (int, error) {
	if len(p) > copyChunkSize {
		p = p[:copyChunkSize]
	}
	n, err := s.body.r.Read(p)
	if n > 0 {
		s.body.consumed.Store(true)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}

func (s *readerStream) Close() error {
	s.body.inUse.Store(false)
	return nil
}

func (s *readerStream) failure() error { return s.err }

// GeneratorBody returns a replayable body produced by fn. Each time the
// body is sent, fn is called afresh on a worker goroutine and writes the
// body to w; writes block while the connection falls behind. fn must
// produce the same bytes on every call. If fn returns an error, the
// exchange fails with it.
func GeneratorBody(fn func(w io.Writer) error) BodySource {
	return &generatorBody{fn: fn}
}

type generatorBody struct {
	fn func(io.Writer) error
}

func (b *generatorBody) Replayable() bool     { return true }
func (b *generatorBody) ContentLength() int64 { return -1 }

func (b *generatorBody) open(ctx context.Context, start startFunc) (bodyStream, error) {
	queue := chunkqueue.New(bodyQueueChunks)
	err := start(ctx, func() {
		if err := b.fn(queue.Writer()); err != nil {
			queue.Fail(err)
			return
		}
		_ = queue.Finish()
	})
	if err != nil {
		return nil, err
	}
	return newQueueStream(queue), nil
}

// Pusher produces a body incrementally. Push is called repeatedly, each
// time writing more of the body to out, until it closes out to signal
// the end of the body. A call that neither writes nor closes is retried
// immediately.
type Pusher interface {
	Push(out io.WriteCloser) error
}

// PushBody returns a single-use body produced by p on a worker goroutine.
func PushBody(p Pusher) BodySource {
	return &pushBody{pusher: p}
}

type pushBody struct {
	pusher Pusher
	// +checkatomic
	started atomic.Bool
}

func (b *pushBody) Replayable() bool     { return false }
func (b *pushBody) ContentLength() int64 { return -1 }

func (b *pushBody) open(ctx context.Context, start startFunc) (bodyStream, error) {
	if !b.started.CompareAndSwap(false, true) {
		return nil, ErrBodyNotReplayable
	}
	queue := chunkqueue.New(bodyQueueChunks)
	err := start(ctx, func() {
		out := queue.Writer()
		for !queue.Done() {
			if err := b.pusher.Push(out); err != nil {
				queue.Fail(err)
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return newQueueStream(queue), nil
}

type queueStream struct {
	queue  *chunkqueue.Queue
	reader io.Reader

	mu sync.Mutex
	// +checklocks:mu
	err error
}

func newQueueStream(queue *chunkqueue.Queue) *queueStream {
	return &queueStream{queue: queue, reader: queue.Reader()}
}

func (s *queueStream) Read(p []byte) (int, error) {
	n, err := s.reader.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
	return n, err
}

// Close stops the producer if it is still running.
func (s *queueStream) Close() error {
	s.queue.Close()
	return nil
}

func (s *queueStream) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
