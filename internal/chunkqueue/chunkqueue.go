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

// Package chunkqueue provides a fixed-capacity producer/consumer queue of
// byte chunks. It connects a request body producer running on a worker
// goroutine to the goroutine writing the request onto the wire, so that a
// fast producer cannot grow memory without bound.
package chunkqueue

import (
	"errors"
	"io"
	"sync"
)

// ErrCanceled is returned to producers once the consumer side has been
// closed.
var ErrCanceled = errors.New("chunk queue closed by consumer")

type entryKind uint8

const (
	entryData entryKind = iota
	entryEndOfStream
	entryError
)

type entry struct {
	kind  entryKind
	chunk []byte
	err   error
}

// Queue is a bounded FIFO of chunks with blocking Put and Take.
//
// A queue terminates in exactly one of three ways: the producer calls
// Finish (consumers then see io.EOF forever), either side calls Fail
// (every Take returns the stored error), or the consumer calls Close
// (every Put returns ErrCanceled).
type Queue struct {
	mu       sync.Mutex
	notEmpty sync.Cond
	notFull  sync.Cond
	// +checklocks:mu
	ring []entry
	// +checklocks:mu
	head int
	// +checklocks:mu
	size int
	// +checklocks:mu
	failure *entry
	// +checklocks:mu
	finished bool
	// +checklocks:mu
	closed bool
}

// New returns a queue that holds at most capacity chunks. Capacities
// below one are treated as one.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{ring: make([]entry, capacity)}
	q.notEmpty.L = &q.mu
	q.notFull.L = &q.mu
	return q
}

// Put appends a copy of chunk, blocking while the queue is full. It
// returns ErrCanceled if the consumer closed the queue, the stored error
// if the queue failed, or an error if Finish was already called. Empty
// chunks are ignored.
func (q *Queue) Put(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	data := make([]byte, len(chunk))
	copy(data, chunk)
	return q.put(entry{kind: entryData, chunk: data})
}

// Finish marks the end of the stream. Consumers drain the remaining
// chunks and then see io.EOF.
func (q *Queue) Finish() error {
	return q.put(entry{kind: entryEndOfStream})
}

func (q *Queue) put(e entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		switch {
		case q.closed:
			return ErrCanceled
		case q.failure != nil:
			return q.failure.err
		case q.finished:
			return errors.New("chunk queue already finished")
		}
		if q.size < len(q.ring) {
			break
		}
		q.notFull.Wait()
	}
	q.ring[(q.head+q.size)%len(q.ring)] = e
	q.size++
	if e.kind == entryEndOfStream {
		q.finished = true
	}
	q.notEmpty.Signal()
	return nil
}

// Fail replaces the queue contents with err. Buffered chunks are dropped,
// every subsequent Take returns err and blocked producers are released.
// Only the first failure is kept.
func (q *Queue) Fail(err error) {
	if err == nil {
		err = errors.New("chunk queue failed")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failure != nil {
		return
	}
	q.failure = &entry{kind: entryError, err: err}
	for i := range q.ring {
		q.ring[i] = entry{}
	}
	q.head, q.size = 0, 0
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Take removes the oldest chunk, blocking while the queue is empty. After
// the end of stream it returns io.EOF on every call.
func (q *Queue) Take() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.failure != nil {
			return nil, q.failure.err
		}
		if q.size > 0 {
			break
		}
		if q.closed {
			return nil, io.ErrClosedPipe
		}
		q.notEmpty.Wait()
	}
	e := q.ring[q.head]
	if e.kind == entryEndOfStream {
		// leave the marker in place so every later Take sees it too
		return nil, io.EOF
	}
	q.ring[q.head] = entry{}
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	q.notFull.Signal()
	return e.chunk, nil
}

// Close is called by the consumer when it stops reading. Producers blocked
// in Put, and any later Put, get ErrCanceled.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// Done reports whether the queue accepts no more chunks because it was
// finished, failed or closed.
func (q *Queue) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished || q.failure != nil || q.closed
}

// Len returns the number of buffered entries, including a pending
// end-of-stream marker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Writer returns the producer side of q as an io.WriteCloser. Close
// finishes the stream.
func (q *Queue) Writer() io.WriteCloser {
	return queueWriter{q}
}

// Reader returns the consumer side of q as an io.Reader.
func (q *Queue) Reader() io.Reader {
	return &queueReader{q: q}
}

type queueWriter struct{ q *Queue }

func (w queueWriter) Write(p []byte) (int, error) {
	if err := w.q.Put(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w queueWriter) Close() error {
	return w.q.Finish()
}

type queueReader struct {
	q       *Queue
	pending []byte
}

func (r *queueReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.pending) == 0 {
		chunk, err := r.q.Take()
		if err != nil {
			return 0, err
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
