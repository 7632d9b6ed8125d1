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

// Package respbuf provides the capped in-memory buffer that response
// bodies are read into.
package respbuf

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTooLarge is returned when a response body exceeds the buffer maximum.
var ErrTooLarge = errors.New("response too large")

const minCapacity = 512

// Buffer accumulates response content up to a fixed maximum. Capacity
// doubles as content arrives and never exceeds the maximum.
type Buffer struct {
	max int64

	mu sync.Mutex
	// +checklocks:mu
	data []byte
	// +checklocks:mu
	aborted error
}

// New returns an empty buffer that accepts at most maxLength bytes.
func New(maxLength int64) *Buffer {
	return &Buffer{max: maxLength}
}

// Max returns the maximum content length.
func (b *Buffer) Max() int64 {
	return b.max
}

// OnHeaders is called once the response headers are known. A negative
// contentLength means the length was not declared. If the declared length
// already exceeds the maximum, the buffer is aborted before anything is
// allocated.
func (b *Buffer) OnHeaders(contentLength int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted != nil {
		return b.aborted
	}
	if contentLength > b.max {
		return b.abortLocked(contentLength)
	}
	if contentLength > 0 && b.data == nil {
		b.data = make([]byte, 0, contentLength)
	}
	return nil
}

// Write appends p, growing the buffer geometrically. It fails without
// copying anything if the result would exceed the maximum.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted != nil {
		return 0, b.aborted
	}
	required := int64(len(b.data)) + int64(len(p))
	if required > b.max {
		return 0, b.abortLocked(required)
	}
	if required > int64(cap(b.data)) {
		b.growLocked(required)
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// +checklocks:b.mu
func (b *Buffer) growLocked(required int64) {
	newCap := int64(cap(b.data))
	if newCap < minCapacity {
		newCap = minCapacity
	}
	for newCap < required {
		newCap *= 2
	}
	if newCap > b.max {
		newCap = b.max
	}
	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
}

// +checklocks:b.mu
func (b *Buffer) abortLocked(length int64) error {
	b.aborted = fmt.Errorf("%w: %d bytes exceeds maximum of %d", ErrTooLarge, length, b.max)
	b.data = nil
	return b.aborted
}

// Bytes returns the buffered content. The returned slice aliases the
// buffer and must not be modified.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Cap returns the currently allocated capacity.
func (b *Buffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cap(b.data)
}
