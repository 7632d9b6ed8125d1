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
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/pooledhttp/internal/connpool"
)

var (
	errConnBroken = errors.New("connection aborted")

	//nolint:gochecknoglobals
	aLongTimeAgo = time.Unix(1, 0)
)

// poolConn is an HTTP/1.1 connection owned by the pool. While idle, a
// watcher goroutine blocks reading it so that a close (or unexpected
// data) from the server is noticed before the connection is reused.
type poolConn struct {
	key         connpool.Key
	conn        net.Conn
	br          *bufio.Reader
	bw          *bufio.Writer
	readTimeout time.Duration

	// +checkatomic
	broken atomic.Bool
	// +checkatomic
	closed atomic.Bool

	mu sync.Mutex
	// +checklocks:mu
	parked bool
	// +checklocks:mu
	claiming bool
	// +checklocks:mu
	interrupted bool
	// +checklocks:mu
	watcherDone chan struct{}
}

var _ connpool.Conn = (*poolConn)(nil)

func newPoolConn(key connpool.Key, conn net.Conn, readTimeout time.Duration) *poolConn {
	pc := &poolConn{
		key:         key,
		conn:        conn,
		readTimeout: readTimeout,
	}
	pc.br = bufio.NewReader(connReader{pc})
	pc.bw = bufio.NewWriter(conn)
	return pc
}

func (c *poolConn) Key() connpool.Key {
	return c.key
}

func (c *poolConn) Healthy() bool {
	return !c.broken.Load() && !c.closed.Load()
}

// Park starts watching the idle connection.
func (c *poolConn) Park() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parked = true
	c.claiming = false
	_ = c.conn.SetReadDeadline(time.Time{})
	done := make(chan struct{})
	c.watcherDone = done
	go c.watch(done)
}

func (c *poolConn) watch(done chan struct{}) {
	defer close(done)
	_, err := c.br.Peek(1)
	c.mu.Lock()
	claimed := c.claiming
	c.mu.Unlock()
	if err == nil || !claimed || !isTimeout(err) {
		// the server closed the connection or sent something unsolicited
		c.broken.Store(true)
	}
}

// Claim stops the watcher and reports whether the connection survived
// its time in the idle cache.
func (c *poolConn) Claim() bool {
	c.mu.Lock()
	done := c.watcherDone
	if done == nil {
		c.mu.Unlock()
		return c.Healthy()
	}
	c.claiming = true
	_ = c.conn.SetReadDeadline(aLongTimeAgo)
	c.mu.Unlock()

	<-done

	c.mu.Lock()
	c.parked = false
	c.claiming = false
	c.watcherDone = nil
	_ = c.conn.SetReadDeadline(time.Time{})
	c.mu.Unlock()
	return c.Healthy()
}

// interrupt unblocks any read or write in progress and marks the
// connection unusable.
func (c *poolConn) interrupt() {
	c.broken.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = true
	_ = c.conn.SetDeadline(aLongTimeAgo)
}

// markBroken prevents the connection from being pooled again.
func (c *poolConn) markBroken() {
	c.broken.Store(true)
}

func (c *poolConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// connReader applies the read timeout to every read made on behalf of an
// exchange. Reads by the idle watcher wait indefinitely.
type connReader struct {
	c *poolConn
}

func (r connReader) Read(p []byte) (int, error) {
	c := r.c
	c.mu.Lock()
	if c.interrupted {
		c.mu.Unlock()
		return 0, errConnBroken
	}
	if !c.parked && c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	c.mu.Unlock()
	return c.conn.Read(p)
}
