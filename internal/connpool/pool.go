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

// Package connpool caches idle connections per destination and bounds the
// number of connections that exist across all destinations.
//
// Two mechanisms cooperate to enforce the bound. A PermitQueue caps the
// number of connections that are checked out (or being dialed) at once,
// and makes excess acquirers wait in FIFO order. Idle connections do not
// hold permits; instead, whenever a new connection is about to be dialed
// and the pool is at capacity, the globally least-recently-used idle
// connection is evicted. Together these keep idle plus checked-out
// connections at or below the maximum without ever parking an acquirer
// behind idle connections it cannot use.
package connpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bufbuild/pooledhttp/internal"
)

var (
	// ErrClosed is returned by operations on a closed pool.
	ErrClosed = errors.New("connection pool is closed")
	// ErrTooManyQueued is returned when too many acquirers are already
	// waiting for a connection to the same destination.
	ErrTooManyQueued = errors.New("too many requests queued for destination")
)

// Key identifies a destination. Connections are only reused for requests
// with an identical key.
type Key struct {
	Scheme  string
	Address string // host:port
}

func (k Key) String() string {
	return k.Scheme + "://" + k.Address
}

// Conn is a pooled transport connection.
type Conn interface {
	// Key returns the destination the connection was dialed for.
	Key() Key
	// Healthy reports whether the connection may be used again.
	Healthy() bool
	// Park is called when the connection enters the idle cache.
	Park()
	// Claim is called when an idle connection is handed out again. It
	// returns false if the connection was found dead.
	Claim() bool
	Close() error
}

// DialFunc opens a new connection to the given destination.
type DialFunc func(ctx context.Context, key Key) (Conn, error)

// Config configures a Pool.
type Config struct {
	// MaxConnections bounds idle plus checked-out connections when pooling
	// is enabled.
	MaxConnections int
	// MaxQueuedPerDestination bounds the number of acquirers waiting for a
	// permit per destination. Zero means unbounded.
	MaxQueuedPerDestination int
	// Pooling enables reuse of connections. When disabled every Acquire
	// dials and every Release closes, and no limit is applied.
	Pooling bool
	// IdleTimeout, if positive, discards idle connections older than this.
	IdleTimeout time.Duration
	Clock       internal.Clock
	Logger      *slog.Logger
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Idle       int
	CheckedOut int
	Dialing    int
	Permits    int
}

// Open returns the number of connections that exist or are being dialed.
func (s Stats) Open() int {
	return s.Idle + s.CheckedOut + s.Dialing
}

// Pool is a connection pool keyed by destination.
type Pool struct {
	dial    DialFunc
	config  Config
	permits *PermitQueue
	clock   internal.Clock
	logger  *slog.Logger

	mu sync.Mutex
	// lru orders every idle connection, oldest at the front.
	// +checklocks:mu
	lru *list.List
	// idle holds per-destination stacks, most recently used at the back.
	// +checklocks:mu
	idle map[Key]*list.List
	// +checklocks:mu
	checkedOut map[Conn]struct{}
	// +checklocks:mu
	dialing int
	// +checklocks:mu
	queued map[Key]int
	// +checklocks:mu
	closed bool
}

type idleEntry struct {
	conn    Conn
	since   time.Time
	lruElem *list.Element
	keyElem *list.Element
}

// New creates a pool that opens connections with dial.
func New(dial DialFunc, config Config) *Pool {
	if config.MaxConnections < 1 {
		config.MaxConnections = 1
	}
	if config.Clock == nil {
		config.Clock = internal.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		dial:       dial,
		config:     config,
		permits:    NewPermitQueue(config.MaxConnections),
		clock:      config.Clock,
		logger:     config.Logger,
		lru:        list.New(),
		idle:       map[Key]*list.List{},
		checkedOut: map[Conn]struct{}{},
		queued:     map[Key]int{},
	}
}

// Acquire returns a connection for key, reusing the most recently used
// idle connection when one is alive and dialing a new one otherwise.
func (p *Pool) Acquire(ctx context.Context, key Key) (Conn, error) {
	if !p.config.Pooling {
		return p.acquireUnpooled(ctx, key)
	}
	if err := p.enqueue(key); err != nil {
		return nil, err
	}
	err := p.permits.Acquire(ctx)
	p.dequeue(key)
	if err != nil {
		return nil, err
	}

	for {
		conn, err := p.reuseOrReserve(key)
		if err != nil {
			p.permits.Release()
			return nil, err
		}
		if conn == nil {
			break
		}
		if conn.Claim() {
			return conn, nil
		}
		// died between the health check and the claim; keep the permit
		// and look again
		p.mu.Lock()
		delete(p.checkedOut, conn)
		_ = conn.Close()
		p.mu.Unlock()
	}

	p.logger.Debug("dialing new connection", "destination", key.String())
	conn, err := p.dial(ctx, key)
	p.mu.Lock()
	p.dialing--
	if err == nil && p.closed {
		_ = conn.Close()
		err = ErrClosed
	}
	if err == nil {
		p.checkedOut[conn] = struct{}{}
	}
	p.mu.Unlock()
	if err != nil {
		p.permits.Release()
		return nil, err
	}
	return conn, nil
}

func (p *Pool) acquireUnpooled(ctx context.Context, key Key) (Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	conn, err := p.dial(ctx, key)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.checkedOut[conn] = struct{}{}
	p.mu.Unlock()
	return conn, nil
}

func (p *Pool) enqueue(key Key) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	limit := p.config.MaxQueuedPerDestination
	if limit > 0 && p.queued[key] >= limit {
		return fmt.Errorf("%w %s (limit %d)", ErrTooManyQueued, key, limit)
	}
	p.queued[key]++
	return nil
}

func (p *Pool) dequeue(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued[key] <= 1 {
		delete(p.queued, key)
		return
	}
	p.queued[key]--
}

// reuseOrReserve pops idle connections for key, most recent first, until a
// usable one is found. If none is, it evicts least-recently-used idle
// connections until there is room and reserves a dial slot. Discarded
// connections are closed before the lock is released, so a connection
// dialed afterwards never coexists with the one it displaced.
func (p *Pool) reuseOrReserve(key Key) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if stack := p.idle[key]; stack != nil {
		for stack.Len() > 0 {
			//nolint:forcetypeassert // only *idleEntry values are stored
			entry := stack.Back().Value.(*idleEntry)
			p.removeIdleLocked(entry)
			if !entry.conn.Healthy() || p.expiredLocked(entry) {
				_ = entry.conn.Close()
				continue
			}
			p.checkedOut[entry.conn] = struct{}{}
			return entry.conn, nil
		}
	}
	for p.lru.Len() > 0 && p.lru.Len()+len(p.checkedOut)+p.dialing >= p.config.MaxConnections {
		//nolint:forcetypeassert // only *idleEntry values are stored
		oldest := p.lru.Front().Value.(*idleEntry)
		p.removeIdleLocked(oldest)
		p.logger.Debug("evicting idle connection", "destination", oldest.conn.Key().String())
		_ = oldest.conn.Close()
	}
	p.dialing++
	return nil, nil
}

// +checklocks:p.mu
func (p *Pool) expiredLocked(entry *idleEntry) bool {
	return p.config.IdleTimeout > 0 && p.clock.Since(entry.since) >= p.config.IdleTimeout
}

// +checklocks:p.mu
func (p *Pool) removeIdleLocked(entry *idleEntry) {
	p.lru.Remove(entry.lruElem)
	key := entry.conn.Key()
	stack := p.idle[key]
	stack.Remove(entry.keyElem)
	if stack.Len() == 0 {
		delete(p.idle, key)
	}
}

// Release returns a connection after use. A healthy connection becomes
// the most recently used idle connection for its destination; anything
// else is closed.
func (p *Pool) Release(conn Conn) {
	p.mu.Lock()
	if _, ok := p.checkedOut[conn]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.checkedOut, conn)
	if p.config.Pooling && !p.closed && conn.Healthy() {
		key := conn.Key()
		entry := &idleEntry{conn: conn, since: p.clock.Now()}
		entry.lruElem = p.lru.PushBack(entry)
		stack := p.idle[key]
		if stack == nil {
			stack = list.New()
			p.idle[key] = stack
		}
		entry.keyElem = stack.PushBack(entry)
		conn.Park()
		p.mu.Unlock()
		p.permits.Release()
		return
	}
	// closed before the lock is dropped so it is never counted as free
	_ = conn.Close()
	p.mu.Unlock()
	if p.config.Pooling {
		p.permits.Release()
	}
}

// Destroy closes a checked-out connection so it is never reused.
func (p *Pool) Destroy(conn Conn) {
	p.mu.Lock()
	_, ok := p.checkedOut[conn]
	delete(p.checkedOut, conn)
	_ = conn.Close()
	p.mu.Unlock()
	if ok && p.config.Pooling {
		p.permits.Release()
	}
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:       p.lru.Len(),
		CheckedOut: len(p.checkedOut),
		Dialing:    p.dialing,
		Permits:    p.permits.Outstanding(),
	}
}

// Close closes every idle connection and fails pending and future
// acquisitions with ErrClosed. Checked-out connections are closed when
// they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := make([]Conn, 0, p.lru.Len())
	for elem := p.lru.Front(); elem != nil; elem = elem.Next() {
		//nolint:forcetypeassert // only *idleEntry values are stored
		idle = append(idle, elem.Value.(*idleEntry).conn)
	}
	p.lru.Init()
	p.idle = map[Key]*list.List{}
	p.mu.Unlock()

	p.permits.Close()
	var errs []error
	for _, conn := range idle {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
