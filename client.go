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
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bufbuild/pooledhttp/internal"
	"github.com/bufbuild/pooledhttp/internal/connpool"
	"github.com/bufbuild/pooledhttp/internal/workers"
	"github.com/bufbuild/pooledhttp/stats"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxConnections          = 200
	defaultMaxQueuedPerDestination = 1024
	defaultConnectTimeout          = 5 * time.Second
	defaultIdleTimeout             = 30 * time.Second
	defaultMaxContentLength        = 16 << 20
	defaultWorkers                 = 200
	defaultMaxRedirects            = 10
	defaultTLSHandshakeTimeout     = 10 * time.Second
	defaultUserAgent               = "pooledhttp"
)

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithMaxConnections bounds the number of connections, idle or in use,
// across all destinations. Requests beyond the bound wait, in arrival
// order, for a connection to be released. The default is 200. The bound
// only applies when pooling is enabled.
func WithMaxConnections(n int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxConnections = n
	})
}

// WithMaxQueuedPerDestination bounds how many requests may wait for a
// connection to the same destination. Further requests fail immediately
// with ErrTooManyQueued. The default is 1024; zero means unbounded.
func WithMaxQueuedPerDestination(n int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxQueuedPerDestination = n
		opts.maxQueuedSet = true
	})
}

// WithPooling enables or disables connection reuse. When disabled every
// request opens a new connection, which is closed after the response, and
// WithMaxConnections has no effect. Pooling is enabled by default.
func WithPooling(enabled bool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.disablePooling = !enabled
	})
}

// WithConnectTimeout limits how long establishing a connection, including
// the TLS handshake, may take. The default is 5 seconds. Exceeding it
// fails the exchange with ErrConnectTimeout.
func WithConnectTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connectTimeout = duration
	})
}

// WithIdleTimeout limits both how long the server may stay silent while a
// response is being read, failing the exchange with ErrReadTimeout, and
// how long a connection may sit in the idle cache before it is discarded.
// The default is 30 seconds.
func WithIdleTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.idleTimeout = duration
	})
}

// WithMaxContentLength limits the size of response bodies. Larger
// responses fail with ErrResponseTooLarge. The default is 16 MiB.
func WithMaxContentLength(n int64) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxContentLength = n
	})
}

// WithWorkers bounds how many response handlers and body generators run
// concurrently. The default is 200.
func WithWorkers(n int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.workers = n
	})
}

// WithSocksProxy routes every connection through the SOCKS5 proxy at the
// given "host:port" address.
func WithSocksProxy(address string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.socksProxy = address
	})
}

// WithDialer configures the client to use the given function to establish
// network connections. The connect timeout is applied to the context
// passed to it.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithTLSConfig sets the TLS configuration used for https destinations.
// The given timeout is applied to the TLS handshake step, in addition to
// the connect timeout. If zero, a default of 10 seconds is used.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tlsClientConfig = config
		opts.tlsHandshakeTimeout = handshakeTimeout
	})
}

// WithRequestFilters appends filters that rewrite every request before it
// is sent. Filters run in the order given.
func WithRequestFilters(filters ...RequestFilter) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.filters = append(opts.filters, filters...)
	})
}

// WithMaxRedirects limits how many redirects are followed for requests
// that ask to follow them. The default is 10.
func WithMaxRedirects(n int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxRedirects = n
		opts.maxRedirectsSet = true
	})
}

// WithUserAgent sets the User-Agent sent with requests that do not carry
// one. An empty value sends no User-Agent at all.
func WithUserAgent(userAgent string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.userAgent = &userAgent
	})
}

// WithStats makes the client record every exchange into the given
// collector. Several clients may share one collector. If not specified,
// each client has its own, available from Stats.
func WithStats(collector *stats.RequestStats) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.stats = collector
	})
}

// WithLogger sets the logger used for debug output. If not specified,
// nothing is logged.
func WithLogger(logger *slog.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithRootContext configures the root context used for any background
// goroutines that the client may create. If not specified,
// [context.Background] is used. Cancelling it aborts every exchange in
// flight; it should only be cancelled once the client is no longer used.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	rootCtx                 context.Context //nolint:containedctx
	maxConnections          int
	maxQueuedPerDestination int
	maxQueuedSet            bool
	disablePooling          bool
	connectTimeout          time.Duration
	idleTimeout             time.Duration
	maxContentLength        int64
	workers                 int
	socksProxy              string
	dialFunc                func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsClientConfig         *tls.Config
	tlsHandshakeTimeout     time.Duration
	filters                 []RequestFilter
	maxRedirects            int
	maxRedirectsSet         bool
	userAgent               *string
	stats                   *stats.RequestStats
	logger                  *slog.Logger
	clock                   internal.Clock
}

func (opts *clientOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.maxConnections <= 0 {
		opts.maxConnections = defaultMaxConnections
	}
	if !opts.maxQueuedSet {
		opts.maxQueuedPerDestination = defaultMaxQueuedPerDestination
	}
	if opts.connectTimeout <= 0 {
		opts.connectTimeout = defaultConnectTimeout
	}
	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}
	if opts.maxContentLength <= 0 {
		opts.maxContentLength = defaultMaxContentLength
	}
	if opts.workers <= 0 {
		opts.workers = defaultWorkers
	}
	if opts.dialFunc == nil {
		dialer := &net.Dialer{KeepAlive: 30 * time.Second}
		opts.dialFunc = dialer.DialContext
	}
	if opts.tlsHandshakeTimeout <= 0 {
		opts.tlsHandshakeTimeout = defaultTLSHandshakeTimeout
	}
	if !opts.maxRedirectsSet {
		opts.maxRedirects = defaultMaxRedirects
	}
	if opts.userAgent == nil {
		userAgent := defaultUserAgent
		opts.userAgent = &userAgent
	}
	if opts.stats == nil {
		opts.stats = stats.New()
	}
	if opts.logger == nil {
		opts.logger = slog.New(slog.DiscardHandler)
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}

// Client executes requests over pooled HTTP/1.1 connections. Use
// Execute or ExecuteAsync to send requests with it.
type Client struct {
	opts     clientOptions
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
	pool     *connpool.Pool
	workers  *workers.Pool
	stats    *stats.RequestStats
	logger   *slog.Logger
	clock    internal.Clock

	rootCtx    context.Context //nolint:containedctx
	rootCancel context.CancelCauseFunc

	mu sync.Mutex
	// +checklocks:mu
	closed   bool
	inflight sync.WaitGroup
}

var _ Executor = (*Client)(nil)

// NewClient returns a new client that uses the given options.
func NewClient(options ...ClientOption) (*Client, error) {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()

	dialFunc := opts.dialFunc
	if opts.socksProxy != "" {
		socks, err := proxy.SOCKS5("tcp", opts.socksProxy, nil, contextDialer(opts.dialFunc))
		if err != nil {
			return nil, fmt.Errorf("configuring socks proxy %s: %w", opts.socksProxy, err)
		}
		ctxDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks proxy dialer %T does not support contexts", socks)
		}
		dialFunc = ctxDialer.DialContext
	}

	rootCtx, rootCancel := context.WithCancelCause(opts.rootCtx)
	client := &Client{
		opts:       opts,
		dialFunc:   dialFunc,
		workers:    workers.New(opts.workers),
		stats:      opts.stats,
		logger:     opts.logger,
		clock:      opts.clock,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
	client.pool = connpool.New(client.dial, connpool.Config{
		MaxConnections:          opts.maxConnections,
		MaxQueuedPerDestination: opts.maxQueuedPerDestination,
		Pooling:                 !opts.disablePooling,
		IdleTimeout:             opts.idleTimeout,
		Clock:                   opts.clock,
		Logger:                  opts.logger,
	})
	return client, nil
}

// Stats returns the collector the client records into.
func (c *Client) Stats() *stats.RequestStats {
	return c.stats
}

// PoolStats is a point-in-time view of a client's connections.
type PoolStats struct {
	Idle       int
	CheckedOut int
	Dialing    int
	// Permits is the number of connection permits in use.
	Permits int
}

// Open returns the number of connections that exist or are being dialed.
func (s PoolStats) Open() int {
	return s.Idle + s.CheckedOut + s.Dialing
}

// PoolStats returns the current connection counts.
func (c *Client) PoolStats() PoolStats {
	current := c.pool.Stats()
	return PoolStats{
		Idle:       current.Idle,
		CheckedOut: current.CheckedOut,
		Dialing:    current.Dialing,
		Permits:    current.Permits,
	}
}

// Close fails requests waiting for a connection and new requests with
// ErrClientClosed, aborts exchanges in flight, waits for them to finish,
// and closes every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.rootCancel(ErrClientClosed)
	var group errgroup.Group
	group.Go(c.pool.Close)
	group.Go(func() error {
		c.inflight.Wait()
		c.workers.Stop()
		return nil
	})
	return group.Wait()
}

func (c *Client) submit(ctx context.Context, req *Request, handler anyHandler, observe func(State)) *exchange {
	ex := newExchange(c.logger, observe)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.deliverError(ex, req, handler, ErrClientClosed)
		return ex
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.inflight.Done()
		c.run(ctx, ex, req, handler)
	}()
	return ex
}

// contextDialer adapts a dial function to the dialer interfaces of the
// proxy package.
type contextDialer func(ctx context.Context, network, addr string) (net.Conn, error)

func (d contextDialer) Dial(network, addr string) (net.Conn, error) {
	return d(context.Background(), network, addr)
}

func (d contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d(ctx, network, addr)
}
