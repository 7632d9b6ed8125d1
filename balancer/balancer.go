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

package balancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/pooledhttp/health"
	"github.com/bufbuild/pooledhttp/internal"
	"github.com/bufbuild/pooledhttp/resolver"
)

// ErrServiceUnavailable is returned by CreateAttempt when no instance of
// the service is known.
var ErrServiceUnavailable = errors.New("no service instances available")

// ServiceBalancer hands out attempts against the instances of one service.
type ServiceBalancer interface {
	// CreateAttempt returns the first attempt of a new logical request.
	CreateAttempt(ctx context.Context) (ServiceAttempt, error)
}

// ServiceAttempt is one try of a logical request against one instance.
type ServiceAttempt interface {
	// URI returns the base URI of the instance: scheme, host and an
	// optional path prefix.
	URI() *url.URL
	// MarkGood records that the attempt succeeded.
	MarkGood()
	// MarkBad records that the attempt failed with err.
	MarkBad(err error)
	// Next returns the attempt to make after this one failed.
	Next() (ServiceAttempt, error)
}

// Option configures a Balancer.
type Option interface {
	apply(*options)
}

// WithLogger sets the logger used for debug output about instance updates
// and failures.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

// WithHealthTracker sets the tracker that records the health of
// instances. Balancers may share one. If not specified, each balancer has
// its own with default settings.
func WithHealthTracker(tracker *health.Tracker) Option {
	return optionFunc(func(opts *options) {
		opts.tracker = tracker
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	logger  *slog.Logger
	tracker *health.Tracker
}

func (opts *options) applyDefaults() {
	if opts.logger == nil {
		opts.logger = slog.New(slog.DiscardHandler)
	}
	if opts.tracker == nil {
		opts.tracker = health.NewTracker(0, 0)
	}
}

// Balancer is a ServiceBalancer that orders instances round-robin, with
// healthier instances first. Each logical request starts at the next
// instance in the rotation and retries walk the rest of that order.
type Balancer struct {
	logger   *slog.Logger
	tracker  *health.Tracker
	template *url.URL
	ready    chan struct{}
	refresh  chan struct{}
	closer   io.Closer

	readyOnce sync.Once
	// +checkatomic
	counter atomic.Uint64

	mu sync.RWMutex
	// +checklocks:mu
	instances []*url.URL
	// +checklocks:mu
	resolveErr error
	// +checklocks:mu
	rnd *rand.Rand
}

var _ ServiceBalancer = (*Balancer)(nil)
var _ resolver.Receiver = (*Balancer)(nil)

func newBalancer(opts []Option) *Balancer {
	var o options
	for _, opt := range opts {
		opt.apply(&o)
	}
	o.applyDefaults()
	return &Balancer{
		logger:  o.logger,
		tracker: o.tracker,
		ready:   make(chan struct{}),
		refresh: make(chan struct{}, 1),
	}
}

// NewStatic returns a balancer over a fixed list of instance base URIs,
// such as "http://10.0.0.1:8080" or "https://api.example.com/v2".
// The rotation follows the order given.
func NewStatic(uris []string, opts ...Option) (*Balancer, error) {
	b := newBalancer(opts)
	instances := make([]*url.URL, 0, len(uris))
	for _, raw := range uris {
		uri, err := parseBase(raw)
		if err != nil {
			return nil, err
		}
		instances = append(instances, uri)
	}
	b.mu.Lock()
	b.instances = instances
	b.mu.Unlock()
	b.readyOnce.Do(func() { close(b.ready) })
	return b, nil
}

// New returns a balancer whose instances are resolved continuously from
// target, a base URI such as "http://users.internal:8080/api". Each
// resolved host:port replaces the host of target. Resolution stops when
// ctx is done or the balancer is closed.
func New(ctx context.Context, res resolver.Resolver, target string, opts ...Option) (*Balancer, error) {
	template, err := parseBase(target)
	if err != nil {
		return nil, err
	}
	b := newBalancer(opts)
	b.template = template
	b.rnd = internal.NewRand()
	b.closer = res.New(ctx, template.Scheme, template.Host, b, b.refresh)
	return b, nil
}

func parseBase(raw string) (*url.URL, error) {
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid instance URI %q: %w", raw, err)
	}
	switch strings.ToLower(uri.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid instance URI %q: scheme must be http or https", raw)
	}
	if uri.Host == "" {
		return nil, fmt.Errorf("invalid instance URI %q: missing host", raw)
	}
	uri.RawQuery = ""
	uri.Fragment = ""
	return uri, nil
}

// OnResolve implements resolver.Receiver.
func (b *Balancer) OnResolve(addresses []resolver.Address) {
	instances := make([]*url.URL, len(addresses))
	keys := make([]string, len(addresses))
	for i, address := range addresses {
		instance := *b.template
		instance.Host = address.HostPort
		instances[i] = &instance
		keys[i] = address.HostPort
	}
	b.tracker.Retain(keys)
	b.mu.Lock()
	// a new order on every update keeps clients from moving in lockstep
	b.instances = internal.Shuffled(b.rnd, instances)
	b.resolveErr = nil
	b.mu.Unlock()
	b.logger.Debug("service instances updated", "target", b.template.Redacted(), "count", len(instances))
	b.readyOnce.Do(func() { close(b.ready) })
}

// OnResolveError implements resolver.Receiver.
func (b *Balancer) OnResolveError(err error) {
	b.mu.Lock()
	b.resolveErr = err
	known := len(b.instances)
	b.mu.Unlock()
	b.logger.Debug("service resolution failed", "target", b.template.Redacted(), "error", err)
	if known == 0 {
		b.readyOnce.Do(func() { close(b.ready) })
	}
}

// CreateAttempt implements ServiceBalancer. It waits for the first
// resolution result, if there has been none yet.
func (b *Balancer) CreateAttempt(ctx context.Context) (ServiceAttempt, error) {
	select {
	case <-b.ready:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	b.mu.RLock()
	instances, resolveErr := b.instances, b.resolveErr
	b.mu.RUnlock()
	if len(instances) == 0 {
		b.requestRefresh()
		if resolveErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, resolveErr)
		}
		return nil, ErrServiceUnavailable
	}
	return &attempt{balancer: b, order: b.order(instances)}, nil
}

// order rotates instances to the next starting point and then moves
// degraded and unhealthy instances to the back. Healthy instances and
// ones not tried yet share the front.
func (b *Balancer) order(instances []*url.URL) []*url.URL {
	count := len(instances)
	start := int((b.counter.Add(1) - 1) % uint64(count))
	order := make([]*url.URL, 0, count)
	order = append(order, instances[start:]...)
	order = append(order, instances[:start]...)
	ranks := make(map[string]health.State, count)
	for _, instance := range order {
		ranks[instance.Host] = max(b.tracker.State(instance.Host), health.StateUnknown)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return ranks[order[i].Host] < ranks[order[j].Host]
	})
	if ranks[order[0].Host] == health.StateUnhealthy {
		b.requestRefresh()
	}
	return order
}

func (b *Balancer) requestRefresh() {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}

// Instances returns the current instance base URIs in rotation order.
func (b *Balancer) Instances() []*url.URL {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]*url.URL, len(b.instances))
	for i, instance := range b.instances {
		clone := *instance
		result[i] = &clone
	}
	return result
}

// Close stops name resolution.
func (b *Balancer) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

type attempt struct {
	balancer *Balancer
	order    []*url.URL
	index    int
}

func (a *attempt) URI() *url.URL {
	clone := *a.order[a.index]
	return &clone
}

func (a *attempt) MarkGood() {
	a.balancer.tracker.MarkGood(a.order[a.index].Host)
}

func (a *attempt) MarkBad(err error) {
	host := a.order[a.index].Host
	state := a.balancer.tracker.MarkBad(host)
	a.balancer.logger.Debug("service instance failed", "instance", host, "state", state, "error", err)
}

func (a *attempt) Next() (ServiceAttempt, error) {
	return &attempt{
		balancer: a.balancer,
		order:    a.order,
		index:    (a.index + 1) % len(a.order),
	}, nil
}
