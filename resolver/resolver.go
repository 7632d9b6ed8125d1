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

package resolver

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/bufbuild/pooledhttp/internal"
)

const (
	defaultTTL                = 5 * time.Minute
	defaultMinRefreshInterval = 5 * time.Second
)

// AddressFamilyPolicy controls which resolved addresses are handed to the
// receiver, based on their address family.
type AddressFamilyPolicy int

const (
	// PreferIPv4 uses only IPv4 addresses if any were resolved, and all
	// addresses otherwise.
	PreferIPv4 AddressFamilyPolicy = iota
	// RequireIPv4 uses only IPv4 addresses.
	RequireIPv4
	// PreferIPv6 uses only IPv6 addresses if any were resolved, and all
	// addresses otherwise.
	PreferIPv6
	// RequireIPv6 uses only IPv6 addresses.
	RequireIPv6
	// UseBothIPv4AndIPv6 uses every resolved address.
	UseBothIPv4AndIPv6
)

// Resolver performs continuous name resolution for service instances.
type Resolver interface {
	// New starts resolving hostPort, which is either a host name or a
	// host:port pair, and delivers every result set to receiver. Each
	// delivery is the complete set of addresses, never a delta.
	//
	// Resolution continues in the face of errors until the returned
	// Closer is closed or ctx is done. A signal on refresh asks for a new
	// result set ahead of schedule; the resolver may rate-limit these.
	// No callbacks are made after Close returns.
	New(
		ctx context.Context,
		scheme, hostPort string,
		receiver Receiver,
		refresh <-chan struct{},
	) io.Closer
}

// Receiver receives the results of a Resolver.
type Receiver interface {
	// OnResolve is called with the full set of resolved addresses.
	OnResolve([]Address)
	// OnResolveError is called when a resolution attempt fails. The last
	// successful result set remains valid.
	OnResolveError(error)
}

// OnceResolver resolves a name once.
type OnceResolver interface {
	// ResolveOnce resolves hostPort into addresses that carry a port,
	// using the default port for scheme when hostPort has none. The TTL
	// of the result is returned, or zero if it is not known.
	ResolveOnce(
		ctx context.Context,
		scheme,
		hostPort string,
	) (
		results []Address,
		ttl time.Duration,
		err error,
	)
}

// Address is a resolved service instance address.
type Address struct {
	// HostPort is the host:port pair of the instance.
	HostPort string
}

// ResolverOption configures a polling resolver.
type ResolverOption interface {
	applyToResolver(*pollingResolver)
}

// WithDefaultTTL sets the polling interval used when the source does not
// report a TTL. The default is five minutes.
func WithDefaultTTL(ttl time.Duration) ResolverOption {
	return resolverOptionFunc(func(r *pollingResolver) {
		r.defaultTTL = ttl
	})
}

// WithMinRefreshInterval sets the minimum time between two resolutions
// triggered by refresh signals. Failed resolutions are also retried no
// sooner than this. The default is five seconds.
func WithMinRefreshInterval(interval time.Duration) ResolverOption {
	return resolverOptionFunc(func(r *pollingResolver) {
		r.minRefreshInterval = interval
	})
}

type resolverOptionFunc func(*pollingResolver)

func (f resolverOptionFunc) applyToResolver(r *pollingResolver) {
	f(r)
}

// NewDNSResolver returns a resolver that polls DNS using the given
// net.Resolver. Since net.Resolver does not expose record TTLs, results
// are refreshed at the default TTL.
func NewDNSResolver(
	resolver *net.Resolver,
	policy AddressFamilyPolicy,
	options ...ResolverOption,
) Resolver {
	return NewPollingResolver(
		&dnsOnceResolver{
			resolver: resolver,
			policy:   policy,
		},
		options...,
	)
}

// NewPollingResolver returns a resolver that calls source each time the
// previous result expires.
func NewPollingResolver(
	source OnceResolver,
	options ...ResolverOption,
) Resolver {
	resolver := &pollingResolver{
		source:             source,
		defaultTTL:         defaultTTL,
		minRefreshInterval: defaultMinRefreshInterval,
		clock:              internal.NewRealClock(),
	}
	for _, opt := range options {
		opt.applyToResolver(resolver)
	}
	return resolver
}

// NewStaticResolver returns a resolver that always yields the given
// host:port pairs.
func NewStaticResolver(hostPorts ...string) Resolver {
	addresses := make([]Address, len(hostPorts))
	for i, hostPort := range hostPorts {
		addresses[i].HostPort = hostPort
	}
	return NewPollingResolver(staticOnceResolver(addresses))
}

type staticOnceResolver []Address

func (s staticOnceResolver) ResolveOnce(context.Context, string, string) ([]Address, time.Duration, error) {
	return append([]Address(nil), s...), 0, nil
}

type dnsOnceResolver struct {
	resolver *net.Resolver
	policy   AddressFamilyPolicy
}

func (r *dnsOnceResolver) ResolveOnce(
	ctx context.Context,
	scheme, hostPort string,
) ([]Address, time.Duration, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	network := "ip"
	switch r.policy {
	case RequireIPv4:
		network = "ip4"
	case RequireIPv6:
		network = "ip6"
	case PreferIPv4, PreferIPv6, UseBothIPv4AndIPv6:
	}
	ips, err := r.resolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, 0, err
	}
	var ip4, ip6 []Address
	for _, ip := range ips {
		address := Address{HostPort: net.JoinHostPort(ip.Unmap().String(), port)}
		if ip.Is4() || ip.Is4In6() {
			ip4 = append(ip4, address)
		} else {
			ip6 = append(ip6, address)
		}
	}
	switch {
	case r.policy == PreferIPv4 && len(ip4) > 0, r.policy == RequireIPv4:
		return ip4, 0, nil
	case r.policy == PreferIPv6 && len(ip6) > 0, r.policy == RequireIPv6:
		return ip6, 0, nil
	default:
		return append(ip4, ip6...), 0, nil
	}
}

type pollingResolver struct {
	source             OnceResolver
	defaultTTL         time.Duration
	minRefreshInterval time.Duration
	clock              internal.Clock
}

func (pr *pollingResolver) New(
	ctx context.Context,
	scheme, hostPort string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingResolverTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		refreshCh:  refresh,
		resolver:   pr,
	}
	go task.run(ctx, scheme, hostPort, receiver)
	return task
}

type pollingResolverTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	refreshCh  <-chan struct{}
	resolver   *pollingResolver
}

func (task *pollingResolverTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}

func (task *pollingResolverTask) run(ctx context.Context, scheme, hostPort string, receiver Receiver) {
	defer close(task.doneSignal)
	defer task.cancel()

	clock := task.resolver.clock
	var failures int
	for {
		addresses, ttl, err := task.resolver.source.ResolveOnce(ctx, scheme, hostPort)
		if ctx.Err() != nil {
			return
		}
		resolvedAt := clock.Now()
		if ttl <= 0 {
			ttl = task.resolver.defaultTTL
		}
		if err != nil {
			failures++
			ttl = min(ttl, task.resolver.backoff(failures))
			receiver.OnResolveError(err)
		} else {
			failures = 0
			receiver.OnResolve(addresses)
		}

		timer := clock.NewTimer(ttl)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		case <-task.refreshCh:
			timer.Stop()
			if !task.sleep(ctx, task.resolver.minRefreshInterval-clock.Since(resolvedAt)) {
				return
			}
		}
	}
}

// sleep waits for d on the resolver's clock and reports whether ctx is
// still live.
func (task *pollingResolverTask) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := task.resolver.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

// backoff returns the delay before retrying after the given number of
// consecutive failures.
func (pr *pollingResolver) backoff(failures int) time.Duration {
	delay := pr.minRefreshInterval
	for i := 1; i < failures && delay < pr.defaultTTL; i++ {
		delay *= 2
	}
	return delay
}
