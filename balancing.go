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
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bufbuild/pooledhttp/balancer"
)

const defaultMaxAttempts = 3

// NoRetryHeader is the response header with which a server marks a
// failure status as final. Responses carrying it are never retried.
const NoRetryHeader = "X-Retry-Ignore"

//nolint:gochecknoglobals
var defaultRetryableStatus = []int{
	http.StatusRequestTimeout,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// BalancingOption is an option used to customize a BalancingClient.
type BalancingOption interface {
	applyToBalancing(*balancingOptions)
}

// WithMaxAttempts sets how many instances a logical request may be tried
// on, counting the first attempt. The default is 3.
func WithMaxAttempts(n int) BalancingOption {
	return balancingOptionFunc(func(opts *balancingOptions) {
		opts.maxAttempts = n
	})
}

// WithRetryableStatus replaces the set of response status codes that
// cause a retry on another instance. The default set is 408, 500, 502,
// 503 and 504.
func WithRetryableStatus(codes ...int) BalancingOption {
	return balancingOptionFunc(func(opts *balancingOptions) {
		opts.retryableStatus = codes
		opts.retryableStatusSet = true
	})
}

// WithBalancingLogger sets the logger used for debug output about
// attempts and retries. If not specified, nothing is logged.
func WithBalancingLogger(logger *slog.Logger) BalancingOption {
	return balancingOptionFunc(func(opts *balancingOptions) {
		opts.logger = logger
	})
}

type balancingOptionFunc func(*balancingOptions)

func (f balancingOptionFunc) applyToBalancing(opts *balancingOptions) {
	f(opts)
}

type balancingOptions struct {
	maxAttempts        int
	retryableStatus    []int
	retryableStatusSet bool
	logger             *slog.Logger
}

func (opts *balancingOptions) applyDefaults() {
	if opts.maxAttempts <= 0 {
		opts.maxAttempts = defaultMaxAttempts
	}
	if !opts.retryableStatusSet {
		opts.retryableStatus = defaultRetryableStatus
	}
	if opts.logger == nil {
		opts.logger = slog.New(slog.DiscardHandler)
	}
}

// BalancingClient sends each request to an instance chosen by a
// ServiceBalancer, and retries on other instances after transport
// failures or retryable statuses.
//
// Requests given to a BalancingClient carry a relative target: only the
// path and query of their URI are used, appended to the base URI of the
// chosen instance. The URI must still be absolute, so a placeholder such
// as "http://service/path" is customary.
//
// The response handler is invoked exactly once per logical request: with
// the first response that is not retried, or with the error of the last
// attempt. An error returned by Handle is never retried.
type BalancingClient struct {
	executor    Executor
	balancer    balancer.ServiceBalancer
	maxAttempts int
	retryable   map[int]struct{}
	logger      *slog.Logger
}

var _ Executor = (*BalancingClient)(nil)

// NewBalancingClient returns a client that executes requests with executor
// against the instances provided by serviceBalancer.
func NewBalancingClient(executor Executor, serviceBalancer balancer.ServiceBalancer, options ...BalancingOption) *BalancingClient {
	var opts balancingOptions
	for _, opt := range options {
		opt.applyToBalancing(&opts)
	}
	opts.applyDefaults()
	retryable := make(map[int]struct{}, len(opts.retryableStatus))
	for _, code := range opts.retryableStatus {
		retryable[code] = struct{}{}
	}
	return &BalancingClient{
		executor:    executor,
		balancer:    serviceBalancer,
		maxAttempts: opts.maxAttempts,
		retryable:   retryable,
		logger:      opts.logger,
	}
}

func (b *BalancingClient) submit(ctx context.Context, req *Request, handler anyHandler, observe func(State)) *exchange {
	outer := newExchange(b.logger, observe)
	ctx, cancel := context.WithCancelCause(ctx)
	outer.setAbort(cancel)
	go func() {
		defer cancel(nil)
		b.run(ctx, outer, req, handler)
	}()
	return outer
}

func (b *BalancingClient) run(ctx context.Context, outer *exchange, req *Request, handler anyHandler) {
	attempt, err := b.balancer.CreateAttempt(ctx)
	if err != nil {
		if ctx.Err() != nil {
			outer.cancel(context.Cause(ctx))
			return
		}
		b.deliverError(outer, req, handler, err)
		return
	}
	for number := 1; ; number++ {
		target := rebase(attempt.URI(), req.uri)
		attemptReq := req.clone()
		attemptReq.uri = target
		wrapped := &attemptHandler{
			handler:   handler,
			retryable: b.retryable,
			number:    number,
			final:     number >= b.maxAttempts,
		}
		b.logger.Debug("sending attempt", "exchange", outer.id, "attempt", number, "target", target.Redacted())
		inner := b.executor.submit(ctx, attemptReq, wrapped, outer.mirror)
		value, err := inner.wait(context.Background())

		var retry *retrySignal
		switch {
		case inner.State() == StateCanceled:
			outer.cancel(context.Cause(ctx))
			return
		case errors.As(err, &retry):
			attempt.MarkBad(retry.cause)
			b.logger.Debug("retrying on another instance", "exchange", outer.id, "attempt", number, "error", retry.cause)
			next, nextErr := attempt.Next()
			if nextErr != nil {
				b.deliverError(outer, req, handler, &RetryExhaustedError{Attempts: number, Err: retry.cause})
				return
			}
			attempt = next
			outer.mirror(StateWaitingForConnection)
			continue
		case err != nil:
			attempt.MarkBad(err)
		case wrapped.failure != nil:
			attempt.MarkBad(wrapped.failure)
		default:
			attempt.MarkGood()
		}
		if err != nil {
			outer.fail(err)
		} else {
			outer.succeed(value)
		}
		return
	}
}

func (b *BalancingClient) deliverError(outer *exchange, req *Request, handler anyHandler, cause error) {
	if !outer.claimHandler() {
		return
	}
	value, err := handler.handleError(req, cause)
	if err != nil {
		outer.fail(err)
		return
	}
	outer.succeed(value)
}

// rebase joins the base URI of an instance with the path and query of the
// request.
func rebase(base, target *url.URL) *url.URL {
	result := *base
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	prefix := strings.TrimSuffix(base.EscapedPath(), "/")
	joined := prefix + path
	if unescaped, err := url.PathUnescape(joined); err == nil {
		result.Path = unescaped
		result.RawPath = joined
	} else {
		result.Path = joined
		result.RawPath = ""
	}
	result.RawQuery = target.RawQuery
	result.Fragment = ""
	return &result
}

// retrySignal fails an attempt that should be retried on another
// instance. It never reaches the caller.
type retrySignal struct {
	cause error
}

func (r *retrySignal) Error() string {
	return "retrying: " + r.cause.Error()
}

// attemptHandler decides whether an attempt's outcome goes to the
// caller's handler or triggers a retry.
type attemptHandler struct {
	handler   anyHandler
	retryable map[int]struct{}
	number    int
	final     bool
	// failure is set when the caller's handler was given a failed attempt.
	failure error
}

func (h *attemptHandler) handle(req *Request, resp *Response) (any, error) {
	_, retryable := h.retryable[resp.statusCode]
	if retryable && !resp.header.Has(NoRetryHeader) {
		failure := &UnexpectedStatusError{StatusCode: resp.statusCode, Status: resp.status}
		if !h.final {
			return nil, &retrySignal{cause: failure}
		}
		h.failure = failure
	}
	return h.handler.handle(req, resp)
}

func (h *attemptHandler) handleError(req *Request, err error) (any, error) {
	if IsRetryable(err) {
		if !h.final {
			return nil, &retrySignal{cause: err}
		}
		if h.number > 1 {
			err = &RetryExhaustedError{Attempts: h.number, Err: err}
		}
	}
	h.failure = err
	return h.handler.handleError(req, err)
}
