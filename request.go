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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Request is an immutable description of an HTTP request. Derivations
// such as WithURI return a modified copy and leave the original intact.
type Request struct {
	method          string
	uri             *url.URL
	header          Header
	body            BodySource
	followRedirects bool
}

// RequestOption customizes a request created by NewRequest.
type RequestOption interface {
	applyToRequest(*Request)
}

// WithHeader adds a header field to the request.
func WithHeader(name, value string) RequestOption {
	return requestOptionFunc(func(req *Request) {
		req.header.Add(name, value)
	})
}

// WithHeaders adds every field of header to the request, in order.
func WithHeaders(header Header) RequestOption {
	return requestOptionFunc(func(req *Request) {
		header.Each(req.header.Add)
	})
}

// WithBody sets the request body.
func WithBody(body BodySource) RequestOption {
	return requestOptionFunc(func(req *Request) {
		req.body = body
	})
}

// WithFollowRedirects makes the client follow redirect responses for this
// request, up to the client's redirect limit. Redirects are not followed
// by default.
func WithFollowRedirects(follow bool) RequestOption {
	return requestOptionFunc(func(req *Request) {
		req.followRedirects = follow
	})
}

type requestOptionFunc func(*Request)

func (f requestOptionFunc) applyToRequest(req *Request) {
	f(req)
}

// NewRequest returns a request for the given method and absolute http or
// https URI. An empty method means GET.
func NewRequest(method, uri string, options ...RequestOption) (*Request, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	return NewRequestURL(method, parsed, options...)
}

// NewRequestURL is like NewRequest but takes a parsed URI.
func NewRequestURL(method string, uri *url.URL, options ...RequestOption) (*Request, error) {
	if method == "" {
		method = http.MethodGet
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("invalid method %q", method)
	}
	if err := checkURI(uri); err != nil {
		return nil, err
	}
	req := &Request{method: method, uri: cloneURL(uri)}
	for _, opt := range options {
		opt.applyToRequest(req)
	}
	if err := req.header.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func checkURI(uri *url.URL) error {
	if uri == nil {
		return errors.New("missing request URI")
	}
	switch strings.ToLower(uri.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme in %q: only http and https are supported", uri.Redacted())
	}
	if uri.Host == "" {
		return fmt.Errorf("request URI %q has no host", uri.Redacted())
	}
	return nil
}

// Method returns the request method.
func (r *Request) Method() string {
	return r.method
}

// URI returns a copy of the request URI.
func (r *Request) URI() *url.URL {
	return cloneURL(r.uri)
}

// Header returns a copy of the request header.
func (r *Request) Header() Header {
	return r.header.Clone()
}

// Body returns the request body, or nil if there is none.
func (r *Request) Body() BodySource {
	return r.body
}

// FollowRedirects reports whether redirects are followed for this request.
func (r *Request) FollowRedirects() bool {
	return r.followRedirects
}

// WithURI returns a copy of r that targets uri.
func (r *Request) WithURI(uri *url.URL) (*Request, error) {
	if err := checkURI(uri); err != nil {
		return nil, err
	}
	clone := r.clone()
	clone.uri = cloneURL(uri)
	return clone, nil
}

// WithHeader returns a copy of r with header replacing its header.
func (r *Request) WithHeader(header Header) (*Request, error) {
	if err := header.Validate(); err != nil {
		return nil, err
	}
	clone := r.clone()
	clone.header = header.Clone()
	return clone, nil
}

// WithBody returns a copy of r with the given body.
func (r *Request) WithBody(body BodySource) *Request {
	clone := r.clone()
	clone.body = body
	return clone
}

// WithMethod returns a copy of r with the given method.
func (r *Request) WithMethod(method string) (*Request, error) {
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("invalid method %q", method)
	}
	clone := r.clone()
	clone.method = method
	return clone, nil
}

func (r *Request) clone() *Request {
	return &Request{
		method:          r.method,
		uri:             cloneURL(r.uri),
		header:          r.header.Clone(),
		body:            r.body,
		followRedirects: r.followRedirects,
	}
}

func (r *Request) String() string {
	return r.method + " " + r.uri.Redacted()
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	if u.User != nil {
		user := *u.User
		clone.User = &user
	}
	return &clone
}

// RequestFilter rewrites requests before they are sent. Filters run in
// the order they were registered and must not modify the request they
// are given; they return the original or a derived copy.
type RequestFilter interface {
	Filter(req *Request) (*Request, error)
}

// RequestFilterFunc adapts a function to a RequestFilter.
type RequestFilterFunc func(req *Request) (*Request, error)

// Filter implements RequestFilter.
func (f RequestFilterFunc) Filter(req *Request) (*Request, error) {
	return f(req)
}

func applyFilters(req *Request, filters []RequestFilter) (*Request, error) {
	for _, filter := range filters {
		filtered, err := filter.Filter(req)
		if err != nil {
			return nil, err
		}
		if filtered == nil {
			return nil, errors.New("request filter returned nil request")
		}
		req = filtered
	}
	return req, nil
}
