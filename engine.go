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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/bufbuild/pooledhttp/internal/connpool"
	"github.com/bufbuild/pooledhttp/internal/respbuf"
	"github.com/bufbuild/pooledhttp/stats"
)

// run drives one exchange to a terminal state.
func (c *Client) run(ctx context.Context, ex *exchange, req *Request, handler anyHandler) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(c.rootCtx, func() {
		cancel(context.Cause(c.rootCtx))
	})
	defer stop()
	ex.setAbort(cancel)

	resp, err := c.send(ctx, ex, req)
	if err != nil {
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			if errors.Is(cause, ErrClientClosed) {
				c.deliverError(ex, req, handler, ErrClientClosed)
				return
			}
			ex.cancel(cause)
			return
		}
		c.deliverError(ex, req, handler, err)
		return
	}
	c.deliverResponse(ex, req, resp, handler)
}

func (c *Client) deliverResponse(ex *exchange, req *Request, resp *Response, handler anyHandler) {
	if !ex.claimHandler() || !ex.advance(StateProcessingResponse) {
		return
	}
	var value any
	var err error
	c.invoke(func() {
		value, err = handler.handle(req, resp)
	})
	if err != nil {
		ex.fail(&HandlerError{Err: err})
		return
	}
	ex.succeed(value)
}

func (c *Client) deliverError(ex *exchange, req *Request, handler anyHandler, cause error) {
	if !ex.claimHandler() {
		return
	}
	var value any
	var err error
	c.invoke(func() {
		value, err = handler.handleError(req, cause)
	})
	if err != nil {
		ex.fail(err)
		return
	}
	ex.succeed(value)
}

// invoke runs application code on a worker, or inline once the workers
// have stopped.
func (c *Client) invoke(fn func()) {
	if err := c.workers.Do(context.Background(), fn); err != nil {
		fn()
	}
}

// send applies the filters and performs the exchange, following
// redirects if the request asks for it.
func (c *Client) send(ctx context.Context, ex *exchange, req *Request) (*Response, error) {
	current, err := applyFilters(req, c.opts.filters)
	if err != nil {
		return nil, err
	}
	for redirects := 0; ; redirects++ {
		resp, err := c.roundTrip(ctx, ex, current)
		if err != nil {
			return nil, err
		}
		if !current.followRedirects || !isRedirect(resp.statusCode) {
			return resp, nil
		}
		next, err := redirectRequest(current, resp)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return resp, nil
		}
		if redirects >= c.opts.maxRedirects {
			return nil, fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, c.opts.maxRedirects)
		}
		c.logger.Debug("following redirect", "exchange", ex.id, "status", resp.statusCode, "location", next.uri.Redacted())
		ex.advance(StateWaitingForConnection)
		current = next
	}
}

// roundTrip sends req over one pooled connection and buffers the
// response.
func (c *Client) roundTrip(ctx context.Context, ex *exchange, req *Request) (_ *Response, retErr error) {
	key := destination(req.uri)
	record := stats.Record{Method: req.method}
	start := c.clock.Now()
	defer func() {
		switch {
		case retErr == nil:
			c.stats.Record(record)
		case ctx.Err() != nil:
			c.stats.RecordFailure(record, errorCategory(ErrCanceled))
		default:
			c.stats.RecordFailure(record, errorCategory(retErr))
		}
	}()

	conn, err := c.pool.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, connpool.ErrClosed) {
			return nil, ErrClientClosed
		}
		return nil, err
	}
	//nolint:forcetypeassert // the pool only holds connections from c.dial
	pc := conn.(*poolConn)
	stopInterrupt := context.AfterFunc(ctx, pc.interrupt)
	destroy := func() {
		stopInterrupt()
		pc.markBroken()
		c.pool.Destroy(pc)
	}

	if !ex.advance(StateSendingRequest) {
		destroy()
		return nil, ErrCanceled
	}
	wireReq, written, err := c.writeRequest(ctx, pc, req)
	record.BytesWritten = written
	if err != nil {
		destroy()
		return nil, err
	}
	ex.advance(StateWaitingForResponse)
	sent := c.clock.Now()
	record.RequestTime = sent.Sub(start)

	httpResp, err := http.ReadResponse(pc.br, wireReq)
	if err != nil {
		destroy()
		return nil, classifyIOError(key.Address, err)
	}
	// a HEAD response declares the length of a body it never sends
	declared := httpResp.ContentLength
	if req.method == http.MethodHead {
		declared = 0
	}
	buf := respbuf.New(c.opts.maxContentLength)
	if err := buf.OnHeaders(declared); err != nil {
		// the body is never drained; the connection goes with it
		destroy()
		return nil, err
	}
	if _, err := io.Copy(buf, httpResp.Body); err != nil {
		destroy()
		return nil, classifyIOError(key.Address, err)
	}
	_ = httpResp.Body.Close()
	record.StatusCode = httpResp.StatusCode
	record.BytesRead = int64(buf.Len())
	record.ResponseTime = c.clock.Since(sent)

	if !stopInterrupt() || httpResp.Close || wireReq.Close {
		pc.markBroken()
		c.pool.Destroy(pc)
	} else {
		c.pool.Release(pc)
	}
	return newResponse(
		httpResp.StatusCode,
		httpResp.Status,
		httpResp.Proto,
		headerFromHTTP(httpResp.Header),
		httpResp.ContentLength,
		buf.Bytes(),
		req,
	), nil
}

// writeRequest writes req to the connection and returns the wire request
// along with the number of body bytes written.
func (c *Client) writeRequest(ctx context.Context, pc *poolConn, req *Request) (*http.Request, int64, error) {
	wireReq := &http.Request{
		Method:     req.method,
		URL:        cloneURL(req.uri),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     req.header.toHTTP(),
		Host:       req.uri.Host,
		Close:      c.opts.disablePooling,
	}
	if host := wireReq.Header.Get("Host"); host != "" {
		wireReq.Host = host
		wireReq.Header.Del("Host")
	}
	if !req.header.Has("User-Agent") {
		// an empty value suppresses the codec's own default
		wireReq.Header.Set("User-Agent", *c.opts.userAgent)
	}

	var body bodyStream
	var counter *countingReader
	if req.body != nil && req.body.ContentLength() != 0 {
		var err error
		body, err = req.body.open(ctx, c.workers.Go)
		if err != nil {
			return wireReq, 0, err
		}
		counter = &countingReader{r: body}
		wireReq.Body = struct {
			io.Reader
			io.Closer
		}{counter, body}
		wireReq.ContentLength = req.body.ContentLength()
	}

	err := wireReq.Write(pc.bw)
	if err == nil {
		err = pc.bw.Flush()
	}
	var written int64
	if counter != nil {
		written = counter.n.Load()
	}
	if err != nil {
		if body != nil {
			if bodyErr := body.failure(); bodyErr != nil {
				return wireReq, written, bodyErr
			}
		}
		return wireReq, written, classifyIOError(pc.key.Address, err)
	}
	return wireReq, written, nil
}

func (c *Client) dial(ctx context.Context, key connpool.Key) (connpool.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()
	raw, err := c.dialFunc(dialCtx, "tcp", key.Address)
	if err != nil {
		return nil, classifyDialError(ctx, key.Address, err)
	}
	if key.Scheme == "https" {
		tlsConn, err := c.handshake(dialCtx, raw, key.Address)
		if err != nil {
			_ = raw.Close()
			return nil, classifyDialError(ctx, key.Address, err)
		}
		raw = tlsConn
	}
	c.logger.Debug("connected", "destination", key.String(), "local_addr", raw.LocalAddr().String())
	return newPoolConn(key, raw, c.opts.idleTimeout), nil
}

func (c *Client) handshake(ctx context.Context, raw net.Conn, addr string) (net.Conn, error) {
	var config *tls.Config
	if c.opts.tlsClientConfig != nil {
		config = c.opts.tlsClientConfig.Clone()
	} else {
		config = &tls.Config{} //nolint:gosec // MinVersion defaults are fine
	}
	if config.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		config.ServerName = host
	}
	config.NextProtos = []string{"http/1.1"}
	ctx, cancel := context.WithTimeout(ctx, c.opts.tlsHandshakeTimeout)
	defer cancel()
	conn := tls.Client(raw, config)
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// destination returns the pool key for uri, filling in the default port
// for its scheme.
func destination(uri *url.URL) connpool.Key {
	scheme := strings.ToLower(uri.Scheme)
	port := uri.Port()
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	return connpool.Key{Scheme: scheme, Address: net.JoinHostPort(uri.Hostname(), port)}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// redirectRequest derives the request for a redirect response. It returns
// nil if the redirect cannot be followed and the response should be
// handed to the handler instead.
func redirectRequest(req *Request, resp *Response) (*Request, error) {
	location := resp.header.Get("Location")
	if location == "" {
		return nil, nil //nolint:nilnil
	}
	target, err := req.uri.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
	}
	if err := checkURI(target); err != nil {
		return nil, err
	}
	next := req.clone()
	next.uri = target
	switch resp.statusCode {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if req.body != nil && !req.body.Replayable() {
			return nil, nil //nolint:nilnil
		}
	default:
		if resp.statusCode == http.StatusSeeOther && req.method != http.MethodHead ||
			req.method == http.MethodPost {
			next.method = http.MethodGet
			next.body = nil
			next.header.Del("Content-Type")
			next.header.Del("Content-Length")
		}
	}
	if !strings.EqualFold(target.Host, req.uri.Host) {
		next.header.Del("Authorization")
		next.header.Del("Cookie")
	}
	return next, nil
}
