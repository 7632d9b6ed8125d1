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
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/bufbuild/pooledhttp/internal/connpool"
	"github.com/bufbuild/pooledhttp/internal/respbuf"
)

var (
	// ErrConnectTimeout indicates a connection could not be established
	// within the connect timeout.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrConnectionRefused indicates the remote host refused the connection.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrConnectFailed indicates a connection could not be established for
	// any other reason, such as a failed name lookup or TLS handshake.
	ErrConnectFailed = errors.New("connect failed")
	// ErrReadTimeout indicates the server sent nothing for longer than the
	// idle timeout while a response was expected.
	ErrReadTimeout = errors.New("read timeout")
	// ErrConnectionClosed indicates the connection was closed or reset
	// before the exchange completed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrProtocol indicates the server sent something that is not a valid
	// HTTP/1.x response.
	ErrProtocol = errors.New("malformed response")
	// ErrResponseTooLarge indicates the response body exceeds the
	// configured maximum content length.
	ErrResponseTooLarge = respbuf.ErrTooLarge
	// ErrCanceled indicates the exchange was canceled before it completed.
	ErrCanceled = errors.New("exchange canceled")
	// ErrBodyNotReplayable indicates a single-use request body was already
	// consumed by an earlier attempt.
	ErrBodyNotReplayable = errors.New("request body is not replayable")
	// ErrClientClosed indicates the client was closed.
	ErrClientClosed = errors.New("client closed")
	// ErrTooManyRedirects indicates the redirect limit was exceeded.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrTooManyQueued indicates too many requests were already waiting for
	// a connection to the same destination.
	ErrTooManyQueued = connpool.ErrTooManyQueued
)

// TransportError describes a failure to complete an exchange at the
// connection level. Kind is one of ErrConnectTimeout, ErrConnectionRefused,
// ErrConnectFailed, ErrReadTimeout, ErrConnectionClosed or ErrProtocol, and
// errors.Is matches both Kind and the underlying cause.
type TransportError struct {
	Kind error
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Addr)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// HandlerError wraps an error returned by a ResponseHandler's Handle
// method. Such errors are never retried.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string {
	return "response handler failed: " + e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError is the failure passed to the handler after the
// last permitted attempt of a balanced request failed.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transport failure that may succeed
// when sent to another instance: connect timeouts, refused or failed
// connects, read timeouts, and connections closed or reset by the peer.
// Canceled exchanges, oversized responses, handler failures and consumed
// single-use bodies are not retryable.
func IsRetryable(err error) bool {
	var handlerErr *HandlerError
	switch {
	case err == nil,
		errors.As(err, &handlerErr),
		errors.Is(err, ErrCanceled),
		errors.Is(err, ErrBodyNotReplayable),
		errors.Is(err, ErrResponseTooLarge):
		return false
	}
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, ErrConnectFailed) ||
		errors.Is(err, ErrReadTimeout) ||
		errors.Is(err, ErrConnectionClosed)
}

// classifyDialError maps a dial failure to a TransportError. The parent
// context is the caller's: a deadline on the dial context alone means the
// connect timeout fired.
func classifyDialError(parent context.Context, addr string, err error) error {
	if parent.Err() != nil {
		return err
	}
	kind := ErrConnectFailed
	var errno syscall.Errno
	switch {
	case isTimeout(err):
		kind = ErrConnectTimeout
	case errors.As(err, &errno) && errno == syscall.ECONNREFUSED:
		kind = ErrConnectionRefused
	}
	return &TransportError{Kind: kind, Addr: addr, Err: err}
}

// classifyIOError maps a failure while writing a request or reading a
// response to a TransportError.
func classifyIOError(addr string, err error) error {
	if errors.Is(err, ErrResponseTooLarge) {
		return err
	}
	kind := ErrProtocol
	var errno syscall.Errno
	switch {
	case isTimeout(err):
		kind = ErrReadTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, errConnBroken),
		errors.As(err, &errno) && (errno == syscall.ECONNRESET || errno == syscall.EPIPE || errno == syscall.ECONNABORTED):
		kind = ErrConnectionClosed
	}
	return &TransportError{Kind: kind, Addr: addr, Err: err}
}

// errorCategory names the failure category recorded in request stats.
func errorCategory(err error) string {
	switch {
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrConnectionRefused):
		return "connection_refused"
	case errors.Is(err, ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, ErrReadTimeout):
		return "read_timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, ErrResponseTooLarge):
		return "response_too_large"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrBodyNotReplayable):
		return "body_not_replayable"
	case errors.Is(err, ErrTooManyQueued):
		return "too_many_queued"
	case errors.Is(err, ErrClientClosed):
		return "client_closed"
	default:
		return "other"
	}
}

type hasTimeout interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout hasTimeout
	return errors.As(err, &timeout) && timeout.Timeout()
}
