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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connect_timeout", err: &TransportError{Kind: ErrConnectTimeout, Addr: "a:80"}, want: true},
		{name: "refused", err: &TransportError{Kind: ErrConnectionRefused, Addr: "a:80"}, want: true},
		{name: "connect_failed", err: &TransportError{Kind: ErrConnectFailed, Addr: "a:80"}, want: true},
		{name: "read_timeout", err: &TransportError{Kind: ErrReadTimeout, Addr: "a:80"}, want: true},
		{name: "closed", err: &TransportError{Kind: ErrConnectionClosed, Addr: "a:80", Err: io.EOF}, want: true},
		{name: "protocol", err: &TransportError{Kind: ErrProtocol, Addr: "a:80"}, want: false},
		{name: "too_large", err: ErrResponseTooLarge, want: false},
		{name: "canceled", err: fmt.Errorf("%w: %w", ErrCanceled, context.Canceled), want: false},
		{name: "body", err: ErrBodyNotReplayable, want: false},
		{name: "handler", err: &HandlerError{Err: &TransportError{Kind: ErrConnectionClosed}}, want: false},
		{name: "other", err: errors.New("something"), want: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, testCase.want, IsRetryable(testCase.err))
		})
	}
}

func TestClassifyDialError(t *testing.T) {
	t.Parallel()
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	err := classifyDialError(context.Background(), "a:80", refused)
	assert.ErrorIs(t, err, ErrConnectionRefused)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)

	err = classifyDialError(context.Background(), "a:80", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrConnectTimeout)

	err = classifyDialError(context.Background(), "a:80", errors.New("no such host"))
	assert.ErrorIs(t, err, ErrConnectFailed)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	err = classifyDialError(canceled, "a:80", context.Canceled)
	var transportErr *TransportError
	assert.False(t, errors.As(err, &transportErr), "the caller's cancellation is not a transport failure")
}

func TestClassifyIOError(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, classifyIOError("a:80", io.ErrUnexpectedEOF), ErrConnectionClosed)
	assert.ErrorIs(t, classifyIOError("a:80", syscall.ECONNRESET), ErrConnectionClosed)
	assert.ErrorIs(t, classifyIOError("a:80", errors.New("malformed HTTP status code")), ErrProtocol)
	assert.ErrorIs(t, classifyIOError("a:80", ErrResponseTooLarge), ErrResponseTooLarge)
	assert.NotErrorIs(t, classifyIOError("a:80", ErrResponseTooLarge), ErrProtocol)
}

func TestErrorCategory(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "canceled", errorCategory(ErrCanceled))
	assert.Equal(t, "connect_timeout", errorCategory(&TransportError{Kind: ErrConnectTimeout}))
	assert.Equal(t, "read_timeout", errorCategory(&TransportError{Kind: ErrReadTimeout}))
	assert.Equal(t, "response_too_large", errorCategory(ErrResponseTooLarge))
	assert.Equal(t, "too_many_queued", errorCategory(ErrTooManyQueued))
	assert.Equal(t, "client_closed", errorCategory(ErrClientClosed))
	assert.Equal(t, "other", errorCategory(errors.New("?")))
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()
	err := &RetryExhaustedError{Attempts: 3, Err: &TransportError{Kind: ErrConnectionRefused, Addr: "a:80"}}
	assert.Equal(t, "giving up after 3 attempts: connection refused: a:80", err.Error())
	assert.ErrorIs(t, err, ErrConnectionRefused)

	handlerErr := &HandlerError{Err: io.EOF}
	assert.Equal(t, "response handler failed: EOF", handlerErr.Error())
	assert.ErrorIs(t, handlerErr, io.EOF)
}
