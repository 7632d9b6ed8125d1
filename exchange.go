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
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the lifecycle state of an exchange.
type State int32

const (
	StateWaitingForConnection = State(iota)
	StateSendingRequest
	StateWaitingForResponse
	StateProcessingResponse
	StateDone
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateWaitingForConnection:
		return "waiting_for_connection"
	case StateSendingRequest:
		return "sending_request"
	case StateWaitingForResponse:
		return "waiting_for_response"
	case StateProcessingResponse:
		return "processing_response"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// IsTerminal reports whether s is Done, Failed or Canceled. Terminal
// states never change.
func (s State) IsTerminal() bool {
	return s >= StateDone
}

func validTransition(from, to State) bool {
	switch {
	case from.IsTerminal():
		return false
	case to.IsTerminal():
		return true
	case from == StateWaitingForResponse && to == StateWaitingForConnection:
		// following a redirect
		return true
	default:
		return to == from+1
	}
}

// exchange tracks one logical execution. The first transition into a
// terminal state wins; later completions, failures and cancellations are
// dropped.
type exchange struct {
	id      string
	logger  *slog.Logger
	observe func(State)
	done    chan struct{}

	// +checkatomic
	state atomic.Int32
	// +checkatomic
	handlerClaimed atomic.Bool

	// value and err are written once, before done is closed.
	value any
	err   error

	mu sync.Mutex
	// +checklocks:mu
	abort context.CancelCauseFunc
	// +checklocks:mu
	abortCause error
}

func newExchange(logger *slog.Logger, observe func(State)) *exchange {
	return &exchange{
		id:      uuid.NewString(),
		logger:  logger,
		observe: observe,
		done:    make(chan struct{}),
	}
}

func (e *exchange) State() State {
	return State(e.state.Load())
}

// advance moves to a non-terminal state if the transition is allowed.
func (e *exchange) advance(to State) bool {
	for {
		from := e.State()
		if !validTransition(from, to) {
			return false
		}
		if e.state.CompareAndSwap(int32(from), int32(to)) {
			e.logger.Debug("exchange state", "exchange", e.id, "from", from, "to", to)
			if e.observe != nil {
				e.observe(to)
			}
			return true
		}
	}
}

// mirror follows the state of an inner exchange. Any non-terminal state
// may be mirrored while e itself is not terminal.
func (e *exchange) mirror(to State) {
	for {
		from := e.State()
		if from.IsTerminal() || to.IsTerminal() || from == to {
			return
		}
		if e.state.CompareAndSwap(int32(from), int32(to)) {
			return
		}
	}
}

// complete moves to a terminal state and publishes the result. It
// reports whether this call decided the outcome.
func (e *exchange) complete(state State, value any, err error) bool {
	for {
		from := e.State()
		if from.IsTerminal() {
			return false
		}
		if e.state.CompareAndSwap(int32(from), int32(state)) {
			e.value, e.err = value, err
			close(e.done)
			e.logger.Debug("exchange completed", "exchange", e.id, "from", from, "to", state, "error", err)
			return true
		}
	}
}

func (e *exchange) succeed(value any) bool {
	return e.complete(StateDone, value, nil)
}

func (e *exchange) fail(err error) bool {
	return e.complete(StateFailed, nil, err)
}

// cancel moves to Canceled and aborts whatever the exchange is waiting on.
func (e *exchange) cancel(cause error) bool {
	err := ErrCanceled
	if cause != nil && !errors.Is(cause, ErrCanceled) {
		err = fmt.Errorf("%w: %w", ErrCanceled, cause)
	}
	if !e.complete(StateCanceled, nil, err) {
		return false
	}
	e.mu.Lock()
	abort := e.abort
	e.abortCause = err
	e.mu.Unlock()
	if abort != nil {
		abort(err)
	}
	return true
}

// setAbort registers the function that aborts in-flight work. If the
// exchange was already canceled it is called immediately.
func (e *exchange) setAbort(abort context.CancelCauseFunc) {
	e.mu.Lock()
	e.abort = abort
	cause := e.abortCause
	e.mu.Unlock()
	if cause != nil {
		abort(cause)
	}
}

// claimHandler reports whether the caller may invoke the response
// handler. It returns true at most once, and never for a terminal
// exchange.
func (e *exchange) claimHandler() bool {
	if e.State().IsTerminal() {
		return false
	}
	return e.handlerClaimed.CompareAndSwap(false, true)
}

func (e *exchange) wait(ctx context.Context) (any, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		e.cancel(context.Cause(ctx))
		<-e.done
	}
	return e.value, e.err
}

// Exchange is the handle to an asynchronous execution started by
// ExecuteAsync. Its result is the value or error produced by the response
// handler, or ErrCanceled if it was canceled first.
type Exchange[T any] struct {
	ex *exchange
}

// ID returns the unique id of the exchange, as it appears in logs.
func (e *Exchange[T]) ID() string {
	return e.ex.id
}

// State returns the current state.
func (e *Exchange[T]) State() State {
	return e.ex.State()
}

// Done returns a channel that is closed once the exchange reaches a
// terminal state.
func (e *Exchange[T]) Done() <-chan struct{} {
	return e.ex.done
}

// Cancel cancels the exchange unless it already completed, aborting its
// connection. The response handler is not invoked because of a
// cancellation, but a handler that is already running is not interrupted.
// Cancel reports whether this call canceled the exchange.
func (e *Exchange[T]) Cancel() bool {
	return e.ex.cancel(nil)
}

// Wait blocks until the exchange completes and returns its result. If ctx
// is done first, the exchange is canceled.
func (e *Exchange[T]) Wait(ctx context.Context) (T, error) {
	value, err := e.ex.wait(ctx)
	result, _ := value.(T)
	return result, err
}

// Get blocks until the exchange completes and returns its result.
func (e *Exchange[T]) Get() (T, error) {
	return e.Wait(context.Background())
}

// Executor executes requests. It is implemented by *Client and
// *BalancingClient.
type Executor interface {
	submit(ctx context.Context, req *Request, handler anyHandler, observe func(State)) *exchange
}

// ExecuteAsync starts executing req and returns immediately. The handler
// is invoked on one of the client's worker goroutines.
func ExecuteAsync[T any](ctx context.Context, executor Executor, req *Request, handler ResponseHandler[T]) *Exchange[T] {
	return &Exchange[T]{ex: executor.submit(ctx, req, typedHandler[T]{handler: handler}, nil)}
}

// Execute executes req and waits for the handler's result. Canceling ctx
// cancels the exchange.
func Execute[T any](ctx context.Context, executor Executor, req *Request, handler ResponseHandler[T]) (T, error) {
	return ExecuteAsync(ctx, executor, req, handler).Wait(ctx)
}
