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
	"fmt"
	"io"
)

// ResponseHandler turns the outcome of an exchange into a value. Exactly
// one of its methods is called, exactly once, for every exchange that is
// not canceled.
type ResponseHandler[T any] interface {
	// Handle is called with the response. An error returned from Handle
	// fails the exchange with a *HandlerError and is never retried.
	Handle(req *Request, resp *Response) (T, error)
	// HandleError is called when no response could be obtained. It may
	// recover by returning a value, which completes the exchange
	// successfully, or return an error, usually err itself, which fails it.
	HandleError(req *Request, err error) (T, error)
}

// HandlerFuncs builds a ResponseHandler from functions. A nil OnError
// returns the failure unchanged.
type HandlerFuncs[T any] struct {
	OnResponse func(req *Request, resp *Response) (T, error)
	OnError    func(req *Request, err error) (T, error)
}

// Handle implements ResponseHandler.
func (h HandlerFuncs[T]) Handle(req *Request, resp *Response) (T, error) {
	return h.OnResponse(req, resp)
}

// HandleError implements ResponseHandler.
func (h HandlerFuncs[T]) HandleError(req *Request, err error) (T, error) {
	if h.OnError == nil {
		var zero T
		return zero, err
	}
	return h.OnError(req, err)
}

// BufferedResponse is a response whose body was copied out of the
// client's buffer, so it may be kept after the handler returns.
type BufferedResponse struct {
	StatusCode int
	Status     string
	Header     Header
	Body       []byte
}

// BufferedHandler returns a handler that copies out every response,
// whatever its status.
func BufferedHandler() ResponseHandler[*BufferedResponse] {
	return HandlerFuncs[*BufferedResponse]{
		OnResponse: func(_ *Request, resp *Response) (*BufferedResponse, error) {
			body, err := io.ReadAll(resp.Body())
			if err != nil {
				return nil, err
			}
			return &BufferedResponse{
				StatusCode: resp.StatusCode(),
				Status:     resp.Status(),
				Header:     resp.Header(),
				Body:       body,
			}, nil
		},
	}
}

// UnexpectedStatusError is returned by StringHandler for responses
// outside the 2xx range.
type UnexpectedStatusError struct {
	StatusCode int
	Status     string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected response status %d %s", e.StatusCode, e.Status)
}

// StringHandler returns a handler that yields the body of a 2xx response
// as a string and fails with *UnexpectedStatusError otherwise.
func StringHandler() ResponseHandler[string] {
	return HandlerFuncs[string]{
		OnResponse: func(_ *Request, resp *Response) (string, error) {
			if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
				return "", &UnexpectedStatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
			}
			body, err := io.ReadAll(resp.Body())
			if err != nil {
				return "", err
			}
			return string(body), nil
		},
	}
}

// StatusHandler returns a handler that yields the status code and
// ignores the body.
func StatusHandler() ResponseHandler[int] {
	return HandlerFuncs[int]{
		OnResponse: func(_ *Request, resp *Response) (int, error) {
			return resp.StatusCode(), nil
		},
	}
}

// anyHandler erases the result type so exchanges need not be generic.
type anyHandler interface {
	handle(req *Request, resp *Response) (any, error)
	handleError(req *Request, err error) (any, error)
}

type typedHandler[T any] struct {
	handler ResponseHandler[T]
}

func (h typedHandler[T]) handle(req *Request, resp *Response) (any, error) {
	return h.handler.Handle(req, resp)
}

func (h typedHandler[T]) handleError(req *Request, err error) (any, error) {
	return h.handler.HandleError(req, err)
}
