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
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
)

// Response is a received HTTP response. Its body is served from a buffer
// owned by the client and is only valid while the response handler runs;
// handlers must not keep the body reader after they return.
type Response struct {
	statusCode    int
	status        string
	proto         string
	header        Header
	contentLength int64
	body          *countingReader
	request       *Request
}

func newResponse(statusCode int, status, proto string, header Header, contentLength int64, body []byte, req *Request) *Response {
	return &Response{
		statusCode:    statusCode,
		status:        statusMessage(statusCode, status),
		proto:         proto,
		header:        header,
		contentLength: contentLength,
		body:          &countingReader{r: bytes.NewReader(body)},
		request:       req,
	}
}

// StatusCode returns the response status code.
func (r *Response) StatusCode() int {
	return r.statusCode
}

// Status returns the reason phrase of the status line, such as "OK".
func (r *Response) Status() string {
	return r.status
}

// Proto returns the protocol version, such as "HTTP/1.1".
func (r *Response) Proto() string {
	return r.proto
}

// Header returns the response header.
func (r *Response) Header() Header {
	return r.header.Clone()
}

// ContentLength returns the declared content length, or -1 if none was
// declared.
func (r *Response) ContentLength() int64 {
	return r.contentLength
}

// Body returns the response body reader.
func (r *Response) Body() io.Reader {
	return r.body
}

// BytesRead returns the number of body bytes read so far.
func (r *Response) BytesRead() int64 {
	return r.body.n.Load()
}

// Request returns the request that produced this response. After
// redirects this is the last request sent, with the filters applied.
func (r *Response) Request() *Request {
	return r.request
}

// statusMessage strips the numeric code from a status line such as
// "404 Not Found".
func statusMessage(code int, status string) string {
	return strings.TrimSpace(strings.TrimPrefix(status, strconv.Itoa(code)))
}

type countingReader struct {
	r io.Reader
	// +checkatomic
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
