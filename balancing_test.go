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
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/pooledhttp/balancer"
	"github.com/bufbuild/pooledhttp/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingServer struct {
	*testServer
	hits atomic.Int64
}

func (s *countingServer) base() string {
	return "http://" + s.addr
}

func startCountingServer(t *testing.T, handler http.HandlerFunc) *countingServer {
	t.Helper()
	server := &countingServer{}
	server.testServer = startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.hits.Add(1)
		handler(w, r)
	}))
	return server
}

func statusServer(t *testing.T, status int, body string) *countingServer {
	t.Helper()
	return startCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func refusedAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return "http://" + addr
}

func newBalancingClient(t *testing.T, instances []string, tracker *health.Tracker, options ...BalancingOption) *BalancingClient {
	t.Helper()
	client := newTestClient(t)
	var balancerOptions []balancer.Option
	if tracker != nil {
		balancerOptions = append(balancerOptions, balancer.WithHealthTracker(tracker))
	}
	serviceBalancer, err := balancer.NewStatic(instances, balancerOptions...)
	require.NoError(t, err)
	return NewBalancingClient(client, serviceBalancer, options...)
}

func countingHandler(calls *atomic.Int32) ResponseHandler[string] {
	return HandlerFuncs[string]{
		OnResponse: func(req *Request, resp *Response) (string, error) {
			calls.Add(1)
			body, err := io.ReadAll(resp.Body())
			return string(body), err
		},
		OnError: func(_ *Request, err error) (string, error) {
			calls.Add(1)
			return "", err
		},
	}
}

func TestBalancingRetriesOnRetryableStatus(t *testing.T) {
	t.Parallel()
	first := statusServer(t, http.StatusServiceUnavailable, "down")
	second := statusServer(t, http.StatusServiceUnavailable, "down")
	third := statusServer(t, http.StatusOK, "up")
	tracker := health.NewTracker(0, 0)
	client := newBalancingClient(t, []string{first.base(), second.base(), third.base()}, tracker)

	var calls atomic.Int32
	req, err := NewRequest(http.MethodPost, "http://service/api", WithBody(StaticBody([]byte("data"))))
	require.NoError(t, err)
	body, err := Execute(context.Background(), client, req, countingHandler(&calls))
	require.NoError(t, err)
	assert.Equal(t, "up", body)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), first.hits.Load())
	assert.Equal(t, int64(1), second.hits.Load())
	assert.Equal(t, int64(1), third.hits.Load())

	assert.Equal(t, health.StateDegraded, tracker.State(first.addr))
	assert.Equal(t, health.StateDegraded, tracker.State(second.addr))
	assert.Equal(t, health.StateHealthy, tracker.State(third.addr))
}

func TestBalancingMarksEachAttemptOnce(t *testing.T) {
	t.Parallel()
	refusedA := refusedAddress(t)
	refusedB := refusedAddress(t)
	healthy := statusServer(t, http.StatusOK, "ok")
	recorder := newRecordingBalancer(t, refusedA, refusedB, healthy.base())
	client := NewBalancingClient(newTestClient(t), recorder)

	req, err := NewRequest(http.MethodGet, "http://service/resource")
	require.NoError(t, err)
	body, err := Execute(context.Background(), client, req, StringHandler())
	require.NoError(t, err)
	assert.Equal(t, "ok", body)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, map[string]int{refusedA: 1, refusedB: 1}, recorder.bad)
	assert.Equal(t, map[string]int{healthy.base(): 1}, recorder.good)
	assert.Equal(t, int64(1), healthy.hits.Load())
}

func TestBalancingGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	client := newBalancingClient(t, []string{refusedAddress(t), refusedAddress(t), refusedAddress(t), refusedAddress(t)}, nil)

	var calls atomic.Int32
	req, err := NewRequest(http.MethodGet, "http://service/")
	require.NoError(t, err)
	_, err = Execute(context.Background(), client, req, countingHandler(&calls))
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, defaultMaxAttempts, exhausted.Attempts)
	require.ErrorIs(t, err, ErrConnectionRefused)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBalancingFinalRetryableStatusReachesHandler(t *testing.T) {
	t.Parallel()
	servers := []*countingServer{
		statusServer(t, http.StatusBadGateway, ""),
		statusServer(t, http.StatusBadGateway, ""),
	}
	tracker := health.NewTracker(0, 0)
	client := newBalancingClient(t, []string{servers[0].base(), servers[1].base()}, tracker, WithMaxAttempts(2))

	req, err := NewRequest(http.MethodGet, "http://service/")
	require.NoError(t, err)
	status, err := Execute(context.Background(), client, req, StatusHandler())
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, status)
	for _, server := range servers {
		assert.Equal(t, int64(1), server.hits.Load())
		assert.Equal(t, health.StateDegraded, tracker.State(server.addr))
	}
}

func TestBalancingHonorsNoRetryHeader(t *testing.T) {
	t.Parallel()
	first := startCountingServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(NoRetryHeader, "true")
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	second := statusServer(t, http.StatusOK, "")
	client := newBalancingClient(t, []string{first.base(), second.base()}, nil)

	req, err := NewRequest(http.MethodGet, "http://service/")
	require.NoError(t, err)
	status, err := Execute(context.Background(), client, req, StatusHandler())
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Zero(t, second.hits.Load())
}

func TestBalancingNeverRetriesHandlerErrors(t *testing.T) {
	t.Parallel()
	first := statusServer(t, http.StatusOK, "not json")
	second := statusServer(t, http.StatusOK, "not json")
	client := newBalancingClient(t, []string{first.base(), second.base()}, nil)

	errDecode := errors.New("decode failed")
	req, err := NewRequest(http.MethodGet, "http://service/")
	require.NoError(t, err)
	_, err = Execute(context.Background(), client, req, HandlerFuncs[string]{
		OnResponse: func(*Request, *Response) (string, error) { return "", errDecode },
	})
	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	require.ErrorIs(t, err, errDecode)
	assert.Equal(t, int64(1), first.hits.Load()+second.hits.Load())
}

func TestBalancingSingleUseBodyIsNotReplayed(t *testing.T) {
	t.Parallel()
	dropping := startCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hijacker.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	})
	healthy := statusServer(t, http.StatusOK, "")
	client := newBalancingClient(t, []string{dropping.base(), healthy.base()}, nil)

	req, err := NewRequest(http.MethodPost, "http://service/upload", WithBody(ReaderBody(strings.NewReader("stream"))))
	require.NoError(t, err)
	_, err = Execute(context.Background(), client, req, StatusHandler())
	require.ErrorIs(t, err, ErrBodyNotReplayable)
	assert.Equal(t, int64(1), dropping.hits.Load())
	assert.Zero(t, healthy.hits.Load())
}

func TestBalancingRewritesTarget(t *testing.T) {
	t.Parallel()
	server := startCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.RequestURI())
	})
	client := newBalancingClient(t, []string{server.base() + "/v2/"}, nil)

	req, err := NewRequest(http.MethodGet, "http://service/users/42?fields=name")
	require.NoError(t, err)
	body, err := Execute(context.Background(), client, req, StringHandler())
	require.NoError(t, err)
	assert.Equal(t, "/v2/users/42?fields=name", body)
}

func TestBalancingWithoutInstances(t *testing.T) {
	t.Parallel()
	client := newBalancingClient(t, nil, nil)

	req, err := NewRequest(http.MethodGet, "http://service/")
	require.NoError(t, err)
	_, err = Execute(context.Background(), client, req, StatusHandler())
	require.ErrorIs(t, err, balancer.ErrServiceUnavailable)
}

func TestBalancingCancel(t *testing.T) {
	t.Parallel()
	server := startCountingServer(t, func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	client := newBalancingClient(t, []string{server.base()}, nil)

	req, err := NewRequest(http.MethodGet, "http://service/")
	require.NoError(t, err)
	ex := ExecuteAsync(context.Background(), client, req, StatusHandler())
	require.Eventually(t, func() bool {
		return ex.State() == StateWaitingForResponse
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, ex.Cancel())
	_, err = ex.Get()
	require.ErrorIs(t, err, ErrCanceled)
}

func TestBalancingCustomRetryableStatus(t *testing.T) {
	t.Parallel()
	first := statusServer(t, http.StatusTooManyRequests, "")
	second := statusServer(t, http.StatusOK, "second")
	client := newBalancingClient(t, []string{first.base(), second.base()}, nil,
		WithRetryableStatus(http.StatusTooManyRequests))

	req, err := NewRequest(http.MethodGet, "http://service/")
	require.NoError(t, err)
	body, err := Execute(context.Background(), client, req, StringHandler())
	require.NoError(t, err)
	assert.Equal(t, "second", body)
}

func TestRebase(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		base, target, want string
	}{
		{base: "http://a:80", target: "http://svc/x/y?q=1", want: "http://a:80/x/y?q=1"},
		{base: "http://a:80/", target: "http://svc", want: "http://a:80/"},
		{base: "https://a/prefix", target: "http://svc/x", want: "https://a/prefix/x"},
		{base: "https://a/prefix/", target: "http://svc/x%2Fy", want: "https://a/prefix/x%2Fy"},
	}
	for _, testCase := range testCases {
		base, err := url.Parse(testCase.base)
		require.NoError(t, err)
		target, err := url.Parse(testCase.target)
		require.NoError(t, err)
		assert.Equal(t, testCase.want, rebase(base, target).String(), testCase.target)
	}
}

// recordingBalancer walks its instances in order and counts the marks
// each one receives.
type recordingBalancer struct {
	uris []*url.URL

	mu   sync.Mutex
	bad  map[string]int
	good map[string]int
}

func newRecordingBalancer(t *testing.T, instances ...string) *recordingBalancer {
	t.Helper()
	b := &recordingBalancer{bad: map[string]int{}, good: map[string]int{}}
	for _, instance := range instances {
		uri, err := url.Parse(instance)
		require.NoError(t, err)
		b.uris = append(b.uris, uri)
	}
	return b
}

func (b *recordingBalancer) CreateAttempt(context.Context) (balancer.ServiceAttempt, error) {
	return &recordingAttempt{balancer: b}, nil
}

type recordingAttempt struct {
	balancer *recordingBalancer
	index    int
}

func (a *recordingAttempt) URI() *url.URL {
	return a.balancer.uris[a.index]
}

func (a *recordingAttempt) MarkGood() {
	a.balancer.mu.Lock()
	defer a.balancer.mu.Unlock()
	a.balancer.good[a.URI().String()]++
}

func (a *recordingAttempt) MarkBad(error) {
	a.balancer.mu.Lock()
	defer a.balancer.mu.Unlock()
	a.balancer.bad[a.URI().String()]++
}

func (a *recordingAttempt) Next() (balancer.ServiceAttempt, error) {
	return &recordingAttempt{
		balancer: a.balancer,
		index:    (a.index + 1) % len(a.balancer.uris),
	}, nil
}
