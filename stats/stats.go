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

// Package stats aggregates per-request counters for a client. A
// RequestStats value is created explicitly and handed to the clients
// that should report into it; there is no package-level instance.
//
// Counters are updated independently, without a lock spanning them, so
// a snapshot taken while requests complete may observe one counter of a
// request before another.
package stats

import (
	"sort"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// ClassFailed is the status class recorded for exchanges that did not
// produce a response.
const ClassFailed = "failed"

// Record describes one completed exchange.
type Record struct {
	Method string
	// StatusCode is zero when no response was received.
	StatusCode   int
	BytesRead    int64
	BytesWritten int64
	// RequestTime spans acquiring a connection through sending the
	// request.
	RequestTime time.Duration
	// ResponseTime spans waiting for and reading the response.
	ResponseTime time.Duration
}

// Entry is the aggregate for one method and status class.
type Entry struct {
	Method       string
	StatusClass  string
	Count        int64
	BytesRead    int64
	BytesWritten int64
	RequestTime  time.Duration
	ResponseTime time.Duration
}

// Key identifies an aggregate.
type Key struct {
	Method      string
	StatusClass string
}

// RequestStats collects request statistics. It is safe for concurrent
// use.
type RequestStats struct {
	entries  *xsync.Map[Key, *entryData]
	failures *xsync.Map[string, *xsync.Counter]
}

type entryData struct {
	count         *xsync.Counter
	bytesRead     *xsync.Counter
	bytesWritten  *xsync.Counter
	requestNanos  *xsync.Counter
	responseNanos *xsync.Counter
}

// New returns an empty collector.
func New() *RequestStats {
	return &RequestStats{
		entries:  xsync.NewMap[Key, *entryData](),
		failures: xsync.NewMap[string, *xsync.Counter](),
	}
}

// Record adds one exchange to the aggregate for its method and status
// class.
func (s *RequestStats) Record(rec Record) {
	data := s.getOrInit(Key{Method: rec.Method, StatusClass: StatusClass(rec.StatusCode)})
	data.count.Inc()
	data.bytesRead.Add(rec.BytesRead)
	data.bytesWritten.Add(rec.BytesWritten)
	data.requestNanos.Add(int64(rec.RequestTime))
	data.responseNanos.Add(int64(rec.ResponseTime))
}

// RecordFailure counts a failed exchange under the given category, in
// addition to recording it under the "failed" class.
func (s *RequestStats) RecordFailure(rec Record, category string) {
	rec.StatusCode = 0
	s.Record(rec)
	counter, _ := s.failures.LoadOrCompute(category, func() (*xsync.Counter, bool) {
		return xsync.NewCounter(), false
	})
	counter.Inc()
}

// Get returns the aggregate for key.
func (s *RequestStats) Get(key Key) Entry {
	data, ok := s.entries.Load(key)
	if !ok {
		return Entry{Method: key.Method, StatusClass: key.StatusClass}
	}
	return data.entry(key)
}

// Snapshot returns every aggregate, ordered by method then status class.
func (s *RequestStats) Snapshot() []Entry {
	var result []Entry
	s.entries.Range(func(key Key, data *entryData) bool {
		result = append(result, data.entry(key))
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		if result[i].Method != result[j].Method {
			return result[i].Method < result[j].Method
		}
		return result[i].StatusClass < result[j].StatusClass
	})
	return result
}

// Failures returns failure counts by category.
func (s *RequestStats) Failures() map[string]int64 {
	result := make(map[string]int64)
	s.failures.Range(func(category string, counter *xsync.Counter) bool {
		result[category] = counter.Value()
		return true
	})
	return result
}

// Total returns the number of exchanges recorded.
func (s *RequestStats) Total() int64 {
	var total int64
	s.entries.Range(func(_ Key, data *entryData) bool {
		total += data.count.Value()
		return true
	})
	return total
}

func (s *RequestStats) getOrInit(key Key) *entryData {
	data, _ := s.entries.LoadOrCompute(key, func() (*entryData, bool) {
		return &entryData{
			count:         xsync.NewCounter(),
			bytesRead:     xsync.NewCounter(),
			bytesWritten:  xsync.NewCounter(),
			requestNanos:  xsync.NewCounter(),
			responseNanos: xsync.NewCounter(),
		}, false
	})
	return data
}

func (d *entryData) entry(key Key) Entry {
	return Entry{
		Method:       key.Method,
		StatusClass:  key.StatusClass,
		Count:        d.count.Value(),
		BytesRead:    d.bytesRead.Value(),
		BytesWritten: d.bytesWritten.Value(),
		RequestTime:  time.Duration(d.requestNanos.Value()),
		ResponseTime: time.Duration(d.responseNanos.Value()),
	}
}

// StatusClass maps a status code to "1xx" through "5xx". Codes outside
// that range, including zero, map to ClassFailed.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return ClassFailed
	}
	return strconv.Itoa(code/100) + "xx"
}
