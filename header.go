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
	"net/http"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Header is an ordered multimap of header fields. Fields keep the order in
// which they were added, and names are compared case-insensitively. The
// zero value is an empty header ready to use.
type Header struct {
	fields []headerField
}

type headerField struct {
	name, value string
}

// NewHeader returns a header holding the given name/value pairs, which
// must come in pairs.
func NewHeader(pairs ...string) Header {
	if len(pairs)%2 != 0 {
		panic("pooledhttp: NewHeader requires name/value pairs")
	}
	var h Header
	for i := 0; i < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// Set replaces every field named name with a single field holding value.
// The field keeps the position of the first one it replaces.
func (h *Header) Set(name, value string) {
	replaced := false
	kept := make([]headerField, 0, len(h.fields))
	for _, field := range h.fields {
		if !strings.EqualFold(field.name, name) {
			kept = append(kept, field)
			continue
		}
		if !replaced {
			kept = append(kept, headerField{name: field.name, value: value})
			replaced = true
		}
	}
	h.fields = kept
	if !replaced {
		h.Add(name, value)
	}
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	kept := make([]headerField, 0, len(h.fields))
	for _, field := range h.fields {
		if !strings.EqualFold(field.name, name) {
			kept = append(kept, field)
		}
	}
	h.fields = kept
}

// Get returns the first value for name, or the empty string.
func (h Header) Get(name string) string {
	for _, field := range h.fields {
		if strings.EqualFold(field.name, name) {
			return field.value
		}
	}
	return ""
}

// Has reports whether any field is named name.
func (h Header) Has(name string) bool {
	for _, field := range h.fields {
		if strings.EqualFold(field.name, name) {
			return true
		}
	}
	return false
}

// Values returns every value for name in insertion order.
func (h Header) Values(name string) []string {
	var values []string
	for _, field := range h.fields {
		if strings.EqualFold(field.name, name) {
			values = append(values, field.value)
		}
	}
	return values
}

// Names returns the distinct field names in order of first appearance,
// spelled as they first appeared.
func (h Header) Names() []string {
	var names []string
	for _, field := range h.fields {
		seen := false
		for _, name := range names {
			if strings.EqualFold(name, field.name) {
				seen = true
				break
			}
		}
		if !seen {
			names = append(names, field.name)
		}
	}
	return names
}

// Len returns the number of fields.
func (h Header) Len() int {
	return len(h.fields)
}

// Each calls fn for every field in order.
func (h Header) Each(fn func(name, value string)) {
	for _, field := range h.fields {
		fn(field.name, field.value)
	}
}

// Clone returns a copy that shares no storage with h.
func (h Header) Clone() Header {
	if len(h.fields) == 0 {
		return Header{}
	}
	fields := make([]headerField, len(h.fields))
	copy(fields, h.fields)
	return Header{fields: fields}
}

// Validate checks that every name is a valid field name and every value
// is a valid field value.
func (h Header) Validate() error {
	for _, field := range h.fields {
		if !httpguts.ValidHeaderFieldName(field.name) {
			return fmt.Errorf("invalid header field name %q", field.name)
		}
		if !httpguts.ValidHeaderFieldValue(field.value) {
			return fmt.Errorf("invalid value for header field %q", field.name)
		}
	}
	return nil
}

func (h Header) toHTTP() http.Header {
	result := make(http.Header, len(h.fields))
	for _, field := range h.fields {
		result.Add(field.name, field.value)
	}
	return result
}

// headerFromHTTP converts a received header. The wire order is not kept
// by the codec, so fields are ordered by canonical name.
func headerFromHTTP(src http.Header) Header {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	sort.Strings(names)
	var h Header
	for _, name := range names {
		for _, value := range src[name] {
			h.Add(name, value)
		}
	}
	return h
}
