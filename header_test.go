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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderLookupIgnoresCase(t *testing.T) {
	t.Parallel()
	header := NewHeader("Content-Type", "text/plain", "x-trace", "1", "X-Trace", "2")

	assert.Equal(t, "text/plain", header.Get("content-type"))
	assert.True(t, header.Has("CONTENT-TYPE"))
	assert.False(t, header.Has("Accept"))
	assert.Equal(t, []string{"1", "2"}, header.Values("X-TRACE"))
	assert.Equal(t, []string{"Content-Type", "x-trace"}, header.Names())
	assert.Equal(t, 3, header.Len())
}

func TestHeaderKeepsInsertionOrder(t *testing.T) {
	t.Parallel()
	var header Header
	header.Add("B", "1")
	header.Add("A", "2")
	header.Add("C", "3")
	header.Add("a", "4")

	var seen []string
	header.Each(func(name, value string) {
		seen = append(seen, name+"="+value)
	})
	assert.Equal(t, []string{"B=1", "A=2", "C=3", "a=4"}, seen)

	header.Set("A", "5")
	seen = seen[:0]
	header.Each(func(name, value string) {
		seen = append(seen, name+"="+value)
	})
	assert.Equal(t, []string{"B=1", "A=5", "C=3"}, seen)

	header.Set("D", "6")
	assert.Equal(t, []string{"B", "A", "C", "D"}, header.Names())
	header.Del("b")
	assert.Equal(t, []string{"A", "C", "D"}, header.Names())
}

func TestHeaderCloneIsIndependent(t *testing.T) {
	t.Parallel()
	original := NewHeader("A", "1", "B", "2")
	clone := original.Clone()
	clone.Set("A", "changed")
	clone.Del("B")
	clone.Add("C", "3")

	assert.Equal(t, "1", original.Get("A"))
	assert.Equal(t, "2", original.Get("B"))
	assert.False(t, original.Has("C"))
}

func TestHeaderSetDoesNotAliasClones(t *testing.T) {
	t.Parallel()
	original := NewHeader("A", "1", "B", "2", "A", "3")
	shared := original
	shared.Set("A", "x")
	assert.Equal(t, []string{"1", "3"}, original.Values("A"))
	assert.Equal(t, []string{"x"}, shared.Values("A"))
}

func TestHeaderValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, NewHeader("X-Ok", "fine value").Validate())
	require.Error(t, NewHeader("Bad Name", "v").Validate())
	require.Error(t, NewHeader("X-Bad", "line\r\nbreak").Validate())
}

func TestHeaderConversions(t *testing.T) {
	t.Parallel()
	header := NewHeader("x-b", "1", "X-A", "2", "X-B", "3")
	converted := header.toHTTP()
	assert.Equal(t, []string{"1", "3"}, converted.Values("X-B"))
	assert.Equal(t, "2", converted.Get("X-A"))

	received := headerFromHTTP(http.Header{
		"Server":       {"test"},
		"Content-Type": {"text/plain"},
		"Set-Cookie":   {"a=1", "b=2"},
	})
	assert.Equal(t, []string{"Content-Type", "Server", "Set-Cookie"}, received.Names())
	assert.Equal(t, []string{"a=1", "b=2"}, received.Values("set-cookie"))
}
