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

package respbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferDeclaredLengthTooLarge(t *testing.T) {
	t.Parallel()

	buf := New(1024)
	err := buf.OnHeaders(1 << 40)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, buf.Cap())
	// stays aborted
	_, err = buf.Write([]byte("x"))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestBufferPreallocatesDeclaredLength(t *testing.T) {
	t.Parallel()

	buf := New(1 << 20)
	require.NoError(t, buf.OnHeaders(3000))
	assert.Equal(t, 3000, buf.Cap())
}

func TestBufferGrowsGeometricallyUpToMax(t *testing.T) {
	t.Parallel()

	buf := New(3000)
	require.NoError(t, buf.OnHeaders(-1))
	chunk := bytes.Repeat([]byte("a"), 600)

	_, err := buf.Write(chunk)
	require.NoError(t, err)
	assert.Equal(t, 1024, buf.Cap())

	_, err = buf.Write(chunk)
	require.NoError(t, err)
	assert.Equal(t, 2048, buf.Cap())

	_, err = buf.Write(chunk)
	require.NoError(t, err)
	_, err = buf.Write(chunk)
	require.NoError(t, err)
	assert.Equal(t, 3000, buf.Cap(), "capacity is capped at the maximum")
	assert.Equal(t, 2400, buf.Len())

	_, err = buf.Write(chunk)
	require.NoError(t, err)
	assert.Equal(t, 3000, buf.Len())

	_, err = buf.Write([]byte("b"))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestBufferContent(t *testing.T) {
	t.Parallel()

	buf := New(64)
	_, err := buf.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = buf.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf.Bytes()))
}
