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

package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	testCases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for name, want := range testCases {
		level, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, level, name)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestFileOutput(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "pooledhttp.log")
	logger, cleanup, err := New(Config{Level: "warn", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("pool exhausted", "destination", "http://a:80")
	cleanup()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(contents, &record))
	assert.Equal(t, "pool exhausted", record["msg"])
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "http://a:80", record["destination"])
}

func TestInvalidLevel(t *testing.T) {
	t.Parallel()
	_, _, err := New(Config{Level: "loud"})
	require.ErrorContains(t, err, "loud")
}
