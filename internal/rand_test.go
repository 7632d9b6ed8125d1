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

package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShuffled(t *testing.T) {
	t.Parallel()
	items := []string{"a", "b", "c", "d", "e"}
	shuffled := Shuffled(NewRand(), items)
	assert.ElementsMatch(t, items, shuffled)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, items, "input must not be modified")
	assert.Empty(t, Shuffled(NewRand(), []string(nil)))
}
