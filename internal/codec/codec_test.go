// Copyright 2024 btrfsdiff Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalIsDeterministic(t *testing.T) {
	t.Parallel()

	a := map[string]int{"b": 2, "a": 1, "c": 3}
	b := map[string]int{"c": 3, "a": 1, "b": 2}

	ea, err := Marshal(a)
	require.NoError(t, err)
	eb, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)

	var back map[string]int
	require.NoError(t, Unmarshal(ea, &back))
	assert.Equal(t, a, back)
}

func TestShortDigest(t *testing.T) {
	t.Parallel()

	d := ShortDigest([]byte("hi there"), 8)
	assert.Len(t, d, 8)
	assert.Equal(t, d, ShortDigest([]byte("hi there"), 8))
	assert.NotEqual(t, d, ShortDigest([]byte("hi therE"), 8))

	sum := Sum([]byte("hi there"))
	assert.Len(t, sum, 32)
}
