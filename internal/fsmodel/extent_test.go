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

package fsmodel

import (
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVol = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")

func dataExtent(seq uint64, s string) *Extent {
	return &Extent{Key: Key{Subvol: testVol, Seq: seq}, Kind: KindData, Length: uint64(len(s)), Bytes: []byte(s)}
}

func TestExtentMap_Write(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		writes []struct {
			off  uint64
			data string
		}
		want     string
		wantSegs int
	}{
		{
			name: "single",
			writes: []struct {
				off  uint64
				data string
			}{{0, "hello"}},
			want: "hello", wantSegs: 1,
		},
		{
			name: "sparse",
			writes: []struct {
				off  uint64
				data string
			}{{4, "ab"}},
			want: "\x00\x00\x00\x00ab", wantSegs: 1,
		},
		{
			name: "overwrite middle splits",
			writes: []struct {
				off  uint64
				data string
			}{{0, "aaaaaa"}, {2, "bb"}},
			want: "aabbaa", wantSegs: 3,
		},
		{
			name: "overwrite spanning two",
			writes: []struct {
				off  uint64
				data string
			}{{0, "aaa"}, {3, "bbb"}, {2, "cc"}},
			want: "aaccbb", wantSegs: 3,
		},
		{
			name: "overwrite everything",
			writes: []struct {
				off  uint64
				data string
			}{{1, "aa"}, {0, "bbbb"}},
			want: "bbbb", wantSegs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := &ExtentMap{}
			for i, w := range tt.writes {
				m.Write(w.off, dataExtent(uint64(i+1), w.data))
			}
			assert.Equal(t, tt.want, string(m.Bytes()))
			assert.Len(t, m.Segments(), tt.wantSegs)
			assertSorted(t, m)
		})
	}
}

func assertSorted(t *testing.T, m *ExtentMap) {
	t.Helper()
	var end uint64
	for _, s := range m.Segments() {
		assert.GreaterOrEqual(t, s.Offset, end, "segments overlap or are unsorted")
		assert.NotZero(t, s.Length)
		end = s.End()
	}
	assert.LessOrEqual(t, end, m.Size())
}

func TestExtentMap_SharedExtentSurvivesPartialOverwrite(t *testing.T) {
	t.Parallel()

	src := &ExtentMap{}
	shared := dataExtent(1, "0123456789")
	src.Write(0, shared)

	dst := &ExtentMap{}
	dst.Splice(0, 10, src.Range(0, 10))
	dst.Write(3, dataExtent(2, "xx"))

	assert.Equal(t, "012xx56789", string(dst.Bytes()))
	assert.Equal(t, "0123456789", string(src.Bytes()))
	assert.Equal(t, "0123456789", string(shared.Bytes))

	segs := dst.Segments()
	require.Len(t, segs, 3)
	assert.Same(t, shared, segs[0].Extent)
	assert.Same(t, shared, segs[2].Extent)
	assert.Equal(t, uint64(5), segs[2].ExtentOffset)
}

func TestExtentMap_Truncate(t *testing.T) {
	t.Parallel()

	m := &ExtentMap{}
	m.Write(0, dataExtent(1, "abcdef"))

	m.Truncate(3)
	assert.Equal(t, "abc", string(m.Bytes()))
	require.Len(t, m.Segments(), 1)
	assert.Equal(t, uint64(3), m.Segments()[0].Length)

	m.Truncate(6)
	assert.Equal(t, "abc\x00\x00\x00", string(m.Bytes()), "growing leaves a hole")
	assert.Len(t, m.Segments(), 1)

	m.Truncate(0)
	assert.Empty(t, m.Segments())
	assert.Zero(t, m.Size())
}

func TestExtentMap_RangeAndSplice(t *testing.T) {
	t.Parallel()

	src := &ExtentMap{}
	src.Write(0, dataExtent(1, "abcd"))
	src.Write(8, dataExtent(2, "efgh"))

	r := src.Range(2, 8)
	require.Len(t, r, 2)
	assert.Equal(t, Segment{Offset: 0, Length: 2, Extent: r[0].Extent, ExtentOffset: 2}, r[0])
	assert.Equal(t, Segment{Offset: 6, Length: 2, Extent: r[1].Extent, ExtentOffset: 0}, r[1])

	dst := &ExtentMap{}
	dst.Write(0, dataExtent(3, "zzzzzzzzzzzz"))
	dst.Splice(1, 8, r)
	assert.Equal(t, "zcd\x00\x00\x00\x00efzzz", string(dst.Bytes()))
	assert.Equal(t, uint64(12), dst.Size())

	grow := &ExtentMap{}
	grow.Splice(4, 4, src.Range(0, 4))
	assert.Equal(t, uint64(8), grow.Size())
}

func TestExtentMap_Coalesce(t *testing.T) {
	t.Parallel()

	e := dataExtent(1, "abcdef")
	m := &ExtentMap{}
	m.Write(0, e)
	m.Splice(2, 2, []Segment{{Length: 2, Extent: e, ExtentOffset: 2}})

	require.Len(t, m.Segments(), 1, "re-splicing the same bytes keeps one segment")
	assert.Equal(t, uint64(6), m.Segments()[0].Length)
}

func TestExtentMap_AllocateAndPunch(t *testing.T) {
	t.Parallel()

	prealloc := func(off, n uint64) *Extent {
		return &Extent{Kind: KindPrealloc, Length: n, OriginOffset: off}
	}

	m := &ExtentMap{}
	m.Write(4, dataExtent(1, "xx"))
	m.Allocate(0, 10, false, prealloc)
	assert.Equal(t, uint64(10), m.Size())

	segs := m.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, KindPrealloc, segs[0].Extent.Kind)
	assert.Equal(t, uint64(4), segs[0].Length)
	assert.Equal(t, KindData, segs[1].Extent.Kind)
	assert.Equal(t, KindPrealloc, segs[2].Extent.Kind)
	assert.Equal(t, uint64(6), segs[2].Offset)

	keep := &ExtentMap{}
	keep.Truncate(4)
	keep.Allocate(2, 10, true, prealloc)
	assert.Equal(t, uint64(4), keep.Size())
	require.Len(t, keep.Segments(), 1)
	assert.Equal(t, uint64(2), keep.Segments()[0].Length)

	m.PunchHole(3, 2)
	assert.Equal(t, uint64(10), m.Size())
	assert.Equal(t, "\x00\x00\x00\x00\x00x\x00\x00\x00\x00", string(m.Bytes()))
}

func TestExtentMap_ReadAt(t *testing.T) {
	t.Parallel()

	m := &ExtentMap{}
	m.Write(2, dataExtent(1, "abc"))

	buf := make([]byte, 3)
	n, err := m.ReadAt(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "\x00ab", string(buf))

	n, err = m.ReadAt(buf, 3)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "bc", string(buf[:n]))

	_, err = m.ReadAt(buf, 5)
	assert.Equal(t, io.EOF, err)
}

func TestExtentMap_ReplaceExtent(t *testing.T) {
	t.Parallel()

	pending := &Extent{Kind: KindPending, Length: 6}
	m := &ExtentMap{}
	m.Splice(0, 6, []Segment{{Length: 6, Extent: pending}})
	m.Write(2, dataExtent(1, "XX"))
	assert.True(t, m.HasPending(0, 6))

	source := &ExtentMap{}
	source.Write(0, dataExtent(2, "abcdef"))

	ok := m.ReplaceExtent(pending, source.Range)
	require.True(t, ok)
	assert.False(t, m.HasPending(0, 6))
	assert.Equal(t, "abXXef", string(m.Bytes()))

	assert.False(t, m.ReplaceExtent(pending, source.Range), "nothing left to replace")
}
