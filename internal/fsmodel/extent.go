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
	"cmp"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/google/uuid"
)

// Kind says where an extent's bytes come from.
type Kind uint8

const (
	// KindData carries literal bytes from a write.
	KindData Kind = iota + 1
	// KindPrealloc is allocated space that reads as zeros.
	KindPrealloc
	// KindUnknown stands for content the stream only sized (UPDATE_EXTENT).
	KindUnknown
	// KindPending is a clone placeholder awaiting its source subvolume.
	KindPending
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindPrealloc:
		return "prealloc"
	case KindUnknown:
		return "unknown"
	case KindPending:
		return "pending"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Key identifies an extent across the whole set. Seq is allocated by the
// subvolume that created the extent.
type Key struct {
	Subvol uuid.UUID
	Seq    uint64
}

// CloneSource records where a pending clone reads from.
type CloneSource struct {
	Subvol   uuid.UUID
	CTransID uint64
	Path     string
	Offset   uint64
}

// Extent is an immutable run of file content. Several segments, in several
// files and subvolumes, may reference the same extent; that sharing is what
// a clone is.
type Extent struct {
	Key    Key
	Kind   Kind
	Length uint64
	// Bytes holds the content of a KindData extent.
	Bytes []byte
	// Origin is the inode the extent was first written to, at OriginOffset.
	Origin       InodeRef
	OriginOffset uint64
	// Source is set on KindPending extents.
	Source *CloneSource
}

// Content returns the bytes of [off, off+n) within the extent. Only data
// extents have content; everything else reads as zeros.
func (e *Extent) Content(off, n uint64) []byte {
	if e.Kind != KindData {
		return make([]byte, n)
	}
	return e.Bytes[off : off+n]
}

// Segment maps [Offset, Offset+Length) of a file onto
// [ExtentOffset, ExtentOffset+Length) of Extent.
type Segment struct {
	Offset       uint64
	Length       uint64
	Extent       *Extent
	ExtentOffset uint64
}

// End returns the first file offset past the segment.
func (s Segment) End() uint64 {
	return s.Offset + s.Length
}

// Content returns the bytes the segment contributes to the file.
func (s Segment) Content() []byte {
	return s.Extent.Content(s.ExtentOffset, s.Length)
}

// ExtentMap is the content of a regular file: sorted, non-overlapping
// segments plus a size. Offsets below the size not covered by a segment
// are holes.
type ExtentMap struct {
	segs []Segment
	size uint64
}

// Size returns the file size.
func (m *ExtentMap) Size() uint64 {
	return m.size
}

// Segments returns a copy of the segment list in offset order.
func (m *ExtentMap) Segments() []Segment {
	return slices.Clone(m.segs)
}

// Clone returns a map sharing every extent with m.
func (m *ExtentMap) Clone() *ExtentMap {
	return &ExtentMap{segs: slices.Clone(m.segs), size: m.size}
}

// punch removes coverage of [off, end). Segments straddling a boundary are
// split; the extents they reference are left untouched.
func (m *ExtentMap) punch(off, end uint64) {
	if off >= end {
		return
	}
	out := make([]Segment, 0, len(m.segs)+1)
	for _, s := range m.segs {
		if s.End() <= off || s.Offset >= end {
			out = append(out, s)
			continue
		}
		if s.Offset < off {
			out = append(out, Segment{
				Offset:       s.Offset,
				Length:       off - s.Offset,
				Extent:       s.Extent,
				ExtentOffset: s.ExtentOffset,
			})
		}
		if s.End() > end {
			out = append(out, Segment{
				Offset:       end,
				Length:       s.End() - end,
				Extent:       s.Extent,
				ExtentOffset: s.ExtentOffset + (end - s.Offset),
			})
		}
	}
	m.segs = out
}

// place adds segments that do not overlap existing ones and restores the
// ordering and coalescing invariants.
func (m *ExtentMap) place(segs ...Segment) {
	for _, s := range segs {
		if s.Length > 0 {
			m.segs = append(m.segs, s)
		}
	}
	slices.SortFunc(m.segs, func(a, b Segment) int { return cmp.Compare(a.Offset, b.Offset) })
	m.coalesce()
}

// coalesce merges neighbours that are contiguous in both the file and the
// same extent, so equal content always has one segment shape.
func (m *ExtentMap) coalesce() {
	if len(m.segs) < 2 {
		return
	}
	out := m.segs[:1]
	for _, s := range m.segs[1:] {
		last := &out[len(out)-1]
		if last.Extent == s.Extent && last.End() == s.Offset && last.ExtentOffset+last.Length == s.ExtentOffset {
			last.Length += s.Length
			continue
		}
		out = append(out, s)
	}
	m.segs = out
}

// Write replaces [off, off+e.Length) with e.
func (m *ExtentMap) Write(off uint64, e *Extent) {
	if e.Length == 0 {
		return
	}
	end := off + e.Length
	m.punch(off, end)
	m.place(Segment{Offset: off, Length: e.Length, Extent: e})
	m.size = max(m.size, end)
}

// Truncate sets the size. Shrinking drops everything past the new end;
// growing leaves a hole.
func (m *ExtentMap) Truncate(size uint64) {
	if size < m.size {
		m.punch(size, math.MaxUint64)
	}
	m.size = size
}

// Range returns the segments covering [off, off+n), clipped and rebased so
// that off is offset 0.
func (m *ExtentMap) Range(off, n uint64) []Segment {
	end := off + n
	var out []Segment
	for _, s := range m.segs {
		if s.End() <= off || s.Offset >= end {
			continue
		}
		lo, hi := max(s.Offset, off), min(s.End(), end)
		out = append(out, Segment{
			Offset:       lo - off,
			Length:       hi - lo,
			Extent:       s.Extent,
			ExtentOffset: s.ExtentOffset + (lo - s.Offset),
		})
	}
	return out
}

// Splice replaces [off, off+n) with segs, whose offsets are relative to
// off, and grows the file to cover the range. Gaps in segs become holes.
func (m *ExtentMap) Splice(off, n uint64, segs []Segment) {
	if n == 0 {
		return
	}
	m.punch(off, off+n)
	shifted := make([]Segment, 0, len(segs))
	for _, s := range segs {
		s.Offset += off
		shifted = append(shifted, s)
	}
	m.place(shifted...)
	m.size = max(m.size, off+n)
}

// PunchHole deallocates [off, off+n) without changing the size.
func (m *ExtentMap) PunchHole(off, n uint64) {
	m.punch(off, min(off+n, m.size))
}

// Allocate fills the holes in [off, off+n) with extents made by alloc.
// With keepSize the range is clipped to the current size; otherwise the
// file grows to cover it.
func (m *ExtentMap) Allocate(off, n uint64, keepSize bool, alloc func(off, n uint64) *Extent) {
	end := off + n
	if keepSize {
		end = min(end, m.size)
	} else {
		m.size = max(m.size, end)
	}
	var fill []Segment
	pos := off
	for _, s := range m.segs {
		if pos >= end {
			break
		}
		if s.End() <= pos {
			continue
		}
		if s.Offset > pos {
			hi := min(s.Offset, end)
			fill = append(fill, Segment{Offset: pos, Length: hi - pos, Extent: alloc(pos, hi-pos)})
		}
		pos = max(pos, s.End())
	}
	if pos < end {
		fill = append(fill, Segment{Offset: pos, Length: end - pos, Extent: alloc(pos, end-pos)})
	}
	m.place(fill...)
}

// HasPending reports whether any segment in [off, off+n) still references
// an unresolved clone.
func (m *ExtentMap) HasPending(off, n uint64) bool {
	for _, s := range m.Range(off, n) {
		if s.Extent.Kind == KindPending {
			return true
		}
	}
	return false
}

// ReplaceExtent swaps every reference to old for the segments returned by
// resolve, which receives the referenced range of old and returns segments
// relative to its start. It reports whether anything was replaced.
func (m *ExtentMap) ReplaceExtent(old *Extent, resolve func(off, n uint64) []Segment) bool {
	var (
		out      = make([]Segment, 0, len(m.segs))
		replaced bool
	)
	for _, s := range m.segs {
		if s.Extent != old {
			out = append(out, s)
			continue
		}
		replaced = true
		for _, r := range resolve(s.ExtentOffset, s.Length) {
			r.Offset += s.Offset
			out = append(out, r)
		}
	}
	if !replaced {
		return false
	}
	m.segs = out
	m.place()
	return true
}

// ReadAt implements io.ReaderAt over the file content. Holes, prealloc and
// unknown extents read as zeros.
func (m *ExtentMap) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if uint64(off) >= m.size {
		return 0, io.EOF
	}
	n := int(min(uint64(len(p)), m.size-uint64(off)))
	clear(p[:n])
	for _, s := range m.Range(uint64(off), uint64(n)) {
		if s.Extent.Kind == KindData {
			copy(p[s.Offset:s.End()], s.Content())
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Bytes returns the whole file content.
func (m *ExtentMap) Bytes() []byte {
	buf := make([]byte, m.size)
	if m.size > 0 {
		_, _ = m.ReadAt(buf, 0)
	}
	return buf
}
