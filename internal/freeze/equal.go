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

package freeze

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"btrfsdiff/internal/codec"
	"btrfsdiff/internal/fsmodel"
)

// The canonical form keeps only structure: times, transaction ids, UUIDs
// and on-disk inode numbers are dropped, and extent identities are
// renumbered by first appearance.
type canonExtent struct {
	Offset       uint64 `cbor:"1,keyasint"`
	Length       uint64 `cbor:"2,keyasint"`
	Kind         uint8  `cbor:"3,keyasint"`
	Ref          int    `cbor:"4,keyasint"`
	ExtentOffset uint64 `cbor:"5,keyasint"`
	Data         []byte `cbor:"6,keyasint,omitempty"`
}

type canonEntry struct {
	Name string `cbor:"1,keyasint"`
	ID   int    `cbor:"2,keyasint"`
}

type canonInode struct {
	Type    uint8             `cbor:"1,keyasint"`
	Perm    uint32            `cbor:"2,keyasint"`
	UID     uint64            `cbor:"3,keyasint"`
	GID     uint64            `cbor:"4,keyasint"`
	Rdev    uint64            `cbor:"5,keyasint,omitempty"`
	Xattrs  map[string][]byte `cbor:"6,keyasint,omitempty"`
	Flags   uint64            `cbor:"7,keyasint,omitempty"`
	Verity  uint8             `cbor:"8,keyasint,omitempty"`
	Target  string            `cbor:"9,keyasint,omitempty"`
	Size    uint64            `cbor:"10,keyasint"`
	Extents []canonExtent     `cbor:"11,keyasint,omitempty"`
	Entries []canonEntry      `cbor:"12,keyasint,omitempty"`
}

type canonSubvolume struct {
	Inodes    []canonInode `cbor:"1,keyasint"`
	Reachable int          `cbor:"2,keyasint"`
}

func canonical(f *FrozenSubvolume) canonSubvolume {
	refs := make(map[fsmodel.Key]int)
	out := canonSubvolume{Inodes: make([]canonInode, len(f.Inodes)), Reachable: f.Reachable}
	for i, n := range f.Inodes {
		c := canonInode{
			Type:   uint8(n.Type),
			Perm:   n.Perm,
			UID:    n.UID,
			GID:    n.GID,
			Rdev:   n.Rdev,
			Flags:  n.Flags,
			Verity: n.Verity,
			Target: n.Target,
			Size:   n.Size,
		}
		if len(n.Xattrs) > 0 {
			c.Xattrs = make(map[string][]byte, len(n.Xattrs))
			for _, x := range n.Xattrs {
				c.Xattrs[x.Name] = x.Value
			}
		}
		for _, e := range n.Extents {
			ref, ok := refs[e.Key]
			if !ok {
				ref = len(refs)
				refs[e.Key] = ref
			}
			c.Extents = append(c.Extents, canonExtent{
				Offset:       e.Offset,
				Length:       e.Length,
				Kind:         uint8(e.Kind),
				Ref:          ref,
				ExtentOffset: e.ExtentOffset,
				Data:         e.Data,
			})
		}
		for _, e := range n.Entries {
			c.Entries = append(c.Entries, canonEntry(e))
		}
		out.Inodes[i] = c
	}
	return out
}

func canonicalBytes(f *FrozenSubvolume) []byte {
	b, err := codec.Marshal(canonical(f))
	if err != nil {
		// Only plain structs, slices and maps are encoded.
		panic(fmt.Sprintf("freeze: canonical encoding failed: %v", err))
	}
	return b
}

// Equal reports whether a and b have the same structure, ignoring times,
// transaction ids, UUIDs and on-disk inode numbers.
func Equal(a, b *FrozenSubvolume) bool {
	return bytes.Equal(canonicalBytes(a), canonicalBytes(b))
}

// Fingerprint returns a hex BLAKE3 digest of the structure compared by
// Equal.
func (f *FrozenSubvolume) Fingerprint() string {
	sum := codec.Sum(canonicalBytes(f))
	return hex.EncodeToString(sum[:])
}
