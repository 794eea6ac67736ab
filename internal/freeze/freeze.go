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

// Package freeze turns completed subvolumes into immutable values with
// deterministic inode ids, suitable for comparison and rendering.
//
// Freezing reads the subvolumes of a set without locking them, so it must
// not run while streams are still being received into the same set.
package freeze

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"btrfsdiff/internal/common"
	"btrfsdiff/internal/fsmodel"
	"btrfsdiff/internal/subvolset"
)

// Xattr is one extended attribute.
type Xattr struct {
	Name  string
	Value []byte
}

// Entry is a directory entry naming the inode with traversal id ID.
type Entry struct {
	Name string
	ID   int
}

// Extent is one segment of a regular file.
type Extent struct {
	Offset       uint64
	Length       uint64
	Kind         fsmodel.Kind
	Key          fsmodel.Key
	ExtentOffset uint64
	// Data holds the segment's bytes for data extents.
	Data []byte
}

// End returns the first file offset past the extent.
func (e Extent) End() uint64 {
	return e.Offset + e.Length
}

// Inode is a frozen inode. ID is its traversal id.
type Inode struct {
	ID     int
	Type   fsmodel.FileType
	Ino    uint64
	Perm   uint32
	UID    uint64
	GID    uint64
	Rdev   uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Otime  time.Time
	Xattrs []Xattr
	Flags  uint64
	Verity uint8
	Target string
	Size   uint64
	// Extents are sorted by offset; gaps below Size are holes.
	Extents []Extent
	// Entries are sorted by name.
	Entries []Entry
	// Links counts the entries naming this inode in the frozen tree.
	Links int
}

// IsDir returns true if the inode is a directory
func (i *Inode) IsDir() bool {
	return i.Type == fsmodel.TypeDir
}

// Lookup returns the entry called name.
func (i *Inode) Lookup(name string) (Entry, bool) {
	n, found := sort.Find(len(i.Entries), func(k int) int {
		return strings.Compare(name, i.Entries[k].Name)
	})
	if !found {
		return Entry{}, false
	}
	return i.Entries[n], true
}

// FrozenSubvolume is an immutable projection of a subvolume. Inodes are
// indexed by traversal id: the root is 0, reachable inodes follow in
// pre-order with entries visited by name, and retained orphans come last.
type FrozenSubvolume struct {
	Name       string
	UUID       uuid.UUID
	ParentUUID uuid.UUID
	CTransID   uint64
	Inodes     []*Inode
	// Reachable is the number of inodes reachable from the root.
	Reachable int
}

// Root returns the root directory.
func (f *FrozenSubvolume) Root() *Inode {
	return f.Inodes[0]
}

// Orphans returns the unreachable inodes kept because other files still
// share their extents.
func (f *FrozenSubvolume) Orphans() []*Inode {
	return f.Inodes[f.Reachable:]
}

// Lookup resolves a path from the root.
func (f *FrozenSubvolume) Lookup(p string) (*Inode, error) {
	cur := f.Root()
	for _, part := range common.SplitPath(p) {
		if !cur.IsDir() {
			return nil, fmt.Errorf("%w: %q", common.ErrNotDir, p)
		}
		e, ok := cur.Lookup(part)
		if !ok {
			return nil, fmt.Errorf("%w: %q", common.ErrNotFound, p)
		}
		cur = f.Inodes[e.ID]
	}
	return cur, nil
}

// FrozenSet is every subvolume of a set, parents before snapshots.
type FrozenSet struct {
	Subvolumes []*FrozenSubvolume
}

// ByName returns the subvolume with the given name.
func (s *FrozenSet) ByName(name string) (*FrozenSubvolume, bool) {
	for _, f := range s.Subvolumes {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// ByUUID returns the subvolume with the given UUID.
func (s *FrozenSet) ByUUID(id uuid.UUID) (*FrozenSubvolume, bool) {
	for _, f := range s.Subvolumes {
		if f.UUID == id {
			return f, true
		}
	}
	return nil, false
}

// Subvolume freezes the subvolume called name.
func Subvolume(set *subvolset.Set, name string) (*FrozenSubvolume, error) {
	sv, ok := set.ByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %w: subvolume %q", common.ErrInvalidOperation, common.ErrNotFound, name)
	}
	return freezeOne(set, sv, originRefs(set))
}

// Set freezes every subvolume. It fails if any of them cannot be frozen.
func Set(set *subvolset.Set) (*FrozenSet, error) {
	refs := originRefs(set)
	var (
		out  FrozenSet
		errs []error
	)
	for _, sv := range set.Subvolumes() {
		f, err := freezeOne(set, sv, refs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Subvolumes = append(out.Subvolumes, f)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &out, nil
}

// traverse lists the inodes reachable from the root in pre-order, visiting
// entries by name. A hard-linked inode appears once, at its first path.
func traverse(sv *fsmodel.Subvolume) []fsmodel.InodeID {
	seen := make(map[fsmodel.InodeID]bool)
	var order []fsmodel.InodeID
	var visit func(id fsmodel.InodeID)
	visit = func(id fsmodel.InodeID) {
		seen[id] = true
		order = append(order, id)
		n := sv.Inode(id)
		if !n.IsDir() {
			return
		}
		names := make([]string, 0, len(n.Entries))
		for name := range n.Entries {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			if child := n.Entries[name]; !seen[child] {
				visit(child)
			}
		}
	}
	visit(fsmodel.RootID)
	return order
}

// originRefs lists, in order of first reference, the inodes that
// originated an extent still referenced by some reachable file anywhere in
// the set.
func originRefs(set *subvolset.Set) []fsmodel.InodeRef {
	var refs []fsmodel.InodeRef
	seen := make(map[fsmodel.InodeRef]bool)
	for _, sv := range set.Subvolumes() {
		if sv.State() == fsmodel.Building {
			continue
		}
		for _, id := range traverse(sv) {
			n := sv.Inode(id)
			if !n.IsFile() {
				continue
			}
			for _, seg := range n.Data.Segments() {
				ref := seg.Extent.Origin
				if seg.Extent.Kind == fsmodel.KindPending || seen[ref] {
					continue
				}
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func freezeOne(set *subvolset.Set, sv *fsmodel.Subvolume, refs []fsmodel.InodeRef) (*FrozenSubvolume, error) {
	if sv.State() == fsmodel.Building {
		return nil, fmt.Errorf("%w: subvolume %q has not seen its end command", common.ErrIncompleteSubvolume, sv.Name)
	}
	if err := set.Unresolved(sv); err != nil {
		return nil, err
	}

	order := traverse(sv)
	reachable := len(order)
	ids := make(map[fsmodel.InodeID]int, len(order))
	for tid, id := range order {
		ids[id] = tid
	}
	for _, ref := range refs {
		if ref.Subvol != sv.UUID {
			continue
		}
		if _, ok := ids[ref.ID]; ok {
			continue
		}
		ids[ref.ID] = len(order)
		order = append(order, ref.ID)
	}

	f := &FrozenSubvolume{
		Name:       sv.Name,
		UUID:       sv.UUID,
		ParentUUID: sv.ParentUUID,
		CTransID:   sv.CTransID,
		Inodes:     make([]*Inode, len(order)),
		Reachable:  reachable,
	}
	for tid, id := range order {
		f.Inodes[tid] = freezeInode(sv.Inode(id), tid, ids)
	}
	for _, n := range f.Inodes[:reachable] {
		for _, e := range n.Entries {
			f.Inodes[e.ID].Links++
		}
	}
	if err := sv.MarkFrozen(); err != nil {
		return nil, err
	}
	log.Debugf("[Freeze] %q: %d reachable inodes, %d orphans", sv.Name, reachable, len(order)-reachable)
	return f, nil
}

func freezeInode(n *fsmodel.Inode, tid int, ids map[fsmodel.InodeID]int) *Inode {
	out := &Inode{
		ID:     tid,
		Type:   n.Type,
		Ino:    n.Ino,
		Perm:   n.Perm,
		UID:    n.UID,
		GID:    n.GID,
		Rdev:   n.Rdev,
		Atime:  n.Atime,
		Mtime:  n.Mtime,
		Ctime:  n.Ctime,
		Otime:  n.Otime,
		Flags:  n.Flags,
		Verity: n.Verity,
		Target: n.Target,
		Size:   n.Size(),
	}
	if len(n.Xattrs) > 0 {
		out.Xattrs = make([]Xattr, 0, len(n.Xattrs))
		for name, v := range n.Xattrs {
			out.Xattrs = append(out.Xattrs, Xattr{Name: name, Value: v})
		}
		slices.SortFunc(out.Xattrs, func(a, b Xattr) int { return strings.Compare(a.Name, b.Name) })
	}
	if n.IsFile() {
		for _, seg := range n.Data.Segments() {
			e := Extent{
				Offset:       seg.Offset,
				Length:       seg.Length,
				Kind:         seg.Extent.Kind,
				Key:          seg.Extent.Key,
				ExtentOffset: seg.ExtentOffset,
			}
			if e.Kind == fsmodel.KindData {
				e.Data = seg.Content()
			}
			out.Extents = append(out.Extents, e)
		}
	}
	if n.IsDir() {
		out.Entries = make([]Entry, 0, len(n.Entries))
		for name, child := range n.Entries {
			out.Entries = append(out.Entries, Entry{Name: name, ID: ids[child]})
		}
		slices.SortFunc(out.Entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	}
	return out
}
