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
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"btrfsdiff/internal/common"
)

// State is the lifecycle stage of a subvolume.
type State uint8

const (
	Building State = iota
	Complete
	Frozen
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Complete:
		return "complete"
	case Frozen:
		return "frozen"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// RootID is the arena index of every subvolume's root directory.
const RootID InodeID = 0

// Subvolume is a mutable filesystem tree under construction. It is not safe
// for concurrent mutation; a subvolume is built by exactly one receiver.
type Subvolume struct {
	Name       string
	UUID       uuid.UUID
	ParentUUID uuid.UUID
	CTransID   uint64

	state   State
	inodes  []*Inode
	seq     uint64
	pending []*Extent
}

// New returns an empty Building subvolume holding only its root directory.
func New(name string, id uuid.UUID, ctransid uint64) *Subvolume {
	sv := &Subvolume{Name: name, UUID: id, CTransID: ctransid}
	root := newInode(RootID, TypeDir, 0)
	root.Parent = RootID
	root.Links = 1
	sv.inodes = append(sv.inodes, root)
	return sv
}

// Snapshot starts a Building subvolume whose initial content is a copy of
// parent. Extents are shared with the parent.
func Snapshot(parent *Subvolume, name string, id uuid.UUID, ctransid uint64) (*Subvolume, error) {
	if parent.state == Building {
		return nil, fmt.Errorf("%w: snapshot parent %q is still %s", common.ErrInvalidState, parent.Name, parent.state)
	}
	sv := &Subvolume{
		Name:       name,
		UUID:       id,
		ParentUUID: parent.UUID,
		CTransID:   ctransid,
		inodes:     make([]*Inode, len(parent.inodes)),
		pending:    slices.Clone(parent.pending),
	}
	for i, n := range parent.inodes {
		sv.inodes[i] = copyInode(n)
	}
	return sv, nil
}

// State returns the lifecycle stage.
func (sv *Subvolume) State() State {
	return sv.state
}

// Finish moves a Building subvolume to Complete.
func (sv *Subvolume) Finish() error {
	if sv.state != Building {
		return fmt.Errorf("%w: subvolume %q is already %s", common.ErrInvalidState, sv.Name, sv.state)
	}
	sv.state = Complete
	return nil
}

// MarkFrozen records that a frozen view has been taken. It is idempotent.
func (sv *Subvolume) MarkFrozen() error {
	if sv.state == Building {
		return fmt.Errorf("%w: subvolume %q is still building", common.ErrIncompleteSubvolume, sv.Name)
	}
	sv.state = Frozen
	return nil
}

// Root returns the root directory.
func (sv *Subvolume) Root() *Inode {
	return sv.inodes[RootID]
}

// Inode returns the inode with the given id, or nil.
func (sv *Subvolume) Inode(id InodeID) *Inode {
	if int(id) >= len(sv.inodes) {
		return nil
	}
	return sv.inodes[id]
}

// Inodes returns the whole arena, reachable or not, in creation order.
// Callers must not modify the inodes.
func (sv *Subvolume) Inodes() []*Inode {
	return sv.inodes
}

// Pending returns the clone placeholders still waiting for a source.
func (sv *Subvolume) Pending() []*Extent {
	return slices.Clone(sv.pending)
}

// Lookup resolves a subvolume-relative path.
func (sv *Subvolume) Lookup(p string) (*Inode, error) {
	parts, err := common.SplitStreamPath(p)
	if err != nil {
		return nil, invalid(err, "%q", p)
	}
	cur := sv.Root()
	for i, part := range parts {
		if !cur.IsDir() {
			return nil, invalid(common.ErrNotDir, "%q", common.JoinPath(parts[:i]...))
		}
		id, ok := cur.Entries[part]
		if !ok {
			return nil, invalid(common.ErrNotFound, "%q", p)
		}
		cur = sv.inodes[id]
	}
	return cur, nil
}

// PathOf returns one path naming the inode, or false if it is unreachable.
// The search prefers lexicographically smaller names.
func (sv *Subvolume) PathOf(id InodeID) (string, bool) {
	if id == RootID {
		return "", true
	}
	var walk func(dir *Inode, prefix string) (string, bool)
	walk = func(dir *Inode, prefix string) (string, bool) {
		names := sortedNames(dir.Entries)
		for _, name := range names {
			child := dir.Entries[name]
			p := common.JoinPath(prefix, name)
			if child == id {
				return p, true
			}
			if n := sv.inodes[child]; n.IsDir() {
				if found, ok := walk(n, p); ok {
					return found, true
				}
			}
		}
		return "", false
	}
	return walk(sv.Root(), "")
}

func sortedNames(entries map[string]InodeID) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func invalid(detail error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", common.ErrInvalidOperation, detail, fmt.Sprintf(format, args...))
}

// checkRange rejects byte ranges whose end does not fit in 64 bits.
func checkRange(p string, off, length uint64) error {
	if off+length < off {
		return fmt.Errorf("%w: range %d+%d on %q overflows", common.ErrInvalidOperation, off, length, p)
	}
	return nil
}

func (sv *Subvolume) mutable() error {
	if sv.state != Building {
		return fmt.Errorf("%w: subvolume %q is %s", common.ErrInvalidState, sv.Name, sv.state)
	}
	return nil
}

// parentOf resolves the directory holding p and the final component.
func (sv *Subvolume) parentOf(p string) (*Inode, string, error) {
	parts, err := common.SplitStreamPath(p)
	if err != nil {
		return nil, "", invalid(err, "%q", p)
	}
	if len(parts) == 0 {
		return nil, "", invalid(common.ErrInvalidPath, "%q names the subvolume root", p)
	}
	dir, err := sv.Lookup(common.JoinPath(parts[:len(parts)-1]...))
	if err != nil {
		return nil, "", err
	}
	if !dir.IsDir() {
		return nil, "", invalid(common.ErrNotDir, "parent of %q", p)
	}
	return dir, parts[len(parts)-1], nil
}

// target resolves p for a mutation.
func (sv *Subvolume) target(p string) (*Inode, error) {
	if err := sv.mutable(); err != nil {
		return nil, err
	}
	return sv.Lookup(p)
}

// file resolves p for a mutation that needs a regular file.
func (sv *Subvolume) file(p string) (*Inode, error) {
	n, err := sv.target(p)
	if err != nil {
		return nil, err
	}
	if !n.IsFile() {
		return nil, invalid(common.ErrWrongType, "%q is a %s, not a regular file", p, n.Type)
	}
	return n, nil
}

func (sv *Subvolume) newExtent(kind Kind, n uint64, data []byte, origin *Inode, off uint64) *Extent {
	sv.seq++
	return &Extent{
		Key:          Key{Subvol: sv.UUID, Seq: sv.seq},
		Kind:         kind,
		Length:       n,
		Bytes:        data,
		Origin:       InodeRef{Subvol: sv.UUID, ID: origin.ID},
		OriginOffset: off,
	}
}

// Make creates an inode of type typ at p.
func (sv *Subvolume) Make(p string, typ FileType, ino uint64, perm uint32, rdev uint64) (*Inode, error) {
	if err := sv.mutable(); err != nil {
		return nil, err
	}
	dir, name, err := sv.parentOf(p)
	if err != nil {
		return nil, err
	}
	if _, ok := dir.Entries[name]; ok {
		return nil, invalid(common.ErrExists, "%q", p)
	}
	n := newInode(InodeID(len(sv.inodes)), typ, ino)
	n.Perm = perm & PermMask
	n.Rdev = rdev
	if n.IsDir() {
		n.Parent = dir.ID
	}
	n.Links = 1
	sv.inodes = append(sv.inodes, n)
	dir.Entries[name] = n.ID
	return n, nil
}

// Symlink creates a symbolic link at p pointing to target.
func (sv *Subvolume) Symlink(p, target string, ino uint64) error {
	n, err := sv.Make(p, TypeSymlink, ino, 0o777, 0)
	if err != nil {
		return err
	}
	n.Target = target
	return nil
}

// Link adds a hard link at p to the existing non-directory at target.
func (sv *Subvolume) Link(p, target string) error {
	src, err := sv.target(target)
	if err != nil {
		return err
	}
	if src.IsDir() {
		return invalid(common.ErrIsDir, "cannot hard link directory %q", target)
	}
	dir, name, err := sv.parentOf(p)
	if err != nil {
		return err
	}
	if _, ok := dir.Entries[name]; ok {
		return invalid(common.ErrExists, "%q", p)
	}
	dir.Entries[name] = src.ID
	src.Links++
	return nil
}

// Unlink removes the non-directory entry p. The inode stays in the arena.
func (sv *Subvolume) Unlink(p string) error {
	n, err := sv.target(p)
	if err != nil {
		return err
	}
	if n.IsDir() {
		return invalid(common.ErrIsDir, "%q", p)
	}
	dir, name, err := sv.parentOf(p)
	if err != nil {
		return err
	}
	delete(dir.Entries, name)
	n.Links--
	return nil
}

// Rmdir removes the empty directory p.
func (sv *Subvolume) Rmdir(p string) error {
	n, err := sv.target(p)
	if err != nil {
		return err
	}
	if !n.IsDir() {
		return invalid(common.ErrNotDir, "%q", p)
	}
	if n.ID == RootID {
		return invalid(common.ErrInvalidPath, "cannot remove the subvolume root")
	}
	if len(n.Entries) > 0 {
		return invalid(common.ErrNotEmpty, "%q", p)
	}
	dir, name, err := sv.parentOf(p)
	if err != nil {
		return err
	}
	delete(dir.Entries, name)
	n.Links--
	return nil
}

// Rename moves from to to with rename(2) semantics: an existing target is
// replaced if the types are compatible, and a directory may not be moved
// beneath itself.
func (sv *Subvolume) Rename(from, to string) error {
	if err := sv.mutable(); err != nil {
		return err
	}
	fromDir, fromName, err := sv.parentOf(from)
	if err != nil {
		return err
	}
	id, ok := fromDir.Entries[fromName]
	if !ok {
		return invalid(common.ErrNotFound, "%q", from)
	}
	toDir, toName, err := sv.parentOf(to)
	if err != nil {
		return err
	}
	if fromDir.ID == toDir.ID && fromName == toName {
		return nil
	}
	moving := sv.inodes[id]

	existingID, replacing := toDir.Entries[toName]
	if replacing {
		if existingID == id {
			// Both names are links to the same inode.
			return nil
		}
		existing := sv.inodes[existingID]
		switch {
		case moving.IsDir() && !existing.IsDir():
			return invalid(common.ErrNotDir, "cannot replace %q with directory %q", to, from)
		case !moving.IsDir() && existing.IsDir():
			return invalid(common.ErrIsDir, "cannot replace directory %q with %q", to, from)
		case existing.IsDir() && len(existing.Entries) > 0:
			return invalid(common.ErrNotEmpty, "%q", to)
		}
	}
	if moving.IsDir() && sv.isAncestor(id, toDir.ID) {
		return invalid(common.ErrCycle, "cannot move %q into %q", from, to)
	}

	if replacing {
		sv.inodes[existingID].Links--
	}
	delete(fromDir.Entries, fromName)
	toDir.Entries[toName] = id
	if moving.IsDir() {
		moving.Parent = toDir.ID
	}
	return nil
}

// isAncestor reports whether anc is id or one of its ancestors. The walk is
// bounded by the arena size.
func (sv *Subvolume) isAncestor(anc, id InodeID) bool {
	for range len(sv.inodes) {
		if id == anc {
			return true
		}
		if id == RootID {
			return false
		}
		id = sv.inodes[id].Parent
	}
	return false
}

// SetXattr sets an extended attribute.
func (sv *Subvolume) SetXattr(p, name string, value []byte) error {
	n, err := sv.target(p)
	if err != nil {
		return err
	}
	if n.Xattrs == nil {
		n.Xattrs = make(map[string][]byte)
	}
	n.Xattrs[name] = slices.Clone(value)
	return nil
}

// RemoveXattr removes an extended attribute, which must exist.
func (sv *Subvolume) RemoveXattr(p, name string) error {
	n, err := sv.target(p)
	if err != nil {
		return err
	}
	if _, ok := n.Xattrs[name]; !ok {
		return invalid(common.ErrNotFound, "xattr %q on %q", name, p)
	}
	delete(n.Xattrs, name)
	return nil
}

// Write stores data at off, replacing whatever was there.
func (sv *Subvolume) Write(p string, off uint64, data []byte) error {
	n, err := sv.file(p)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := checkRange(p, off, uint64(len(data))); err != nil {
		return err
	}
	n.Data.Write(off, sv.newExtent(KindData, uint64(len(data)), slices.Clone(data), n, off))
	return nil
}

// UpdateExtent marks [off, off+length) as present but of unknown content.
func (sv *Subvolume) UpdateExtent(p string, off, length uint64) error {
	n, err := sv.file(p)
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if err := checkRange(p, off, length); err != nil {
		return err
	}
	n.Data.Write(off, sv.newExtent(KindUnknown, length, nil, n, off))
	return nil
}

// Truncate sets the file size.
func (sv *Subvolume) Truncate(p string, size uint64) error {
	n, err := sv.file(p)
	if err != nil {
		return err
	}
	n.Data.Truncate(size)
	return nil
}

// Fallocate preallocates the holes in a range or, with punchHole, turns the
// range into a hole.
func (sv *Subvolume) Fallocate(p string, keepSize, punchHole bool, off, length uint64) error {
	n, err := sv.file(p)
	if err != nil {
		return err
	}
	if err := checkRange(p, off, length); err != nil {
		return err
	}
	if punchHole {
		if !keepSize {
			return fmt.Errorf("%w: hole punching on %q requires keep-size", common.ErrInvalidOperation, p)
		}
		n.Data.PunchHole(off, length)
		return nil
	}
	n.Data.Allocate(off, length, keepSize, func(at, l uint64) *Extent {
		return sv.newExtent(KindPrealloc, l, nil, n, at)
	})
	return nil
}

// Clone makes [off, off+length) of p share the extents backing
// [srcOff, srcOff+length) of srcPath in src. src may be sv itself; any other
// source must be finished and must not have unresolved clones in the range.
func (sv *Subvolume) Clone(p string, off, length uint64, src *Subvolume, srcPath string, srcOff uint64) error {
	n, err := sv.file(p)
	if err != nil {
		return err
	}
	if err := checkRange(p, off, length); err != nil {
		return err
	}
	if err := checkRange(srcPath, srcOff, length); err != nil {
		return err
	}
	if src != sv && src.state == Building {
		return fmt.Errorf("%w: clone source %q is still building", common.ErrInvalidState, src.Name)
	}
	from, err := src.Lookup(srcPath)
	if err != nil {
		return err
	}
	if !from.IsFile() {
		return invalid(common.ErrWrongType, "clone source %q is a %s", srcPath, from.Type)
	}
	if src != sv && from.Data.HasPending(srcOff, length) {
		return fmt.Errorf("%w: %s:%q has pending clones in range", common.ErrUnresolvedClone, src.Name, srcPath)
	}
	n.Data.Splice(off, length, from.Data.Range(srcOff, length))
	return nil
}

// ClonePending installs a placeholder for a clone whose source subvolume
// is not available yet. The returned extent is resolved later with
// ResolvePending.
func (sv *Subvolume) ClonePending(p string, off, length uint64, source CloneSource) (*Extent, error) {
	n, err := sv.file(p)
	if err != nil {
		return nil, err
	}
	if err := checkRange(p, off, length); err != nil {
		return nil, err
	}
	if err := checkRange(source.Path, source.Offset, length); err != nil {
		return nil, err
	}
	e := sv.newExtent(KindPending, length, nil, n, off)
	e.Source = &source
	n.Data.Splice(off, length, []Segment{{Length: length, Extent: e}})
	sv.pending = append(sv.pending, e)
	return e, nil
}

// ResolvePending replaces every reference to the placeholder e with the
// extents now backing its source in src. It returns false without changing
// anything when the source range itself still has unresolved clones.
// Resolution is allowed after the subvolume has finished building.
func (sv *Subvolume) ResolvePending(e *Extent, src *Subvolume) (bool, error) {
	if sv.state == Frozen {
		return false, fmt.Errorf("%w: subvolume %q is frozen", common.ErrInvalidState, sv.Name)
	}
	from, err := src.Lookup(e.Source.Path)
	if err != nil {
		return false, err
	}
	if !from.IsFile() {
		return false, invalid(common.ErrWrongType, "clone source %q is a %s", e.Source.Path, from.Type)
	}
	if from.Data.HasPending(e.Source.Offset, e.Length) {
		return false, nil
	}
	source := &ExtentMap{segs: from.Data.Range(e.Source.Offset, e.Length), size: e.Length}
	resolve := func(off, n uint64) []Segment {
		return source.Range(off, n)
	}
	for _, n := range sv.inodes {
		if n.IsFile() {
			n.Data.ReplaceExtent(e, resolve)
		}
	}
	sv.pending = slices.DeleteFunc(sv.pending, func(x *Extent) bool { return x == e })
	return true, nil
}

// Chmod sets the permission bits; type bits in mode are ignored.
func (sv *Subvolume) Chmod(p string, mode uint64) error {
	n, err := sv.target(p)
	if err != nil {
		return err
	}
	n.Perm = uint32(mode) & PermMask
	return nil
}

// Chown sets the owner.
func (sv *Subvolume) Chown(p string, uid, gid uint64) error {
	n, err := sv.target(p)
	if err != nil {
		return err
	}
	n.UID, n.GID = uid, gid
	return nil
}

// Utimes sets the timestamps. A zero otime leaves the birth time alone.
func (sv *Subvolume) Utimes(p string, atime, mtime, ctime, otime time.Time) error {
	n, err := sv.target(p)
	if err != nil {
		return err
	}
	n.Atime, n.Mtime, n.Ctime = atime, mtime, ctime
	if !otime.IsZero() {
		n.Otime = otime
	}
	return nil
}

// SetFlags sets the inode flags (FS_IOC_SETFLAGS).
func (sv *Subvolume) SetFlags(p string, flags uint64) error {
	n, err := sv.target(p)
	if err != nil {
		return err
	}
	n.Flags = flags
	return nil
}

// EnableVerity turns on fs-verity for a regular file.
func (sv *Subvolume) EnableVerity(p string, algorithm uint8) error {
	n, err := sv.file(p)
	if err != nil {
		return err
	}
	n.Verity = algorithm
	return nil
}
