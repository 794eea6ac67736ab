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

// Package render projects frozen subvolumes onto a canonical tree of text
// lines that can be compared literally against recorded gold output.
//
// Every inode is rendered once, at its first path in pre-order. Later
// entries naming the same inode render as "name = #id". A segment whose
// extent bytes were already rendered earlier in the scope renders as a
// reference to that earlier location instead of repeating the content.
package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"btrfsdiff/internal/codec"
	"btrfsdiff/internal/common"
	"btrfsdiff/internal/freeze"
	"btrfsdiff/internal/fsmodel"
)

const digestLen = 8

// Subvolume renders the subvolume called name. Clone references are only
// detected within that subvolume.
func Subvolume(fs *freeze.FrozenSet, name string, rules Rules) (*Tree, error) {
	f, ok := fs.ByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: subvolume %q", common.ErrNotFound, name)
	}
	return renderScope(fs, []*freeze.FrozenSubvolume{f}, rules)
}

// Set renders every subvolume, parents first. Clone references are
// detected across the whole set, so shared extents render once.
func Set(fs *freeze.FrozenSet, rules Rules) (*Tree, error) {
	return renderScope(fs, fs.Subvolumes, rules)
}

// visit is one directory entry in pre-order.
type visit struct {
	name  string
	depth int
	inode *freeze.Inode
	first bool
}

type scopeSub struct {
	f      *freeze.FrozenSubvolume
	visits []visit
	// order lists rendered inodes by first visit, then shown orphans.
	order   []*freeze.Inode
	orphans []*freeze.Inode
	counts  map[int]int
}

type location struct {
	sub, inode, seg int
}

// holder is the first rendered occurrence of some bytes of an extent.
type holder struct {
	location
	extentOffset uint64
	length       uint64
	fileOffset   uint64
}

type renderer struct {
	rules   *compiled
	fs      *freeze.FrozenSet
	subs    []*scopeSub
	needsID map[[2]int]bool
	refs    map[location]holder
}

func renderScope(fs *freeze.FrozenSet, scope []*freeze.FrozenSubvolume, rules Rules) (*Tree, error) {
	c, err := rules.compile()
	if err != nil {
		return nil, err
	}
	r := &renderer{
		rules:   c,
		fs:      fs,
		needsID: make(map[[2]int]bool),
		refs:    make(map[location]holder),
	}
	for _, f := range scope {
		r.subs = append(r.subs, r.collect(f))
	}
	r.findClones()

	t := &Tree{}
	for i, s := range r.subs {
		t.Roots = append(t.Roots, r.subvolumeNode(i, s))
	}
	return t, nil
}

// collect walks a subvolume in pre-order, skipping ignored paths.
func (r *renderer) collect(f *freeze.FrozenSubvolume) *scopeSub {
	s := &scopeSub{f: f, counts: make(map[int]int)}
	seen := make(map[int]bool)
	var walk func(n *freeze.Inode, name, p string, depth int)
	walk = func(n *freeze.Inode, name, p string, depth int) {
		s.counts[n.ID]++
		if seen[n.ID] {
			s.visits = append(s.visits, visit{name: name, depth: depth, inode: n})
			return
		}
		seen[n.ID] = true
		s.visits = append(s.visits, visit{name: name, depth: depth, inode: n, first: true})
		s.order = append(s.order, n)
		for _, e := range n.Entries {
			child := f.Inodes[e.ID]
			cp := common.JoinPath(p, e.Name)
			if r.rules.ignored(cp, child.IsDir()) {
				continue
			}
			walk(child, e.Name, cp, depth+1)
		}
	}
	walk(f.Root(), "/", "", 0)
	if r.rules.orphans {
		s.orphans = f.Orphans()
		s.order = append(s.order, s.orphans...)
	}
	return s
}

// findClones picks, for every rendered segment, the first location in
// scope order holding all of its extent bytes. Segments with such a
// holder become references to it; the rest render their own content and
// may hold bytes for later segments.
func (r *renderer) findClones() {
	holders := make(map[fsmodel.Key][]holder)
	for si, s := range r.subs {
		for _, n := range s.order {
			for j, e := range n.Extents {
				loc := location{sub: si, inode: n.ID, seg: j}
				hs := holders[e.Key]
				found := false
				for _, h := range hs {
					if h.extentOffset <= e.ExtentOffset && e.ExtentOffset+e.Length <= h.extentOffset+h.length {
						r.refs[loc] = h
						r.needsID[[2]int{h.sub, h.inode}] = true
						found = true
						break
					}
				}
				if !found {
					holders[e.Key] = append(hs, holder{
						location:     loc,
						extentOffset: e.ExtentOffset,
						length:       e.Length,
						fileOffset:   e.Offset,
					})
				}
			}
		}
	}
	for si, s := range r.subs {
		for id, n := range s.counts {
			if n > 1 {
				r.needsID[[2]int{si, id}] = true
			}
		}
		for _, o := range s.orphans {
			r.needsID[[2]int{si, o.ID}] = true
		}
	}
}

func (r *renderer) subvolumeNode(si int, s *scopeSub) *Node {
	top := &Node{Line: r.header(s.f)}
	var stack []*Node
	for _, v := range s.visits {
		n := &Node{Line: r.entryLine(si, v)}
		stack = stack[:v.depth]
		if v.depth == 0 {
			top.Children = append(top.Children, n)
		} else {
			parent := stack[v.depth-1]
			parent.Children = append(parent.Children, n)
		}
		stack = append(stack, n)
	}
	if len(s.orphans) > 0 {
		group := &Node{Line: "(orphans)"}
		for _, o := range s.orphans {
			group.Children = append(group.Children, &Node{Line: fmt.Sprintf("#%d (%s)", o.ID, r.fields(si, o))})
		}
		top.Children = append(top.Children, group)
	}
	return top
}

func (r *renderer) header(f *freeze.FrozenSubvolume) string {
	var fields []string
	if f.ParentUUID == uuid.Nil {
		fields = append(fields, "Subvol")
	} else {
		fields = append(fields, "Snapshot")
		if p, ok := r.fs.ByUUID(f.ParentUUID); ok {
			fields = append(fields, "parent="+quoteName(p.Name))
		} else if !r.rules.hidden[FieldUUID] {
			fields = append(fields, "parent="+f.ParentUUID.String())
		}
	}
	if !r.rules.hidden[FieldUUID] {
		fields = append(fields, "uuid="+f.UUID.String())
	}
	if !r.rules.hidden[FieldCTransID] {
		fields = append(fields, "ctransid="+strconv.FormatUint(f.CTransID, 10))
	}
	return fmt.Sprintf("%s (%s)", quoteName(f.Name), strings.Join(fields, " "))
}

func (r *renderer) entryLine(si int, v visit) string {
	id := v.inode.ID
	if !v.first {
		return fmt.Sprintf("%s = #%d", quoteName(v.name), id)
	}
	name := v.name
	if v.depth > 0 {
		name = quoteName(name)
	}
	if r.needsID[[2]int{si, id}] {
		name += fmt.Sprintf(" #%d", id)
	}
	return fmt.Sprintf("%s (%s)", name, r.fields(si, v.inode))
}

func (r *renderer) fields(si int, n *freeze.Inode) string {
	hidden := r.rules.hidden
	out := []string{n.Type.String()}
	if !hidden[FieldMode] {
		out = append(out, fmt.Sprintf("m%o", n.Perm))
	}
	if !hidden[FieldOwner] {
		out = append(out, fmt.Sprintf("o%d:%d", n.UID, n.GID))
	}
	if (n.Type == fsmodel.TypeCharDevice || n.Type == fsmodel.TypeBlockDevice) && !hidden[FieldRdev] {
		major, minor := splitDev(n.Rdev)
		out = append(out, fmt.Sprintf("r%d,%d", major, minor))
	}
	if n.Flags != 0 && !hidden[FieldFlags] {
		out = append(out, fmt.Sprintf("f%x", n.Flags))
	}
	if n.Verity != 0 {
		out = append(out, fmt.Sprintf("verity%d", n.Verity))
	}
	if !hidden[FieldXattrs] {
		for _, x := range n.Xattrs {
			out = append(out, fmt.Sprintf("x:%s=%q", x.Name, x.Value))
		}
	}
	for _, ts := range []struct {
		field, prefix string
		t             time.Time
	}{
		{FieldAtime, "at", n.Atime},
		{FieldMtime, "mt", n.Mtime},
		{FieldCtime, "ct", n.Ctime},
		{FieldOtime, "ot", n.Otime},
	} {
		if hidden[ts.field] || ts.t.IsZero() {
			continue
		}
		out = append(out, ts.prefix+r.rules.time(ts.t))
	}
	switch n.Type {
	case fsmodel.TypeSymlink:
		out = append(out, "-> "+n.Target)
	case fsmodel.TypeRegular:
		out = append(out, r.extents(si, n)...)
	}
	return strings.Join(out, " ")
}

// extents renders a file body as tokens: d, p and u for data, preallocated
// and unknown extents, h for holes. A data token either carries a digest
// or points at the location that rendered the same bytes first.
func (r *renderer) extents(si int, n *freeze.Inode) []string {
	var out []string
	var pos uint64
	for j, e := range n.Extents {
		if e.Offset > pos {
			out = append(out, fmt.Sprintf("h%d", e.Offset-pos))
		}
		tok := fmt.Sprintf("%c%d", kindLetter(e.Kind), e.Length)
		if h, ok := r.refs[location{sub: si, inode: n.ID, seg: j}]; ok {
			prefix := ""
			if h.sub != si {
				prefix = quoteName(r.subs[h.sub].f.Name)
			}
			tok += fmt.Sprintf("@%s#%d+%d", prefix, h.inode, h.fileOffset+(e.ExtentOffset-h.extentOffset))
		} else if e.Kind == fsmodel.KindData && !r.rules.hidden[FieldDigest] {
			tok += ":" + codec.ShortDigest(e.Data, digestLen)
		}
		out = append(out, tok)
		pos = e.End()
	}
	if n.Size > pos {
		out = append(out, fmt.Sprintf("h%d", n.Size-pos))
	}
	return out
}

func kindLetter(k fsmodel.Kind) byte {
	switch k {
	case fsmodel.KindData:
		return 'd'
	case fsmodel.KindPrealloc:
		return 'p'
	default:
		return 'u'
	}
}

// splitDev decodes a Linux dev_t as carried in send streams.
func splitDev(dev uint64) (major, minor uint64) {
	major = (dev&0xfff00)>>8 | (dev>>32)&^0xfff
	minor = dev&0xff | (dev>>12)&0xffffff00
	return major, minor
}

// quoteName quotes names that would not read back unambiguously.
func quoteName(name string) string {
	if name == "" {
		return `""`
	}
	for _, c := range name {
		if !unicode.IsPrint(c) || unicode.IsSpace(c) || strings.ContainsRune(`"\=#()@`, c) {
			return strconv.Quote(name)
		}
	}
	return name
}
