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

// Package demo builds two small send streams that together touch every
// kind of inode, a hard link, an xattr, a sparse file and a same-subvolume
// clone. create_ops is a full stream and mutate_ops a snapshot of it.
package demo

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"btrfsdiff/internal/fsmodel"
	"btrfsdiff/internal/render"
	"btrfsdiff/internal/sendstream"
	"btrfsdiff/internal/subvolset"
)

const (
	CreateName = "create_ops"
	MutateName = "mutate_ops"

	createCTransID = 7
	mutateCTransID = 8
)

var (
	CreateUUID = uuid.MustParse("8d3a1f0e-5c1b-4a7e-9f21-3b6d2c4e5a01")
	MutateUUID = uuid.MustParse("1f6c9e2d-7a4b-4c3d-8e5f-a0b1c2d3e4f5")

	// BuildStart and BuildEnd bound every timestamp in the demo streams.
	BuildStart = time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)
	BuildEnd   = BuildStart.Add(2 * time.Minute)
)

func node(cmd sendstream.Command, p string, ino, mode, rdev uint64) sendstream.Make {
	return sendstream.Make{Cmd: cmd, Path: p, Ino: ino, Mode: mode, Rdev: rdev}
}

func stamp(at time.Time, paths ...string) []sendstream.Operation {
	ops := make([]sendstream.Operation, 0, len(paths))
	for i, p := range paths {
		t := at.Add(time.Duration(i) * time.Second)
		ops = append(ops, sendstream.Utimes{Path: p, Atime: t, Mtime: t, Ctime: t})
	}
	return ops
}

// CreateOps returns the operations of the create_ops stream.
func CreateOps() []sendstream.Operation {
	ops := []sendstream.Operation{
		sendstream.Subvol{Path: CreateName, UUID: CreateUUID, CTransID: createCTransID},
		sendstream.Chown{Path: "", UID: 0, GID: 0},
		sendstream.Chmod{Path: "", Mode: 0o755},

		node(sendstream.CmdMkdir, "hello", 257, 0, 0),
		sendstream.SetXattr{Path: "hello", Name: "user.test_attr", Data: []byte("chickens")},
		node(sendstream.CmdMkfile, "hello/world", 258, 0, 0),
		sendstream.Write{Path: "hello/world", Data: []byte("hi there")},

		node(sendstream.CmdMkfile, "goodbye", 259, 0, 0),
		sendstream.Link{Path: "hello/hardlink", Target: "goodbye"},
		sendstream.Symlink{Path: "bye_symlink", Ino: 260, Target: "hello/world"},

		node(sendstream.CmdMkfifo, "fifo", 261, fsmodel.ModeFIFO|0o644, 0),
		node(sendstream.CmdMksock, "unix_sock", 262, fsmodel.ModeSocket|0o755, 0),
		node(sendstream.CmdMknod, "null", 263, fsmodel.ModeChar|0o666, 0x103),

		node(sendstream.CmdMkfile, "zeros_hole_zeros", 264, 0, 0),
		sendstream.Write{Path: "zeros_hole_zeros", Offset: 0, Data: make([]byte, 4)},
		sendstream.Write{Path: "zeros_hole_zeros", Offset: 10, Data: make([]byte, 4)},

		node(sendstream.CmdMkfile, "clone", 265, 0, 0),
		sendstream.Clone{
			Path: "clone", Length: 8,
			SourceUUID: CreateUUID, SourceCTransID: createCTransID,
			SourcePath: "hello/world",
		},
		sendstream.Truncate{Path: "clone", Size: 12},
	}
	for _, p := range []string{"hello", "hello/world", "goodbye", "bye_symlink", "fifo", "unix_sock", "null", "zeros_hole_zeros", "clone"} {
		ops = append(ops, sendstream.Chown{Path: p, UID: 0, GID: 0})
	}
	for _, p := range []string{"hello/world", "goodbye", "zeros_hole_zeros", "clone"} {
		ops = append(ops, sendstream.Chmod{Path: p, Mode: 0o644})
	}
	ops = append(ops, sendstream.Chmod{Path: "hello", Mode: 0o755})
	ops = append(ops, stamp(BuildStart,
		"", "hello", "hello/world", "goodbye", "bye_symlink", "fifo",
		"unix_sock", "null", "zeros_hole_zeros", "clone")...)
	return append(ops, sendstream.End{})
}

// MutateOps returns the operations of the mutate_ops stream: a snapshot
// of create_ops with a rename, an unlink and an append.
func MutateOps() []sendstream.Operation {
	ops := []sendstream.Operation{
		sendstream.Snapshot{
			Path: MutateName, UUID: MutateUUID, CTransID: mutateCTransID,
			ParentUUID: CreateUUID, ParentCTransID: createCTransID,
		},
		sendstream.Rename{Path: "goodbye", To: "farewell"},
		sendstream.Unlink{Path: "bye_symlink"},
		sendstream.Write{Path: "zeros_hole_zeros", Offset: 14, Data: []byte("more")},
	}
	ops = append(ops, stamp(BuildStart.Add(time.Minute), "", "farewell", "zeros_hole_zeros")...)
	return append(ops, sendstream.End{})
}

// Streams encodes both demo streams with the given protocol version.
func Streams(version uint32) ([]subvolset.Stream, error) {
	var out []subvolset.Stream
	for _, s := range []struct {
		name string
		ops  []sendstream.Operation
	}{
		{CreateName, CreateOps()},
		{MutateName, MutateOps()},
	} {
		data, err := sendstream.Encode(version, s.ops...)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", s.name, err)
		}
		out = append(out, subvolset.Stream{Name: s.name, Data: data})
	}
	return out, nil
}

// Rules are the rendering rules the demo gold files were recorded with.
func Rules() render.Rules {
	return render.Rules{
		TimeWindow: &render.TimeWindow{Start: BuildStart, End: BuildEnd},
		HideFields: []string{render.FieldUUID, render.FieldCTransID},
	}
}
