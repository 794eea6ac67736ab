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

package sendstream

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation is one decoded command. The set of implementations is closed:
// consumers switch over the concrete types below.
type Operation interface {
	Command() Command
	isOperation()
}

// Subvol starts a full stream for a new subvolume.
type Subvol struct {
	Path     string
	UUID     uuid.UUID
	CTransID uint64
}

// Snapshot starts an incremental stream relative to an existing subvolume.
type Snapshot struct {
	Path           string
	UUID           uuid.UUID
	CTransID       uint64
	ParentUUID     uuid.UUID
	ParentCTransID uint64
}

// Make creates a regular file, directory, device node, FIFO or socket.
// Cmd is one of CmdMkfile, CmdMkdir, CmdMknod, CmdMkfifo, CmdMksock.
// Mode and Rdev are only carried by the node-creating commands.
type Make struct {
	Cmd  Command
	Path string
	Ino  uint64
	Mode uint64
	Rdev uint64
}

type Symlink struct {
	Path   string
	Ino    uint64
	Target string
}

type Rename struct {
	Path string
	To   string
}

// Link creates Path as a new hard link to the existing Target.
type Link struct {
	Path   string
	Target string
}

type Unlink struct {
	Path string
}

type Rmdir struct {
	Path string
}

type SetXattr struct {
	Path string
	Name string
	Data []byte
}

type RemoveXattr struct {
	Path string
	Name string
}

type Write struct {
	Path   string
	Offset uint64
	Data   []byte
}

// Clone shares Length bytes at SourceOffset of SourcePath in the subvolume
// SourceUUID into Path at Offset.
type Clone struct {
	Path           string
	Offset         uint64
	Length         uint64
	SourceUUID     uuid.UUID
	SourceCTransID uint64
	SourcePath     string
	SourceOffset   uint64
}

type Truncate struct {
	Path string
	Size uint64
}

type Chmod struct {
	Path string
	Mode uint64
}

type Chown struct {
	Path string
	UID  uint64
	GID  uint64
}

// Utimes sets timestamps. Otime is zero when the stream did not carry one.
type Utimes struct {
	Path  string
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Otime time.Time
}

// UpdateExtent is emitted instead of Write in no-data streams: only the
// size of the changed range is known.
type UpdateExtent struct {
	Path   string
	Offset uint64
	Length uint64
}

type Fallocate struct {
	Path   string
	Mode   uint32
	Offset uint64
	Length uint64
}

type FileAttr struct {
	Path  string
	Flags uint64
}

// EncodedWrite carries still-compressed extent data (protocol v2).
type EncodedWrite struct {
	Path             string
	Offset           uint64
	UnencodedFileLen uint64
	UnencodedLen     uint64
	UnencodedOffset  uint64
	Compression      uint32
	Encryption       uint32
	Data             []byte
}

type EnableVerity struct {
	Path      string
	Algorithm uint8
	BlockSize uint32
	Salt      []byte
	Signature []byte
}

// End terminates a stream.
type End struct{}

func (Subvol) Command() Command       { return CmdSubvol }
func (Snapshot) Command() Command     { return CmdSnapshot }
func (o Make) Command() Command       { return o.Cmd }
func (Symlink) Command() Command      { return CmdSymlink }
func (Rename) Command() Command       { return CmdRename }
func (Link) Command() Command         { return CmdLink }
func (Unlink) Command() Command       { return CmdUnlink }
func (Rmdir) Command() Command        { return CmdRmdir }
func (SetXattr) Command() Command     { return CmdSetXattr }
func (RemoveXattr) Command() Command  { return CmdRemoveXattr }
func (Write) Command() Command        { return CmdWrite }
func (Clone) Command() Command        { return CmdClone }
func (Truncate) Command() Command     { return CmdTruncate }
func (Chmod) Command() Command        { return CmdChmod }
func (Chown) Command() Command        { return CmdChown }
func (Utimes) Command() Command       { return CmdUtimes }
func (UpdateExtent) Command() Command { return CmdUpdateExtent }
func (Fallocate) Command() Command    { return CmdFallocate }
func (FileAttr) Command() Command     { return CmdFileattr }
func (EncodedWrite) Command() Command { return CmdEncodedWrite }
func (EnableVerity) Command() Command { return CmdEnableVerity }
func (End) Command() Command          { return CmdEnd }

func (Subvol) isOperation()       {}
func (Snapshot) isOperation()     {}
func (Make) isOperation()         {}
func (Symlink) isOperation()      {}
func (Rename) isOperation()       {}
func (Link) isOperation()         {}
func (Unlink) isOperation()       {}
func (Rmdir) isOperation()        {}
func (SetXattr) isOperation()     {}
func (RemoveXattr) isOperation()  {}
func (Write) isOperation()        {}
func (Clone) isOperation()        {}
func (Truncate) isOperation()     {}
func (Chmod) isOperation()        {}
func (Chown) isOperation()        {}
func (Utimes) isOperation()       {}
func (UpdateExtent) isOperation() {}
func (Fallocate) isOperation()    {}
func (FileAttr) isOperation()     {}
func (EncodedWrite) isOperation() {}
func (EnableVerity) isOperation() {}
func (End) isOperation()          {}

// PathOf returns the path an operation acts on, or "" for End.
func PathOf(op Operation) string {
	switch o := op.(type) {
	case Subvol:
		return o.Path
	case Snapshot:
		return o.Path
	case Make:
		return o.Path
	case Symlink:
		return o.Path
	case Rename:
		return o.Path
	case Link:
		return o.Path
	case Unlink:
		return o.Path
	case Rmdir:
		return o.Path
	case SetXattr:
		return o.Path
	case RemoveXattr:
		return o.Path
	case Write:
		return o.Path
	case Clone:
		return o.Path
	case Truncate:
		return o.Path
	case Chmod:
		return o.Path
	case Chown:
		return o.Path
	case Utimes:
		return o.Path
	case UpdateExtent:
		return o.Path
	case Fallocate:
		return o.Path
	case FileAttr:
		return o.Path
	case EncodedWrite:
		return o.Path
	case EnableVerity:
		return o.Path
	}
	return ""
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Describe renders an operation on one line, in the spirit of
// `btrfs receive --dump`.
func Describe(op Operation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-13s %q", op.Command(), PathOf(op))
	switch o := op.(type) {
	case Subvol:
		fmt.Fprintf(&b, " uuid=%s transid=%d", o.UUID, o.CTransID)
	case Snapshot:
		fmt.Fprintf(&b, " uuid=%s transid=%d parent_uuid=%s parent_transid=%d",
			o.UUID, o.CTransID, o.ParentUUID, o.ParentCTransID)
	case Make:
		fmt.Fprintf(&b, " ino=%d", o.Ino)
		if o.Cmd == CmdMknod || o.Cmd == CmdMkfifo || o.Cmd == CmdMksock {
			fmt.Fprintf(&b, " mode=%o rdev=0x%x", o.Mode, o.Rdev)
		}
	case Symlink:
		fmt.Fprintf(&b, " ino=%d dest=%q", o.Ino, o.Target)
	case Rename:
		fmt.Fprintf(&b, " dest=%q", o.To)
	case Link:
		fmt.Fprintf(&b, " dest=%q", o.Target)
	case SetXattr:
		fmt.Fprintf(&b, " name=%s data=%q", o.Name, o.Data)
	case RemoveXattr:
		fmt.Fprintf(&b, " name=%s", o.Name)
	case Write:
		fmt.Fprintf(&b, " offset=%d len=%d", o.Offset, len(o.Data))
	case Clone:
		fmt.Fprintf(&b, " offset=%d len=%d from=%s:%q clone_offset=%d",
			o.Offset, o.Length, o.SourceUUID, o.SourcePath, o.SourceOffset)
	case Truncate:
		fmt.Fprintf(&b, " size=%d", o.Size)
	case Chmod:
		fmt.Fprintf(&b, " mode=%o", o.Mode)
	case Chown:
		fmt.Fprintf(&b, " gid=%d uid=%d", o.GID, o.UID)
	case Utimes:
		fmt.Fprintf(&b, " atime=%s mtime=%s ctime=%s", fmtTime(o.Atime), fmtTime(o.Mtime), fmtTime(o.Ctime))
		if !o.Otime.IsZero() {
			fmt.Fprintf(&b, " otime=%s", fmtTime(o.Otime))
		}
	case UpdateExtent:
		fmt.Fprintf(&b, " offset=%d len=%d", o.Offset, o.Length)
	case Fallocate:
		fmt.Fprintf(&b, " mode=%d offset=%d len=%d", o.Mode, o.Offset, o.Length)
	case FileAttr:
		fmt.Fprintf(&b, " fileattr=0x%x", o.Flags)
	case EncodedWrite:
		fmt.Fprintf(&b, " offset=%d len=%d unencoded_file_len=%d unencoded_len=%d unencoded_offset=%d compression=%d encryption=%d",
			o.Offset, len(o.Data), o.UnencodedFileLen, o.UnencodedLen, o.UnencodedOffset, o.Compression, o.Encryption)
	case EnableVerity:
		fmt.Fprintf(&b, " algorithm=%d block_size=%d", o.Algorithm, o.BlockSize)
	}
	return b.String()
}
