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

// Package sendstream decodes and encodes the btrfs send-stream protocol.
//
// A stream is a 17-byte header (magic + version) followed by command
// records. Each record is a 10-byte header (payload length, command code,
// CRC32C) and a payload made of (type, length, value) attributes. The
// decoder turns records into typed Operation values without touching any
// filesystem; the encoder does the reverse and is used to build demo and
// test streams.
package sendstream

import "fmt"

// Magic opens every send-stream.
const Magic = "btrfs-stream\x00"

const (
	streamHeaderSize = len(Magic) + 4
	cmdHeaderSize    = 10
	attrHeaderSize   = 4
)

// Supported protocol versions.
const (
	MinVersion = 1
	MaxVersion = 3
)

// Command is a send-stream command code.
type Command uint16

const (
	CmdUnspec Command = iota
	CmdSubvol
	CmdSnapshot
	CmdMkfile
	CmdMkdir
	CmdMknod
	CmdMkfifo
	CmdMksock
	CmdSymlink
	CmdRename
	CmdLink
	CmdUnlink
	CmdRmdir
	CmdSetXattr
	CmdRemoveXattr
	CmdWrite
	CmdClone
	CmdTruncate
	CmdChmod
	CmdChown
	CmdUtimes
	CmdEnd
	CmdUpdateExtent
	// version 2
	CmdFallocate
	CmdFileattr
	CmdEncodedWrite
	// version 3
	CmdEnableVerity

	cmdMax = CmdEnableVerity
)

var commandNames = [...]string{
	CmdUnspec:       "unspec",
	CmdSubvol:       "subvol",
	CmdSnapshot:     "snapshot",
	CmdMkfile:       "mkfile",
	CmdMkdir:        "mkdir",
	CmdMknod:        "mknod",
	CmdMkfifo:       "mkfifo",
	CmdMksock:       "mksock",
	CmdSymlink:      "symlink",
	CmdRename:       "rename",
	CmdLink:         "link",
	CmdUnlink:       "unlink",
	CmdRmdir:        "rmdir",
	CmdSetXattr:     "set_xattr",
	CmdRemoveXattr:  "remove_xattr",
	CmdWrite:        "write",
	CmdClone:        "clone",
	CmdTruncate:     "truncate",
	CmdChmod:        "chmod",
	CmdChown:        "chown",
	CmdUtimes:       "utimes",
	CmdEnd:          "end",
	CmdUpdateExtent: "update_extent",
	CmdFallocate:    "fallocate",
	CmdFileattr:     "fileattr",
	CmdEncodedWrite: "encoded_write",
	CmdEnableVerity: "enable_verity",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("cmd(%d)", uint16(c))
}

// Attr is a send-stream attribute type.
type Attr uint16

const (
	AttrUnspec Attr = iota
	AttrUUID
	AttrCTransID
	AttrIno
	AttrSize
	AttrMode
	AttrUID
	AttrGID
	AttrRdev
	AttrCtime
	AttrMtime
	AttrAtime
	AttrOtime
	AttrXattrName
	AttrXattrData
	AttrPath
	AttrPathTo
	AttrPathLink
	AttrFileOffset
	AttrData
	AttrCloneUUID
	AttrCloneCTransID
	AttrClonePath
	AttrCloneOffset
	AttrCloneLen
	// version 2
	AttrFallocateMode
	AttrFileattr
	AttrUnencodedFileLen
	AttrUnencodedLen
	AttrUnencodedOffset
	AttrCompression
	AttrEncryption
	// version 3
	AttrVerityAlgorithm
	AttrVerityBlockSize
	AttrVeritySaltData
	AttrVeritySigData
)

// Fallocate mode bits.
const (
	FallocKeepSize  = 0x1
	FallocPunchHole = 0x2
)

// Encoded write compression types.
const (
	CompressionNone = 0
	CompressionZlib = 1
	CompressionZstd = 2
	// 3..7 are the LZO variants keyed by sector size.
	compressionLZOMax = 7
)
