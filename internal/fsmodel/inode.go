// Package fsmodel is the in-memory filesystem a send-stream is replayed
// into: an arena of inodes per subvolume, directory entries, xattrs and
// extent maps whose extents may be shared between files and subvolumes.
package fsmodel

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// File type bits of st_mode.
const (
	ModeMask    = 0170000
	ModeSocket  = 0140000
	ModeSymlink = 0120000
	ModeFile    = 0100000
	ModeBlock   = 0060000
	ModeDir     = 0040000
	ModeChar    = 0020000
	ModeFIFO    = 0010000

	// PermMask keeps permission, setuid, setgid and sticky bits.
	PermMask = 07777
)

// FileType is the closed set of inode kinds.
type FileType uint8

const (
	TypeRegular FileType = iota + 1
	TypeDir
	TypeSymlink
	TypeSocket
	TypeFIFO
	TypeCharDevice
	TypeBlockDevice
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "File"
	case TypeDir:
		return "Dir"
	case TypeSymlink:
		return "Symlink"
	case TypeSocket:
		return "Sock"
	case TypeFIFO:
		return "FIFO"
	case TypeCharDevice:
		return "Char"
	case TypeBlockDevice:
		return "Block"
	}
	return fmt.Sprintf("FileType(%d)", uint8(t))
}

// Mode returns the st_mode type bits for t.
func (t FileType) Mode() uint32 {
	switch t {
	case TypeRegular:
		return ModeFile
	case TypeDir:
		return ModeDir
	case TypeSymlink:
		return ModeSymlink
	case TypeSocket:
		return ModeSocket
	case TypeFIFO:
		return ModeFIFO
	case TypeCharDevice:
		return ModeChar
	case TypeBlockDevice:
		return ModeBlock
	}
	return 0
}

// TypeFromMode maps the type bits of an st_mode to a FileType.
func TypeFromMode(mode uint64) (FileType, bool) {
	switch mode & ModeMask {
	case ModeFile:
		return TypeRegular, true
	case ModeDir:
		return TypeDir, true
	case ModeSymlink:
		return TypeSymlink, true
	case ModeSocket:
		return TypeSocket, true
	case ModeFIFO:
		return TypeFIFO, true
	case ModeChar:
		return TypeCharDevice, true
	case ModeBlock:
		return TypeBlockDevice, true
	}
	return 0, false
}

// InodeID addresses an inode within its subvolume's arena. IDs are
// assigned in creation order and never reused.
type InodeID uint32

// InodeRef addresses an inode anywhere in a set of subvolumes.
type InodeRef struct {
	Subvol uuid.UUID
	ID     InodeID
}

// Inode is one filesystem object. Inodes are never removed from the arena;
// unlinking only drops directory entries.
type Inode struct {
	ID   InodeID
	Type FileType
	// Ino is the on-disk inode number from the stream. It is transient and
	// never used for identity.
	Ino   uint64
	Perm  uint32
	UID   uint64
	GID   uint64
	Rdev  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Otime time.Time

	Xattrs map[string][]byte
	Flags  uint64
	// Verity is the fs-verity hash algorithm, 0 when verity is off.
	Verity uint8

	// Target is the symlink destination.
	Target string
	// Data is the extent map of a regular file.
	Data *ExtentMap
	// Entries and Parent are set for directories only. The root is its
	// own parent.
	Entries map[string]InodeID
	Parent  InodeID

	// Links counts directory entries naming this inode.
	Links int
}

// IsDir returns true if the inode is a directory
func (i *Inode) IsDir() bool {
	return i.Type == TypeDir
}

// IsFile returns true if the inode is a regular file
func (i *Inode) IsFile() bool {
	return i.Type == TypeRegular
}

// Mode returns the full st_mode.
func (i *Inode) Mode() uint32 {
	return i.Type.Mode() | i.Perm
}

// Size returns the file size for regular files, the target length for
// symlinks and 0 otherwise.
func (i *Inode) Size() uint64 {
	switch i.Type {
	case TypeRegular:
		return i.Data.Size()
	case TypeSymlink:
		return uint64(len(i.Target))
	}
	return 0
}

func newInode(id InodeID, typ FileType, ino uint64) *Inode {
	n := &Inode{ID: id, Type: typ, Ino: ino}
	switch typ {
	case TypeRegular:
		n.Data = &ExtentMap{}
	case TypeDir:
		n.Entries = make(map[string]InodeID)
	}
	return n
}

// copyInode duplicates n for a snapshot. Extents are shared, everything
// mutable is copied.
func copyInode(n *Inode) *Inode {
	c := *n
	if n.Xattrs != nil {
		c.Xattrs = make(map[string][]byte, len(n.Xattrs))
		for k, v := range n.Xattrs {
			c.Xattrs[k] = v
		}
	}
	if n.Data != nil {
		c.Data = n.Data.Clone()
	}
	if n.Entries != nil {
		c.Entries = make(map[string]InodeID, len(n.Entries))
		for k, v := range n.Entries {
			c.Entries[k] = v
		}
	}
	return &c
}
