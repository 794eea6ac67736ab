// Package export presents a frozen set as a read-only billy filesystem and
// serves it over NFS. The export root lists one directory per subvolume.
package export

import (
	"fmt"
	"io"
	"os"
	"path"
	"syscall"
	"time"

	billy "github.com/go-git/go-billy/v5"
	nfsfile "github.com/willscott/go-nfs/file"

	"btrfsdiff/internal/common"
	"btrfsdiff/internal/freeze"
	"btrfsdiff/internal/fsmodel"
)

// maxHops bounds symlink resolution, matching Linux MAXSYMLINKS.
const maxHops = 40

var errReadOnly = fmt.Errorf("%w: %w", common.ErrReadOnly, syscall.EROFS)

// FS adapts a FrozenSet to billy.Filesystem. Every mutating call fails
// with common.ErrReadOnly.
type FS struct {
	set *freeze.FrozenSet
	// ctime of the export root
	started time.Time
}

// NewFS returns a filesystem over set.
func NewFS(set *freeze.FrozenSet) *FS {
	return &FS{set: set, started: time.Now()}
}

// node is a resolved path. sub is -1 for the export root.
type node struct {
	sub   int
	inode *freeze.Inode
}

func (n node) isDir() bool {
	return n.sub < 0 || n.inode.IsDir()
}

func pathError(op, name string, err error) error {
	return &os.PathError{Op: op, Path: name, Err: err}
}

func (fs *FS) subvolume(name string) (int, *freeze.FrozenSubvolume, bool) {
	for i, f := range fs.set.Subvolumes {
		if f.Name == name {
			return i, f, true
		}
	}
	return 0, nil, false
}

// resolve walks name, following symlinks in every component and, when
// follow is set, in the last one too. Targets starting with "/" resolve
// from the root of the link's subvolume.
func (fs *FS) resolve(op, name string, follow bool) (node, error) {
	parts := common.SplitPath(name)
	for range maxHops {
		n, next, err := fs.walk(parts, follow)
		if err != nil {
			return node{}, pathError(op, name, err)
		}
		if next == nil {
			return n, nil
		}
		parts = next
	}
	return node{}, pathError(op, name, syscall.ELOOP)
}

// walk returns either the node at parts or, when it meets a symlink to
// follow, the rewritten path to continue from.
func (fs *FS) walk(parts []string, follow bool) (node, []string, error) {
	if len(parts) == 0 {
		return node{sub: -1}, nil, nil
	}
	si, sv, ok := fs.subvolume(parts[0])
	if !ok {
		return node{}, nil, os.ErrNotExist
	}
	cur := sv.Root()
	for i := 1; i < len(parts); i++ {
		if !cur.IsDir() {
			return node{}, nil, syscall.ENOTDIR
		}
		e, ok := cur.Lookup(parts[i])
		if !ok {
			return node{}, nil, os.ErrNotExist
		}
		next := sv.Inodes[e.ID]
		last := i == len(parts)-1
		if next.Type == fsmodel.TypeSymlink && (follow || !last) {
			base := path.Join(parts[:i]...)
			if path.IsAbs(next.Target) {
				base = parts[0]
			}
			rest := path.Join(parts[i+1:]...)
			rewritten := common.SplitPath(path.Join(base, next.Target, rest))
			if rewritten == nil {
				rewritten = []string{}
			}
			return node{}, rewritten, nil
		}
		cur = next
	}
	return node{sub: si, inode: cur}, nil, nil
}

func (fs *FS) info(name string, n node) *fileInfo {
	return &fileInfo{name: name, node: n, fs: fs}
}

func (fs *FS) Create(filename string) (billy.File, error) {
	return nil, pathError("create", filename, errReadOnly)
}

func (fs *FS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

func (fs *FS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, pathError("open", filename, errReadOnly)
	}
	n, err := fs.resolve("open", filename, true)
	if err != nil {
		return nil, err
	}
	return &file{name: filename, node: n}, nil
}

func (fs *FS) Stat(filename string) (os.FileInfo, error) {
	n, err := fs.resolve("stat", filename, true)
	if err != nil {
		return nil, err
	}
	return fs.info(path.Base(filename), n), nil
}

func (fs *FS) Lstat(filename string) (os.FileInfo, error) {
	n, err := fs.resolve("lstat", filename, false)
	if err != nil {
		return nil, err
	}
	return fs.info(path.Base(filename), n), nil
}

func (fs *FS) Rename(oldpath, newpath string) error {
	return pathError("rename", oldpath, errReadOnly)
}

func (fs *FS) Remove(filename string) error {
	return pathError("remove", filename, errReadOnly)
}

func (fs *FS) Join(elem ...string) string {
	return path.Join(elem...)
}

func (fs *FS) TempFile(dir, prefix string) (billy.File, error) {
	return nil, pathError("tempfile", dir, errReadOnly)
}

// ReadDir lists a directory in name order. The export root lists the
// subvolumes parents first.
func (fs *FS) ReadDir(dirname string) ([]os.FileInfo, error) {
	n, err := fs.resolve("readdir", dirname, true)
	if err != nil {
		return nil, err
	}
	if n.sub < 0 {
		out := make([]os.FileInfo, 0, len(fs.set.Subvolumes))
		for i, f := range fs.set.Subvolumes {
			out = append(out, fs.info(f.Name, node{sub: i, inode: f.Root()}))
		}
		return out, nil
	}
	if !n.inode.IsDir() {
		return nil, pathError("readdir", dirname, syscall.ENOTDIR)
	}
	sv := fs.set.Subvolumes[n.sub]
	out := make([]os.FileInfo, 0, len(n.inode.Entries))
	for _, e := range n.inode.Entries {
		out = append(out, fs.info(e.Name, node{sub: n.sub, inode: sv.Inodes[e.ID]}))
	}
	return out, nil
}

func (fs *FS) MkdirAll(filename string, perm os.FileMode) error {
	return pathError("mkdir", filename, errReadOnly)
}

func (fs *FS) Symlink(target, link string) error {
	return pathError("symlink", link, errReadOnly)
}

func (fs *FS) Readlink(link string) (string, error) {
	n, err := fs.resolve("readlink", link, false)
	if err != nil {
		return "", err
	}
	if n.sub < 0 || n.inode.Type != fsmodel.TypeSymlink {
		return "", pathError("readlink", link, syscall.EINVAL)
	}
	return n.inode.Target, nil
}

func (fs *FS) Chroot(path string) (billy.Filesystem, error) {
	return nil, os.ErrInvalid
}

func (fs *FS) Root() string {
	return "/"
}

// billy.Change interface
func (fs *FS) Chmod(name string, mode os.FileMode) error {
	return pathError("chmod", name, errReadOnly)
}

func (fs *FS) Lchown(name string, uid, gid int) error {
	return pathError("lchown", name, errReadOnly)
}

func (fs *FS) Chown(name string, uid, gid int) error {
	return pathError("chown", name, errReadOnly)
}

func (fs *FS) Chtimes(name string, atime, mtime time.Time) error {
	return pathError("chtimes", name, errReadOnly)
}

func (fs *FS) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

type file struct {
	name   string
	node   node
	offset int64
}

func (f *file) Name() string {
	return f.name
}

func (f *file) Write(p []byte) (int, error) {
	return 0, pathError("write", f.name, errReadOnly)
}

func (f *file) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// ReadAt reads file content. Holes and preallocated ranges read as zeros.
func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if f.node.isDir() {
		return 0, pathError("read", f.name, syscall.EISDIR)
	}
	in := f.node.inode
	if off < 0 {
		return 0, pathError("read", f.name, syscall.EINVAL)
	}
	if uint64(off) >= in.Size {
		return 0, io.EOF
	}
	n := min(uint64(len(p)), in.Size-uint64(off))
	buf := p[:n]
	clear(buf)
	start, end := uint64(off), uint64(off)+n
	for _, e := range in.Extents {
		if e.End() <= start || e.Offset >= end || e.Kind != fsmodel.KindData {
			continue
		}
		lo, hi := max(e.Offset, start), min(e.End(), end)
		copy(buf[lo-start:hi-start], e.Data[lo-e.Offset:hi-e.Offset])
	}
	if n < uint64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		var size int64
		if f.node.sub >= 0 {
			size = int64(f.node.inode.Size)
		}
		f.offset = size + offset
	}
	return f.offset, nil
}

func (f *file) Close() error {
	return nil
}

func (f *file) Lock() error {
	return nil
}

func (f *file) Unlock() error {
	return nil
}

func (f *file) Truncate(size int64) error {
	return pathError("truncate", f.name, errReadOnly)
}

type fileInfo struct {
	name string
	node node
	fs   *FS
}

func (fi *fileInfo) Name() string {
	return fi.name
}

func (fi *fileInfo) Size() int64 {
	if fi.node.sub < 0 {
		return 0
	}
	if fi.node.inode.Type == fsmodel.TypeSymlink {
		return int64(len(fi.node.inode.Target))
	}
	return int64(fi.node.inode.Size)
}

func (fi *fileInfo) Mode() os.FileMode {
	if fi.node.sub < 0 {
		return os.ModeDir | 0o555
	}
	in := fi.node.inode
	mode := os.FileMode(in.Perm & 0o777)
	if in.Perm&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if in.Perm&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if in.Perm&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	switch in.Type {
	case fsmodel.TypeDir:
		mode |= os.ModeDir
	case fsmodel.TypeSymlink:
		mode |= os.ModeSymlink
	case fsmodel.TypeFIFO:
		mode |= os.ModeNamedPipe
	case fsmodel.TypeSocket:
		mode |= os.ModeSocket
	case fsmodel.TypeCharDevice:
		mode |= os.ModeDevice | os.ModeCharDevice
	case fsmodel.TypeBlockDevice:
		mode |= os.ModeDevice
	}
	return mode
}

func (fi *fileInfo) ModTime() time.Time {
	if fi.node.sub < 0 {
		return fi.fs.started
	}
	return fi.node.inode.Mtime
}

func (fi *fileInfo) IsDir() bool {
	return fi.node.isDir()
}

// Sys returns the go-nfs file.FileInfo; go-nfs only reads attributes from
// that type.
func (fi *fileInfo) Sys() any {
	if fi.node.sub < 0 {
		return &nfsfile.FileInfo{Nlink: 1, Fileid: 1}
	}
	in := fi.node.inode
	return &nfsfile.FileInfo{
		Nlink:  uint32(max(in.Links, 1)),
		UID:    uint32(in.UID),
		GID:    uint32(in.GID),
		Fileid: fileID(fi.node.sub, in.ID),
	}
}

// fileID packs the subvolume position and traversal id into a stable,
// set-wide unique number. 1 is the export root.
func fileID(sub, id int) uint64 {
	return uint64(sub+1)<<32 | uint64(id+1)
}
