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
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"

	"btrfsdiff/internal/common"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crc32c is the raw CRC32C used by btrfs: caller-supplied seed, no
// pre- or post-inversion.
func crc32c(seed uint32, p []byte) uint32 {
	return ^crc32.Update(^seed, castagnoli, p)
}

// recordChecksum computes the checksum of a command record whose header
// has its crc field zeroed.
func recordChecksum(header, payload []byte) uint32 {
	return crc32c(crc32c(0, header), payload)
}

// Error reports a decoding failure together with the byte offset of the
// offending record and its index in the stream.
type Error struct {
	Offset int64
	Index  int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("send-stream record %d at byte %d: %v", e.Index, e.Offset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Decoder lazily decodes operations from an immutable buffer.
type Decoder struct {
	buf     []byte
	pos     int
	version uint32
	index   int
	recOff  int
	done    bool
	err     error
}

// NewDecoder returns a decoder over buf. No bytes are read until Next.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf, index: -1}
}

// Reset rewinds the decoder to the start of the buffer.
func (d *Decoder) Reset() {
	*d = Decoder{buf: d.buf, index: -1}
}

// Version returns the protocol version, known after the first Next.
func (d *Decoder) Version() uint32 {
	return d.version
}

// Offset returns the byte offset of the most recently decoded record.
func (d *Decoder) Offset() int64 {
	return int64(d.recOff)
}

// Index returns the zero-based index of the most recently decoded record,
// or -1 before the first one.
func (d *Decoder) Index() int {
	return d.index
}

// All returns the remaining operations as a lazy sequence. Iteration stops
// after the first error, which is yielded with a nil operation.
func (d *Decoder) All() iter.Seq2[Operation, error] {
	return func(yield func(Operation, error) bool) {
		for {
			op, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(op, err) || err != nil {
				return
			}
		}
	}
}

// Next decodes the next operation. It returns io.EOF once the END command
// has been consumed; anything after END is ignored.
func (d *Decoder) Next() (Operation, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.done {
		return nil, io.EOF
	}
	if d.pos == 0 {
		if err := d.readStreamHeader(); err != nil {
			d.err = err
			return nil, err
		}
	}
	op, err := d.readRecord()
	if err != nil {
		d.err = err
		return nil, err
	}
	return op, nil
}

func (d *Decoder) fail(kind error, format string, args ...any) error {
	return &Error{
		Offset: int64(d.recOff),
		Index:  d.index,
		Err:    fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)),
	}
}

func (d *Decoder) readStreamHeader() error {
	if len(d.buf) < streamHeaderSize {
		return d.fail(common.ErrMalformedStream, "stream header truncated (%d bytes)", len(d.buf))
	}
	if string(d.buf[:len(Magic)]) != Magic {
		return d.fail(common.ErrMalformedStream, "bad magic %q", d.buf[:len(Magic)])
	}
	d.version = binary.LittleEndian.Uint32(d.buf[len(Magic):])
	if d.version < MinVersion || d.version > MaxVersion {
		return d.fail(common.ErrMalformedStream, "unsupported version %d", d.version)
	}
	d.pos = streamHeaderSize
	return nil
}

func (d *Decoder) readRecord() (Operation, error) {
	d.recOff = d.pos
	d.index++
	remaining := len(d.buf) - d.pos
	if remaining == 0 {
		return nil, d.fail(common.ErrMalformedStream, "stream ends without an end command")
	}
	if remaining < cmdHeaderSize {
		return nil, d.fail(common.ErrMalformedStream, "command header truncated (%d bytes)", remaining)
	}

	hdr := d.buf[d.pos : d.pos+cmdHeaderSize]
	length := binary.LittleEndian.Uint32(hdr[0:])
	cmd := Command(binary.LittleEndian.Uint16(hdr[4:]))
	crc := binary.LittleEndian.Uint32(hdr[6:])
	if uint64(length) > uint64(remaining-cmdHeaderSize) {
		return nil, d.fail(common.ErrMalformedStream,
			"declared payload length %d exceeds the %d bytes left", length, remaining-cmdHeaderSize)
	}
	payload := d.buf[d.pos+cmdHeaderSize : d.pos+cmdHeaderSize+int(length)]

	var zeroed [cmdHeaderSize]byte
	copy(zeroed[:6], hdr[:6])
	if got := recordChecksum(zeroed[:], payload); got != crc {
		return nil, d.fail(common.ErrChecksumMismatch, "%s: stored crc 0x%08x, computed 0x%08x", cmd, crc, got)
	}
	if cmd == CmdUnspec || cmd > cmdMax {
		return nil, d.fail(common.ErrMalformedStream, "unknown command code %d", uint16(cmd))
	}

	a, err := parseAttrs(payload, d.version)
	if err != nil {
		return nil, d.fail(common.ErrMalformedStream, "%s: %v", cmd, err)
	}
	op, err := buildOperation(cmd, a)
	if err != nil {
		return nil, d.fail(common.ErrMalformedStream, "%s: %v", cmd, err)
	}

	d.pos += cmdHeaderSize + int(length)
	if cmd == CmdEnd {
		d.done = true
	}
	return op, nil
}

// attrs holds the attributes of one record and remembers the first
// lookup failure so builders can read fields unconditionally.
type attrs struct {
	vals map[Attr][]byte
	err  error
}

func parseAttrs(payload []byte, version uint32) (*attrs, error) {
	a := &attrs{vals: make(map[Attr][]byte)}
	pos := 0
	for pos < len(payload) {
		if len(payload)-pos < 2 {
			return nil, fmt.Errorf("attribute header truncated at payload offset %d", pos)
		}
		typ := Attr(binary.LittleEndian.Uint16(payload[pos:]))
		if version >= 2 && typ == AttrData {
			// v2 DATA has no length and runs to the end of the record.
			a.vals[typ] = payload[pos+2:]
			return a, nil
		}
		if len(payload)-pos < attrHeaderSize {
			return nil, fmt.Errorf("attribute header truncated at payload offset %d", pos)
		}
		n := int(binary.LittleEndian.Uint16(payload[pos+2:]))
		start := pos + attrHeaderSize
		if start+n > len(payload) {
			return nil, fmt.Errorf("attribute %d length %d overruns payload at offset %d", typ, n, pos)
		}
		// Unknown attribute types are informational and ignored.
		a.vals[typ] = payload[start : start+n]
		pos = start + n
	}
	return a, nil
}

func (a *attrs) has(t Attr) bool {
	_, ok := a.vals[t]
	return ok
}

func (a *attrs) bytes(t Attr) []byte {
	v, ok := a.vals[t]
	if !ok && a.err == nil {
		a.err = fmt.Errorf("missing attribute %d", t)
	}
	return v
}

func (a *attrs) str(t Attr) string {
	return string(a.bytes(t))
}

func (a *attrs) fixed(t Attr, n int) []byte {
	v := a.bytes(t)
	if v == nil {
		return nil
	}
	if len(v) != n {
		if a.err == nil {
			a.err = fmt.Errorf("attribute %d is %d bytes, want %d", t, len(v), n)
		}
		return nil
	}
	return v
}

func (a *attrs) u64(t Attr) uint64 {
	if v := a.fixed(t, 8); v != nil {
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

func (a *attrs) u32(t Attr) uint32 {
	if v := a.fixed(t, 4); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (a *attrs) u8(t Attr) uint8 {
	if v := a.fixed(t, 1); v != nil {
		return v[0]
	}
	return 0
}

func (a *attrs) uuid(t Attr) uuid.UUID {
	if v := a.fixed(t, 16); v != nil {
		id, _ := uuid.FromBytes(v)
		return id
	}
	return uuid.Nil
}

func (a *attrs) time(t Attr) time.Time {
	if v := a.fixed(t, 12); v != nil {
		sec := int64(binary.LittleEndian.Uint64(v))
		nsec := int64(binary.LittleEndian.Uint32(v[8:]))
		return time.Unix(sec, nsec).UTC()
	}
	return time.Time{}
}

func (a *attrs) optionalU32(t Attr) uint32 {
	if !a.has(t) {
		return 0
	}
	return a.u32(t)
}

func (a *attrs) optionalBytes(t Attr) []byte {
	if !a.has(t) {
		return nil
	}
	return a.bytes(t)
}

func buildOperation(cmd Command, a *attrs) (Operation, error) {
	var op Operation
	switch cmd {
	case CmdSubvol:
		op = Subvol{Path: a.str(AttrPath), UUID: a.uuid(AttrUUID), CTransID: a.u64(AttrCTransID)}
	case CmdSnapshot:
		op = Snapshot{
			Path:           a.str(AttrPath),
			UUID:           a.uuid(AttrUUID),
			CTransID:       a.u64(AttrCTransID),
			ParentUUID:     a.uuid(AttrCloneUUID),
			ParentCTransID: a.u64(AttrCloneCTransID),
		}
	case CmdMkfile, CmdMkdir:
		op = Make{Cmd: cmd, Path: a.str(AttrPath), Ino: a.u64(AttrIno)}
	case CmdMknod, CmdMkfifo, CmdMksock:
		op = Make{Cmd: cmd, Path: a.str(AttrPath), Ino: a.u64(AttrIno), Mode: a.u64(AttrMode), Rdev: a.u64(AttrRdev)}
	case CmdSymlink:
		op = Symlink{Path: a.str(AttrPath), Ino: a.u64(AttrIno), Target: a.str(AttrPathLink)}
	case CmdRename:
		op = Rename{Path: a.str(AttrPath), To: a.str(AttrPathTo)}
	case CmdLink:
		op = Link{Path: a.str(AttrPath), Target: a.str(AttrPathLink)}
	case CmdUnlink:
		op = Unlink{Path: a.str(AttrPath)}
	case CmdRmdir:
		op = Rmdir{Path: a.str(AttrPath)}
	case CmdSetXattr:
		op = SetXattr{Path: a.str(AttrPath), Name: a.str(AttrXattrName), Data: a.bytes(AttrXattrData)}
	case CmdRemoveXattr:
		op = RemoveXattr{Path: a.str(AttrPath), Name: a.str(AttrXattrName)}
	case CmdWrite:
		op = Write{Path: a.str(AttrPath), Offset: a.u64(AttrFileOffset), Data: a.bytes(AttrData)}
	case CmdClone:
		op = Clone{
			Path:           a.str(AttrPath),
			Offset:         a.u64(AttrFileOffset),
			Length:         a.u64(AttrCloneLen),
			SourceUUID:     a.uuid(AttrCloneUUID),
			SourceCTransID: a.u64(AttrCloneCTransID),
			SourcePath:     a.str(AttrClonePath),
			SourceOffset:   a.u64(AttrCloneOffset),
		}
	case CmdTruncate:
		op = Truncate{Path: a.str(AttrPath), Size: a.u64(AttrSize)}
	case CmdChmod:
		op = Chmod{Path: a.str(AttrPath), Mode: a.u64(AttrMode)}
	case CmdChown:
		op = Chown{Path: a.str(AttrPath), UID: a.u64(AttrUID), GID: a.u64(AttrGID)}
	case CmdUtimes:
		u := Utimes{
			Path:  a.str(AttrPath),
			Atime: a.time(AttrAtime),
			Mtime: a.time(AttrMtime),
			Ctime: a.time(AttrCtime),
		}
		if a.has(AttrOtime) {
			u.Otime = a.time(AttrOtime)
		}
		op = u
	case CmdUpdateExtent:
		op = UpdateExtent{Path: a.str(AttrPath), Offset: a.u64(AttrFileOffset), Length: a.u64(AttrSize)}
	case CmdFallocate:
		op = Fallocate{
			Path:   a.str(AttrPath),
			Mode:   a.u32(AttrFallocateMode),
			Offset: a.u64(AttrFileOffset),
			Length: a.u64(AttrSize),
		}
	case CmdFileattr:
		op = FileAttr{Path: a.str(AttrPath), Flags: a.u64(AttrFileattr)}
	case CmdEncodedWrite:
		op = EncodedWrite{
			Path:             a.str(AttrPath),
			Offset:           a.u64(AttrFileOffset),
			UnencodedFileLen: a.u64(AttrUnencodedFileLen),
			UnencodedLen:     a.u64(AttrUnencodedLen),
			UnencodedOffset:  a.u64(AttrUnencodedOffset),
			Compression:      a.optionalU32(AttrCompression),
			Encryption:       a.optionalU32(AttrEncryption),
			Data:             a.bytes(AttrData),
		}
	case CmdEnableVerity:
		op = EnableVerity{
			Path:      a.str(AttrPath),
			Algorithm: a.u8(AttrVerityAlgorithm),
			BlockSize: a.u32(AttrVerityBlockSize),
			Salt:      a.optionalBytes(AttrVeritySaltData),
			Signature: a.optionalBytes(AttrVeritySigData),
		}
	case CmdEnd:
		op = End{}
	default:
		return nil, fmt.Errorf("unknown command code %d", uint16(cmd))
	}
	if a.err != nil {
		return nil, a.err
	}
	return op, nil
}
