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
	"math"
	"time"

	"github.com/google/uuid"
)

// Encoder builds a send-stream from Operation values.
type Encoder struct {
	version uint32
	buf     []byte
}

// NewEncoder starts a stream of the given protocol version.
func NewEncoder(version uint32) (*Encoder, error) {
	if version < MinVersion || version > MaxVersion {
		return nil, fmt.Errorf("unsupported send-stream version %d", version)
	}
	e := &Encoder{version: version}
	e.buf = append(e.buf, Magic...)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, version)
	return e, nil
}

// Encode is a convenience wrapper that encodes ops into a complete stream.
// The caller supplies the End operation.
func Encode(version uint32, ops ...Operation) ([]byte, error) {
	e, err := NewEncoder(version)
	if err != nil {
		return nil, err
	}
	for i, op := range ops {
		if err := e.Encode(op); err != nil {
			return nil, fmt.Errorf("operation %d (%s): %w", i, op.Command(), err)
		}
	}
	return e.Bytes(), nil
}

// Bytes returns the stream encoded so far.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Encode appends one command record.
func (e *Encoder) Encode(op Operation) error {
	w := &attrWriter{version: e.version}
	switch o := op.(type) {
	case Subvol:
		w.str(AttrPath, o.Path)
		w.uuid(AttrUUID, o.UUID)
		w.u64(AttrCTransID, o.CTransID)
	case Snapshot:
		w.str(AttrPath, o.Path)
		w.uuid(AttrUUID, o.UUID)
		w.u64(AttrCTransID, o.CTransID)
		w.uuid(AttrCloneUUID, o.ParentUUID)
		w.u64(AttrCloneCTransID, o.ParentCTransID)
	case Make:
		switch o.Cmd {
		case CmdMkfile, CmdMkdir:
			w.str(AttrPath, o.Path)
			w.u64(AttrIno, o.Ino)
		case CmdMknod, CmdMkfifo, CmdMksock:
			w.str(AttrPath, o.Path)
			w.u64(AttrIno, o.Ino)
			w.u64(AttrMode, o.Mode)
			w.u64(AttrRdev, o.Rdev)
		default:
			return fmt.Errorf("make with non-create command %s", o.Cmd)
		}
	case Symlink:
		w.str(AttrPath, o.Path)
		w.u64(AttrIno, o.Ino)
		w.str(AttrPathLink, o.Target)
	case Rename:
		w.str(AttrPath, o.Path)
		w.str(AttrPathTo, o.To)
	case Link:
		w.str(AttrPath, o.Path)
		w.str(AttrPathLink, o.Target)
	case Unlink:
		w.str(AttrPath, o.Path)
	case Rmdir:
		w.str(AttrPath, o.Path)
	case SetXattr:
		w.str(AttrPath, o.Path)
		w.str(AttrXattrName, o.Name)
		w.raw(AttrXattrData, o.Data)
	case RemoveXattr:
		w.str(AttrPath, o.Path)
		w.str(AttrXattrName, o.Name)
	case Write:
		w.str(AttrPath, o.Path)
		w.u64(AttrFileOffset, o.Offset)
		w.data(o.Data)
	case Clone:
		w.str(AttrPath, o.Path)
		w.u64(AttrFileOffset, o.Offset)
		w.u64(AttrCloneLen, o.Length)
		w.uuid(AttrCloneUUID, o.SourceUUID)
		w.u64(AttrCloneCTransID, o.SourceCTransID)
		w.str(AttrClonePath, o.SourcePath)
		w.u64(AttrCloneOffset, o.SourceOffset)
	case Truncate:
		w.str(AttrPath, o.Path)
		w.u64(AttrSize, o.Size)
	case Chmod:
		w.str(AttrPath, o.Path)
		w.u64(AttrMode, o.Mode)
	case Chown:
		w.str(AttrPath, o.Path)
		w.u64(AttrUID, o.UID)
		w.u64(AttrGID, o.GID)
	case Utimes:
		w.str(AttrPath, o.Path)
		w.time(AttrAtime, o.Atime)
		w.time(AttrMtime, o.Mtime)
		w.time(AttrCtime, o.Ctime)
		if !o.Otime.IsZero() {
			w.time(AttrOtime, o.Otime)
		}
	case UpdateExtent:
		w.str(AttrPath, o.Path)
		w.u64(AttrFileOffset, o.Offset)
		w.u64(AttrSize, o.Length)
	case Fallocate:
		w.str(AttrPath, o.Path)
		w.u32(AttrFallocateMode, o.Mode)
		w.u64(AttrFileOffset, o.Offset)
		w.u64(AttrSize, o.Length)
	case FileAttr:
		w.str(AttrPath, o.Path)
		w.u64(AttrFileattr, o.Flags)
	case EncodedWrite:
		w.str(AttrPath, o.Path)
		w.u64(AttrFileOffset, o.Offset)
		w.u64(AttrUnencodedFileLen, o.UnencodedFileLen)
		w.u64(AttrUnencodedLen, o.UnencodedLen)
		w.u64(AttrUnencodedOffset, o.UnencodedOffset)
		if o.Compression != 0 {
			w.u32(AttrCompression, o.Compression)
		}
		if o.Encryption != 0 {
			w.u32(AttrEncryption, o.Encryption)
		}
		w.data(o.Data)
	case EnableVerity:
		w.str(AttrPath, o.Path)
		w.u8(AttrVerityAlgorithm, o.Algorithm)
		w.u32(AttrVerityBlockSize, o.BlockSize)
		if o.Salt != nil {
			w.raw(AttrVeritySaltData, o.Salt)
		}
		if o.Signature != nil {
			w.raw(AttrVeritySigData, o.Signature)
		}
	case End:
	default:
		return fmt.Errorf("cannot encode %T", op)
	}
	if w.err != nil {
		return w.err
	}
	e.buf = appendRecord(e.buf, op.Command(), w.buf)
	return nil
}

// appendRecord frames payload as a command record with a valid checksum.
func appendRecord(dst []byte, cmd Command, payload []byte) []byte {
	var hdr [cmdHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint16(hdr[4:], uint16(cmd))
	binary.LittleEndian.PutUint32(hdr[6:], recordChecksum(hdr[:], payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

type attrWriter struct {
	version uint32
	buf     []byte
	err     error
}

func (w *attrWriter) raw(t Attr, v []byte) {
	if len(v) > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("attribute %d value of %d bytes does not fit", t, len(v))
		}
		return
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(t))
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(v)))
	w.buf = append(w.buf, v...)
}

// data writes the DATA attribute, which must come last in v2+ records.
func (w *attrWriter) data(v []byte) {
	if w.version >= 2 {
		w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(AttrData))
		w.buf = append(w.buf, v...)
		return
	}
	w.raw(AttrData, v)
}

func (w *attrWriter) str(t Attr, s string) {
	w.raw(t, []byte(s))
}

func (w *attrWriter) u64(t Attr, v uint64) {
	w.raw(t, binary.LittleEndian.AppendUint64(nil, v))
}

func (w *attrWriter) u32(t Attr, v uint32) {
	w.raw(t, binary.LittleEndian.AppendUint32(nil, v))
}

func (w *attrWriter) u8(t Attr, v uint8) {
	w.raw(t, []byte{v})
}

func (w *attrWriter) uuid(t Attr, id uuid.UUID) {
	w.raw(t, id[:])
}

func (w *attrWriter) time(t Attr, ts time.Time) {
	b := binary.LittleEndian.AppendUint64(nil, uint64(ts.Unix()))
	b = binary.LittleEndian.AppendUint32(b, uint32(ts.Nanosecond()))
	w.raw(t, b)
}
