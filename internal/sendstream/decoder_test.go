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
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsdiff/internal/common"
)

var (
	testUUID   = uuid.MustParse("7b5e3f1a-0c2d-4e6f-8a9b-1c2d3e4f5a6b")
	testParent = uuid.MustParse("11111111-2222-3333-4444-555555555555")
	testTime   = time.Unix(1700000000, 123456789).UTC()
)

// catalog returns one operation of every kind the encoder supports.
func catalog() []Operation {
	return []Operation{
		Subvol{Path: "vol", UUID: testUUID, CTransID: 12},
		Snapshot{Path: "snap", UUID: testUUID, CTransID: 13, ParentUUID: testParent, ParentCTransID: 9},
		Make{Cmd: CmdMkdir, Path: "dir", Ino: 257},
		Make{Cmd: CmdMkfile, Path: "dir/file", Ino: 258},
		Make{Cmd: CmdMknod, Path: "null", Ino: 259, Mode: 0o20644, Rdev: 0x103},
		Make{Cmd: CmdMkfifo, Path: "fifo", Ino: 260, Mode: 0o10644},
		Make{Cmd: CmdMksock, Path: "sock", Ino: 261, Mode: 0o140755},
		Symlink{Path: "link", Ino: 262, Target: "dir/file"},
		Rename{Path: "dir/file", To: "dir/renamed"},
		Link{Path: "hard", Target: "dir/renamed"},
		Unlink{Path: "hard"},
		Rmdir{Path: "empty"},
		SetXattr{Path: "dir", Name: "user.k", Data: []byte("v")},
		RemoveXattr{Path: "dir", Name: "user.k"},
		Write{Path: "dir/renamed", Offset: 4096, Data: []byte("hello world")},
		Clone{
			Path: "dir/renamed", Offset: 0, Length: 5,
			SourceUUID: testParent, SourceCTransID: 9, SourcePath: "src", SourceOffset: 6,
		},
		Truncate{Path: "dir/renamed", Size: 100},
		Chmod{Path: "dir", Mode: 0o750},
		Chown{Path: "dir", UID: 1000, GID: 100},
		Utimes{Path: "dir", Atime: testTime, Mtime: testTime.Add(time.Second), Ctime: testTime.Add(2 * time.Second)},
		Utimes{Path: "dir", Atime: testTime, Mtime: testTime, Ctime: testTime, Otime: testTime.Add(-time.Hour)},
		UpdateExtent{Path: "dir/renamed", Offset: 0, Length: 4096},
		Fallocate{Path: "dir/renamed", Mode: FallocKeepSize, Offset: 8192, Length: 4096},
		FileAttr{Path: "dir", Flags: 0x10},
		EncodedWrite{
			Path: "dir/renamed", Offset: 0, UnencodedFileLen: 3, UnencodedLen: 4, UnencodedOffset: 1,
			Compression: CompressionZstd, Data: []byte{1, 2, 3},
		},
		EnableVerity{Path: "dir/renamed", Algorithm: 1, BlockSize: 4096, Salt: []byte("salt"), Signature: []byte("sig")},
		End{},
	}
}

func decodeAll(t *testing.T, data []byte) ([]Operation, error) {
	t.Helper()
	var ops []Operation
	for op, err := range NewDecoder(data).All() {
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, version := range []uint32{1, 2, 3} {
		t.Run(fmt.Sprintf("v%d", version), func(t *testing.T) {
			t.Parallel()
			want := catalog()
			data, err := Encode(version, want...)
			require.NoError(t, err)

			got, err := decodeAll(t, data)
			require.NoError(t, err)
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i], got[i], "operation %d", i)
			}
		})
	}
}

func TestDecoderVersionAndPosition(t *testing.T) {
	t.Parallel()

	data, err := Encode(2, Subvol{Path: "a", UUID: testUUID, CTransID: 1}, End{})
	require.NoError(t, err)

	d := NewDecoder(data)
	assert.Equal(t, -1, d.Index())

	op, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, CmdSubvol, op.Command())
	assert.Equal(t, uint32(2), d.Version())
	assert.Equal(t, 0, d.Index())
	assert.Equal(t, int64(streamHeaderSize), d.Offset())

	op, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, End{}, op)

	_, err = d.Next()
	assert.Equal(t, io.EOF, err)
	_, err = d.Next()
	assert.Equal(t, io.EOF, err, "EOF is sticky")
}

func TestDecoderReset(t *testing.T) {
	t.Parallel()

	data, err := Encode(1, catalog()...)
	require.NoError(t, err)

	d := NewDecoder(data)
	first, err := d.Next()
	require.NoError(t, err)
	for {
		if _, err := d.Next(); err != nil {
			require.Equal(t, io.EOF, err)
			break
		}
	}

	d.Reset()
	again, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 0, d.Index())
}

func TestDecoderIgnoresTrailingBytes(t *testing.T) {
	t.Parallel()

	data, err := Encode(1, Subvol{Path: "a", UUID: testUUID}, End{})
	require.NoError(t, err)
	data = append(data, make([]byte, 64)...)

	ops, err := decodeAll(t, data)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestDecoderIgnoresUnknownAttributes(t *testing.T) {
	t.Parallel()

	data, err := Encode(1, Subvol{Path: "a", UUID: testUUID})
	require.NoError(t, err)

	var payload []byte
	payload = binary.LittleEndian.AppendUint16(payload, uint16(AttrPath))
	payload = binary.LittleEndian.AppendUint16(payload, 1)
	payload = append(payload, 'x')
	payload = binary.LittleEndian.AppendUint16(payload, 999)
	payload = binary.LittleEndian.AppendUint16(payload, 2)
	payload = append(payload, 0xde, 0xad)
	data = appendRecord(data, CmdUnlink, payload)
	data = appendRecord(data, CmdEnd, nil)

	ops, err := decodeAll(t, data)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, Unlink{Path: "x"}, ops[1])
}

func TestDecoderErrors(t *testing.T) {
	t.Parallel()

	valid, err := Encode(1, Subvol{Path: "a", UUID: testUUID}, Unlink{Path: "b"}, End{})
	require.NoError(t, err)
	header := valid[:streamHeaderSize]

	clone := func(b []byte) []byte { return append([]byte(nil), b...) }

	tests := []struct {
		name      string
		data      func() []byte
		wantErr   error
		wantIndex int
	}{
		{
			name:    "empty",
			data:    func() []byte { return nil },
			wantErr: common.ErrMalformedStream, wantIndex: -1,
		},
		{
			name: "bad magic",
			data: func() []byte {
				b := clone(valid)
				b[0] = 'x'
				return b
			},
			wantErr: common.ErrMalformedStream, wantIndex: -1,
		},
		{
			name: "unsupported version",
			data: func() []byte {
				b := clone(valid)
				binary.LittleEndian.PutUint32(b[len(Magic):], 9)
				return b
			},
			wantErr: common.ErrMalformedStream, wantIndex: -1,
		},
		{
			name:    "no end command",
			data:    func() []byte { return clone(header) },
			wantErr: common.ErrMalformedStream, wantIndex: 0,
		},
		{
			name:    "truncated command header",
			data:    func() []byte { return append(clone(header), 1, 2, 3) },
			wantErr: common.ErrMalformedStream, wantIndex: 0,
		},
		{
			name: "length beyond buffer",
			data: func() []byte {
				b := clone(valid)
				binary.LittleEndian.PutUint32(b[streamHeaderSize:], 1<<20)
				return b
			},
			wantErr: common.ErrMalformedStream, wantIndex: 0,
		},
		{
			name: "payload corrupted",
			data: func() []byte {
				b := clone(valid)
				b[streamHeaderSize+cmdHeaderSize+4] ^= 0xff
				return b
			},
			wantErr: common.ErrChecksumMismatch, wantIndex: 0,
		},
		{
			name: "checksum corrupted",
			data: func() []byte {
				b := clone(valid)
				b[streamHeaderSize+6] ^= 0x01
				return b
			},
			wantErr: common.ErrChecksumMismatch, wantIndex: 0,
		},
		{
			name:    "unknown command",
			data:    func() []byte { return appendRecord(clone(header), Command(200), nil) },
			wantErr: common.ErrMalformedStream, wantIndex: 0,
		},
		{
			name:    "missing required attribute",
			data:    func() []byte { return appendRecord(clone(header), CmdUnlink, nil) },
			wantErr: common.ErrMalformedStream, wantIndex: 0,
		},
		{
			name: "wrong attribute width",
			data: func() []byte {
				w := &attrWriter{version: 1}
				w.str(AttrPath, "f")
				w.u32(AttrSize, 7)
				return appendRecord(clone(header), CmdTruncate, w.buf)
			},
			wantErr: common.ErrMalformedStream, wantIndex: 0,
		},
		{
			name: "attribute overruns payload",
			data: func() []byte {
				var p []byte
				p = binary.LittleEndian.AppendUint16(p, uint16(AttrPath))
				p = binary.LittleEndian.AppendUint16(p, 50)
				p = append(p, 'a')
				return appendRecord(clone(header), CmdUnlink, p)
			},
			wantErr: common.ErrMalformedStream, wantIndex: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := decodeAll(t, tt.data())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var derr *Error
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, tt.wantIndex, derr.Index)
		})
	}
}

func TestDecoderErrorAfterValidRecords(t *testing.T) {
	t.Parallel()

	prefix, err := Encode(1, Subvol{Path: "a", UUID: testUUID})
	require.NoError(t, err)
	data, err := Encode(1, Subvol{Path: "a", UUID: testUUID}, Unlink{Path: "b"}, End{})
	require.NoError(t, err)
	unlinkOff := len(prefix)
	data[unlinkOff+cmdHeaderSize+4] ^= 0xff

	d := NewDecoder(data)
	_, err = d.Next()
	require.NoError(t, err)
	_, err = d.Next()
	require.ErrorIs(t, err, common.ErrChecksumMismatch)

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 1, derr.Index)
	assert.Equal(t, int64(unlinkOff), derr.Offset)

	_, again := d.Next()
	assert.Equal(t, err, again, "errors are sticky")
}

func TestEncoderRejects(t *testing.T) {
	t.Parallel()

	_, err := NewEncoder(0)
	assert.Error(t, err)

	e, err := NewEncoder(1)
	require.NoError(t, err)
	assert.Error(t, e.Encode(Make{Cmd: CmdWrite, Path: "x"}))
	assert.Error(t, e.Encode(SetXattr{Path: "x", Name: "n", Data: make([]byte, 70000)}))

	// v2 carries large data without a length field.
	e2, err := NewEncoder(2)
	require.NoError(t, err)
	require.NoError(t, e2.Encode(Write{Path: "x", Data: make([]byte, 70000)}))
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		op       Operation
		contains string
	}{
		{Make{Cmd: CmdMkfile, Path: "a/b", Ino: 257}, "mkfile"},
		{Write{Path: "a/b", Offset: 3, Data: []byte("xy")}, "a/b"},
		{Rename{Path: "a", To: "b"}, "b"},
		{End{}, "end"},
	}
	for _, tt := range tests {
		assert.Contains(t, Describe(tt.op), tt.contains)
	}
	assert.Equal(t, "a/b", PathOf(Write{Path: "a/b"}))
	assert.Equal(t, "", PathOf(End{}))
}
