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

package subvolset

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsdiff/internal/common"
	"btrfsdiff/internal/fsmodel"
	"btrfsdiff/internal/sendstream"
)

var (
	uuidA = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	uuidB = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")
	uuidC = uuid.MustParse("cccccccc-0000-0000-0000-000000000003")
	uuidS = uuid.MustParse("dddddddd-0000-0000-0000-000000000004")
)

func stream(t *testing.T, ops ...sendstream.Operation) []byte {
	t.Helper()
	data, err := sendstream.Encode(2, ops...)
	require.NoError(t, err)
	return data
}

func mkfile(path string, ino uint64) sendstream.Make {
	return sendstream.Make{Cmd: sendstream.CmdMkfile, Path: path, Ino: ino}
}

// volumeWith returns a stream creating a subvolume holding file f with
// content data.
func volumeWith(t *testing.T, name string, id uuid.UUID, data string, extra ...sendstream.Operation) []byte {
	t.Helper()
	ops := []sendstream.Operation{
		sendstream.Subvol{Path: name, UUID: id, CTransID: 7},
		mkfile("f", 257),
		sendstream.Write{Path: "f", Data: []byte(data)},
	}
	ops = append(ops, extra...)
	ops = append(ops, sendstream.End{})
	return stream(t, ops...)
}

func content(t *testing.T, sv *fsmodel.Subvolume, path string) string {
	t.Helper()
	n, err := sv.Lookup(path)
	require.NoError(t, err)
	return string(n.Data.Bytes())
}

func TestReceive(t *testing.T) {
	t.Parallel()

	set := New()
	sv, err := set.Receive(volumeWith(t, "vol", uuidA, "hello",
		sendstream.Make{Cmd: sendstream.CmdMkdir, Path: "d", Ino: 258},
		sendstream.Rename{Path: "f", To: "d/g"},
		sendstream.Chmod{Path: "d/g", Mode: 0o640},
	))
	require.NoError(t, err)
	assert.Equal(t, fsmodel.Complete, sv.State())
	assert.Equal(t, "hello", content(t, sv, "d/g"))

	got, ok := set.ByName("vol")
	require.True(t, ok)
	assert.Same(t, sv, got)
	got, ok = set.Get(uuidA)
	require.True(t, ok)
	assert.Same(t, sv, got)
	assert.NoError(t, set.Unresolved(sv))
}

func TestReceive_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ops       []sendstream.Operation
		wantErr   error
		wantIndex int
		wantPath  string
	}{
		{
			name:      "operation before subvol",
			ops:       []sendstream.Operation{mkfile("f", 1), sendstream.End{}},
			wantErr:   common.ErrInvalidOperation,
			wantIndex: 0, wantPath: "f",
		},
		{
			name: "write to missing file",
			ops: []sendstream.Operation{
				sendstream.Subvol{Path: "v", UUID: uuidA},
				mkfile("f", 257),
				sendstream.Write{Path: "g", Data: []byte("x")},
				sendstream.End{},
			},
			wantErr:   common.ErrNotFound,
			wantIndex: 2, wantPath: "g",
		},
		{
			name: "write to directory",
			ops: []sendstream.Operation{
				sendstream.Subvol{Path: "v", UUID: uuidA},
				sendstream.Make{Cmd: sendstream.CmdMkdir, Path: "d", Ino: 257},
				sendstream.Write{Path: "d", Data: []byte("x")},
				sendstream.End{},
			},
			wantErr:   common.ErrWrongType,
			wantIndex: 2, wantPath: "d",
		},
		{
			name: "second subvol",
			ops: []sendstream.Operation{
				sendstream.Subvol{Path: "v", UUID: uuidA},
				sendstream.Subvol{Path: "w", UUID: uuidB},
				sendstream.End{},
			},
			wantErr:   common.ErrInvalidOperation,
			wantIndex: 1, wantPath: "w",
		},
		{
			name: "snapshot of unknown parent",
			ops: []sendstream.Operation{
				sendstream.Snapshot{Path: "s", UUID: uuidS, ParentUUID: uuidC},
				sendstream.End{},
			},
			wantErr:   common.ErrNotFound,
			wantIndex: 0, wantPath: "s",
		},
		{
			name: "mknod with regular mode",
			ops: []sendstream.Operation{
				sendstream.Subvol{Path: "v", UUID: uuidA},
				sendstream.Make{Cmd: sendstream.CmdMknod, Path: "n", Mode: fsmodel.ModeFile | 0o644},
				sendstream.End{},
			},
			wantErr:   common.ErrWrongType,
			wantIndex: 1, wantPath: "n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New().Receive(stream(t, tt.ops...))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var opErr *OpError
			require.ErrorAs(t, err, &opErr)
			assert.Equal(t, tt.wantIndex, opErr.Index)
			assert.Equal(t, tt.wantPath, opErr.Path)
			assert.Positive(t, opErr.Offset)
		})
	}
}

func TestReceive_DecodeErrorKeepsPartialSubvolumeBuilding(t *testing.T) {
	t.Parallel()

	data := stream(t, sendstream.Subvol{Path: "v", UUID: uuidA}, mkfile("f", 257))
	set := New()
	sv, err := set.Receive(data)
	assert.ErrorIs(t, err, common.ErrMalformedStream)

	var se *sendstream.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Index)
	require.NotNil(t, sv)
	assert.Equal(t, fsmodel.Building, sv.State())
}

func TestReceiver_ApplyAfterEnd(t *testing.T) {
	t.Parallel()

	r := New().NewReceiver()
	require.NoError(t, r.Apply(sendstream.Subvol{Path: "v", UUID: uuidA}))
	require.NoError(t, r.Apply(mkfile("f", 257)))
	require.NoError(t, r.Apply(sendstream.End{}))

	assert.ErrorIs(t, r.Apply(sendstream.Write{Path: "f", Data: []byte("x")}), common.ErrInvalidState)
	assert.ErrorIs(t, r.Apply(sendstream.End{}), common.ErrInvalidState)
}

func TestReceive_DuplicateSubvolume(t *testing.T) {
	t.Parallel()

	set := New()
	_, err := set.Receive(volumeWith(t, "v", uuidA, "x"))
	require.NoError(t, err)

	_, err = set.Receive(volumeWith(t, "v2", uuidA, "x"))
	assert.ErrorIs(t, err, common.ErrExists)
	_, err = set.Receive(volumeWith(t, "v", uuidB, "x"))
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestSnapshotIsIndependent(t *testing.T) {
	t.Parallel()

	set := New()
	parent, err := set.Receive(volumeWith(t, "base", uuidA, "0123456789"))
	require.NoError(t, err)

	snap, err := set.Receive(stream(t,
		sendstream.Snapshot{Path: "snap", UUID: uuidS, ParentUUID: uuidA},
		sendstream.Write{Path: "f", Offset: 10, Data: []byte("ab")},
		sendstream.Clone{Path: "f", Offset: 0, Length: 2, SourceUUID: uuidA, SourcePath: "f", SourceOffset: 8},
		sendstream.End{},
	))
	require.NoError(t, err)

	assert.Equal(t, uuidA, snap.ParentUUID)
	assert.Equal(t, "89234567" + "89ab", content(t, snap, "f"))
	assert.Equal(t, "0123456789", content(t, parent, "f"))
	assert.Equal(t, []*fsmodel.Subvolume{parent, snap}, set.Subvolumes())
}

func TestCrossSubvolumeClone_Deferred(t *testing.T) {
	t.Parallel()

	set := New()
	holder, err := set.Receive(volumeWith(t, "holder", uuidA, "xxxxxx",
		sendstream.Clone{Path: "f", Offset: 2, Length: 3, SourceUUID: uuidB, SourcePath: "f", SourceOffset: 1},
	))
	require.NoError(t, err)

	err = set.Unresolved(holder)
	assert.ErrorIs(t, err, common.ErrUnresolvedClone)
	assert.Len(t, holder.Pending(), 1)

	_, err = set.Receive(volumeWith(t, "source", uuidB, "abcdef"))
	require.NoError(t, err)

	assert.NoError(t, set.Unresolved(holder))
	assert.Equal(t, "xxbcdx", content(t, holder, "f"))
}

func TestCrossSubvolumeClone_Chain(t *testing.T) {
	t.Parallel()

	set := New()
	a, err := set.Receive(volumeWith(t, "a", uuidA, "....",
		sendstream.Clone{Path: "f", Offset: 0, Length: 4, SourceUUID: uuidB, SourcePath: "f"},
	))
	require.NoError(t, err)
	b, err := set.Receive(volumeWith(t, "b", uuidB, "",
		sendstream.Clone{Path: "f", Offset: 0, Length: 4, SourceUUID: uuidC, SourcePath: "f"},
	))
	require.NoError(t, err)
	assert.ErrorIs(t, set.Unresolved(a), common.ErrUnresolvedClone)
	assert.ErrorIs(t, set.Unresolved(b), common.ErrUnresolvedClone)

	_, err = set.Receive(volumeWith(t, "c", uuidC, "wxyz"))
	require.NoError(t, err)

	assert.NoError(t, set.Unresolved(b))
	assert.NoError(t, set.Unresolved(a))
	assert.Equal(t, "wxyz", content(t, a, "f"))
	assert.Equal(t, "wxyz", content(t, b, "f"))
}

func TestCrossSubvolumeClone_MissingSourcePath(t *testing.T) {
	t.Parallel()

	set := New()
	holder, err := set.Receive(volumeWith(t, "holder", uuidA, "x",
		sendstream.Clone{Path: "f", Length: 1, SourceUUID: uuidB, SourcePath: "nope"},
	))
	require.NoError(t, err)
	_, err = set.Receive(volumeWith(t, "source", uuidB, "y"))
	require.NoError(t, err)

	err = set.Unresolved(holder)
	assert.ErrorIs(t, err, common.ErrUnresolvedClone)
	assert.Contains(t, err.Error(), "not found")
}

func TestReceiveAll(t *testing.T) {
	t.Parallel()

	streams := []Stream{
		{Name: "snap", Data: stream(t,
			sendstream.Snapshot{Path: "snap", UUID: uuidS, ParentUUID: uuidA},
			sendstream.Unlink{Path: "f"},
			sendstream.End{},
		)},
		{Name: "clones", Data: volumeWith(t, "clones", uuidC, "",
			sendstream.Clone{Path: "f", Length: 3, SourceUUID: uuidB, SourcePath: "f"},
		)},
		{Name: "base", Data: volumeWith(t, "base", uuidA, "base")},
		{Name: "other", Data: volumeWith(t, "other", uuidB, "other")},
	}

	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			t.Parallel()
			set := New()
			require.NoError(t, set.ReceiveAll(streams, workers))
			require.Equal(t, 4, set.Len())

			snap, ok := set.ByName("snap")
			require.True(t, ok)
			_, err := snap.Lookup("f")
			assert.ErrorIs(t, err, common.ErrNotFound)

			clones, ok := set.ByName("clones")
			require.True(t, ok)
			assert.NoError(t, set.Unresolved(clones))
			assert.Equal(t, "oth", content(t, clones, "f"))

			names := make([]string, 0, 4)
			for _, sv := range set.Subvolumes() {
				names = append(names, sv.Name)
			}
			assert.Equal(t, []string{"base", "clones", "other", "snap"}, names)
		})
	}
}

func TestReceiveAll_JoinsErrors(t *testing.T) {
	t.Parallel()

	streams := []Stream{
		{Name: "good", Data: volumeWith(t, "good", uuidA, "x")},
		{Name: "garbage", Data: []byte("not a stream")},
		{Name: "orphan", Data: stream(t,
			sendstream.Snapshot{Path: "orphan", UUID: uuidS, ParentUUID: uuidC},
			sendstream.End{},
		)},
	}
	set := New()
	err := set.ReceiveAll(streams, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrMalformedStream)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Contains(t, err.Error(), "stream garbage")
	assert.Contains(t, err.Error(), "stream orphan")

	_, ok := set.ByName("good")
	assert.True(t, ok)
}
