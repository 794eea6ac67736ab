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
	"io"

	log "github.com/sirupsen/logrus"

	"btrfsdiff/internal/common"
	"btrfsdiff/internal/fsmodel"
	"btrfsdiff/internal/sendstream"
)

// OpError reports an operation the model rejected, with its position in
// the stream.
type OpError struct {
	Index   int
	Offset  int64
	Command sendstream.Command
	Path    string
	Err     error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("operation %d (%s %q) at byte %d: %v", e.Index, e.Command, e.Path, e.Offset, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Receiver replays one send-stream into a set.
type Receiver struct {
	set *Set
	sv  *fsmodel.Subvolume
}

// NewReceiver returns a receiver that adds its subvolume to s.
func (s *Set) NewReceiver() *Receiver {
	return &Receiver{set: s}
}

// Subvolume returns the subvolume being built, nil before the first
// operation.
func (r *Receiver) Subvolume() *fsmodel.Subvolume {
	return r.sv
}

// Apply applies one operation. The first operation must create the
// subvolume; END completes it.
func (r *Receiver) Apply(op sendstream.Operation) error {
	switch o := op.(type) {
	case sendstream.Subvol:
		if r.sv != nil {
			return fmt.Errorf("%w: stream already created subvolume %q", common.ErrInvalidOperation, r.sv.Name)
		}
		sv, err := r.set.create(o)
		if err != nil {
			return err
		}
		r.sv = sv
		return nil
	case sendstream.Snapshot:
		if r.sv != nil {
			return fmt.Errorf("%w: stream already created subvolume %q", common.ErrInvalidOperation, r.sv.Name)
		}
		sv, err := r.set.snapshot(o)
		if err != nil {
			return err
		}
		r.sv = sv
		return nil
	}

	if r.sv == nil {
		return fmt.Errorf("%w: %s before subvol or snapshot", common.ErrInvalidOperation, op.Command())
	}
	log.Tracef("[Receive] %s: %s", r.sv.Name, sendstream.Describe(op))

	sv := r.sv
	switch o := op.(type) {
	case sendstream.Make:
		typ, err := makeType(o)
		if err != nil {
			return err
		}
		_, err = sv.Make(o.Path, typ, o.Ino, uint32(o.Mode), o.Rdev)
		return err
	case sendstream.Symlink:
		return sv.Symlink(o.Path, o.Target, o.Ino)
	case sendstream.Rename:
		return sv.Rename(o.Path, o.To)
	case sendstream.Link:
		return sv.Link(o.Path, o.Target)
	case sendstream.Unlink:
		return sv.Unlink(o.Path)
	case sendstream.Rmdir:
		return sv.Rmdir(o.Path)
	case sendstream.SetXattr:
		return sv.SetXattr(o.Path, o.Name, o.Data)
	case sendstream.RemoveXattr:
		return sv.RemoveXattr(o.Path, o.Name)
	case sendstream.Write:
		return sv.Write(o.Path, o.Offset, o.Data)
	case sendstream.EncodedWrite:
		data, err := o.Decode()
		if err != nil {
			return err
		}
		return sv.Write(o.Path, o.Offset, data)
	case sendstream.Clone:
		return r.set.clone(sv, o)
	case sendstream.Truncate:
		return sv.Truncate(o.Path, o.Size)
	case sendstream.Chmod:
		return sv.Chmod(o.Path, o.Mode)
	case sendstream.Chown:
		return sv.Chown(o.Path, o.UID, o.GID)
	case sendstream.Utimes:
		return sv.Utimes(o.Path, o.Atime, o.Mtime, o.Ctime, o.Otime)
	case sendstream.UpdateExtent:
		return sv.UpdateExtent(o.Path, o.Offset, o.Length)
	case sendstream.Fallocate:
		return sv.Fallocate(o.Path, o.Mode&sendstream.FallocKeepSize != 0, o.Mode&sendstream.FallocPunchHole != 0, o.Offset, o.Length)
	case sendstream.FileAttr:
		return sv.SetFlags(o.Path, o.Flags)
	case sendstream.EnableVerity:
		return sv.EnableVerity(o.Path, o.Algorithm)
	case sendstream.End:
		return r.set.complete(sv)
	}
	return fmt.Errorf("%w: unsupported operation %T", common.ErrInvalidOperation, op)
}

func makeType(o sendstream.Make) (fsmodel.FileType, error) {
	switch o.Cmd {
	case sendstream.CmdMkfile:
		return fsmodel.TypeRegular, nil
	case sendstream.CmdMkdir:
		return fsmodel.TypeDir, nil
	case sendstream.CmdMkfifo:
		return fsmodel.TypeFIFO, nil
	case sendstream.CmdMksock:
		return fsmodel.TypeSocket, nil
	case sendstream.CmdMknod:
		typ, ok := fsmodel.TypeFromMode(o.Mode)
		if ok && typ != fsmodel.TypeRegular && typ != fsmodel.TypeDir && typ != fsmodel.TypeSymlink {
			return typ, nil
		}
	}
	return 0, fmt.Errorf("%w: %w: %s with mode %o", common.ErrInvalidOperation, common.ErrWrongType, o.Cmd, o.Mode)
}

// Receive decodes buf and replays it into the set, returning the completed
// subvolume. Decoder failures are *sendstream.Error, model failures
// *OpError.
func (s *Set) Receive(buf []byte) (*fsmodel.Subvolume, error) {
	data, err := sendstream.Load(buf)
	if err != nil {
		return nil, err
	}
	dec := sendstream.NewDecoder(data)
	r := s.NewReceiver()
	for {
		op, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.sv, err
		}
		if err := r.Apply(op); err != nil {
			return r.sv, &OpError{
				Index:   dec.Index(),
				Offset:  dec.Offset(),
				Command: op.Command(),
				Path:    sendstream.PathOf(op),
				Err:     err,
			}
		}
	}
	if r.sv == nil {
		return nil, fmt.Errorf("%w: stream has no operations", common.ErrMalformedStream)
	}
	return r.sv, nil
}
