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
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"btrfsdiff/internal/common"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	zstdOnce    sync.Once
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// sharedZstd returns a process-wide decoder; DecodeAll is safe for
// concurrent use.
func sharedZstd() (*zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdDecoder, zstdErr
}

// Load prepares a captured stream for decoding. Streams saved through
// `btrfs send | zstd` are decompressed; anything else is returned as is.
func Load(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	dec, err := sharedZstd()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress stream: %w", err)
	}
	return out, nil
}

// maxUnencodedLen is the largest extent btrfs compresses (128 KiB).
const maxUnencodedLen = 128 << 10

// Decode returns the plain bytes an encoded write places at Offset.
func (o EncodedWrite) Decode() ([]byte, error) {
	if o.Encryption != 0 {
		return nil, fmt.Errorf("%w: encoded write to %q: encryption %d not supported",
			common.ErrInvalidOperation, o.Path, o.Encryption)
	}
	if o.UnencodedFileLen > o.UnencodedLen || o.UnencodedOffset > o.UnencodedLen-o.UnencodedFileLen {
		return nil, fmt.Errorf("%w: encoded write to %q: range %d+%d exceeds unencoded length %d",
			common.ErrInvalidOperation, o.Path, o.UnencodedOffset, o.UnencodedFileLen, o.UnencodedLen)
	}
	if limit := max(maxUnencodedLen, uint64(len(o.Data))); o.UnencodedLen > limit {
		return nil, fmt.Errorf("%w: encoded write to %q: unencoded length %d exceeds %d",
			common.ErrInvalidOperation, o.Path, o.UnencodedLen, limit)
	}

	var raw []byte
	switch {
	case o.Compression == CompressionNone:
		raw = o.Data[:len(o.Data):len(o.Data)]
	case o.Compression == CompressionZlib:
		r, err := zlib.NewReader(bytes.NewReader(o.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: encoded write to %q: %v", common.ErrInvalidOperation, o.Path, err)
		}
		defer r.Close()
		raw, err = io.ReadAll(io.LimitReader(r, int64(o.UnencodedLen)))
		if err != nil {
			return nil, fmt.Errorf("%w: encoded write to %q: %v", common.ErrInvalidOperation, o.Path, err)
		}
	case o.Compression == CompressionZstd:
		dec, err := sharedZstd()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		raw, err = dec.DecodeAll(o.Data, make([]byte, 0, o.UnencodedLen))
		if err != nil {
			return nil, fmt.Errorf("%w: encoded write to %q: %v", common.ErrInvalidOperation, o.Path, err)
		}
	case o.Compression <= compressionLZOMax:
		return nil, fmt.Errorf("%w: encoded write to %q: lzo compression not supported",
			common.ErrInvalidOperation, o.Path)
	default:
		return nil, fmt.Errorf("%w: encoded write to %q: unknown compression %d",
			common.ErrInvalidOperation, o.Path, o.Compression)
	}

	// Short output reads as zeros, as it does on disk.
	if uint64(len(raw)) < o.UnencodedLen {
		raw = append(raw, make([]byte, o.UnencodedLen-uint64(len(raw)))...)
	}
	return raw[o.UnencodedOffset : o.UnencodedOffset+o.UnencodedFileLen], nil
}
