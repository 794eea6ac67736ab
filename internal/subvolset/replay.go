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
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"btrfsdiff/internal/sendstream"
)

// Stream is one named send-stream. The name is used in error messages;
// the subvolume name comes from the stream itself.
type Stream struct {
	Name string
	Data []byte
}

type header struct {
	stream Stream
	uuid   uuid.UUID
	parent uuid.UUID
}

// peek decodes the first operation to learn which subvolume a stream
// creates and which parent it needs.
func peek(st Stream) (header, error) {
	data, err := sendstream.Load(st.Data)
	if err != nil {
		return header{}, err
	}
	op, err := sendstream.NewDecoder(data).Next()
	if err != nil {
		return header{}, err
	}
	h := header{stream: Stream{Name: st.Name, Data: data}}
	switch o := op.(type) {
	case sendstream.Subvol:
		h.uuid = o.UUID
	case sendstream.Snapshot:
		h.uuid, h.parent = o.UUID, o.ParentUUID
	}
	return h, nil
}

// waves groups streams so that every snapshot comes after the stream that
// creates its parent. Streams whose parent is in no earlier wave go last
// and fail when applied.
func waves(hs []header) [][]header {
	placed := make(map[uuid.UUID]bool)
	inBatch := make(map[uuid.UUID]bool)
	for _, h := range hs {
		inBatch[h.uuid] = true
	}
	var out [][]header
	rest := hs
	for len(rest) > 0 {
		var wave, next []header
		for _, h := range rest {
			if h.parent == uuid.Nil || !inBatch[h.parent] || placed[h.parent] {
				wave = append(wave, h)
			} else {
				next = append(next, h)
			}
		}
		if len(wave) == 0 {
			out = append(out, next)
			break
		}
		for _, h := range wave {
			placed[h.uuid] = true
		}
		out = append(out, wave)
		rest = next
	}
	return out
}

// ReceiveAll replays several streams into the set. Independent streams run
// in parallel on a pool of workers; snapshots wait for their parents.
// Clones between streams resolve in whatever order the streams complete.
// Errors from all streams are joined.
func (s *Set) ReceiveAll(streams []Stream, workers int) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	var errs []error
	hs := make([]header, 0, len(streams))
	for _, st := range streams {
		h, err := peek(st)
		if err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", st.Name, err))
			continue
		}
		hs = append(hs, h)
	}

	var mu sync.Mutex
	for i, wave := range waves(hs) {
		log.Debugf("[Receive] wave %d: %d streams", i, len(wave))
		var wg sync.WaitGroup
		for _, h := range wave {
			wg.Add(1)
			task := func() {
				defer wg.Done()
				if _, err := s.Receive(h.stream.Data); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("stream %s: %w", h.stream.Name, err))
					mu.Unlock()
				}
			}
			if err := pool.Submit(task); err != nil {
				wg.Done()
				mu.Lock()
				errs = append(errs, fmt.Errorf("stream %s: %w", h.stream.Name, err))
				mu.Unlock()
			}
		}
		wg.Wait()
	}
	return errors.Join(errs...)
}
