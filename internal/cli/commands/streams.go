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

package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"btrfsdiff/internal/freeze"
	"btrfsdiff/internal/render"
	"btrfsdiff/internal/subvolset"
)

// streamName names a stream after its file, without extension.
func streamName(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func readStreams(paths []string) ([]subvolset.Stream, error) {
	out := make([]subvolset.Stream, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}
		out = append(out, subvolset.Stream{Name: streamName(p), Data: data})
	}
	return out, nil
}

// workerCount picks the flag value, falling back to settings.
func workerCount(flag int) int {
	if flag > 0 {
		return flag
	}
	if settings != nil && settings.Workers > 0 {
		return settings.Workers
	}
	return 1
}

// receiveFiles replays the streams and freezes the result.
func receiveFiles(paths []string, workers int) (*freeze.FrozenSet, error) {
	streams, err := readStreams(paths)
	if err != nil {
		return nil, err
	}
	return receiveStreams(streams, workers)
}

func receiveStreams(streams []subvolset.Stream, workers int) (*freeze.FrozenSet, error) {
	set := subvolset.New()
	if err := set.ReceiveAll(streams, workerCount(workers)); err != nil {
		return nil, err
	}
	fs, err := freeze.Set(set)
	if err != nil {
		return nil, err
	}
	log.Debugf("[Receive] froze %d subvolumes", len(fs.Subvolumes))
	return fs, nil
}

// loadRules reads a rules file, or returns the prune rules from settings
// when path is empty.
func loadRules(path string) (render.Rules, error) {
	if path == "" {
		if settings != nil {
			return settings.Prune, nil
		}
		return render.Rules{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return render.Rules{}, fmt.Errorf("failed to read rules: %w", err)
	}
	rules, err := render.ParseRules(data)
	if err != nil {
		return render.Rules{}, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}
