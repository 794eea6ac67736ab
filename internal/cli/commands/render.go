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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/pmezard/go-difflib/difflib"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"btrfsdiff/internal/freeze"
	"btrfsdiff/internal/render"
)

// ErrGoldMismatch is returned when a rendering differs from its gold file.
var ErrGoldMismatch = errors.New("rendering differs from gold file")

var renderCmd = &cobra.Command{
	Use:   "render <stream>...",
	Short: "Render replayed subvolumes in canonical text form",
	Long: `Replays the streams, freezes every subvolume and renders them as an
indented tree. Shared extents are rendered once; later occurrences point
at the first one.

With --gold the rendering is compared against a recorded file and the
command fails on any difference. --update-gold rewrites the file instead.

Examples:
  btrfsdiff render base.stream incr.stream
  btrfsdiff render -s incr --rules prune.yaml base.stream incr.stream
  btrfsdiff render --gold expected.txt base.stream incr.stream`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRender,
}

var (
	renderSubvolume   string
	renderRulesFile   string
	renderGold        string
	renderUpdateGold  bool
	renderFormat      string
	renderWorkers     int
	renderShowOrphans bool
)

func init() {
	rootCmd.AddCommand(renderCmd)
	renderCmd.Flags().StringVarP(&renderSubvolume, "subvolume", "s", "", "Render only this subvolume")
	renderCmd.Flags().StringVar(&renderRulesFile, "rules", "", "Render rules file (default: prune section of settings)")
	renderCmd.Flags().StringVar(&renderGold, "gold", "", "Compare against this gold file")
	renderCmd.Flags().BoolVar(&renderUpdateGold, "update-gold", false, "Rewrite the gold file instead of comparing")
	renderCmd.Flags().StringVar(&renderFormat, "format", "text", "Output format: text, cbor")
	renderCmd.Flags().IntVarP(&renderWorkers, "workers", "j", 0, "Streams replayed in parallel (default from settings)")
	renderCmd.Flags().BoolVar(&renderShowOrphans, "show-orphans", false, "Include orphaned inodes that still share extents")
}

func runRender(cmd *cobra.Command, args []string) error {
	if renderUpdateGold && renderGold == "" {
		return errors.New("--update-gold requires --gold")
	}
	rules, err := loadRules(renderRulesFile)
	if err != nil {
		return err
	}
	if renderShowOrphans {
		rules.ShowOrphans = true
	}
	fs, err := receiveFiles(args, renderWorkers)
	if err != nil {
		return err
	}
	tree, err := renderTree(fs, renderSubvolume, rules)
	if err != nil {
		return err
	}

	if renderGold != "" {
		return checkGold(cmd.OutOrStdout(), renderGold, tree.Text(), renderUpdateGold)
	}

	switch renderFormat {
	case "text":
		_, err = io.WriteString(cmd.OutOrStdout(), tree.Text())
	case "cbor":
		var data []byte
		if data, err = tree.CBOR(); err == nil {
			_, err = cmd.OutOrStdout().Write(data)
		}
	default:
		err = fmt.Errorf("unknown format %q", renderFormat)
	}
	return err
}

func renderTree(fs *freeze.FrozenSet, name string, rules render.Rules) (*render.Tree, error) {
	if name == "" {
		return render.Set(fs, rules)
	}
	return render.Subvolume(fs, name, rules)
}

// checkGold compares text with the gold file, or rewrites it when update is
// set. The gold file is locked so parallel runs do not interleave updates.
func checkGold(out io.Writer, path, text string, update bool) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock gold file: %w", err)
	}
	defer lock.Unlock()

	if update {
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			return fmt.Errorf("failed to write gold file: %w", err)
		}
		log.Infof("[Gold] updated %s", path)
		fmt.Fprintf(out, "Updated %s\n", path)
		return nil
	}

	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read gold file: %w", err)
	}
	if bytes.Equal(want, []byte(text)) {
		fmt.Fprintf(out, "OK %s\n", path)
		return nil
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(want)),
		B:        difflib.SplitLines(text),
		FromFile: path,
		ToFile:   "rendered",
		Context:  2,
	})
	if err != nil {
		return err
	}
	fmt.Fprint(out, diff)
	return fmt.Errorf("%w: %s", ErrGoldMismatch, path)
}
