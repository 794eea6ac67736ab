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
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"btrfsdiff/internal/demo"
	"btrfsdiff/internal/render"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Replay the built-in demo streams",
	Long: `Replays two built-in streams: create_ops, a full stream touching every
inode kind, and mutate_ops, a snapshot of it with a rename, an unlink and
an append. Prints the rendering of both, or writes the streams to a
directory for use with the other commands.

Examples:
  btrfsdiff demo
  btrfsdiff demo --write ./streams`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

var (
	demoWriteDir string
	demoVersion  uint32
)

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().StringVar(&demoWriteDir, "write", "", "Write the demo streams into this directory instead of rendering")
	demoCmd.Flags().Uint32Var(&demoVersion, "protocol", 2, "Send-stream protocol version (1-3)")
}

func runDemo(cmd *cobra.Command, args []string) error {
	streams, err := demo.Streams(demoVersion)
	if err != nil {
		return err
	}

	if demoWriteDir != "" {
		if err := os.MkdirAll(demoWriteDir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		for _, s := range streams {
			p := filepath.Join(demoWriteDir, s.Name+".stream")
			if err := os.WriteFile(p, s.Data, 0644); err != nil {
				return fmt.Errorf("failed to write stream: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", p)
		}
		return nil
	}

	fs, err := receiveStreams(streams, 0)
	if err != nil {
		return err
	}
	tree, err := render.Set(fs, demo.Rules())
	if err != nil {
		return err
	}
	_, err = io.WriteString(cmd.OutOrStdout(), tree.Text())
	return err
}
