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

	"github.com/spf13/cobra"

	"btrfsdiff/internal/sendstream"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <stream>",
	Short: "Print the operations of a send-stream",
	Long: `Decodes a send-stream and prints one line per operation, similar to
'btrfs receive --dump'. zstd-compressed streams are accepted.

Examples:
  btrfsdiff dump backup.stream
  btrfsdiff dump --offsets incremental.stream.zst`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

var dumpOffsets bool

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().BoolVar(&dumpOffsets, "offsets", false, "Prefix each line with the record index and byte offset")
}

func runDump(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	data, err := sendstream.Load(raw)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	d := sendstream.NewDecoder(data)
	first := true
	for op, err := range d.All() {
		if err != nil {
			return err
		}
		if first {
			fmt.Fprintf(out, "# send-stream version %d\n", d.Version())
			first = false
		}
		if dumpOffsets {
			fmt.Fprintf(out, "%6d @%-8d ", d.Index(), d.Offset())
		}
		fmt.Fprintln(out, sendstream.Describe(op))
	}
	return nil
}
