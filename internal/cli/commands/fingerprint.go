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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"btrfsdiff/internal/common"
	"btrfsdiff/internal/config"
	"btrfsdiff/internal/storage"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <stream>...",
	Short: "Print a content fingerprint per subvolume",
	Long: `Replays the streams and prints a fingerprint of every subvolume.

Two subvolumes get the same fingerprint when they hold the same tree:
timestamps, inode numbers, uuids and transids are ignored, and extents
are compared by how they are shared, not by their identity.

With --record the fingerprints are also stored in the catalog and each
line says whether the subvolume changed since it was last recorded.

Examples:
  btrfsdiff fingerprint a.stream b.stream
  btrfsdiff fingerprint --record a.stream b.stream`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFingerprint,
}

var (
	fingerprintWorkers int
	fingerprintRecord  bool
)

func init() {
	rootCmd.AddCommand(fingerprintCmd)
	fingerprintCmd.Flags().IntVarP(&fingerprintWorkers, "workers", "j", 0, "Streams replayed in parallel (default from settings)")
	fingerprintCmd.Flags().BoolVar(&fingerprintRecord, "record", false, "Store the fingerprints in the catalog")
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	fs, err := receiveFiles(args, fingerprintWorkers)
	if err != nil {
		return err
	}
	entries := storage.EntriesFrom(fs)
	if !fingerprintRecord {
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", e.Fingerprint, e.Subvolume)
		}
		return nil
	}

	catalog, err := storage.Open(config.CatalogPath())
	if err != nil {
		return err
	}
	defer catalog.Close()

	ctx := context.Background()
	status := make([]string, len(entries))
	for i, e := range entries {
		prev, err := catalog.Latest(ctx, e.Subvolume)
		switch {
		case errors.Is(err, common.ErrNotFound):
			status[i] = "new"
		case err != nil:
			return err
		case prev.Fingerprint == e.Fingerprint:
			status[i] = "unchanged"
		default:
			status[i] = "changed"
		}
	}
	runID, err := catalog.Record(ctx, strings.Join(args, " "), entries)
	if err != nil {
		return fmt.Errorf("failed to record fingerprints: %w", err)
	}
	for i, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  (%s)\n", e.Fingerprint, e.Subvolume, status[i])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recorded run %d\n", runID)
	return nil
}
