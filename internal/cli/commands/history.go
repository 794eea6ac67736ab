package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"btrfsdiff/internal/config"
	"btrfsdiff/internal/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history [subvolume]",
	Short: "Show recorded fingerprints",
	Long: `Lists the fingerprints stored by 'fingerprint --record', newest run first.

Examples:
  btrfsdiff history
  btrfsdiff history create_ops
  btrfsdiff history --fingerprint <fp>`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var historyFingerprint string

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyFingerprint, "fingerprint", "", "Only runs holding a subvolume with this fingerprint")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyFingerprint != "" && len(args) > 0 {
		return fmt.Errorf("--fingerprint and a subvolume name are mutually exclusive")
	}

	catalog, err := storage.Open(config.CatalogPath())
	if err != nil {
		return err
	}
	defer catalog.Close()

	ctx := context.Background()
	var records []storage.FingerprintModel
	if historyFingerprint != "" {
		records, err = catalog.Matching(ctx, historyFingerprint)
	} else {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		records, err = catalog.History(ctx, name)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recorded fingerprints")
		return nil
	}
	printHistory(cmd, records)
	return nil
}

// printHistory groups records by run in git-log style.
func printHistory(cmd *cobra.Command, records []storage.FingerprintModel) {
	out := cmd.OutOrStdout()
	run := int64(-1)
	for _, r := range records {
		if r.RunID != run {
			if run != -1 {
				fmt.Fprintln(out)
			}
			run = r.RunID
			fmt.Fprintf(out, "run %d\n", r.RunID)
			fmt.Fprintf(out, "Date:   %s\n", r.Recorded().Format("Mon Jan 2 15:04:05 2006"))
			if r.Source != "" {
				fmt.Fprintf(out, "Source: %s\n", r.Source)
			}
		}
		fmt.Fprintf(out, "    %s  %s\n", r.Fingerprint, r.Subvolume)
	}
}
