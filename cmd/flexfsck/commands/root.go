// Package commands implements flexfsck's cobra command tree: an offline
// consistency checker that reads a flexfiled kvstore directory directly,
// without needing a running MDS.
package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flexfsck",
	Short: "Offline consistency check for a flexfiled kvstore directory",
	Long: `flexfsck opens a flexfiled metadata-server's kvstore directory
directly and reports inconsistencies between the piece location table
and its per-device reverse index, and pieces whose replica count has
drifted from the configured target. It never writes to the store.`,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
