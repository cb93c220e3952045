// Package commands implements the flexfiled-ds cobra command tree: the
// data-server entrypoint (a package-level root command, with
// Version/Commit/Date set by main from ldflags).
package commands

import (
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "flexfiled-ds",
	Short: "flexfiled data-server: holds piece bytes for a flexfiled MDS",
	Long: `flexfiled-ds is a pNFS flex-files data server: it owns the bytes of
every piece assigned to it under a local directory tree, answers the
FINDPIECE/CREATEPIECE/REMOVEPIECE/READ/WRITE data-plane protocol, and
announces itself to a metadata server via periodic STATUS heartbeats.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
}

func GetConfigFile() string { return configFile }

func Execute() error {
	return rootCmd.Execute()
}
