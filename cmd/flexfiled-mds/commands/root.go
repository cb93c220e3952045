// Package commands implements the flexfiled-mds cobra command tree: the
// metadata-server entrypoint (a package-level root command, with
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
	Use:   "flexfiled-mds",
	Short: "flexfiled metadata-server: pNFS flex-files metadata service",
	Long: `flexfiled-mds is the metadata server half of a parallel NFSv4.1
flex-files file service: it owns the namespace, the NFSv4.1 client/session/
state tables, the device registry, and the piece placement engine, and
hands out layouts pointing clients directly at data-server devices.`,
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
