// Package cli provides the command-line interface for feedrelay.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var configDir = ".feedrelay"

var rootCmd = &cobra.Command{
	Use:   "feedrelay",
	Short: "Relay feed updates to chat destinations",
	Long:  "feedrelay polls feeds for subscribed authors, extracts and dedups new entries, and fans them out to chat destinations over a OneBot websocket.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("feedrelay %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", configDir, "config directory")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
