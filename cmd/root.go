package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "schedbot",
	Short: "Chat-to-calendar schedule bot",
	Long:  "SchedBot listens to chat messages, extracts schedule information from text, images and voice, and creates the events on the sender's calendar.",
}

// Execute runs the root command. Cobra prints the error itself; we only
// need the exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
