package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "showrunner",
	Short: "Showrunner - multi-channel video pipeline orchestrator",
	Long: `Showrunner turns planning database rows into rendered, uploaded videos
across parallel channels. It runs a durable channel-aware task queue on
Postgres, drives each video through an eight-stage pipeline with human
review gates, and mirrors progress back to the planning database.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Showrunner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(channelCmd)
	rootCmd.AddCommand(taskCmd)
}
