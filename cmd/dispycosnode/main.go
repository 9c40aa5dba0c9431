// Command dispycosnode runs a compute node daemon: it advertises idle
// CPU slots to a remote scheduler, spawns and supervises the worker
// subprocesses a reservation claims, and reports availability until
// closed, quit, or terminated.
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/dispycosnode/pkg/log"
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
	Use:   "dispycosnode",
	Short: "dispycosnode advertises CPU slots to a scheduler and supervises task workers",
	Long: `dispycosnode is the node daemon of a cooperative task-execution fabric.

It registers a control endpoint on the messaging fabric, accepts a single
reservation at a time from a scheduler, spawns worker subprocesses for the
reserved CPU slots, and reports pulses and zombie closures until the
reservation is released or the node is closed, quit, or terminated.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dispycosnode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(quitCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
