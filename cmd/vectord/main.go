// Vectord is the multi-tenant vector storage and embedding ingestion
// daemon. It fronts a pluggable vector backend (pgvector, Qdrant or
// embedded chromem), runs the training job worker loop, and exposes
// Prometheus metrics.
//
// Usage:
//
//	# Write a starter config file
//	vectord init
//
//	# Start the daemon
//	vectord serve
//
//	# Start with an explicit config file
//	vectord serve --config /etc/vectord/config.yaml
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

// configPath is the --config flag value, empty means the default path.
var configPath string

var rootCmd = &cobra.Command{
	Use:     "vectord",
	Short:   "Multi-tenant vector storage and ingestion daemon",
	Version: version + " (" + gitCommit + ")",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/vectord/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(enqueueCmd)
}
