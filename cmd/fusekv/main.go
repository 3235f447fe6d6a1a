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
		os.Exit(exitConfig)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fusekv",
	Short: "fusekv - network front-end to an embedded RocksDB store",
	Long: `fusekv serves a RocksDB database over TCP using newline-delimited
JSON messages: point reads and writes, JSON-Patch merges, ordered range
scans, write batches, transactions, column families, hot backup and
restore, with an optional read cache and Prometheus metrics.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fusekv version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
}
