// Package cmd defines the CLI commands for the crawlcore executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlcore",
		Short: "A concurrency-controlled crawl engine.",
		Long: `crawlcore schedules and paces HTTP fetches across many crawl domains
at once: per-host concurrency budgets and delays, duplicate filtering,
vetoable idle detection, and a bounded item pipeline.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus CRAWLCORE_* env)")
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
