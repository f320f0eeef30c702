// Command veloxdb-harness drives the in-process engine through a few
// representative scenarios. It is a developer aid, not a server: it opens
// no listener and speaks no wire protocol, since both are external
// collaborators this module doesn't reimplement.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veloxdb/veloxdb/internal/vlog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "veloxdb-harness",
	Short: "Exercise the VeloxDB engine from the command line",
}

var log vlog.Logger = vlog.New("veloxdb-harness: ")

var quiet bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress progress logging")
	cobra.OnInitialize(func() {
		if quiet {
			log = vlog.Discard
		}
	})

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(updateCmd)
}
