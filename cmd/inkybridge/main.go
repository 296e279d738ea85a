// Command inkybridge serves a read-only HTTP view over a periodically
// synchronized local replica of a remote task list.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "inkybridge",
	Short: "Read-only HTTP bridge for a synchronized task replica",
	Long: `inkybridge keeps a local replica of a remote task list and serves
it over HTTP. The replica is synchronized on demand (bounded, rate-limited,
single-flight) and the API always answers with the best available snapshot,
stale if the sync server is unreachable.

Configuration comes from the environment (TASKCHAMPION_SYNC_SERVER_URL,
TASKCHAMPION_CLIENT_ID, TASKCHAMPION_ENCRYPTION_SECRET, ...), optionally
layered over a YAML file passed with --config.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to YAML config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
