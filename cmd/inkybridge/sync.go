package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkybridge/inkybridge/internal/config"
	"github.com/inkybridge/inkybridge/internal/logging"
	"github.com/inkybridge/inkybridge/internal/replica"
	"github.com/inkybridge/inkybridge/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the local replica once and report the result",
	Long: `Run a single synchronization attempt against the remote server and
print a summary of the replica contents. Useful for seeding a fresh replica
or checking connectivity before starting the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		newLogger := logging.Setup(cfg.LogFile)

		coord := replica.New(replica.Options{
			DataDir:          cfg.DataDir,
			ServerURL:        cfg.SyncServerURL,
			ClientID:         cfg.ClientID,
			EncryptionSecret: cfg.EncryptionSecret,
			SyncTimeout:      cfg.SyncTimeout,
			MinSyncInterval:  0, // one-shot: never gate
			Logger:           newLogger("[replica] "),
		})
		defer coord.Close()

		fmt.Printf("%s Syncing %s with %s...\n",
			ui.RenderAccent("→"), cfg.DataDir, cfg.SyncServerURL)
		start := time.Now()

		res := coord.SyncAndFetch(cmd.Context())
		duration := time.Since(start).Round(time.Millisecond)

		if !res.Success {
			fmt.Printf("%s Sync failed after %v; serving %d stale task(s)\n",
				ui.RenderError("✗"), duration, len(res.Tasks))
			return fmt.Errorf("synchronization failed")
		}

		fmt.Printf("%s Synced %d task(s) in %v\n",
			ui.RenderSuccess("✓"), len(res.Tasks), duration)
		fmt.Printf("%s\n", ui.RenderDim(fmt.Sprintf("replica: %s", cfg.DataDir)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
