package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inkybridge/inkybridge/internal/config"
	"github.com/inkybridge/inkybridge/internal/daemon"
	"github.com/inkybridge/inkybridge/internal/logging"
	"github.com/inkybridge/inkybridge/internal/replica"
	"github.com/inkybridge/inkybridge/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge HTTP server",
	Long: `Start the bridge: open (or create) the local replica, serve the
read-only API, and synchronize against the remote server on demand.

Endpoints:
  GET /overview   pending tasks, sorted by project then entry (syncs on demand)
  GET /tasks      all tasks, optional ?status= filter (syncs on demand)
  GET /health     liveness; never triggers a sync
  GET /ws         WebSocket feed of sync events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		newLogger := logging.Setup(cfg.LogFile)
		logger := newLogger("[inkybridge] ")

		logger.Printf("Starting inkybridge")
		logger.Printf("  Sync server: %s", cfg.SyncServerURL)
		logger.Printf("  Replica dir: %s", cfg.DataDir)
		logger.Printf("  Client ID: %s", cfg.ClientID)
		logger.Printf("  Auth required: %v", cfg.RequiresAuth())

		// The hub is wired after the server exists; the coordinator
		// only syncs once requests arrive, so the indirection is safe.
		var hub *server.Hub

		coord := replica.New(replica.Options{
			DataDir:          cfg.DataDir,
			ServerURL:        cfg.SyncServerURL,
			ClientID:         cfg.ClientID,
			EncryptionSecret: cfg.EncryptionSecret,
			SyncTimeout:      cfg.SyncTimeout,
			MinSyncInterval:  cfg.MinSyncInterval,
			Logger:           newLogger("[replica] "),
			Notify: func(res replica.Result) {
				if hub != nil {
					hub.NotifySync(res)
				}
			},
		})
		defer coord.Close()

		srv := server.New(coord, server.Config{
			Addr:        cfg.ListenAddr,
			AuthSecret:  cfg.AuthSecret,
			Timezone:    cfg.Timezone,
			ReplicaPath: cfg.DataDir,
			Logger:      newLogger("[server] "),
		})
		hub = srv.Hub()

		d, err := daemon.New(coord, cfg.DataDir, &daemon.Config{
			RefreshInterval: cfg.RefreshInterval,
			Logger:          newLogger("[daemon] "),
		})
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		if err := srv.Start(); err != nil {
			return err
		}
		if err := d.Start(); err != nil {
			_ = srv.Stop()
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		logger.Println("Shutting down inkybridge")
		if err := d.Stop(); err != nil {
			logger.Printf("Daemon stop error: %v", err)
		}
		return srv.Stop()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
