// Package daemon keeps the replica fresh in the background: a periodic
// sync ticker plus a filesystem watch that picks up out-of-band changes
// to the data directory.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inkybridge/inkybridge/internal/replica"
)

// Refresher is the daemon's view of the sync coordinator.
type Refresher interface {
	SyncAndFetch(ctx context.Context) replica.Result
	Invalidate()
}

// Config holds daemon configuration.
type Config struct {
	// RefreshInterval is how often to trigger a background sync.
	// Zero disables the ticker (the watcher still runs).
	RefreshInterval time.Duration

	// DebounceInterval batches rapid file events before invalidating
	// the coordinator's store handle.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RefreshInterval:  0,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs the background refresh loops.
type Daemon struct {
	refresher Refresher
	dataDir   string
	config    *Config

	watcher *fsnotify.Watcher

	pendingMu sync.Mutex
	pending   bool
	lastEvent time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon watching dataDir.
func New(refresher Refresher, dataDir string, config *Config) (*Daemon, error) {
	if refresher == nil {
		return nil, fmt.Errorf("refresher cannot be nil")
	}
	if dataDir == "" {
		return nil, fmt.Errorf("dataDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 250 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		refresher: refresher,
		dataDir:   dataDir,
		config:    config,
		watcher:   watcher,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the watch and refresh loops. Non-blocking; use Stop to
// shut down.
func (d *Daemon) Start() error {
	if err := d.watcher.Add(d.dataDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.dataDir, err)
	}
	d.config.Logger.Printf("Watching: %s", d.dataDir)

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.refreshLoop()

	return nil
}

// Stop shuts the daemon down and waits for its goroutines.
func (d *Daemon) Stop() error {
	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// refreshLoop triggers periodic background syncs.
func (d *Daemon) refreshLoop() {
	defer d.wg.Done()

	if d.config.RefreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			res := d.refresher.SyncAndFetch(d.ctx)
			if !res.Success {
				d.config.Logger.Println("Background refresh served stale data")
			}
		}
	}
}

// watchFileEvents queues data-directory changes and invalidates the
// coordinator's handle once events settle.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.pendingMu.Lock()
			d.pending = true
			d.lastEvent = time.Now()
			d.pendingMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			d.flushPending()
		}
	}
}

// flushPending invalidates the handle once the data directory has been
// quiet for a full debounce interval.
func (d *Daemon) flushPending() {
	d.pendingMu.Lock()
	ready := d.pending && time.Since(d.lastEvent) >= d.config.DebounceInterval
	if ready {
		d.pending = false
	}
	d.pendingMu.Unlock()

	if ready {
		d.config.Logger.Println("Data directory changed, invalidating replica handle")
		d.refresher.Invalidate()
	}
}
