package replica

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/inkybridge/inkybridge/internal/task"
	"github.com/inkybridge/inkybridge/internal/taskdb"
)

const (
	syncRetryAttempts   = 3
	syncRetryDelay      = 2 * time.Second
	failuresBeforeReset = 3
)

var errTimeout = errors.New("sync attempt timed out")

// Store is the coordinator's view of a replica store handle. Implemented
// by *taskdb.Store; tests substitute fakes through Options.OpenStore.
type Store interface {
	ReadAll() ([]task.Entry, error)
	Sync(ctx context.Context, serverURL, clientID, secret string, avoidSnapshots bool) error
	Close() error
}

// OpenFunc opens or creates a store handle in dataDir.
type OpenFunc func(dataDir string) (Store, error)

// Result is the outcome of one SyncAndFetch call. Tasks always holds the
// best available snapshot; Success says whether it is fresh. LastSyncAt
// is zero when no sync has ever succeeded.
type Result struct {
	Success    bool
	Tasks      []task.Record
	LastSyncAt time.Time
}

// Options configures a Coordinator. DataDir, ServerURL, ClientID and
// EncryptionSecret are required; the rest have working defaults.
type Options struct {
	DataDir          string
	ServerURL        string
	ClientID         string
	EncryptionSecret string

	// SyncTimeout bounds one attempt, queue wait included.
	SyncTimeout time.Duration

	// MinSyncInterval is the minimum time between attempt starts.
	MinSyncInterval time.Duration

	// OpenStore defaults to taskdb.Open.
	OpenStore OpenFunc

	// Notify, when set, is called with the result of every resolved
	// attempt (not for gated calls that skipped synchronization).
	Notify func(Result)

	Logger *log.Logger
}

// Coordinator gates, serializes and bounds synchronization attempts, and
// always answers with the best available snapshot.
//
// One Coordinator per process per data directory. Construct with New,
// release with Close.
type Coordinator struct {
	opts   Options
	logger *log.Logger

	// Test hooks; production values set by New.
	now        func() time.Time
	retryDelay time.Duration

	// Worker. store is confined to the worker goroutine.
	jobs  chan func()
	quit  chan struct{}
	done  chan struct{}
	store Store

	closeOnce sync.Once

	// syncMu is the single-flight guarantee: at most one attempt in
	// flight, waiters share its outcome via the gate re-check.
	syncMu sync.Mutex

	// stateMu guards the fields below. Never held across store I/O, so
	// the liveness accessor cannot block behind an attempt.
	stateMu             sync.Mutex
	lastAttemptAt       time.Time
	lastSuccessAt       time.Time
	consecutiveFailures int
	cachedSnapshot      []task.Record
	hasSnapshot         bool
}

// New creates a Coordinator and starts its worker goroutine.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[replica] ", log.LstdFlags)
	}
	if opts.OpenStore == nil {
		opts.OpenStore = func(dataDir string) (Store, error) {
			return taskdb.Open(dataDir)
		}
	}

	c := &Coordinator{
		opts:       opts,
		logger:     opts.Logger,
		now:        time.Now,
		retryDelay: syncRetryDelay,
		jobs:       make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go c.workerLoop()
	return c
}

// Close stops the worker and closes the store handle. Pending abandoned
// jobs are dropped. Safe to call more than once.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

// LastSuccessfulSync returns when the most recent successful sync
// completed. ok is false if no sync has ever succeeded.
//
// This never triggers synchronization and never touches the single-flight
// lock; it is safe for liveness probes.
func (c *Coordinator) LastSuccessfulSync() (t time.Time, ok bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastSuccessAt, !c.lastSuccessAt.IsZero()
}

// SyncAndFetch returns the freshest available task snapshot,
// synchronizing against the remote server first if the minimum interval
// has elapsed. Synchronization failures are absorbed: the call always
// returns a usable (possibly stale) result, never an error.
func (c *Coordinator) SyncAndFetch(ctx context.Context) Result {
	// Cheap gate before the lock: protects server and store from
	// request storms without serializing gated callers.
	if res, ok := c.gated(); ok {
		return res
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	// Re-check after acquiring the lock: a waiter whose predecessor
	// just synced reuses that outcome instead of starting its own.
	if res, ok := c.gated(); ok {
		return res
	}

	c.stateMu.Lock()
	c.lastAttemptAt = c.now()
	resetFirst := c.consecutiveFailures >= failuresBeforeReset
	if resetFirst {
		c.consecutiveFailures = 0
	}
	c.stateMu.Unlock()

	if resetFirst {
		c.logger.Printf("Repeated sync failures, resetting replica at %s and re-syncing from server", c.opts.DataDir)
	}

	start := c.now()
	out := c.runAttempt(ctx, resetFirst)
	duration := c.now().Sub(start)

	c.stateMu.Lock()
	if out.err == nil {
		c.lastSuccessAt = c.now()
		c.consecutiveFailures = 0
		c.cachedSnapshot = out.records
		c.hasSnapshot = true
		c.logger.Printf("Sync succeeded in %dms (%d tasks)", duration.Milliseconds(), len(out.records))
	} else {
		c.consecutiveFailures++
		c.logger.Printf("Sync failed after %dms (consecutive failures: %d): %v",
			duration.Milliseconds(), c.consecutiveFailures, out.err)
		if !c.hasSnapshot && out.readOK {
			// First population from a stale read; never a rollback.
			c.cachedSnapshot = out.records
			c.hasSnapshot = true
		}
	}
	res := Result{
		Success:    out.err == nil,
		Tasks:      c.cachedSnapshot,
		LastSyncAt: c.lastSuccessAt,
	}
	c.stateMu.Unlock()

	if c.opts.Notify != nil {
		c.opts.Notify(res)
	}
	return res
}

// Invalidate asks the worker to drop the current store handle so the next
// read reopens from disk. Used when the data directory changed out of
// band. Does not wait for the worker.
func (c *Coordinator) Invalidate() {
	job := func() { c.closeStoreOnWorker() }
	select {
	case c.jobs <- job:
	case <-c.quit:
	}
}

// gated returns the cached snapshot when the minimum interval since the
// last attempt start has not elapsed yet.
func (c *Coordinator) gated() (Result, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.lastAttemptAt.IsZero() {
		return Result{}, false
	}
	if elapsed := c.now().Sub(c.lastAttemptAt); elapsed >= c.opts.MinSyncInterval {
		return Result{}, false
	}

	return Result{
		Success:    c.consecutiveFailures == 0 && !c.lastSuccessAt.IsZero(),
		Tasks:      c.cachedSnapshot,
		LastSyncAt: c.lastSuccessAt,
	}, true
}

// attemptOutcome is what one worker attempt resolves to. records/readOK
// carry the post-sync read even when the sync itself failed, so a
// never-populated cache can still be seeded from stale on-disk data.
type attemptOutcome struct {
	err     error
	records []task.Record
	readOK  bool
}

// runAttempt dispatches the synchronize-then-read job to the worker and
// waits for it, bounded by the configured timeout. A timed-out job is
// abandoned: it finishes on the worker in its own time and its result is
// dropped through the buffered channel. The next attempt queues behind
// it, so store operations stay strictly serialized.
func (c *Coordinator) runAttempt(ctx context.Context, resetFirst bool) attemptOutcome {
	result := make(chan attemptOutcome, 1)
	job := func() { result <- c.attemptOnWorker(resetFirst) }

	timer := time.NewTimer(c.opts.SyncTimeout)
	defer timer.Stop()

	select {
	case c.jobs <- job:
	case <-timer.C:
		return attemptOutcome{err: fmt.Errorf("%w (worker busy for %v)", errTimeout, c.opts.SyncTimeout)}
	case <-ctx.Done():
		return attemptOutcome{err: ctx.Err()}
	case <-c.quit:
		return attemptOutcome{err: errors.New("coordinator closed")}
	}

	select {
	case out := <-result:
		return out
	case <-timer.C:
		return attemptOutcome{err: fmt.Errorf("%w after %v", errTimeout, c.opts.SyncTimeout)}
	case <-ctx.Done():
		return attemptOutcome{err: ctx.Err()}
	case <-c.quit:
		return attemptOutcome{err: errors.New("coordinator closed")}
	}
}

// workerLoop is the single execution context for all store operations.
func (c *Coordinator) workerLoop() {
	defer close(c.done)

	for {
		select {
		case <-c.quit:
			c.closeStoreOnWorker()
			return
		case job := <-c.jobs:
			job()
		}
	}
}

// attemptOnWorker runs one full attempt: optional reset, sync with
// retries, handle refresh, read. Worker goroutine only.
func (c *Coordinator) attemptOnWorker(resetFirst bool) attemptOutcome {
	if resetFirst {
		c.resetOnWorker()
	}

	syncErr := c.syncOnWorker()

	if syncErr == nil {
		// The sync may have rewritten on-disk state; reopen so the
		// read observes it.
		c.closeStoreOnWorker()
	}

	records, readErr := c.readOnWorker()

	if syncErr != nil {
		return attemptOutcome{err: syncErr, records: records, readOK: readErr == nil}
	}
	if readErr != nil {
		return attemptOutcome{err: readErr}
	}
	return attemptOutcome{records: records, readOK: true}
}

// syncOnWorker calls the store's remote synchronize operation, retrying
// transient failures up to the attempt's budget with a fixed delay.
func (c *Coordinator) syncOnWorker() error {
	var lastErr error
	for attempt := 1; attempt <= syncRetryAttempts; attempt++ {
		store, err := c.ensureStoreOnWorker()
		if err != nil {
			return err
		}

		c.logger.Printf("Sync attempt %d/%d at %s with %s",
			attempt, syncRetryAttempts, c.opts.DataDir, c.opts.ServerURL)

		err = store.Sync(context.Background(), c.opts.ServerURL, c.opts.ClientID, c.opts.EncryptionSecret, false)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, taskdb.ErrTransient) && attempt < syncRetryAttempts {
			c.logger.Printf("Sync attempt %d failed, retrying in %v: %v", attempt, c.retryDelay, err)
			time.Sleep(c.retryDelay)
			continue
		}
		return err
	}
	return fmt.Errorf("sync failed after %d attempts: %w", syncRetryAttempts, lastErr)
}

// readOnWorker reads all entries from the store and converts them to
// records. Malformed entries are logged and skipped by the conversion.
func (c *Coordinator) readOnWorker() ([]task.Record, error) {
	store, err := c.ensureStoreOnWorker()
	if err != nil {
		return nil, err
	}

	entries, err := store.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read replica: %w", err)
	}

	return task.FromEntries(entries, c.logger), nil
}

// ensureStoreOnWorker lazily opens the store handle.
func (c *Coordinator) ensureStoreOnWorker() (Store, error) {
	if c.store != nil {
		return c.store, nil
	}

	c.logger.Printf("Opening replica at %s", c.opts.DataDir)
	store, err := c.opts.OpenStore(c.opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}
	c.store = store
	return store, nil
}

// closeStoreOnWorker drops the live handle so the next operation reopens
// from disk.
func (c *Coordinator) closeStoreOnWorker() {
	if c.store == nil {
		return
	}
	if err := c.store.Close(); err != nil {
		c.logger.Printf("Error closing replica handle: %v", err)
	}
	c.store = nil
}

// resetOnWorker clears the data directory so the next sync starts from
// scratch. Errors are logged, not returned: a failed reset degrades into
// a normal (likely failing) attempt rather than a distinct error path.
func (c *Coordinator) resetOnWorker() {
	c.closeStoreOnWorker()

	if _, err := os.Stat(c.opts.DataDir); os.IsNotExist(err) {
		return
	}
	if err := os.RemoveAll(c.opts.DataDir); err != nil {
		c.logger.Printf("Failed to reset replica directory %s: %v", c.opts.DataDir, err)
		return
	}
	if err := os.MkdirAll(c.opts.DataDir, 0755); err != nil {
		c.logger.Printf("Failed to recreate replica directory %s: %v", c.opts.DataDir, err)
		return
	}
	c.logger.Printf("Replica directory reset at %s", c.opts.DataDir)
}
