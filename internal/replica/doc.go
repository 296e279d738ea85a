// Package replica owns all access to the local replica store and decides
// when to synchronize it against the remote server.
//
// # Overview
//
// The store handle is not safe for concurrent use, so the coordinator
// confines it to a single worker goroutine: every store operation (sync,
// read, reset, invalidation) is a closure enqueued on the worker's job
// channel, and no other component ever holds a reference to the handle.
//
// A request asking for tasks flows through a small state machine:
//
//	SyncAndFetch
//	     │  min-interval gate (cheap, before the lock)
//	     ▼
//	single-flight lock ── waiters re-check the gate and reuse the
//	     │                outcome of the attempt they waited on
//	     ▼
//	worker job: [reset after repeated failures] → sync (3 tries,
//	     │      fixed delay, transient errors only) → reopen → read
//	     ▼
//	record outcome, refresh cached snapshot, answer every caller
//
// Attempts are strictly serialized: a new attempt never starts before the
// previous one has fully resolved on the worker, including attempts that
// were abandoned by their callers after the per-attempt timeout. An
// abandoned attempt runs to its natural completion and its result is
// dropped.
//
// Failures never propagate to callers as errors. Every call returns the
// best available snapshot: fresh after a successful sync, the last cached
// read otherwise.
//
// # Usage
//
//	coord := replica.New(replica.Options{
//	    DataDir:          cfg.DataDir,
//	    ServerURL:        cfg.SyncServerURL,
//	    ClientID:         cfg.ClientID,
//	    EncryptionSecret: cfg.EncryptionSecret,
//	    SyncTimeout:      cfg.SyncTimeout,
//	    MinSyncInterval:  cfg.MinSyncInterval,
//	})
//	defer coord.Close()
//
//	res := coord.SyncAndFetch(ctx)
//	// res.Tasks is always the best available data, res.Success says
//	// whether it is fresh.
package replica
