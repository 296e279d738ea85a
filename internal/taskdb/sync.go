package taskdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrTransient marks sync failures worth retrying within an attempt:
// connection errors and server-side (5xx) responses. Everything else is
// permanent for the attempt.
var ErrTransient = errors.New("transient sync error")

// changeSet is the server's response for both incremental changes and
// full snapshots.
type changeSet struct {
	Version string        `json:"version"`
	Entries []changeEntry `json:"entries"`
}

type changeEntry struct {
	UUID    string            `json:"uuid"`
	Data    map[string]string `json:"data,omitempty"`
	Deleted bool              `json:"deleted,omitempty"`
}

// Sync pulls changes from the remote synchronization server and applies
// them to the replica in a single transaction.
//
// Incremental sync requests everything since the locally recorded server
// version. If the server no longer holds that version (HTTP 410) and
// avoidSnapshots is false, the replica is rebuilt from a full snapshot
// instead.
//
// On error the transaction is rolled back; local state stays at the
// previous version and remains readable.
func (s *Store) Sync(ctx context.Context, serverURL, clientID, secret string, avoidSnapshots bool) error {
	since, err := s.Version()
	if err != nil {
		return err
	}

	cs, gone, err := fetchChanges(ctx, serverURL, clientID, secret, since)
	if err != nil {
		return err
	}

	if gone {
		// Local base version is too old for incremental sync.
		if avoidSnapshots {
			return fmt.Errorf("server no longer holds version %q and snapshots are disabled", since)
		}
		snap, err := fetchSnapshot(ctx, serverURL, clientID, secret)
		if err != nil {
			return err
		}
		return s.applySnapshot(snap)
	}

	return s.applyChanges(cs)
}

// applyChanges upserts and deletes incrementally.
func (s *Store) applyChanges(cs *changeSet) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range cs.Entries {
		if e.Deleted {
			if _, err := tx.Exec(`DELETE FROM tasks WHERE uuid = ?`, e.UUID); err != nil {
				return fmt.Errorf("failed to delete task %s: %w", e.UUID, err)
			}
			continue
		}
		if err := upsertTask(tx, e); err != nil {
			return err
		}
	}

	if err := setVersion(tx, cs.Version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync transaction: %w", err)
	}
	return nil
}

// applySnapshot replaces the whole tasks table with the snapshot contents.
func (s *Store) applySnapshot(cs *changeSet) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM tasks`); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}
	for _, e := range cs.Entries {
		if e.Deleted {
			continue
		}
		if err := upsertTask(tx, e); err != nil {
			return err
		}
	}

	if err := setVersion(tx, cs.Version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot transaction: %w", err)
	}
	return nil
}

func upsertTask(tx *sql.Tx, e changeEntry) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", e.UUID, err)
	}
	_, err = tx.Exec(`
		INSERT INTO tasks (uuid, data) VALUES (?, ?)
		ON CONFLICT(uuid) DO UPDATE SET data = excluded.data`,
		e.UUID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", e.UUID, err)
	}
	return nil
}

func setVersion(tx *sql.Tx, version string) error {
	_, err := tx.Exec(`
		INSERT INTO sync_meta (key, value) VALUES ('server_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		version)
	if err != nil {
		return fmt.Errorf("failed to record server version: %w", err)
	}
	return nil
}

// fetchChanges requests incremental changes since the given version.
// Returns gone=true when the server responds 410 (version too old).
func fetchChanges(ctx context.Context, serverURL, clientID, secret, since string) (cs *changeSet, gone bool, err error) {
	endpoint, err := joinURL(serverURL, "/v1/client/changes")
	if err != nil {
		return nil, false, err
	}
	if since != "" {
		endpoint += "?since=" + url.QueryEscape(since)
	}

	body, status, err := doGet(ctx, endpoint, clientID, secret)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusGone {
		return nil, true, nil
	}
	if status != http.StatusOK {
		return nil, false, statusError(status, "changes")
	}

	cs = &changeSet{}
	if err := json.Unmarshal(body, cs); err != nil {
		return nil, false, fmt.Errorf("failed to decode changes response: %w", err)
	}
	return cs, false, nil
}

// fetchSnapshot requests the server's full task snapshot.
func fetchSnapshot(ctx context.Context, serverURL, clientID, secret string) (*changeSet, error) {
	endpoint, err := joinURL(serverURL, "/v1/client/snapshot")
	if err != nil {
		return nil, err
	}

	body, status, err := doGet(ctx, endpoint, clientID, secret)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, "snapshot")
	}

	cs := &changeSet{}
	if err := json.Unmarshal(body, cs); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot response: %w", err)
	}
	return cs, nil
}

func doGet(ctx context.Context, endpoint, clientID, secret string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build sync request: %w", err)
	}
	req.Header.Set("X-Client-Id", clientID)
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}
	return body, resp.StatusCode, nil
}

func statusError(status int, op string) error {
	err := fmt.Errorf("sync server returned %d for %s", status, op)
	if status >= 500 {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

func joinURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid sync server URL %q: %w", base, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}
