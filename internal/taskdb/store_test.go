package taskdb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// syncServer returns an httptest server speaking the pull protocol.
func syncServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeChanges(t *testing.T, w http.ResponseWriter, cs changeSet) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cs); err != nil {
		t.Errorf("failed to encode response: %v", err)
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)

	entries, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() on fresh store failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("fresh store has %d entries, want 0", len(entries))
	}

	v, err := s.Version()
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if v != "" {
		t.Errorf("fresh store version = %q, want empty", v)
	}
}

func TestSync_AppliesChanges(t *testing.T) {
	srv := syncServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/client/changes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Client-Id"); got != "client-1" {
			t.Errorf("X-Client-Id = %q, want %q", got, "client-1")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("Authorization = %q", got)
		}
		writeChanges(t, w, changeSet{
			Version: "v42",
			Entries: []changeEntry{
				{UUID: "t1", Data: map[string]string{"status": "pending", "description": "one"}},
				{UUID: "t2", Data: map[string]string{"status": "completed", "description": "two"}},
			},
		})
	})

	s := openTestStore(t)
	if err := s.Sync(context.Background(), srv.URL, "client-1", "sekrit", false); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	entries, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Data["description"] != "one" {
		t.Errorf("entry t1 description = %q", entries[0].Data["description"])
	}

	v, err := s.Version()
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if v != "v42" {
		t.Errorf("version = %q, want %q", v, "v42")
	}
}

func TestSync_IncrementalSince(t *testing.T) {
	calls := 0
	srv := syncServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			if since := r.URL.Query().Get("since"); since != "" {
				t.Errorf("first sync sent since=%q, want empty", since)
			}
			writeChanges(t, w, changeSet{
				Version: "v1",
				Entries: []changeEntry{
					{UUID: "t1", Data: map[string]string{"status": "pending"}},
				},
			})
		case 2:
			if since := r.URL.Query().Get("since"); since != "v1" {
				t.Errorf("second sync sent since=%q, want v1", since)
			}
			writeChanges(t, w, changeSet{
				Version: "v2",
				Entries: []changeEntry{
					{UUID: "t1", Deleted: true},
					{UUID: "t2", Data: map[string]string{"status": "pending"}},
				},
			})
		}
	})

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Sync(ctx, srv.URL, "c", "s", false); err != nil {
		t.Fatalf("first Sync() failed: %v", err)
	}
	if err := s.Sync(ctx, srv.URL, "c", "s", false); err != nil {
		t.Fatalf("second Sync() failed: %v", err)
	}

	entries, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].UUID != "t2" {
		t.Errorf("after delete+add, entries = %+v, want just t2", entries)
	}
}

func TestSync_SnapshotFallback(t *testing.T) {
	srv := syncServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/client/changes":
			w.WriteHeader(http.StatusGone)
		case "/v1/client/snapshot":
			writeChanges(t, w, changeSet{
				Version: "v9",
				Entries: []changeEntry{
					{UUID: "fresh", Data: map[string]string{"status": "pending"}},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	s := openTestStore(t)
	if err := s.Sync(context.Background(), srv.URL, "c", "s", false); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	entries, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].UUID != "fresh" {
		t.Errorf("snapshot rebuild gave %+v", entries)
	}
}

func TestSync_SnapshotDisabled(t *testing.T) {
	srv := syncServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	s := openTestStore(t)
	err := s.Sync(context.Background(), srv.URL, "c", "s", true)
	if err == nil {
		t.Fatal("Sync() succeeded with snapshots disabled and 410 response")
	}
	if errors.Is(err, ErrTransient) {
		t.Errorf("snapshot-disabled failure should not be transient: %v", err)
	}
}

func TestSync_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := syncServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			s := openTestStore(t)
			err := s.Sync(context.Background(), srv.URL, "c", "s", false)
			if err == nil {
				t.Fatal("Sync() succeeded, want error")
			}
			if got := errors.Is(err, ErrTransient); got != tt.wantTransient {
				t.Errorf("errors.Is(err, ErrTransient) = %v, want %v (err=%v)", got, tt.wantTransient, err)
			}
		})
	}
}

func TestSync_ConnectionRefusedIsTransient(t *testing.T) {
	s := openTestStore(t)

	// Port 1 is essentially never listening.
	err := s.Sync(context.Background(), "http://127.0.0.1:1", "c", "s", false)
	if err == nil {
		t.Fatal("Sync() succeeded against dead endpoint")
	}
	if !errors.Is(err, ErrTransient) {
		t.Errorf("connection error should be transient: %v", err)
	}
}

func TestSync_FailureLeavesStateReadable(t *testing.T) {
	good := syncServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeChanges(t, w, changeSet{
			Version: "v1",
			Entries: []changeEntry{
				{UUID: "t1", Data: map[string]string{"status": "pending"}},
			},
		})
	})
	bad := syncServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Sync(ctx, good.URL, "c", "s", false); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if err := s.Sync(ctx, bad.URL, "c", "s", false); err == nil {
		t.Fatal("Sync() against failing server succeeded")
	}

	entries, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() after failed sync: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("failed sync corrupted local state: %d entries, want 1", len(entries))
	}
	v, _ := s.Version()
	if v != "v1" {
		t.Errorf("failed sync moved version to %q, want v1", v)
	}
}

func TestReadAll_BadRowBecomesNilData(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.conn.Exec(`INSERT INTO tasks (uuid, data) VALUES ('bad', 'not-json')`); err != nil {
		t.Fatalf("failed to insert bad row: %v", err)
	}
	if _, err := s.conn.Exec(`INSERT INTO tasks (uuid, data) VALUES ('good', '{"status":"pending"}')`); err != nil {
		t.Fatalf("failed to insert good row: %v", err)
	}

	entries, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].UUID != "bad" || entries[0].Data != nil {
		t.Errorf("bad row should surface with nil data, got %+v", entries[0])
	}
	if entries[1].Data["status"] != "pending" {
		t.Errorf("good row data = %v", entries[1].Data)
	}
}
