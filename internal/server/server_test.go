package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/inkybridge/inkybridge/internal/replica"
	"github.com/inkybridge/inkybridge/internal/task"
)

// stubBridge is a canned coordinator.
type stubBridge struct {
	res       replica.Result
	syncCalls atomic.Int32
}

func (b *stubBridge) SyncAndFetch(ctx context.Context) replica.Result {
	b.syncCalls.Add(1)
	return b.res
}

func (b *stubBridge) LastSuccessfulSync() (time.Time, bool) {
	return b.res.LastSyncAt, !b.res.LastSyncAt.IsZero()
}

func record(t *testing.T, uuid, status, project string, entry string) task.Record {
	t.Helper()

	data := map[string]string{"status": status, "description": "task " + uuid}
	if project != "" {
		data["project"] = project
	}
	if entry != "" {
		data["entry"] = entry
	}
	r, err := task.FromEntry(task.Entry{UUID: uuid, Data: data})
	if err != nil {
		t.Fatalf("FromEntry() failed: %v", err)
	}
	return r
}

func newTestServer(t *testing.T, bridge Bridge, cfg Config) *Server {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return New(bridge, cfg)
}

func get(t *testing.T, handler http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealth_NeverSyncs(t *testing.T) {
	bridge := &stubBridge{res: replica.Result{
		Success:    true,
		LastSyncAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}}
	s := newTestServer(t, bridge, Config{ReplicaPath: "/data/replica", Timezone: time.UTC})

	rr := get(t, s.Handler(), "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	resp := decode[healthResponse](t, rr)
	if resp.Status != "healthy" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.ReplicaPath != "/data/replica" {
		t.Errorf("replica_path = %q", resp.ReplicaPath)
	}
	if resp.LastSyncAt == nil || *resp.LastSyncAt != "2024-06-01T10:00:00Z" {
		t.Errorf("last_sync_at = %v", resp.LastSyncAt)
	}

	if got := bridge.syncCalls.Load(); got != 0 {
		t.Errorf("health triggered %d syncs, want 0", got)
	}
}

func TestHealth_NeverSynced(t *testing.T) {
	s := newTestServer(t, &stubBridge{}, Config{})

	resp := decode[healthResponse](t, get(t, s.Handler(), "/health", nil))
	if resp.LastSyncAt != nil {
		t.Errorf("last_sync_at = %v, want null", *resp.LastSyncAt)
	}
}

func TestAuth(t *testing.T) {
	bridge := &stubBridge{res: replica.Result{Success: true}}

	tests := []struct {
		name       string
		secret     string
		headers    map[string]string
		wantStatus int
	}{
		{"auth disabled", "", nil, http.StatusOK},
		{"missing header", "token", nil, http.StatusUnauthorized},
		{"not bearer", "token", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized},
		{"wrong token", "token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"right token", "token", map[string]string{"Authorization": "Bearer token"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, bridge, Config{AuthSecret: tt.secret})
			for _, path := range []string{"/overview", "/tasks"} {
				if rr := get(t, s.Handler(), path, tt.headers); rr.Code != tt.wantStatus {
					t.Errorf("GET %s = %d, want %d", path, rr.Code, tt.wantStatus)
				}
			}
		})
	}
}

func TestHealth_OpenWithoutAuth(t *testing.T) {
	s := newTestServer(t, &stubBridge{}, Config{AuthSecret: "token"})

	if rr := get(t, s.Handler(), "/health", nil); rr.Code != http.StatusOK {
		t.Errorf("health with auth enabled = %d, want 200 without token", rr.Code)
	}
}

func TestOverview_PendingSorted(t *testing.T) {
	bridge := &stubBridge{res: replica.Result{
		Success:    true,
		LastSyncAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Tasks: []task.Record{
			record(t, "t1", "pending", "work", "1700000300"),
			record(t, "t2", "completed", "home", "1700000100"),
			record(t, "t3", "pending", "home", "1700000100"),
		},
	}}
	s := newTestServer(t, bridge, Config{Timezone: time.UTC})

	resp := decode[tasksResponse](t, get(t, s.Handler(), "/overview", nil))

	if !resp.Meta.SyncOK || resp.Meta.Stale {
		t.Errorf("meta = %+v, want sync_ok && !stale", resp.Meta)
	}
	if len(resp.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2 pending", len(resp.Tasks))
	}
	if resp.Tasks[0].UUID != "t3" || resp.Tasks[1].UUID != "t1" {
		t.Errorf("order = [%s %s], want [t3 t1]", resp.Tasks[0].UUID, resp.Tasks[1].UUID)
	}
	if bridge.syncCalls.Load() != 1 {
		t.Errorf("overview made %d sync calls, want 1", bridge.syncCalls.Load())
	}
}

func TestOverview_StaleMeta(t *testing.T) {
	bridge := &stubBridge{res: replica.Result{Success: false}}
	s := newTestServer(t, bridge, Config{})

	resp := decode[tasksResponse](t, get(t, s.Handler(), "/overview", nil))
	if resp.Meta.SyncOK || !resp.Meta.Stale {
		t.Errorf("meta = %+v, want !sync_ok && stale", resp.Meta)
	}
	if resp.Meta.LastSyncAt != nil {
		t.Errorf("last_sync_at = %v, want null", *resp.Meta.LastSyncAt)
	}
}

func TestTasks_StatusFilter(t *testing.T) {
	bridge := &stubBridge{res: replica.Result{
		Success: true,
		Tasks: []task.Record{
			record(t, "t1", "pending", "", ""),
			record(t, "t2", "completed", "", ""),
			record(t, "t3", "deleted", "", ""),
		},
	}}
	s := newTestServer(t, bridge, Config{})

	resp := decode[tasksResponse](t, get(t, s.Handler(), "/tasks", nil))
	if len(resp.Tasks) != 3 {
		t.Errorf("unfiltered got %d tasks, want 3", len(resp.Tasks))
	}

	resp = decode[tasksResponse](t, get(t, s.Handler(), "/tasks?status=completed", nil))
	if len(resp.Tasks) != 1 || resp.Tasks[0].UUID != "t2" {
		t.Errorf("filtered = %+v, want just t2", resp.Tasks)
	}
}

func TestTimestampsRenderedInDisplayTimezone(t *testing.T) {
	zurich, err := time.LoadLocation("Europe/Zurich")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	bridge := &stubBridge{res: replica.Result{
		Success:    true,
		LastSyncAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Tasks: []task.Record{
			record(t, "t1", "pending", "", "1717236000"), // 2024-06-01T10:00:00Z
		},
	}}
	s := newTestServer(t, bridge, Config{Timezone: zurich})

	resp := decode[tasksResponse](t, get(t, s.Handler(), "/tasks", nil))
	if len(resp.Tasks) != 1 {
		t.Fatalf("got %d tasks", len(resp.Tasks))
	}

	// CEST is UTC+2 in June.
	if got := resp.Tasks[0].Timestamps.Entry; got != "2024-06-01T12:00:00+02:00" {
		t.Errorf("entry = %q, want Zurich local time", got)
	}
	if resp.Meta.LastSyncAt == nil || *resp.Meta.LastSyncAt != "2024-06-01T12:00:00+02:00" {
		t.Errorf("last_sync_at = %v", resp.Meta.LastSyncAt)
	}
}

func TestWebSocket_SyncEvents(t *testing.T) {
	s := newTestServer(t, &stubBridge{}, Config{})
	s.Hub().Start()
	defer s.Hub().Stop()

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the hub to register the client before broadcasting.
	deadline := time.After(2 * time.Second)
	for s.Hub().ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("client never registered with hub")
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.Hub().NotifySync(replica.Result{
		Success: true,
		Tasks:   []task.Record{record(t, "t1", "pending", "", "")},
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	if msg.Type != MessageTypeSyncComplete {
		t.Errorf("message type = %q, want %q", msg.Type, MessageTypeSyncComplete)
	}

	var payload SyncCompleteData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if !payload.SyncOK || payload.Tasks != 1 {
		t.Errorf("payload = %+v, want sync_ok with 1 task", payload)
	}
}
