package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/inkybridge/inkybridge/internal/task"
)

// apiTimestamps are the per-task timestamps rendered in the configured
// display timezone. Entry and Modified are always present (empty when the
// store had none); the rest are null when absent.
type apiTimestamps struct {
	Entry     string  `json:"entry"`
	Modified  string  `json:"modified"`
	Scheduled *string `json:"scheduled"`
	Start     *string `json:"start"`
	Wait      *string `json:"wait"`
}

type apiTask struct {
	UUID        string        `json:"uuid"`
	ShortID     string        `json:"short_id"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	Project     *string       `json:"project"`
	Tags        []string      `json:"tags"`
	Active      bool          `json:"active"`
	Timestamps  apiTimestamps `json:"timestamps"`
}

type syncMeta struct {
	SyncOK     bool    `json:"sync_ok"`
	Stale      bool    `json:"stale"`
	LastSyncAt *string `json:"last_sync_at"`
	DurationMS int64   `json:"duration_ms"`
}

type tasksResponse struct {
	Meta  syncMeta  `json:"meta"`
	Tasks []apiTask `json:"tasks"`
}

type healthResponse struct {
	Status      string  `json:"status"`
	LastSyncAt  *string `json:"last_sync_at"`
	ReplicaPath string  `json:"replica_path"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleOverview serves the overview report: pending tasks only, sorted
// by project then entry time. Syncs on demand.
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res := s.bridge.SyncAndFetch(r.Context())
	duration := time.Since(start)

	s.writeTasks(w, res.Success, res.LastSyncAt, duration, task.Overview(res.Tasks))
}

// handleTasks serves all tasks, optionally filtered with ?status=.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res := s.bridge.SyncAndFetch(r.Context())
	duration := time.Since(start)

	records := res.Tasks
	if want := r.URL.Query().Get("status"); want != "" {
		filtered := make([]task.Record, 0, len(records))
		for _, rec := range records {
			if string(rec.Status) == want {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	s.writeTasks(w, res.Success, res.LastSyncAt, duration, records)
}

// handleHealth is the liveness probe. It must never trigger a sync.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	lastSync, ok := s.bridge.LastSuccessfulSync()

	resp := healthResponse{
		Status:      "healthy",
		ReplicaPath: s.cfg.ReplicaPath,
	}
	if ok {
		resp.LastSyncAt = s.formatTime(&lastSync)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeTasks(w http.ResponseWriter, syncOK bool, lastSync time.Time, duration time.Duration, records []task.Record) {
	meta := syncMeta{
		SyncOK:     syncOK,
		Stale:      !syncOK,
		DurationMS: duration.Milliseconds(),
	}
	if !lastSync.IsZero() {
		meta.LastSyncAt = s.formatTime(&lastSync)
	}

	tasks := make([]apiTask, 0, len(records))
	for _, rec := range records {
		tasks = append(tasks, s.toAPITask(rec))
	}

	writeJSON(w, http.StatusOK, tasksResponse{Meta: meta, Tasks: tasks})
}

func (s *Server) toAPITask(rec task.Record) apiTask {
	t := apiTask{
		UUID:        rec.UUID,
		ShortID:     rec.ShortID,
		Description: rec.Description,
		Status:      string(rec.Status),
		Tags:        rec.Tags,
		Active:      rec.Active,
		Timestamps: apiTimestamps{
			Entry:     orEmpty(s.formatTime(rec.Entry)),
			Modified:  orEmpty(s.formatTime(rec.Modified)),
			Scheduled: s.formatTime(rec.Scheduled),
			Start:     s.formatTime(rec.Start),
			Wait:      s.formatTime(rec.Wait),
		},
	}
	if rec.Project != "" {
		t.Project = &rec.Project
	}
	return t
}

// formatTime renders a UTC store timestamp as RFC 3339 in the display
// timezone.
func (s *Server) formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.In(s.cfg.Timezone).Format(time.RFC3339)
	return &formatted
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
