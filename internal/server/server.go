// Package server exposes the read-only HTTP surface of the bridge:
// task reports backed by the sync coordinator, a liveness endpoint, and a
// WebSocket feed of sync events.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inkybridge/inkybridge/internal/replica"
)

// Bridge is the server's view of the sync coordinator.
type Bridge interface {
	// SyncAndFetch returns the freshest available snapshot,
	// synchronizing first when warranted. Never returns an error.
	SyncAndFetch(ctx context.Context) replica.Result

	// LastSuccessfulSync never triggers synchronization.
	LastSuccessfulSync() (time.Time, bool)
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default ":8080").
	Addr string

	// AuthSecret enables bearer-token auth on task endpoints when
	// non-empty. The liveness endpoint is always open.
	AuthSecret string

	// Timezone for timestamps in responses (default UTC).
	Timezone *time.Location

	// ReplicaPath reported by the liveness endpoint.
	ReplicaPath string

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// Server serves the bridge API over HTTP.
type Server struct {
	cfg    Config
	bridge Bridge
	logger *log.Logger

	listener net.Listener
	server   *http.Server
	hub      *Hub
	wg       sync.WaitGroup
}

// New creates a Server around the given coordinator.
func New(bridge Bridge, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	s := &Server{
		cfg:    cfg,
		bridge: bridge,
		logger: cfg.Logger,
	}
	s.hub = NewHub(cfg.Logger)
	return s
}

// Hub returns the WebSocket hub so the coordinator's event sink can be
// wired to it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening and serving. Non-blocking; use Stop to shut
// down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /overview legitimately waits out a full
		// sync attempt, and /ws connections are long-lived.
	}

	s.hub.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Bridge server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and the WebSocket hub.
func (s *Server) Stop() error {
	s.logger.Println("Stopping bridge server")

	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Bridge server stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/overview", s.requireAuth(s.handleOverview))
	mux.HandleFunc("/tasks", s.requireAuth(s.handleTasks))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.hub.handleWebSocket)
	return s.logRequests(mux)
}

// logRequests logs method, path, status and duration per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Printf("%s %s -> %d (%dms)",
			r.Method, r.URL.Path, sw.status, time.Since(start).Milliseconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the WebSocket upgrade needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// requireAuth enforces the bearer token when auth is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthSecret == "" {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "Missing or invalid Authorization header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid authentication token")
			return
		}
		next(w, r)
	}
}
