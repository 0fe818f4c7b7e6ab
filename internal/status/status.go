// Package status serves a live JSON view of a running invocation.
//
// The control loop publishes one StageStatus snapshot per scheduler tick.
// The server keeps the latest snapshot per stage behind its own lock and
// answers GET /api/status with all of them in first-seen order, so it
// never shares live scheduler structures.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/stagerun/internal/runner"
)

// Server exposes run progress over HTTP. It implements runner.StatusSink.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	startTime time.Time

	mu      sync.Mutex
	stages  map[string]runner.StageStatus
	order   []string
	current string
	updated time.Time

	srv *http.Server
	ln  net.Listener
}

// New creates a Server with all routes registered.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "status"),
		startTime: time.Now(),
		stages:    make(map[string]runner.StageStatus),
	}
	s.routes()
	return s
}

// Publish stores the latest snapshot for a stage. Called once per tick
// from the control loop.
func (s *Server) Publish(st runner.StageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stages[st.Stage]; !ok {
		s.order = append(s.order, st.Stage)
	}
	s.stages[st.Stage] = st
	s.current = st.Stage
	s.updated = time.Now()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds addr and begins serving in a background goroutine. It
// returns once the listener is bound so a bad address fails the run
// up front instead of after the first tick.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status listen: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router}
	go func() {
		s.logger.Info("status server listening", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Addr reports the bound address. Empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the HTTP server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

type statusResponse struct {
	UpdatedAt time.Time            `json:"updated_at"`
	Current   *runner.StageStatus  `json:"current,omitempty"`
	Stages    []runner.StageStatus `json:"stages"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := statusResponse{
		UpdatedAt: s.updated,
		Stages:    make([]runner.StageStatus, 0, len(s.order)),
	}
	for _, name := range s.order {
		resp.Stages = append(resp.Stages, s.stages[name])
	}
	if cur, ok := s.stages[s.current]; ok {
		resp.Current = &cur
	}
	s.mu.Unlock()

	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
