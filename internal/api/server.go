// Package api provides the HTTP server for opsboard: the daily task feed,
// its live refresh stream, and the task-completion session endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsboard/opsboard/internal/app/completion"
	"github.com/opsboard/opsboard/internal/app/feed"
	"github.com/opsboard/opsboard/internal/app/refresh"
	"github.com/opsboard/opsboard/internal/health"
)

// TenantHeader carries the caller's tenant on every /api/sites and
// /api/sessions request.
const TenantHeader = "X-Tenant-ID"

// Server is the opsboard HTTP API server.
type Server struct {
	feeds          *feed.Service
	sessions       *completion.Manager
	checker        *health.Checker
	hub            *refresh.Hub
	filesDir       string
	corsOrigins    []string
	metricsEnabled bool
	loc            *time.Location
	validate       *validator.Validate

	drain     chan struct{}
	drainOnce sync.Once
}

// NewServer creates a new API server.
func NewServer(feeds *feed.Service, sessions *completion.Manager) *Server {
	return &Server{
		feeds:    feeds,
		sessions: sessions,
		loc:      time.Local,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		drain:    make(chan struct{}),
	}
}

// Drain ends every open task stream. Ordinary requests are unaffected.
// Register it with http.Server.RegisterOnShutdown so long-lived streams do
// not hold up a graceful shutdown.
func (s *Server) Drain() {
	s.drainOnce.Do(func() { close(s.drain) })
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth exposes checker results on /api/health/checks.
func (s *Server) SetHealth(c *health.Checker) { s.checker = c }

// SetHub lets clients request a manual refresh.
func (s *Server) SetHub(h *refresh.Hub) { s.hub = h }

// SetFilesDir serves uploaded photos from dir under /files.
func (s *Server) SetFilesDir(dir string) { s.filesDir = dir }

// SetCORSOrigins restricts cross-origin access. Empty allows any origin.
func (s *Server) SetCORSOrigins(origins []string) { s.corsOrigins = origins }

// SetLocation sets the zone "today" is computed in.
func (s *Server) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/health/checks", s.handleHealth)

	r.Route("/api/sites/{site}", func(r chi.Router) {
		r.Use(s.requireTenant)
		// The stream is long-lived; everything else gets a deadline.
		r.Get("/tasks/stream", s.handleTaskStream)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/tasks", s.handleListTasks)
			r.Post("/tasks/{task}/sessions", s.handleOpenSession)
			r.Post("/refresh", s.handleRefresh)
		})
	})

	r.Route("/api/sessions/{session}", func(r chi.Router) {
		r.Use(s.requireTenant)
		r.Use(middleware.Timeout(2 * time.Minute))
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleCancelSession)
		r.Put("/temperatures/{asset}", s.handleSetTemperature)
		r.Put("/actions/{asset}", s.handleChooseAction)
		r.Delete("/actions/{asset}", s.handleRemoveAction)
		r.Put("/checklist/{index}", s.handleSetChecklist)
		r.Put("/yesno/{index}", s.handleSetYesNo)
		r.Put("/notes", s.handleSetNotes)
		r.Post("/photos", s.handleAddPhoto)
		r.Delete("/photos/{index}", s.handleRemovePhoto)
		r.Post("/submit", s.handleSubmit)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if s.filesDir != "" {
		r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(s.filesDir))))
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"healthy": true, "checks": []health.Status{}})
		return
	}
	status := http.StatusOK
	healthy := s.checker.IsHealthy()
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": healthy, "checks": s.checker.Statuses()})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers. With no configured origins any origin
// is allowed.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(s.corsOrigins) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && s.originAllowed(origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+TenantHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.corsOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
