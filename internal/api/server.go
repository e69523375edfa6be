// Package api provides the REST API for querying log analytics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/akarpov/logutil/internal/export"
	"github.com/akarpov/logutil/internal/store"
)

// Default query parameters.
const (
	defaultTopLimit      = 10
	maxTopLimit          = 100
	defaultSlowThreshold = 1.0
	defaultSlowLimit     = 50
	defaultInterval      = 60
)

// Server is the REST API server.
type Server struct {
	db        *store.DB
	exportDir string
	router    *chi.Mux
	server    *http.Server
}

// NewServer creates a new API server over the given store. Exports land
// in exportDir.
func NewServer(addr string, db *store.DB, exportDir string) *Server {
	s := &Server{
		db:        db,
		exportDir: exportDir,
		router:    chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.getStats)
		r.Get("/memory", s.getMemoryUsage)

		r.Get("/top/ips", s.getTopIPs)
		r.Get("/top/urls", s.getTopURLs)
		r.Get("/top/user-agents", s.getTopUserAgents)
		r.Get("/top/status-codes", s.getTopStatusCodes)

		r.Get("/records/by-ip/{ip}", s.findByIP)
		r.Get("/records/by-url", s.findByURL)

		r.Get("/errors", s.getErrorStats)
		r.Get("/response-times", s.getResponseTimeStats)
		r.Get("/slow-requests", s.getSlowRequests)
		r.Get("/bots", s.getBotStats)
		r.Get("/timeseries", s.getTimeSeries)

		r.Get("/security/suspicious-ips", s.getSuspiciousIPs)
		r.Get("/security/attack-patterns", s.getAttackPatterns)
		r.Get("/security/ip/{ip}/patterns", s.getPatternsForIP)

		r.Post("/export", s.runExport)
	})

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	return s
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// parseLimit reads the ?limit query parameter, clamped to maxTopLimit.
func parseLimit(r *http.Request, def int) int {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxTopLimit {
				limit = maxTopLimit
			}
		}
	}
	return limit
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.db.GetStats())
}

func (s *Server) getMemoryUsage(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.db.MemoryUsage())
}

func (s *Server) getTopIPs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultTopLimit)
	s.respondJSON(w, http.StatusOK, s.db.TopIPs(limit))
}

func (s *Server) getTopURLs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultTopLimit)
	s.respondJSON(w, http.StatusOK, s.db.TopURLs(limit))
}

func (s *Server) getTopUserAgents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultTopLimit)
	s.respondJSON(w, http.StatusOK, s.db.TopUserAgents(limit))
}

func (s *Server) getTopStatusCodes(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultTopLimit)
	s.respondJSON(w, http.StatusOK, s.db.TopStatusCodes(limit))
}

func (s *Server) findByIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if ip == "" {
		s.respondError(w, http.StatusBadRequest, "ip is required")
		return
	}
	s.respondJSON(w, http.StatusOK, s.db.FindByIP(ip))
}

// findByURL takes the URL as a query parameter because request paths
// contain slashes.
func (s *Server) findByURL(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		s.respondError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	s.respondJSON(w, http.StatusOK, s.db.FindByURL(target))
}

func (s *Server) getErrorStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.db.ErrorStats())
}

func (s *Server) getResponseTimeStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.db.ResponseTimeStats())
}

func (s *Server) getSlowRequests(w http.ResponseWriter, r *http.Request) {
	threshold := defaultSlowThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, "threshold must be a positive number")
			return
		}
		threshold = parsed
	}
	limit := parseLimit(r, defaultSlowLimit)
	s.respondJSON(w, http.StatusOK, s.db.SlowRequests(threshold, limit))
}

func (s *Server) getBotStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.db.BotStats())
}

func (s *Server) getTimeSeries(w http.ResponseWriter, r *http.Request) {
	interval := int64(defaultInterval)
	if raw := r.URL.Query().Get("interval"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, "interval must be a positive number of seconds")
			return
		}
		interval = parsed
	}
	s.respondJSON(w, http.StatusOK, s.db.TimeSeries(interval))
}

func (s *Server) getSuspiciousIPs(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.db.SuspiciousIPs())
}

func (s *Server) getAttackPatterns(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.db.AttackPatterns())
}

func (s *Server) getPatternsForIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if ip == "" {
		s.respondError(w, http.StatusBadRequest, "ip is required")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"ip":       ip,
		"patterns": s.db.SuspiciousPatternsForIP(ip),
	})
}

// runExport writes an analytics snapshot to a SQLite file and returns
// its path.
func (s *Server) runExport(w http.ResponseWriter, r *http.Request) {
	if err := os.MkdirAll(s.exportDir, 0755); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	name := fmt.Sprintf("snapshot-%s.db", time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(s.exportDir, name)

	exporter := export.New(s.db)
	if err := exporter.Export(r.Context(), path); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "exported",
		"path":   path,
	})
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
