// Package diag exposes the optional operator-facing HTTP surface (ping,
// pool stats, manual cache refresh, version, Prometheus /metrics). It is
// not part of the engine integration itself — attachment lifecycle belongs
// to the host engine's loader — but gives an operator a window onto the
// same pool/catalog state the engine queries through its own glue.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/mssqlcore/internal/catalog"
	"github.com/dbbouncer/mssqlcore/internal/metrics"
	"github.com/dbbouncer/mssqlcore/internal/pool"
)

// Server is the diagnostic HTTP server for one attachment.
type Server struct {
	name       string
	pool       *pool.Pool
	catalog    *catalog.Provider
	metrics    *metrics.Collector
	version    string
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates a diagnostic server for attachment name, backed by p and
// cat; metrics may be nil if statistics are disabled.
func NewServer(name string, p *pool.Pool, cat *catalog.Provider, m *metrics.Collector, version string) *Server {
	return &Server{name: name, pool: p, catalog: cat, metrics: m, version: version, startTime: time.Now()}
}

// Start binds and serves on port in the background. Returns once the
// listener is registered; serve errors after that are logged, not returned
// (matching the teacher's fire-and-forget ListenAndServe goroutine).
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/ping", s.pingHandler).Methods("GET")
	r.HandleFunc("/pool_stats", s.poolStatsHandler).Methods("GET")
	r.HandleFunc("/refresh_cache", s.refreshCacheHandler).Methods("POST")
	r.HandleFunc("/version", s.versionHandler).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[diag] attachment %s: diagnostic server listening on %s", s.name, addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[diag] server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) pingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "attachment": s.name})
}

func (s *Server) poolStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

type refreshCacheRequest struct {
	Schema string `json:"schema"`
}

func (s *Server) refreshCacheHandler(w http.ResponseWriter, r *http.Request) {
	var req refreshCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Schema == "" {
		writeError(w, http.StatusBadRequest, "schema is required")
		return
	}
	s.catalog.RefreshCache(req.Schema)
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed", "schema": req.Schema})
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":        s.version,
		"go_version":     runtime.Version(),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"attachment":     s.name,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
