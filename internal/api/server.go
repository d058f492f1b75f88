// Package api provides the HTTP status API of the monitor: the latest
// device-state snapshot and the daily archive, as plain JSON.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pvgrid/go-speedwire/internal/config"
	"github.com/pvgrid/go-speedwire/internal/domain"
)

// Server is the HTTP API server exposing the monitor's latest readings.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	logger    zerolog.Logger
	startTime time.Time

	mu        sync.RWMutex
	snapshot  *domain.DeviceState
	updatedAt time.Time
	polls     uint64
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config) *Server {
	s := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/device", s.handleDevice).Methods("GET")
	api.HandleFunc("/archive", s.handleArchive).Methods("GET")
}

// Update replaces the published snapshot. Called by the monitor loop
// after every successful poll.
func (s *Server) Update(state *domain.DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = state
	s.updatedAt = time.Now()
	s.polls++
}

// Handler returns the route handler, for tests driving the server with
// httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}
	return nil
}

// handleStatus returns monitor health information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	polls := s.polls
	updatedAt := s.updatedAt
	hasData := s.snapshot != nil
	s.mu.RUnlock()

	status := map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).String(),
		"polls":    polls,
		"has_data": hasData,
	}
	if hasData {
		status["last_update"] = updatedAt
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleDevice returns the latest device-state snapshot.
func (s *Server) handleDevice(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	snapshot := s.snapshot
	s.mu.RUnlock()

	if snapshot == nil {
		s.writeError(w, "No device data collected yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, snapshot, http.StatusOK)
}

// handleArchive returns the latest daily archive series.
func (s *Server) handleArchive(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	snapshot := s.snapshot
	s.mu.RUnlock()

	if snapshot == nil || snapshot.Archive == nil {
		s.writeError(w, "No archive data collected yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"device":  snapshot.Identity,
		"samples": snapshot.Archive,
		"count":   len(snapshot.Archive),
	}, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, map[string]string{"error": message}, statusCode)
}
