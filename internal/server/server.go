// Package server exposes instance state and operational commands over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/muniwatch/internal/control"
	"github.com/vietddude/muniwatch/internal/core/errs"
	"github.com/vietddude/muniwatch/internal/export"
	"github.com/vietddude/muniwatch/internal/sensor"
)

// Status is an aggregated health state.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Server provides the HTTP API.
type Server struct {
	registry *control.Registry
	server   *http.Server
	now      func() time.Time
}

// NewServer creates a server listening on port.
func NewServer(registry *control.Registry, port int) *Server {
	s := &Server{registry: registry, now: time.Now}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /instances", s.handleInstances)
	mux.HandleFunc("GET /instances/{id}/stops", s.withInstance(s.handleStops))
	mux.HandleFunc("GET /instances/{id}/stops/{code}", s.withInstance(s.handleStop))
	mux.HandleFunc("GET /instances/{id}/diagnostics", s.withInstance(s.handleDiagnostics))
	mux.HandleFunc("GET /instances/{id}/gtfs-rt", s.withInstance(s.handleFeed))
	mux.HandleFunc("POST /instances/{id}/refresh", s.withInstance(s.handleRefresh))
	mux.HandleFunc("POST /instances/{id}/cache/clear", s.withInstance(s.handleClearCache))
	mux.HandleFunc("POST /instances/{id}/test-connection", s.withInstance(s.handleTestConnection))
	mux.HandleFunc("POST /instances/{id}/reset-errors", s.withInstance(s.handleResetErrors))
	return mux
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type instanceHandler func(w http.ResponseWriter, r *http.Request, coord *control.Coordinator)

func (s *Server) withInstance(h instanceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := s.registry.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("instance %s not found", r.PathValue("id")))
			return
		}
		h(w, r, inst.Coordinator)
	}
}

// InstanceHealth reports the health of one instance. An instance whose API
// monitor has seen no requests yet is healthy.
func InstanceHealth(coord *control.Coordinator) Status {
	h := coord.HealthStatus()
	if h.IsHealthy || h.TotalOperations == 0 {
		return StatusHealthy
	}
	if len(coord.Data()) == 0 {
		return StatusCritical
	}
	return StatusDegraded
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := StatusHealthy
	instances := make(map[string]Status)

	// Aggregate status (worst case wins)
	for _, inst := range s.registry.Instances() {
		st := InstanceHealth(inst.Coordinator)
		instances[inst.Config.ID] = st
		switch {
		case st == StatusCritical:
			status = StatusCritical
		case st == StatusDegraded && status != StatusCritical:
			status = StatusDegraded
		}
	}

	code := http.StatusOK
	if status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "instances": instances})
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instances": s.registry.IDs()})
}

func (s *Server) handleStops(w http.ResponseWriter, r *http.Request, coord *control.Coordinator) {
	writeJSON(w, http.StatusOK, sensor.ForCoordinator(coord))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, coord *control.Coordinator) {
	code := r.PathValue("code")
	snap, ok := sensor.ForStop(coord, code)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("stop %s not configured", code))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request, coord *control.Coordinator) {
	writeJSON(w, http.StatusOK, coord.Diagnostics())
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, coord *control.Coordinator) {
	text := r.URL.Query().Get("format") == "text"
	data, err := export.Marshal(export.Feed(coord.Data(), s.now()), text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if text {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/x-protobuf")
	}
	w.Write(data)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, coord *control.Coordinator) {
	if stop := r.URL.Query().Get("stop"); stop != "" {
		rec, err := coord.RefreshStop(r.Context(), stop)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if err := coord.RefreshAll(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stops": len(coord.Data())})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request, coord *control.Coordinator) {
	if err := coord.ClearCache(r.Context(), r.URL.Query().Get("stop")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request, coord *control.Coordinator) {
	ok := coord.TestConnection(r.Context(), r.URL.Query().Get("stop"))
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) handleResetErrors(w http.ResponseWriter, r *http.Request, coord *control.Coordinator) {
	coord.ResetErrors()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	if control.IsUpdateFailed(err) {
		return http.StatusBadGateway
	}
	kind, ok := errs.KindOf(err)
	switch {
	case !ok:
		return http.StatusInternalServerError
	case kind == errs.KindConfig:
		return http.StatusBadRequest
	case kind == errs.KindCache:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := map[string]string{"error": err.Error()}
	if k, ok := errs.KindOf(err); ok {
		body["kind"] = k.String()
	}
	writeJSON(w, code, body)
}
