// Package httpapi is the thin HTTP facade over the core: it serializes
// requests into store, router, engine, and rollup calls. No business
// logic lives here.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/floorops/floorops/internal/analytics"
	"github.com/floorops/floorops/internal/cache"
	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/routing"
	"github.com/floorops/floorops/internal/schedule"
	"github.com/floorops/floorops/internal/store"
)

// Pauser is the capture-supervisor surface the API exposes to operators.
type Pauser interface {
	Pause()
	Resume()
}

// Server wires the handlers. All fields are required except Prom and
// Capture, which may be nil in tests.
type Server struct {
	Store   store.Store
	Cache   cache.Cache
	Router  *routing.Router
	Engine  *schedule.Engine
	Rollups *analytics.Rollups
	Capture Pauser
	Prom    *prometheus.Registry
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.Prom != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Prom, promhttp.HandlerOpts{}))
	}

	r.HandleFunc("/ml/table-state", s.handleStateWebhook).Methods(http.MethodPost)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/restaurants/{id}/route", s.handleRoute).Methods(http.MethodPost)
	api.HandleFunc("/restaurants/{id}/seat", s.handleSeat).Methods(http.MethodPost)
	api.HandleFunc("/restaurants/{id}/tables/{tableID}/state", s.handleHostState).Methods(http.MethodPost)
	api.HandleFunc("/restaurants/{id}/waitlist", s.handleWaitlist).Methods(http.MethodGet)
	api.HandleFunc("/visits/{id}/close", s.handleCloseVisit).Methods(http.MethodPost)
	api.HandleFunc("/visits/{id}/milestone", s.handleVisitMilestone).Methods(http.MethodPost)
	api.HandleFunc("/cameras/{id}/crop-json", s.handleInstallCropJSON).Methods(http.MethodPost)
	api.HandleFunc("/restaurants/{id}/schedule/runs", s.handleScheduleRun).Methods(http.MethodPost)
	api.HandleFunc("/schedules/{id}/publish", s.handlePublishSchedule).Methods(http.MethodPost)
	api.HandleFunc("/restaurants/{id}/rollups/{period}", s.handleRollup).Methods(http.MethodPost)
	api.HandleFunc("/restaurants/{id}/tiers/recalculate", s.handleRecalculateTiers).Methods(http.MethodPost)
	api.HandleFunc("/capture/pause", s.handleCapturePause).Methods(http.MethodPost)
	api.HandleFunc("/capture/resume", s.handleCaptureResume).Methods(http.MethodPost)

	return r
}

// envelope is the uniform response shape.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError maps the error taxonomy onto HTTP statuses. Routing misses
// are not errors: they return 200 with success=false.
func writeError(w http.ResponseWriter, err error) {
	var nm *routing.NoMatchError
	if errors.As(err, &nm) {
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: nm.Reason})
		return
	}

	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindInput:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindInvariant:
		status = http.StatusUnprocessableEntity
	case domain.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, envelope{Success: false, Message: err.Error()})
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := mux.Vars(r)[name]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.Ef(domain.KindInput, "httpapi", "invalid %s %q", name, raw)
	}
	return id, nil
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.Wrap(domain.KindInput, "httpapi", "malformed request body", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleCapturePause(w http.ResponseWriter, _ *http.Request) {
	if s.Capture != nil {
		s.Capture.Pause()
	}
	writeData(w, http.StatusOK, map[string]string{"capture": "paused"})
}

func (s *Server) handleCaptureResume(w http.ResponseWriter, _ *http.Request) {
	if s.Capture != nil {
		s.Capture.Resume()
	}
	writeData(w, http.StatusOK, map[string]string{"capture": "running"})
}
