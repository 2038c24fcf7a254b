package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spotetl/pkg/compute"
	"spotetl/services/ledger"
)

// Routes builds the operator HTTP surface.
func (s *Scheduler) Routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", s.handleReady)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/trigger", s.handleTrigger)
		r.Get("/runs", s.handleListRuns)
	})
	return r
}

func (s *Scheduler) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.Ready() {
		respondError(w, http.StatusServiceUnavailable, errors.New("scheduler not started"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Scheduler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	handle, err := s.Tick(r.Context())
	switch {
	case errors.Is(err, compute.ErrProvisioning):
		respondError(w, http.StatusBadGateway, err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusAccepted, handle)
}

func (s *Scheduler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("run ledger not configured"))
		return
	}

	limit := ledger.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > ledger.MaxListLimit {
			respondError(w, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d", ledger.MaxListLimit))
			return
		}
		limit = n
	}

	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
