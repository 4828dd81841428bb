package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/branchops/impact/internal/api"
	"github.com/branchops/impact/internal/engine"
	"github.com/branchops/impact/internal/metricsource"
	"github.com/branchops/impact/internal/snapshot"
)

type Server struct {
	engine  *engine.Engine
	store   snapshot.Store
	limiter *rate.Limiter
	timeout time.Duration
	metrics http.Handler

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

type analyzeRequest struct {
	BranchIDs      []string `json:"branch_ids"`
	ComparisonMode string   `json:"comparison_mode"`
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/interventions/{id}/analyze", s.handleAnalyze).Methods(http.MethodPost)
	r.HandleFunc("/v1/interventions/{id}/branches", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/v1/interventions/{id}/branches/{branch}", s.handleGet).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	var req analyzeRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}
	override, err := api.ParseComparisonMode(req.ComparisonMode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	id := mux.Vars(r)["id"]
	report, err := s.engine.Analyze(ctx, id, req.BranchIDs, override)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, report)
	case errors.Is(err, metricsource.ErrInterventionNotFound):
		http.Error(w, "Intervention not found", http.StatusNotFound)
	case errors.Is(err, engine.ErrNoBranches):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, engine.ErrSourceUnavailable):
		log.Printf("Analysis of %s failed for every branch: %v", id, err)
		respondJSON(w, http.StatusBadGateway, report)
	default:
		log.Printf("Analysis of %s failed: %v", id, err)
		http.Error(w, "Analysis failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		log.Printf("Snapshot store error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*snapshot.Record{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.store.Get(r.Context(), vars["id"], vars["branch"])
	if err != nil {
		log.Printf("Snapshot store error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "Snapshot not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) metricsHandler() http.Handler {
	handler := s.metrics
	if handler == nil {
		handler = promhttp.Handler()
	}

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
