package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"stablepool-radar/internal/cache"
	"stablepool-radar/internal/radar"
)

// apiError is the standard JSON error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	errCodeNotReady = "NOT_READY"
	errCodeInternal = "INTERNAL_ERROR"
)

// apiServer serves the read-only status API consumed by dashboards.
type apiServer struct {
	svc    *radar.Service
	logger *log.Logger
	start  time.Time
}

func newAPIServer(svc *radar.Service, logger *log.Logger) *apiServer {
	return &apiServer{svc: svc, logger: logger, start: time.Now()}
}

// handler builds the routed, CORS-wrapped handler.
func (s *apiServer) handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/pools", s.handlePools).Methods("GET")
	router.HandleFunc("/api/tokens", s.handleTokens).Methods("GET")
	router.HandleFunc("/api/whitelist/status", s.handleWhitelistStatus).Methods("GET")
	router.HandleFunc("/api/retry-queue", s.handleRetryQueue).Methods("GET")
	router.HandleFunc("/api/endpoints", s.handleEndpoints).Methods("GET")
	router.HandleFunc("/api/scans", s.handleScans).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(router)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	})
}

func (s *apiServer) handlePools(w http.ResponseWriter, r *http.Request) {
	set, err := s.svc.GetCachedPools(r.Context())
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			writeJSONError(w, http.StatusNotFound, errCodeNotReady, "no discovery pass has completed yet")
			return
		}
		s.logger.Printf("get cached pools: %v", err)
		writeJSONError(w, http.StatusInternalServerError, errCodeInternal, "failed to read pool cache")
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *apiServer) handleTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.svc.GetEnrichedTokens(r.Context())
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			writeJSONError(w, http.StatusNotFound, errCodeNotReady, "no discovery pass has completed yet")
			return
		}
		s.logger.Printf("get enriched tokens: %v", err)
		writeJSONError(w, http.StatusInternalServerError, errCodeInternal, "failed to build token list")
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *apiServer) handleWhitelistStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetWhitelistStatus())
}

func (s *apiServer) handleRetryQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetRetryQueueStatus())
}

func (s *apiServer) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.EndpointHealth())
}

func (s *apiServer) handleScans(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	records, err := s.svc.RecentScans(r.Context(), limit)
	if err != nil {
		s.logger.Printf("recent scans: %v", err)
		writeJSONError(w, http.StatusInternalServerError, errCodeInternal, "failed to read scan records")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}
