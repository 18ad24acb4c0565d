package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/observability"
)

// routes builds the HTTP handler for health, metrics and read-only views.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /cache", s.handleCacheKeys)
	mux.HandleFunc("GET /cache/{key}", s.handleCacheEntry)

	return mux
}

// handleHealth reports ok when the RPC node answers a finalized slot query.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	slot, err := s.rpc.GetSlot(ctx, domain.CommitmentFinalized)
	if err != nil {
		s.logger.Warn().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "finalized_slot": slot})
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status             string    `json:"status"`
	Uptime             string    `json:"uptime"`
	Started            time.Time `json:"started"`
	CacheEntries       int       `json:"cache_entries"`
	Subscriptions      int       `json:"subscriptions"`
	LastDeriveRun      time.Time `json:"last_derive_run,omitempty"`
	LastSweepRun       time.Time `json:"last_sweep_run,omitempty"`
	DeriveRuns         int       `json:"derive_runs"`
	SweepRuns          int       `json:"sweep_runs"`
	DeriveRunning      bool      `json:"derive_running"`
	LastDeriveFailures int       `json:"last_derive_failures"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	resp := StatusResponse{
		Status:             "running",
		Uptime:             time.Since(s.started).Truncate(time.Second).String(),
		Started:            s.started,
		LastDeriveRun:      s.lastDeriveRun,
		LastSweepRun:       s.lastSweepRun,
		DeriveRuns:         s.deriveRuns,
		SweepRuns:          s.sweepRuns,
		DeriveRunning:      s.deriveRunning,
		LastDeriveFailures: s.lastDeriveErrs,
	}
	s.mu.Unlock()

	resp.CacheEntries = s.store.Len()
	resp.Subscriptions = s.syncer.Len()

	writeJSON(w, http.StatusOK, resp)
}

// CacheEntryResponse is the JSON view of one cache entry.
type CacheEntryResponse struct {
	Key        string      `json:"key"`
	Commitment string      `json:"commitment"`
	Version    uint64      `json:"version"`
	Closed     bool        `json:"closed"`
	Value      interface{} `json:"value"`
	Raw        []byte      `json:"raw,omitempty"`
}

func (s *Server) handleCacheKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"keys": s.store.Keys()})
}

func (s *Server) handleCacheEntry(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	e, ok := s.store.Get(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not cached", "key": key})
		return
	}
	writeJSON(w, http.StatusOK, CacheEntryResponse{
		Key:        e.Key,
		Commitment: e.Commitment.String(),
		Version:    e.Version,
		Closed:     e.Value == nil,
		Value:      e.Value,
		Raw:        e.Raw,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
