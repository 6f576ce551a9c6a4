package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/livinlefevreloca/tether/internal/conflict"
	"github.com/livinlefevreloca/tether/internal/orchestrator"
	"github.com/livinlefevreloca/tether/internal/queue"
	"github.com/livinlefevreloca/tether/internal/record"
	"github.com/livinlefevreloca/tether/internal/store"
)

const defaultHistoryLimit = 50

type errorBody struct {
	Error string `json:"error"`
}

// EnqueueResponse is returned by POST /api/v1/mutations
type EnqueueResponse struct {
	Item *queue.Item `json:"item"`

	// Set when a pessimistic enqueue gave up waiting; the item stays queued
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
}

// ResolveRequest is the body of POST /api/v1/conflicts/{id}/resolve
type ResolveRequest struct {
	Strategy conflict.Strategy `json:"strategy"`
}

// ClearRequest is the body of POST /api/v1/local/clear. Confirm must be set.
type ClearRequest struct {
	Confirm bool `json:"confirm"`
}

// NetworkRequest is the body of POST /api/v1/network
type NetworkRequest struct {
	Online bool `json:"online"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) enqueueMutation(w http.ResponseWriter, r *http.Request) {
	var m record.Mutation
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid mutation: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.EnqueueTimeout)
	defer cancel()

	item, err := s.deps.Syncer.EnqueueMutation(ctx, m)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, EnqueueResponse{Item: item, Confirmed: true})
	case item != nil:
		// Queued locally but not confirmed by the remote
		writeJSON(w, http.StatusAccepted, EnqueueResponse{Item: item, Error: err.Error()})
	case errors.Is(err, orchestrator.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) syncState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Syncer.Status())
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	s.deps.Syncer.Trigger(orchestrator.TriggerManual)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Syncer.DeadLetters())
}

func (s *Server) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Syncer.RetryDeadLetter(chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Syncer.Conflicts())
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if _, err := conflict.ParseStrategy(string(req.Strategy)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.deps.Syncer.ResolveConflict(chi.URLParam(r, "id"), req.Strategy)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
	case errors.Is(err, orchestrator.ErrConflictMissing), errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case req.Strategy == conflict.Manual:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Syncer.Records()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Syncer.Record(chi.URLParam(r, "id"))
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.deps.History.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) setNetwork(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network == nil {
		writeError(w, http.StatusConflict, "network monitor is not in manual mode")
		return
	}

	var req NetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	s.deps.Network.Set(req.Online)
	s.logger.Info("network state set manually", "online", req.Online)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) clearLocal(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if !req.Confirm {
		writeError(w, http.StatusBadRequest, "clearing local state requires confirm=true")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.EnqueueTimeout)
	defer cancel()

	err := s.deps.Syncer.Clear(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, orchestrator.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Warn("local state cleared over the api", "request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusOK, s.deps.Syncer.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
