package remote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler serves a Memory remote over the same HTTP shape HTTPClient speaks
type Handler struct {
	remote *Memory
	token  string
	logger *slog.Logger
}

// NewHandler creates a handler. A non-empty token is required as a bearer
// token on every request.
func NewHandler(remote *Memory, token string, logger *slog.Logger) *Handler {
	return &Handler{remote: remote, token: token, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(h.auth)
		r.Get("/records", h.listRecords)
		r.Get("/records/{id}", h.fetchRecord)
		r.Post("/records/{id}/operations", h.applyOperation)
	})

	return r
}

func (h *Handler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.remote.Records())
}

func (h *Handler) fetchRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.remote.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) applyOperation(w http.ResponseWriter, r *http.Request) {
	var op Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "invalid operation: "+err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if op.RecordID == "" {
		op.RecordID = id
	}
	if op.RecordID != id {
		writeError(w, http.StatusBadRequest, "record id does not match path")
		return
	}

	rec, err := h.remote.Apply(r.Context(), op)
	if err != nil {
		h.writeRemoteError(w, err)
		return
	}

	h.logger.Debug("applied operation",
		"record_id", op.RecordID,
		"type", op.Type,
		"version", rec.Version)
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) writeRemoteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var re *Error
	if errors.As(err, &re) {
		switch re.Kind {
		case KindNotFound:
			status = http.StatusNotFound
		case KindConflict:
			status = http.StatusConflict
		case KindAuth:
			status = http.StatusUnauthorized
		case KindPermanent:
			status = http.StatusUnprocessableEntity
		case KindTransient:
			status = http.StatusServiceUnavailable
		}
	}
	msg := err.Error()
	if re != nil && re.Err != nil {
		msg = re.Err.Error()
	}
	writeError(w, status, strings.TrimSpace(msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
