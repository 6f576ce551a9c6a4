// Package api exposes the sync orchestrator over HTTP and streams its
// events over a WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/livinlefevreloca/tether/internal/conflict"
	"github.com/livinlefevreloca/tether/internal/events"
	"github.com/livinlefevreloca/tether/internal/history"
	"github.com/livinlefevreloca/tether/internal/orchestrator"
	"github.com/livinlefevreloca/tether/internal/queue"
	"github.com/livinlefevreloca/tether/internal/record"
)

// Syncer is the orchestrator surface served by the API.
// *orchestrator.Orchestrator satisfies it.
type Syncer interface {
	EnqueueMutation(ctx context.Context, m record.Mutation) (*queue.Item, error)
	Status() orchestrator.Status
	Trigger(source orchestrator.TriggerSource)
	DeadLetters() []*queue.Item
	RetryDeadLetter(id string) (*queue.Item, error)
	Conflicts() []*orchestrator.Conflict
	ResolveConflict(itemID string, strategy conflict.Strategy) error
	Record(id string) (*record.Record, error)
	Records() ([]*record.Record, error)
	Clear(ctx context.Context) error
	SubscribeState(buffer int) *events.Subscription[orchestrator.StateChange]
	SubscribeRuns(buffer int) *events.Subscription[orchestrator.RunCompleted]
}

// RunHistory lists persisted run reports
type RunHistory interface {
	Recent(limit int) ([]history.RunReport, error)
}

// NetworkSwitch overrides connectivity. *netmon.ManualSignal satisfies it.
type NetworkSwitch interface {
	Set(online bool)
}

// Deps are the components behind the API. History and Network are optional.
type Deps struct {
	Syncer  Syncer
	History RunHistory
	Network NetworkSwitch
}

// Server serves the API
type Server struct {
	config Config
	deps   Deps
	logger *slog.Logger

	// Cancelled on shutdown to end WebSocket streams
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	closed   bool
}

// NewServer creates a server with the specified configuration
func NewServer(config Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if deps.Syncer == nil {
		return nil, fmt.Errorf("api requires a syncer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config: config,
		deps:   deps,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Routes builds the router
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Get("/ws", s.stream)

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/mutations", s.enqueueMutation)

			r.Get("/sync/state", s.syncState)
			r.Post("/sync/trigger", s.triggerSync)

			r.Get("/deadletters", s.listDeadLetters)
			r.Post("/deadletters/{id}/retry", s.retryDeadLetter)

			r.Get("/conflicts", s.listConflicts)
			r.Post("/conflicts/{id}/resolve", s.resolveConflict)

			r.Get("/records", s.listRecords)
			r.Get("/records/{id}", s.getRecord)

			r.Get("/history", s.listHistory)

			r.Post("/network", s.setNetwork)

			r.Post("/local/clear", s.clearLocal)
		})
	})

	return r
}

// Start listens on the configured address and serves until Shutdown. It
// returns nil without serving if Shutdown already ran.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.http = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("api listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start is listening
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown ends open streams and stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	s.closed = true
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.config.Token {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
