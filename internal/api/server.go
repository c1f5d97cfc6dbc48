// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/engine"
	"github.com/hugo-lorenzo-mato/devflow/internal/events"
	"github.com/hugo-lorenzo-mato/devflow/internal/logging"
	"github.com/hugo-lorenzo-mato/devflow/internal/provider"
)

// Server serves the workflows, events, health and metrics endpoints.
type Server struct {
	engine   *engine.Engine
	store    core.Store
	registry *provider.Registry
	bus      *events.Bus
	logger   *logging.Logger

	httpServer *http.Server
}

// Options configure the server.
type Options struct {
	Addr        string
	CORSOrigins []string
}

// NewServer assembles the HTTP surface.
func NewServer(eng *engine.Engine, store core.Store, registry *provider.Registry, bus *events.Bus, logger *logging.Logger, opts Options) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		engine:   eng,
		store:    store,
		registry: registry,
		bus:      bus,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/events", s.handleEvents)
			r.Post("/start", s.handleStart)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
			r.Post("/archive", s.handleArchive)
		})
	})

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// JSON plumbing
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var dom *core.DomainError
	if !errors.As(err, &dom) {
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Category: string(core.ErrCatInternal), Code: "INTERNAL", Message: "internal error",
		})
		return
	}
	writeJSON(w, statusFor(dom.Category), errorBody{
		Category: string(dom.Category),
		Code:     dom.Code,
		Message:  dom.Message,
	})
}

func statusFor(cat core.ErrorCategory) int {
	switch cat {
	case core.ErrCatValidation:
		return http.StatusBadRequest
	case core.ErrCatNotFound:
		return http.StatusNotFound
	case core.ErrCatTransition, core.ErrCatState, core.ErrCatCancelled:
		return http.StatusConflict
	case core.ErrCatAuth:
		return http.StatusUnauthorized
	case core.ErrCatRateLimit, core.ErrCatResource:
		return http.StatusTooManyRequests
	case core.ErrCatTimeout:
		return http.StatusGatewayTimeout
	case core.ErrCatProvider, core.ErrCatConsensus:
		return http.StatusBadGateway
	case core.ErrCatBudget, core.ErrCatExecution:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
