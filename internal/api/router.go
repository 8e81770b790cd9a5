// Package api serves a read-only JSON status API
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"rpimqtt/internal/events"
	"rpimqtt/internal/sensors"
	"rpimqtt/internal/storage"
)

// ConnectionStatus reports the broker connection state
type ConnectionStatus interface {
	IsConnected() bool
}

// SensorLister lists every constructed sensor
type SensorLister interface {
	Sensors() []sensors.Sensor
}

// StateStore is the part of the state store read by the API
type StateStore interface {
	GetLastState() (*storage.LastState, error)
	GetPublishHistory(limit int) ([]storage.PublishRecord, error)
}

// Server represents the API server
type Server struct {
	router     *chi.Mux
	connection ConnectionStatus
	sensors    SensorLister
	store      StateStore // optional
	eventStore *events.Store
	logger     zerolog.Logger

	httpServer *http.Server
}

// NewServer creates new API server. store may be nil.
func NewServer(connection ConnectionStatus, sensorList SensorLister, store StateStore, eventStore *events.Store, logger zerolog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		connection: connection,
		sensors:    sensorList,
		store:      store,
		eventStore: eventStore,
		logger:     logger,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	statusHandler := NewStatusHandler(s.connection, s.sensors, s.store)
	eventsHandler := NewEventsHandler(s.eventStore)

	r.Get("/healthz", statusHandler.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", statusHandler.State)
		r.Get("/sensors", statusHandler.Sensors)
		r.Get("/history", statusHandler.History)
		r.Get("/events", eventsHandler.List)
	})
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Status API listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status API stopped")
		}
	}()

	return nil
}

// Shutdown stops the server, waiting for active requests until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop status API: %w", err)
	}
	s.logger.Info().Msg("Status API stopped")
	return nil
}

// requestLogger logs every request at debug level
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
