// Package api serves the admin HTTP surface: health, readiness, the
// subscription registry, Prometheus metrics and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nkkko/chainwatch/internal/logging"
	"github.com/nkkko/chainwatch/internal/telemetry"
	"github.com/nkkko/chainwatch/pkg/listener"
	"github.com/nkkko/chainwatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains admin server configuration
type Config struct {
	// Server address
	Addr string

	// Path of the Prometheus endpoint
	MetricsPath string

	// Origins allowed to read the API from a browser; empty disables CORS
	AllowedOrigins []string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:         ":9464",
		MetricsPath:  "/metrics",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Status is the view of the listener the server reports on
type Status interface {
	State() listener.State
	Subscriptions() (map[string]*types.Subscription, error)
}

// Server handles the admin HTTP endpoints
type Server struct {
	config Config
	status Status
	stream http.Handler
	router *chi.Mux
	server *http.Server
	logger zerolog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithEventStream serves stream at /events
func WithEventStream(stream http.Handler) Option {
	return func(s *Server) {
		s.stream = stream
	}
}

// New creates an admin server reporting on status
func New(config Config, status Status, options ...Option) *Server {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.MetricsPath == "" {
		config.MetricsPath = defaults.MetricsPath
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}

	s := &Server{
		config: config,
		status: status,
		logger: log.With().Str("component", "api").Logger(),
	}
	for _, option := range options {
		option(s)
	}
	s.router = s.routes()

	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(telemetry.TracerName))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	if len(s.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/subscriptions", s.handleSubscriptions)
	r.Handle(s.config.MetricsPath, promhttp.Handler())
	if s.stream != nil {
		r.Get("/events", s.stream.ServeHTTP)
	}

	return r
}

// handleReady reports ready only while the node connection is up
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.status.State()
	status := http.StatusOK
	if state != listener.StateConnected {
		status = http.StatusServiceUnavailable
	}
	sendJSON(w, status, map[string]string{"state": state.String()})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.status.Subscriptions()
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Failed to list subscriptions")
		sendError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	records := make([]types.SubscriptionRecord, 0, len(subs))
	for _, sub := range subs {
		records = append(records, sub.Record())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"state":         s.status.State().String(),
		"subscriptions": records,
	})
}

// Start runs the server until ctx is done
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()
	s.logger.Info().Str("addr", s.config.Addr).Msg("Admin server started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error().Err(err).Msg("Admin server error")
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// sendJSON writes data as a JSON response
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// sendError writes an error response
func sendError(w http.ResponseWriter, status int, errMsg string) {
	sendJSON(w, status, map[string]string{"error": errMsg})
}
