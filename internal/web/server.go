package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/watchrelay/internal/web/handlers"
	"github.com/saltyorg/watchrelay/internal/web/live"
	"github.com/saltyorg/watchrelay/internal/web/middleware"
)

// DefaultWebhookRateLimit is the number of webhook requests accepted per IP per minute.
const DefaultWebhookRateLimit = 120

// Options configures the HTTP server.
type Options struct {
	Port       int
	Bind       string
	AllowedNet *net.IPNet
	// WebhookRateLimit is requests per minute per IP on webhook routes; 0 uses the default.
	WebhookRateLimit int
}

// Server represents the web server
type Server struct {
	opts     Options
	router   *chi.Mux
	handlers *handlers.Handlers
	live     *live.Hub
}

// NewServer creates a new web server
func NewServer(h *handlers.Handlers, hub *live.Hub, opts Options) *Server {
	if opts.WebhookRateLimit <= 0 {
		opts.WebhookRateLimit = DefaultWebhookRateLimit
	}
	s := &Server{
		opts:     opts,
		router:   chi.NewRouter(),
		handlers: h,
		live:     hub,
	}
	h.SetLiveCounter(hub)
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router
	h := s.handlers

	// AllowSubnet must come BEFORE RealIP so we check the actual connection source
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.AllowSubnet(s.opts.AllowedNet))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Webhooks authenticate themselves since Jellyfin may embed the key in the body.
	// No request timeout: dispatch is bounded per destination and must finish once started.
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.opts.WebhookRateLimit, time.Minute))
		r.Post("/plex", h.WebhookPlex)
		r.Post("/jellyfin", h.WebhookJellyfin)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKey(h.APIKey))

		// Long-lived websocket, no timeout
		r.Get("/live", s.live.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))
			r.Get("/history", h.History)
			r.Get("/history/stats", h.HistoryStats)
		})
	})
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	var addr string
	if s.opts.Bind != "" {
		addr = fmt.Sprintf("%s:%d", s.opts.Bind, s.opts.Port)
	} else {
		addr = fmt.Sprintf(":%d", s.opts.Port)
	}

	server := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout disabled (0) for websocket connections and synchronous dispatch
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down HTTP server")
		// Close live clients first so Shutdown is not held up by hijacked connections
		s.live.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
