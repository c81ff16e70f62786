// Package api exposes the Wayline hosting surface over HTTP: session
// lifecycle, conversational messaging, progress, visualization and the
// realtime WebSocket feed.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/wayline/wayline/internal/broadcast"
	"github.com/wayline/wayline/internal/conversation"
	"github.com/wayline/wayline/internal/journey"
	"github.com/wayline/wayline/internal/messaging"
	"github.com/wayline/wayline/internal/realtime"
	"github.com/wayline/wayline/internal/session"
	"github.com/wayline/wayline/internal/store"
)

const (
	defaultAddr            = ":8080"
	defaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TwilioService *messaging.TwilioService
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook exposes the Twilio inbound-message webhook, feeding the
// given transport's response channel.
func WithTwilioWebhook(svc *messaging.TwilioService) Option {
	return func(o *Opts) { o.TwilioService = svc }
}

// Server wires the Wayline services behind an HTTP mux.
type Server struct {
	addr string
	srv  *http.Server

	sessions      *session.Service
	conversations *conversation.Service
	broadcaster   *broadcast.Service
	workflows     journey.Source
	st            store.Store
	sinks         *sinkRegistry
	twilio        *messaging.TwilioService
}

// NewServer creates the API server over the given services.
func NewServer(sessions *session.Service, conversations *conversation.Service, broadcaster *broadcast.Service, workflows journey.Source, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: defaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		addr:          cfg.Addr,
		sessions:      sessions,
		conversations: conversations,
		broadcaster:   broadcaster,
		workflows:     workflows,
		st:            st,
		sinks:         newSinkRegistry(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /sessions", s.handleStartSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("GET /sessions/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /sessions/{id}/output", s.handleOutput)
	mux.HandleFunc("POST /sessions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /sessions/{id}/resume", s.handleResume)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleTerminate)
	mux.HandleFunc("GET /journeys/{id}/visualization", s.handleVisualization)
	mux.HandleFunc("POST /journeys/{id}/alerts", s.handleSetAlerts)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /ws", realtime.NewHandler(broadcaster))
	if cfg.TwilioService != nil {
		s.twilio = cfg.TwilioService
		mux.HandleFunc("POST /webhooks/twilio", s.handleTwilioWebhook)
	}

	s.srv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	slog.Info("API.Start: listening", "addr", s.addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API.Start: server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	slog.Info("API.Stop: shutting down")
	return s.srv.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
