// Package api exposes the HTTP surface: session lifecycle, batch ingest,
// tenant-scoped dashboard reads, the live alert feed, and operational
// endpoints (health, metrics, the local-only dev token issuer).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proctorhub/backend/internal/admission"
	"github.com/proctorhub/backend/internal/auth"
	"github.com/proctorhub/backend/internal/dashboard"
	"github.com/proctorhub/backend/internal/session"
)

// Pinger is a backing dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP routes to the services.
type Server struct {
	sessions *session.Service
	pipeline *admission.Pipeline
	dash     *dashboard.Service
	live     *dashboard.LiveHub
	verifier *auth.Verifier
	issuer   *auth.DevIssuer

	ingestTimeout time.Duration
	readTimeout   time.Duration
	health        map[string]Pinger

	httpServer *http.Server
}

// Options carries the optional server knobs.
type Options struct {
	IngestTimeout time.Duration
	ReadTimeout   time.Duration
	// DevIssuer mounts POST /proctoring/dev/token when non-nil. Wiring
	// must leave it nil outside the local and docker profiles.
	DevIssuer *auth.DevIssuer
	// Health maps dependency names to their ping checks.
	Health map[string]Pinger
}

func NewServer(sessions *session.Service, pipeline *admission.Pipeline, dash *dashboard.Service, live *dashboard.LiveHub, verifier *auth.Verifier, opts Options) *Server {
	if opts.IngestTimeout <= 0 {
		opts.IngestTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 2 * time.Second
	}
	return &Server{
		sessions:      sessions,
		pipeline:      pipeline,
		dash:          dash,
		live:          live,
		verifier:      verifier,
		issuer:        opts.DevIssuer,
		ingestTimeout: opts.IngestTimeout,
		readTimeout:   opts.ReadTimeout,
		health:        opts.Health,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	ingest := func(h http.HandlerFunc) http.HandlerFunc {
		return s.authenticate(withDeadline(s.ingestTimeout, h))
	}
	read := func(h http.HandlerFunc) http.HandlerFunc {
		return s.authenticate(withDeadline(s.readTimeout, h))
	}

	r.HandleFunc("/proctoring/sessions/start", ingest(s.handleSessionStart)).Methods(http.MethodPost)
	r.HandleFunc("/proctoring/sessions/end", ingest(s.handleSessionEnd)).Methods(http.MethodPost)
	r.HandleFunc("/proctoring/sessions/heartbeat", ingest(s.handleHeartbeat)).Methods(http.MethodPost)
	r.HandleFunc("/proctoring/events/batch", ingest(s.handleEventsBatch)).Methods(http.MethodPost)

	r.HandleFunc("/proctoring/sessions/{id}/alerts", read(s.handleListAlerts)).Methods(http.MethodGet)
	r.HandleFunc("/proctoring/sessions/{id}/events", read(s.handleListEvents)).Methods(http.MethodGet)
	r.HandleFunc("/proctoring/evidence/{id}", read(s.handleGetEvidence)).Methods(http.MethodGet)

	r.HandleFunc("/dashboard/sessions/{id}/summary", read(s.handleSummary)).Methods(http.MethodGet)
	r.HandleFunc("/dashboard/sessions/{id}/risk-timeline", read(s.handleRiskTimeline)).Methods(http.MethodGet)
	// No deadline: the live feed holds the connection open.
	r.HandleFunc("/dashboard/live", s.authenticate(s.handleLive)).Methods(http.MethodGet)

	if s.issuer != nil {
		r.HandleFunc("/proctoring/dev/token", s.handleDevToken).Methods(http.MethodPost)
	}

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the live feed.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.live != nil {
		s.live.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
