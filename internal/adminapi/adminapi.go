// Package adminapi implements the read-only admin/status HTTP surface:
// /healthz, /status, and /metrics. It carries no write/control operations -
// the daemon has no live-reload config to accept.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ocspd/internal/metrics"
	"ocspd/record"
)

// Reporter is the subset of the pipeline Orchestrator the admin surface
// needs, kept as an interface so this package never imports pipeline
// (avoiding the import cycle that would otherwise appear since pipeline
// needs metrics, not adminapi).
type Reporter interface {
	Snapshot() []record.Snapshot
}

// Quiescer is the subset of the pipeline Orchestrator /healthz polls for
// readiness: Quiesce returns once both queues have fully drained, or ctx's
// error if they haven't drained by the deadline. A nil Quiescer makes
// /healthz report unconditional 200s (no readiness probe wired).
type Quiescer interface {
	Quiesce(ctx context.Context) error
}

// readinessPollTimeout bounds how long /healthz waits for Quiesce to report
// drained before treating the daemon as still busy.
const readinessPollTimeout = 50 * time.Millisecond

// Server is the admin/status HTTP server.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// New builds the admin server's handler, bound to addr. Start must be
// called to actually listen. quiescer may be nil, in which case /healthz
// always reports 200.
func New(addr string, reporter Reporter, quiescer Quiescer, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz(quiescer))
	r.Get("/status", handleStatus(reporter))
	if m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start begins serving; it returns http.ErrServerClosed on a clean Shutdown.
func (s *Server) Start() error {
	s.log.Info("admin surface listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz reports readiness: 200 once both queues are drained (or
// immediately, when quiescer is nil), 503 while work is still outstanding.
func handleHealthz(quiescer Quiescer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if quiescer == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), readinessPollTimeout)
		defer cancel()

		if err := quiescer.Quiesce(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("draining"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type statusResponse struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Records     []record.Snapshot `json:"records"`
}

func handleStatus(reporter Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			GeneratedAt: time.Now().UTC(),
			Records:     reporter.Snapshot(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
