package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/loggate/ingestgw/internal/config"
	"github.com/loggate/ingestgw/internal/forwarder"
	"github.com/loggate/ingestgw/internal/health"
	"github.com/loggate/ingestgw/internal/obsmetrics"
	"github.com/loggate/ingestgw/internal/wal"
)

// Server holds the HTTP server and router. The middleware chain runs
// hlog -> metrics -> access log -> RequestID -> correlation ID ->
// Recoverer ahead of every route.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	getCfg     func() *config.Snapshot
	checker    *health.Checker
}

// New constructs a Server wired to every collaborator the admission
// pipeline and admin/health endpoints need.
func New(
	getCfg func() *config.Snapshot,
	logWriter io.Writer,
	pipeline *Pipeline,
	checker *health.Checker,
	manager *wal.Manager,
	fw *forwarder.Forwarder,
	metrics *obsmetrics.Metrics,
	reg *prometheus.Registry,
) *Server {
	r := chi.NewRouter()

	if logWriter == nil {
		logWriter = os.Stdout
	}
	logger := zerolog.New(logWriter).With().Timestamp().Caller().Logger()

	r.Use(
		hlog.NewHandler(logger),
		metrics.HTTPMiddleware,
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}),
		hlog.RemoteAddrHandler("ip"),
		hlog.UserAgentHandler("user_agent"),
		middleware.RequestID,
		CorrelationIDMiddleware,
		middleware.Recoverer,
	)

	setupRoutes(r, getCfg, pipeline, checker, manager, fw, reg)

	cfg := getCfg()
	s := &Server{
		router:  r,
		getCfg:  getCfg,
		checker: checker,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	return s
}

// Addr reports the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe starts the HTTP server, with TLS when a cert/key pair is
// configured and plain HTTP otherwise.
func (s *Server) ListenAndServe() error {
	cfg := s.getCfg()
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and marks the process not-ready. The
// WAL flush and forwarder drain are driven by main; this only owns the
// HTTP listener's half of the graceful-shutdown sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	s.checker.SetDraining(true)
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP lets the server be driven directly by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
