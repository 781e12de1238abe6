package gateway

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loggate/ingestgw/internal/config"
	"github.com/loggate/ingestgw/internal/forwarder"
	"github.com/loggate/ingestgw/internal/health"
	"github.com/loggate/ingestgw/internal/obsmetrics"
	"github.com/loggate/ingestgw/internal/wal"
)

// setupRoutes configures the gateway's HTTP surface on one *chi.Mux:
// public endpoints first, then admin endpoints behind their own auth
// middleware.
func setupRoutes(
	router *chi.Mux,
	getCfg func() *config.Snapshot,
	pipeline *Pipeline,
	checker *health.Checker,
	manager *wal.Manager,
	fw *forwarder.Forwarder,
	reg *prometheus.Registry,
) {
	router.Get("/healthz", HealthzHandler)
	router.Get("/readyz", ReadyzHandler(checker))
	router.Post("/v1/logs:ingest", IngestHandler(pipeline, getCfg))

	router.Route("/v1/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(func() string { return getCfg().Security.AdminToken }))
		r.Post("/flush", AdminFlushHandler(manager))
		r.Get("/status", AdminStatusHandler(checker, fw))
	})

	router.Handle(getCfg().Server.MetricsPath, obsmetrics.Handler(reg))
}
