// Command gateway is the single-node log ingestion gateway's process
// entrypoint. It wires configuration, authentication, masking, the WAL,
// the forwarder, and the HTTP surface together, then drives graceful
// shutdown in order: stop accepting, drain in-flight ingest requests,
// flush the WAL, let the forwarder finish its current round.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loggate/ingestgw/internal/authn"
	"github.com/loggate/ingestgw/internal/config"
	"github.com/loggate/ingestgw/internal/forwarder"
	"github.com/loggate/ingestgw/internal/gateway"
	"github.com/loggate/ingestgw/internal/health"
	"github.com/loggate/ingestgw/internal/idempotency"
	"github.com/loggate/ingestgw/internal/logging"
	"github.com/loggate/ingestgw/internal/masking"
	"github.com/loggate/ingestgw/internal/obsmetrics"
	"github.com/loggate/ingestgw/internal/wal"
)

func main() {
	logging.Init("info", os.Stdout)

	mgr, err := config.NewManager(func(err error) {
		log.Error().Err(err).Msg("config reload rejected")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	cfg := mgr.Get()
	logging.Init(cfg.Server.LogLevel, os.Stdout)

	metrics, reg := obsmetrics.Init()

	diskFree := func() (float64, error) { return wal.DiskFreeRatio(mgr.Get().WAL.RootPath) }

	walMgr := wal.NewManager(cfg.WAL.RootPath, func() config.WAL { return mgr.Get().WAL }, metrics, diskFree)
	if err := walMgr.Recover(); err != nil {
		log.Fatal().Err(err).Msg("recover wal")
	}

	registry := buildRegistry(cfg)
	limiter := authn.NewLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)
	mgr.Subscribe(func(snap *config.Snapshot) {
		registry.Reload(buildTokenMap(snap))
		limiter.SetRate(snap.Security.RateLimitRPS, snap.Security.RateLimitBurst)
	})

	masker := masking.New(cfg.Masking.BaselineKeys, toMaskRules(cfg.Masking.PartialRules))
	dedupe := idempotency.New()

	pipeline := gateway.NewPipeline(registry, limiter, masker, walMgr, dedupe, metrics, mgr.Get, time.Now)

	pushClient := forwarder.NewPushClient(func() config.Loki { return mgr.Get().Loki })
	fwd := forwarder.NewForwarder(walMgr, pushClient, func() config.Loki { return mgr.Get().Loki }, metrics)
	sinkProber := forwarder.NewSinkProber(pushClient, 15*time.Second)

	checker := health.NewChecker(walMgr, diskFree, func() float64 { return mgr.Get().WAL.DiskFreeMinRatio },
		sinkProber.LastSuccessAt, fwd.LastProgressAt)

	srv := gateway.New(mgr.Get, os.Stdout, pipeline, checker, walMgr, fwd, metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	fwdCtx, cancelFwd := context.WithCancel(ctx)
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		if err := fwd.Run(fwdCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("forwarder stopped")
		}
	}()

	go sinkProber.Run(fwdCtx)

	sweepTicker := time.NewTicker(time.Minute)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				walMgr.Sweep()
			}
		}
	}()

	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr()).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
			return
		}
		srvErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-srvErr:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}

	sweepTicker.Stop()
	<-sweepDone

	for _, hash := range walMgr.ListTenantHashes() {
		if err := walMgr.Flush(hash); err != nil {
			log.Error().Err(err).Str("tenant_hash", hash).Msg("final wal flush")
		}
	}

	cancelFwd()
	<-fwdDone

	log.Info().Msg("gateway stopped")
}

func buildRegistry(cfg *config.Snapshot) *authn.Registry {
	return authn.NewRegistry(buildTokenMap(cfg))
}

// buildTokenMap turns the flat security.api_keys list plus per-token
// masking overrides into the authn.Registry's TokenInfo mapping. Every
// configured key is active; disabling one means removing it from the list
// and reloading.
func buildTokenMap(cfg *config.Snapshot) map[string]authn.TokenInfo {
	out := make(map[string]authn.TokenInfo, len(cfg.Security.APIKeys))
	for _, key := range cfg.Security.APIKeys {
		info := authn.TokenInfo{Name: key, Active: true}
		if override, ok := cfg.Masking.PerTokenOverride[key]; ok {
			info.MaskExtra = override.ExtraKeys
		}
		out[key] = info
	}
	return out
}

func toMaskRules(rules map[string]config.MaskRule) map[string]struct {
	KeepPrefix int
	MaskEmail  bool
} {
	out := make(map[string]struct {
		KeepPrefix int
		MaskEmail  bool
	}, len(rules))
	for k, r := range rules {
		out[k] = struct {
			KeepPrefix int
			MaskEmail  bool
		}{KeepPrefix: r.KeepPrefix, MaskEmail: r.MaskEmail}
	}
	return out
}
