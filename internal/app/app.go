// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initServices — metrics registry, async request logger
//  2. initInfra    — external connections (Redis when needed, health store)
//  3. initRegistry — discovery source + service registry
//  4. initDataplane — breaker, admission, upstream client, proxy handler
//  5. initMonitor  — active health-probe loop
//  6. initRoutes   — management API + route table + HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/svc-gateway/internal/admission"
	"github.com/nulpointcorp/svc-gateway/internal/breaker"
	"github.com/nulpointcorp/svc-gateway/internal/config"
	"github.com/nulpointcorp/svc-gateway/internal/healthmon"
	"github.com/nulpointcorp/svc-gateway/internal/logger"
	"github.com/nulpointcorp/svc-gateway/internal/metrics"
	"github.com/nulpointcorp/svc-gateway/internal/proxy"
	"github.com/nulpointcorp/svc-gateway/internal/registry"
	"github.com/nulpointcorp/svc-gateway/internal/store"
	"github.com/nulpointcorp/svc-gateway/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	prom      *metrics.Registry
	st        store.Store

	reg     *registry.Registry
	cb      *breaker.Breaker
	gate    *admission.Gate
	up      *upstream.Client
	px      *proxy.Proxy
	monitor *healthmon.Monitor

	srv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"services", a.initServices},
		{"infra", a.initInfra},
		{"registry", a.initRegistry},
		{"dataplane", a.initDataplane},
		{"monitor", a.initMonitor},
		{"routes", a.initRoutes},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server, the registry refresh loop and the health
// monitor, and blocks until ctx is cancelled or an error occurs. It closes
// the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("discovery_mode", a.cfg.Discovery.Mode),
		slog.String("store_mode", a.cfg.Database.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		a.reg.StartRefreshLoop(gctx, a.cfg.Discovery.CacheTTL)
		return nil
	})

	a.monitor.LoadServiceDefinitions(a.reg.Snapshot())
	a.monitor.StartMonitoring(gctx)

	g.Go(func() error {
		<-gctx.Done()
		a.monitor.StopMonitoring()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times; calls must not run concurrently.
func (a *App) Close() {
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// breakerPolicies converts the config policy table into the breaker's
// runtime table, including the "default" fallback row.
func breakerPolicies(table map[string]config.CircuitPolicy) map[string]breaker.Policy {
	out := make(map[string]breaker.Policy, len(table))
	for name, p := range table {
		out[name] = breaker.Policy{
			FailureThreshold:          p.FailureThreshold,
			BaseTimeout:               p.BaseTimeout,
			SuccessThreshold:          p.SuccessThreshold,
			RequestTimeout:            p.RequestTimeout,
			BackoffFactor:             p.BackoffFactor,
			Count4xxAsFailure:         p.Count4xxAsFailure,
			CountUpstream5xxAsFailure: p.CountUpstream5xxFail,
		}
	}
	return out
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
