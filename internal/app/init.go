package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/svc-gateway/internal/admission"
	"github.com/nulpointcorp/svc-gateway/internal/api"
	"github.com/nulpointcorp/svc-gateway/internal/breaker"
	"github.com/nulpointcorp/svc-gateway/internal/discovery"
	"github.com/nulpointcorp/svc-gateway/internal/healthmon"
	"github.com/nulpointcorp/svc-gateway/internal/logger"
	"github.com/nulpointcorp/svc-gateway/internal/metrics"
	"github.com/nulpointcorp/svc-gateway/internal/proxy"
	"github.com/nulpointcorp/svc-gateway/internal/registry"
	"github.com/nulpointcorp/svc-gateway/internal/store"
	"github.com/nulpointcorp/svc-gateway/internal/upstream"
)

// initServices creates the Prometheus metrics registry and the async
// batched request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	l, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = l

	return nil
}

// initInfra establishes external connections: Redis (only when
// CACHE_MODE=redis) and the health-result store.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Cache.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Cache.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	switch a.cfg.Database.Mode {
	case "postgres":
		st, err := store.Open(a.cfg.Database.DSN())
		if err != nil {
			return err
		}
		a.st = st
		a.log.Info("health store: postgres",
			slog.String("host", a.cfg.Database.Host),
			slog.String("db", a.cfg.Database.Name),
		)

	case "memory":
		a.st = store.NewMemory()
		a.log.Info("health store: memory (in-process)")
	}

	return nil
}

// initRegistry builds the discovery source and the service registry, seeded
// from the {NAME_UPPER}_SERVICE_URL env fallbacks so the gateway is
// serviceable before the first discovery round completes.
func (a *App) initRegistry(_ context.Context) error {
	var src discovery.Source
	switch a.cfg.Discovery.Mode {
	case "consul":
		src = discovery.NewConsul(a.cfg.Discovery.ConsulHost, a.cfg.Discovery.ConsulPort)
		a.log.Info("discovery: consul",
			slog.String("host", a.cfg.Discovery.ConsulHost),
			slog.Int("port", a.cfg.Discovery.ConsulPort),
		)
	case "static":
		src = discovery.NewStatic(nil)
		a.log.Info("discovery: static (env fallbacks only)")
	}

	seed := make([]string, 0, len(a.cfg.ServiceURLOverrides))
	for name := range a.cfg.ServiceURLOverrides {
		seed = append(seed, name)
	}

	a.reg = registry.New(src, seed, a.log, a.prom)

	var cooldown registry.Cooldown
	if a.rdb != nil {
		cooldown = registry.NewRedisCooldown(a.rdb)
	} else {
		cooldown = registry.NewMemoryCooldown()
	}
	a.reg.SetCooldown(cooldown, a.cfg.Discovery.RefreshCooldown)

	return nil
}

// initDataplane wires the request path: breaker table (lazy, per-service
// policies), admission gate (static policy), upstream client and the proxy
// handler that composes them.
func (a *App) initDataplane(_ context.Context) error {
	a.cb = breaker.New(breakerPolicies(a.cfg.CircuitBreaker), a.log, a.prom)
	a.cb.SetTransitionLog(a.reqLogger)

	a.gate = admission.New(a.cfg.Admission, a.prom)
	a.up = upstream.New(a.prom)

	a.px = proxy.New(a.reg, a.cb, a.gate, a.up, a.prom, a.log)
	a.px.SetRequestLog(a.reqLogger)

	return nil
}

// initMonitor creates the active health-probe loop. It shares the upstream
// client with the dataplane but bypasses the breaker and admission gate.
func (a *App) initMonitor(_ context.Context) error {
	a.monitor = healthmon.New(a.reg, a.up, a.st, a.prom, a.log, healthmon.Config{
		InitialDelay:        a.cfg.HealthMonitor.InitialDelay,
		AcceleratedPeriod:   a.cfg.HealthMonitor.AcceleratedPeriod,
		AcceleratedInterval: a.cfg.HealthMonitor.AcceleratedInterval,
		NormalInterval:      a.cfg.HealthMonitor.NormalInterval,
		InterProbePause:     a.cfg.HealthMonitor.InterProbePause,
		ProbeDeadline:       a.cfg.HealthMonitor.ProbeDeadline,
	})
	return nil
}

// initRoutes assembles the management API, the route table and the HTTP
// server. The server's WriteTimeout stays unset so SSE passthroughs are
// never cut off by the server itself.
func (a *App) initRoutes(_ context.Context) error {
	api.Version = a.version
	h := api.New(a.reg, a.monitor, a.st)

	handler := proxy.BuildHandler(a.px, proxy.ManagementRoutes{
		Root:           h.Root,
		Services:       h.Services,
		HealthLive:     h.HealthLive,
		HealthDetail:   h.HealthDetail,
		HealthStatus:   h.HealthStatus,
		HealthTests:    h.HealthTests,
		HealthRunTests: h.HealthRunTests,
		HealthDash:     h.HealthDash,
		Metrics:        a.prom.Handler(),
	}, proxy.CORSConfig{
		Origin: a.cfg.CORS.Origin,
		MaxAge: a.cfg.CORS.MaxAge,
	})

	a.srv = proxy.NewServer(handler)

	return nil
}
