// Package api implements the gateway's management HTTP surface: the
// liveness banner, the service-registry listing, and the health-monitor
// introspection/dashboard endpoints layered on top of internal/store and
// internal/healthmon. None of these handlers touch the breaker or
// admission gate — they describe the gateway, they don't proxy through it.
package api

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/svc-gateway/internal/healthmon"
	"github.com/nulpointcorp/svc-gateway/internal/registry"
	"github.com/nulpointcorp/svc-gateway/internal/store"
)

// Version is stamped into the liveness/build-info responses; the app
// overwrites it with the build-time version string at startup.
var Version = "dev"

// Handlers bundles the dependencies the management endpoints read from and
// exposes one fasthttp.RequestHandler per route, ready to plug into
// proxy.ManagementRoutes.
type Handlers struct {
	registry *registry.Registry
	monitor  *healthmon.Monitor
	store    store.Store
	started  time.Time
}

// New creates the management Handlers.
func New(reg *registry.Registry, mon *healthmon.Monitor, st store.Store) *Handlers {
	return &Handlers{registry: reg, monitor: mon, store: st, started: time.Now()}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(body)
}

// Root serves GET /: a minimal liveness banner.
func (h *Handlers) Root(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{
		"service": "svc-gateway",
		"version": Version,
		"status":  "running",
	})
}

// Services serves GET /services: the current registry snapshot.
func (h *Handlers) Services(ctx *fasthttp.RequestCtx) {
	snap := h.registry.Snapshot()
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"services":     snap.Names(),
		"refreshed_at": snap.RefreshedAt,
	})
}

// HealthLive serves GET /health/: the gateway's own liveness check,
// independent of any backend service's health.
func (h *Handlers) HealthLive(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":    "OK",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

// HealthDetail serves GET /health/detail: gateway liveness plus store
// connectivity and monitor state, for operators who need more than a bare
// ping.
func (h *Handlers) HealthDetail(ctx *fasthttp.RequestCtx) {
	dbStatus := "ok"
	if h.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := h.store.Ping(pingCtx); err != nil {
			dbStatus = "unavailable"
		}
	} else {
		dbStatus = "disabled"
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":           "ok",
		"timestamp":        time.Now().UTC(),
		"version":          Version,
		"uptime_seconds":   int(time.Since(h.started).Seconds()),
		"database":         dbStatus,
		"monitor_running":  h.monitor.Running(),
		"services_tracked": len(h.registry.Snapshot().Services),
	})
}

// HealthStatus serves GET /health/status: whether the active monitor
// loop is running and how many services it currently watches.
func (h *Handlers) HealthStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"running":            h.monitor.Running(),
		"services_monitored": h.monitor.ServicesMonitored(),
	})
}

// HealthTests serves GET /health/tests: a paginated list of recorded
// probe results, optionally filtered to one service via ?service=.
func (h *Handlers) HealthTests(ctx *fasthttp.RequestCtx) {
	service := string(ctx.QueryArgs().Peek("service"))
	limit := queryInt(ctx, "limit", 100)
	offset := queryInt(ctx, "offset", 0)

	if h.store == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"results": []store.TestResult{}, "total": 0})
		return
	}

	results, total, err := h.store.ListTestResults(ctx, service, limit, offset)
	if err != nil {
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]string{"detail": "failed to list health tests"})
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"results": results, "total": total})
}

// HealthRunTests serves POST /health/run-tests: triggers an immediate,
// out-of-band probe sweep and returns as soon as it is scheduled, not once
// it completes.
func (h *Handlers) HealthRunTests(ctx *fasthttp.RequestCtx) {
	h.monitor.LoadServiceDefinitions(h.registry.Snapshot())
	go h.monitor.RunOnce(context.Background())

	writeJSON(ctx, fasthttp.StatusAccepted, map[string]string{"detail": "health test run scheduled"})
}

// HealthDash serves GET /health/dashboard: the latest per-service
// rollup for every service with at least one recorded test.
func (h *Handlers) HealthDash(ctx *fasthttp.RequestCtx) {
	if h.store == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"services": []store.ServiceHealth{}, "last_updated": time.Now().UTC()})
		return
	}

	services, err := h.store.ListServiceHealth(ctx)
	if err != nil {
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]string{"detail": "failed to load health dashboard"})
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"services":     services,
		"last_updated": time.Now().UTC(),
	})
}

func queryInt(ctx *fasthttp.RequestCtx, key string, def int) int {
	raw := string(ctx.QueryArgs().Peek(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
