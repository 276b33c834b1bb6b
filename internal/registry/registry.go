// Package registry maintains the gateway's view of where each logical
// service currently lives: a name -> base URL mapping, refreshed
// periodically from a discovery.Source and backed by an environment
// variable fallback so the gateway is serviceable before the first
// discovery round completes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/svc-gateway/internal/discovery"
	"github.com/nulpointcorp/svc-gateway/internal/metrics"
)

// ErrNotFound is returned by Lookup when a service has no cached entry and
// no environment-variable fallback.
var ErrNotFound = errors.New("registry: service not found")

// Entry is one resolved service.
type Entry struct {
	Name         string
	BaseURL      string
	DiscoveredAt time.Time
}

// Snapshot is the registry's mapping plus the time it was last fully
// replaced by a refresh cycle.
type Snapshot struct {
	Services    map[string]Entry
	RefreshedAt time.Time
}

// Names returns the snapshot's service names, for the /services endpoint.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Services))
	for n := range s.Services {
		names = append(names, n)
	}
	return names
}

// Registry holds the current snapshot and refreshes it from a discovery
// source on a timer. Reads never block on refreshes: the snapshot is
// replaced atomically, so a lookup always observes a complete, consistent
// map, never a partially-updated one.
type Registry struct {
	snapshot atomic.Pointer[Snapshot]
	source   discovery.Source
	log      *slog.Logger
	metrics  *metrics.Registry

	cooldown       Cooldown
	cooldownPeriod time.Duration
}

// New creates a Registry seeded from process environment fallbacks
// ({NAME_UPPER}_SERVICE_URL) so lookups succeed even before Refresh has run.
// seedServices is used only to know which names to seed from env at
// startup; the registry will happily learn about services it was never
// told about once discovery reports them.
func New(source discovery.Source, seedServices []string, log *slog.Logger, met *metrics.Registry) *Registry {
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{source: source, log: log, metrics: met}

	seed := Snapshot{Services: map[string]Entry{}, RefreshedAt: time.Time{}}
	now := time.Now()
	for _, name := range seedServices {
		if url, ok := envServiceURL(name); ok {
			seed.Services[name] = Entry{Name: name, BaseURL: url, DiscoveredAt: now}
		}
	}
	r.snapshot.Store(&seed)

	return r
}

// SetCooldown installs a refresh cooldown: after a failed refresh the
// registry skips further attempts for period, so a down discovery backend
// isn't polled on every tick.
func (r *Registry) SetCooldown(c Cooldown, period time.Duration) {
	r.cooldown = c
	r.cooldownPeriod = period
}

// Lookup resolves a service name to a base URL: the cached snapshot first,
// then the {NAME_UPPER}_SERVICE_URL environment fallback, then ErrNotFound.
func (r *Registry) Lookup(name string) (string, error) {
	snap := r.snapshot.Load()
	if snap != nil {
		if e, ok := snap.Services[name]; ok {
			return e.BaseURL, nil
		}
	}
	if url, ok := envServiceURL(name); ok {
		return url, nil
	}
	return "", ErrNotFound
}

// Snapshot returns the current registry snapshot.
func (r *Registry) Snapshot() Snapshot {
	if s := r.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{Services: map[string]Entry{}}
}

// Refresh queries the discovery source for every known service (excluding
// the discovery backend itself, which Source.Services already filters),
// picks the first instance of each, and atomically replaces the snapshot.
// A discovery error leaves the previous snapshot in place; it is logged and
// returned — stale routing beats no routing.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.cooldown != nil && r.cooldown.Active(ctx) {
		r.log.Debug("registry refresh skipped, cooldown active")
		if r.metrics != nil {
			r.metrics.RecordRegistryRefresh("cooldown")
		}
		return nil
	}

	names, err := r.source.Services(ctx)
	if err != nil {
		r.log.Error("registry refresh failed", slog.String("error", err.Error()))
		if r.cooldown != nil && r.cooldownPeriod > 0 {
			r.cooldown.Arm(ctx, r.cooldownPeriod)
		}
		if r.metrics != nil {
			r.metrics.RecordRegistryRefresh("error")
		}
		return fmt.Errorf("registry: list services: %w", err)
	}

	now := time.Now()
	next := Snapshot{Services: make(map[string]Entry, len(names)), RefreshedAt: now}

	for _, name := range names {
		instances, err := r.source.Instances(ctx, name)
		if err != nil {
			r.log.Error("registry refresh: describe service failed",
				slog.String("service", name), slog.String("error", err.Error()))
			continue
		}
		if len(instances) == 0 {
			continue
		}

		inst := instances[0]
		addr := inst.ResolvedAddress()
		if addr == "" || inst.ServicePort == 0 {
			continue
		}

		next.Services[name] = Entry{
			Name:         name,
			BaseURL:      fmt.Sprintf("http://%s:%d", addr, inst.ServicePort),
			DiscoveredAt: now,
		}
	}

	r.snapshot.Store(&next)
	if r.metrics != nil {
		r.metrics.RecordRegistryRefresh("ok")
		r.metrics.SetRegistrySize(len(next.Services))
	}
	r.log.Info("registry refreshed", slog.Int("services", len(next.Services)))

	return nil
}

// StartRefreshLoop runs Refresh once immediately and then every ttl, until
// ctx is cancelled. Intended to run in its own goroutine.
func (r *Registry) StartRefreshLoop(ctx context.Context, ttl time.Duration) {
	_ = r.Refresh(ctx)

	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}

// envServiceURL looks up {NAME_UPPER}_SERVICE_URL for the given service name.
func envServiceURL(name string) (string, bool) {
	key := strings.ToUpper(name) + "_SERVICE_URL"
	v := os.Getenv(key)
	if v == "" {
		return "", false
	}
	return v, true
}
