// Package healthmon runs the gateway's active health-probe loop: a
// cooperatively scheduled timer that walks every registered service's probe
// list, records each result, and derives a per-service rollup. It shares
// the upstream client with the dataplane but deliberately bypasses the
// circuit breaker and admission gate — probes observe ground truth, they
// do not feed the circuit.
package healthmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/svc-gateway/internal/metrics"
	"github.com/nulpointcorp/svc-gateway/internal/registry"
	"github.com/nulpointcorp/svc-gateway/internal/store"
	"github.com/nulpointcorp/svc-gateway/internal/upstream"
)

// Probe is one active check against a service.
type Probe struct {
	TestName       string
	Method         string
	Path           string
	ExpectedStatus int
}

// defaultProbes is attached to every service.
var defaultProbes = []Probe{
	{TestName: "health", Method: fasthttp.MethodGet, Path: "/health", ExpectedStatus: fasthttp.StatusOK},
}

// serviceProbes holds per-service checks run on top of the default probe.
var serviceProbes = map[string][]Probe{
	"audio": {
		{TestName: "voices_lookup", Method: fasthttp.MethodGet,
			Path: "/voices/project/00000000-0000-0000-0000-000000000000", ExpectedStatus: fasthttp.StatusOK},
	},
	"user": {
		{TestName: "users_health", Method: fasthttp.MethodGet, Path: "/users/health", ExpectedStatus: fasthttp.StatusOK},
	},
}

// Config tunes the monitor's loop timing.
type Config struct {
	InitialDelay        time.Duration
	AcceleratedPeriod   time.Duration
	AcceleratedInterval time.Duration
	NormalInterval      time.Duration
	InterProbePause     time.Duration
	ProbeDeadline       time.Duration
}

// DefaultConfig is the production schedule: a quiet first minute, a
// 30-second cadence while the fleet warms up, then hourly.
var DefaultConfig = Config{
	InitialDelay:        60 * time.Second,
	AcceleratedPeriod:   300 * time.Second,
	AcceleratedInterval: 30 * time.Second,
	NormalInterval:      3600 * time.Second,
	InterProbePause:     500 * time.Millisecond,
	ProbeDeadline:       10 * time.Second,
}

// Monitor owns the probe loop's lifecycle and the per-service test lists.
type Monitor struct {
	registry *registry.Registry
	upstream *upstream.Client
	store    store.Store
	metrics  *metrics.Registry
	log      *slog.Logger
	cfg      Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	probes  map[string][]Probe
}

// New creates a Monitor. LoadServiceDefinitions must be called at least
// once (directly or via StartMonitoring) before probes run.
func New(reg *registry.Registry, up *upstream.Client, st store.Store, met *metrics.Registry, log *slog.Logger, cfg Config) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		registry: reg,
		upstream: up,
		store:    st,
		metrics:  met,
		log:      log,
		cfg:      cfg,
		probes:   make(map[string][]Probe),
	}
}

// LoadServiceDefinitions attaches the default probe list (plus any
// service-specific additions) to every service in the registry snapshot.
func (m *Monitor) LoadServiceDefinitions(snap registry.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	probes := make(map[string][]Probe, len(snap.Services))
	for name := range snap.Services {
		list := append([]Probe(nil), defaultProbes...)
		list = append(list, serviceProbes[name]...)
		probes[name] = list
	}
	m.probes = probes
}

// ServicesMonitored reports how many services currently have a probe list
// loaded.
func (m *Monitor) ServicesMonitored() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.probes)
}

// Running reports whether the probe loop goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// StartMonitoring sleeps initialDelay, then loops: run every probe of every
// service, sleep accelerated_interval for the first accelerated_period of
// loop time, then normal_interval thereafter. It returns
// immediately; the loop runs in its own goroutine until ctx is cancelled or
// StopMonitoring is called.
func (m *Monitor) StartMonitoring(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	go m.loop(loopCtx)
}

// StopMonitoring cancels the loop cooperatively: it does not
// interrupt an in-flight probe, only the sleep between iterations/services.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	cancel := m.cancel
	m.running = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if !sleepOrDone(ctx, m.cfg.InitialDelay) {
		return
	}

	loopStart := time.Now()
	for {
		// Pick up services discovery has learned about since the last pass.
		m.LoadServiceDefinitions(m.registry.Snapshot())
		m.RunOnce(ctx)

		interval := m.cfg.NormalInterval
		if time.Since(loopStart) < m.cfg.AcceleratedPeriod {
			interval = m.cfg.AcceleratedInterval
		}
		if !sleepOrDone(ctx, interval) {
			return
		}
	}
}

// RunOnce runs every probe of every known service sequentially, with an
// inter-probe pause, and upserts each result plus the service rollup.
// Exposed directly for the out-of-band POST /health/run-tests endpoint.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.mu.Lock()
	probes := make(map[string][]Probe, len(m.probes))
	for k, v := range m.probes {
		probes[k] = v
	}
	m.mu.Unlock()

	for service, list := range probes {
		baseURL, err := m.registry.Lookup(service)
		if err != nil {
			// The service was monitored at definition-load time but has no
			// routable address now; its probes were not applicable this pass.
			m.recordUnroutable(ctx, service, list)
			continue
		}

		passing := 0
		for _, probe := range list {
			if ctx.Err() != nil {
				return
			}
			result := m.runProbe(ctx, service, baseURL, probe)
			if result.Status == store.StatusOK {
				passing++
			}
			if !sleepOrDone(ctx, m.cfg.InterProbePause) {
				return
			}
		}

		m.recordRollup(ctx, service, passing, len(list))
	}
}

// recordUnroutable marks every probe of a service the registry can no
// longer resolve as NA — not run, rather than failed — and rolls the
// service up with zero passing tests.
func (m *Monitor) recordUnroutable(ctx context.Context, service string, list []Probe) {
	now := time.Now().UTC()
	msg := "service not configured"

	for _, probe := range list {
		result := store.TestResult{
			ServiceName:  service,
			TestName:     probe.TestName,
			Status:       store.StatusNA,
			ErrorMessage: &msg,
			DurationMs:   0,
			UpdatedAt:    now,
		}
		if m.store != nil {
			if err := m.store.UpsertTestResult(ctx, result); err != nil {
				m.log.Error("healthmon: upsert test result failed",
					slog.String("service", service), slog.String("test", probe.TestName), slog.String("error", err.Error()))
			}
		}
		if m.metrics != nil {
			m.metrics.RecordHealthProbe(service, probe.TestName, string(store.StatusNA))
		}
	}

	m.recordRollup(ctx, service, 0, len(list))
}

func (m *Monitor) runProbe(ctx context.Context, service, baseURL string, probe Probe) store.TestResult {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeDeadline)
	defer cancel()

	start := time.Now()
	res := m.upstream.Do(probeCtx, upstream.Request{
		Service: service,
		Method:  probe.Method,
		URL:     baseURL + probe.Path,
	}, m.cfg.ProbeDeadline)
	duration := time.Since(start)

	result := store.TestResult{
		ServiceName: service,
		TestName:    probe.TestName,
		DurationMs:  duration.Milliseconds(),
		UpdatedAt:   time.Now().UTC(),
	}

	switch {
	case res.StatusCode == 0:
		result.Status = store.StatusError
		msg := "probe request failed"
		result.ErrorMessage = &msg
	case res.StatusCode == probe.ExpectedStatus:
		result.Status = store.StatusOK
	default:
		result.Status = store.StatusError
		msg := fmt.Sprintf("expected status %d, got %d", probe.ExpectedStatus, res.StatusCode)
		result.ErrorMessage = &msg
	}

	if m.store != nil {
		if err := m.store.UpsertTestResult(ctx, result); err != nil {
			m.log.Error("healthmon: upsert test result failed",
				slog.String("service", service), slog.String("test", probe.TestName), slog.String("error", err.Error()))
		}
	}
	if m.metrics != nil {
		m.metrics.RecordHealthProbe(service, probe.TestName, string(result.Status))
	}

	return result
}

func (m *Monitor) recordRollup(ctx context.Context, service string, passing, total int) {
	if m.store == nil {
		return
	}

	now := time.Now().UTC()
	health := store.ServiceHealth{
		ServiceName:  service,
		Status:       store.DeriveStatus(total, passing),
		TotalTests:   total,
		PassingTests: passing,
		UpdatedAt:    now,
	}
	if passing > 0 {
		health.LastSuccessfulCheck = &now
	}

	if err := m.store.UpsertServiceHealth(ctx, health); err != nil {
		m.log.Error("healthmon: upsert service health failed",
			slog.String("service", service), slog.String("error", err.Error()))
	}
}

// sleepOrDone sleeps for d or returns false early if ctx is cancelled.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
