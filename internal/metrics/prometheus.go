// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. The proxy dataplane depends on the
// request counter, latency histogram and circuit gauge; everything else is
// additional visibility the core never reads back.
type Registry struct {
	reg *prometheus.Registry

	// gateway_requests_total{service,method}
	requestsTotal *prometheus.CounterVec

	// gateway_request_latency_seconds{service}
	requestLatency *prometheus.HistogramVec

	// gateway_circuit_state{service} — 1=open, 0=closed
	circuitState *prometheus.GaugeVec

	// gateway_admission_inflight{service} / gateway_admission_rejections_total{service}
	admissionInflight   *prometheus.GaugeVec
	admissionRejections *prometheus.CounterVec

	// gateway_circuit_transitions_total{service,to_state}
	circuitTransitions *prometheus.CounterVec

	// gateway_circuit_rejections_total{service}
	circuitRejections *prometheus.CounterVec

	// gateway_registry_refresh_total{result} / gateway_registry_services
	registryRefreshes *prometheus.CounterVec
	registrySize      prometheus.Gauge

	// gateway_health_probes_total{service,test,status}
	healthProbes *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry backed by a private prometheus.Registry, seeded
// with the Go and process collectors for baseline runtime visibility.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of proxy requests handled, by service and method",
			},
			[]string{"service", "method"},
		),

		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_latency_seconds",
				Help:    "Observed upstream request latency in seconds, by service",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"service"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_state",
				Help: "Circuit breaker state per service (1=open, 0=closed)",
			},
			[]string{"service"},
		),

		admissionInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_admission_inflight",
				Help: "In-flight requests holding an admission slot, by service",
			},
			[]string{"service"},
		),

		admissionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_rejections_total",
				Help: "Requests rejected because the service's admission gate was full",
			},
			[]string{"service"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_transitions_total",
				Help: "Circuit breaker state transitions, by service and destination state",
			},
			[]string{"service", "to_state"},
		),

		circuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_rejections_total",
				Help: "Requests fast-failed because the circuit was open",
			},
			[]string{"service"},
		),

		registryRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_registry_refresh_total",
				Help: "Service registry refresh attempts, by result",
			},
			[]string{"result"},
		),

		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_registry_services",
			Help: "Number of services currently known to the registry",
		}),

		healthProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_health_probes_total",
				Help: "Active health probes run, by service, test name and resulting status",
			},
			[]string{"service", "test", "status"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.requestLatency,
		r.circuitState,
		r.admissionInflight,
		r.admissionRejections,
		r.circuitTransitions,
		r.circuitRejections,
		r.registryRefreshes,
		r.registrySize,
		r.healthProbes,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// Handler returns the fasthttp handler serving Prometheus exposition format.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// SetBuildInfo sets the build-info gauge for the given version to 1.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// RecordRequest increments gateway_requests_total for a completed proxy request.
func (r *Registry) RecordRequest(service, method string) {
	r.requestsTotal.WithLabelValues(service, method).Inc()
}

// ObserveLatency records the observed upstream latency for a service.
func (r *Registry) ObserveLatency(service string, dur time.Duration) {
	r.requestLatency.WithLabelValues(service).Observe(dur.Seconds())
}

// SetCircuitState sets the circuit gauge: open=1, anything else=0.
func (r *Registry) SetCircuitState(service string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	r.circuitState.WithLabelValues(service).Set(v)
}

// RecordCircuitTransition increments the transition counter for a service
// entering toState ("open", "half_open", "closed").
func (r *Registry) RecordCircuitTransition(service, toState string) {
	r.circuitTransitions.WithLabelValues(service, toState).Inc()
}

// RecordCircuitRejection increments the fail-fast rejection counter.
func (r *Registry) RecordCircuitRejection(service string) {
	r.circuitRejections.WithLabelValues(service).Inc()
}

// SetAdmissionInflight reports the current number of occupied admission slots.
func (r *Registry) SetAdmissionInflight(service string, n int) {
	r.admissionInflight.WithLabelValues(service).Set(float64(n))
}

// RecordAdmissionRejection increments the admission-full rejection counter.
func (r *Registry) RecordAdmissionRejection(service string) {
	r.admissionRejections.WithLabelValues(service).Inc()
}

// RecordRegistryRefresh records a discovery refresh attempt's outcome
// ("ok", "error" or "cooldown").
func (r *Registry) RecordRegistryRefresh(result string) {
	r.registryRefreshes.WithLabelValues(result).Inc()
}

// SetRegistrySize reports the number of services currently cached.
func (r *Registry) SetRegistrySize(n int) {
	r.registrySize.Set(float64(n))
}

// RecordHealthProbe records the outcome of one active health probe.
func (r *Registry) RecordHealthProbe(service, test, status string) {
	r.healthProbes.WithLabelValues(service, test, strings.ToUpper(status)).Inc()
}
