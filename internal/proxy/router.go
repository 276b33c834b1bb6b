package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds the handlers for everything that isn't the
// `/{service}/{path...}` proxy route: liveness, service listing,
// health-monitor introspection and metrics exposition.
type ManagementRoutes struct {
	Root           fasthttp.RequestHandler
	Services       fasthttp.RequestHandler
	HealthLive     fasthttp.RequestHandler
	HealthDetail   fasthttp.RequestHandler
	HealthStatus   fasthttp.RequestHandler
	HealthTests    fasthttp.RequestHandler
	HealthRunTests fasthttp.RequestHandler
	HealthDash     fasthttp.RequestHandler
	Metrics        fasthttp.RequestHandler
}

// CORSConfig carries the CORS settings applied to every response.
type CORSConfig struct {
	Origin string
	MaxAge time.Duration
}

// BuildHandler assembles the full route table and middleware chain: the
// generic proxy route plus the management API, wrapped in recovery,
// request-ID, timing, CORS and security-header middleware.
func BuildHandler(p *Proxy, mgmt ManagementRoutes, cors CORSConfig) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/", mgmt.Root)
	r.GET("/services", mgmt.Services)
	r.GET("/health/", mgmt.HealthLive)
	r.GET("/health/detail", mgmt.HealthDetail)
	r.GET("/health/status", mgmt.HealthStatus)
	r.GET("/health/tests", mgmt.HealthTests)
	r.POST("/health/run-tests", mgmt.HealthRunTests)
	r.GET("/health/dashboard", mgmt.HealthDash)
	if mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.ANY("/{service}/{path:*}", p.Handler)

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(cors.Origin, cors.MaxAge),
		securityHeaders,
	)
}

// NewServer builds a fasthttp.Server with the gateway's timeouts. SSE
// responses have no overall deadline at the application layer; the
// server-level WriteTimeout of 0 here leaves that to the upstream client /
// client disconnect, so a long-lived stream is never cut off mid-flight.
func NewServer(handler fasthttp.RequestHandler) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
	}
}
