// Package proxy implements the gateway's front door: the handler that
// resolves a logical service name, applies admission control and the
// circuit breaker, and relays the upstream response verbatim. It
// also carries the shared HTTP middleware chain (CORS, request IDs,
// panic recovery) used by both the proxy route and the management API.
package proxy

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/svc-gateway/internal/admission"
	"github.com/nulpointcorp/svc-gateway/internal/breaker"
	"github.com/nulpointcorp/svc-gateway/internal/logger"
	"github.com/nulpointcorp/svc-gateway/internal/metrics"
	"github.com/nulpointcorp/svc-gateway/internal/registry"
	"github.com/nulpointcorp/svc-gateway/internal/upstream"
	"github.com/nulpointcorp/svc-gateway/pkg/apierr"
)

// Proxy composes registry lookup, admission, the circuit breaker and the
// upstream client into the gateway's single front-door handler.
type Proxy struct {
	registry  *registry.Registry
	breaker   *breaker.Breaker
	admission *admission.Gate
	upstream  *upstream.Client
	metrics   *metrics.Registry
	log       *slog.Logger
	reqlog    *logger.Logger
}

// New creates a Proxy from its already-constructed dependencies.
func New(
	reg *registry.Registry,
	br *breaker.Breaker,
	adm *admission.Gate,
	up *upstream.Client,
	met *metrics.Registry,
	log *slog.Logger,
) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{registry: reg, breaker: br, admission: adm, upstream: up, metrics: met, log: log}
}

// SetRequestLog installs the async batched request logger; every proxied
// request is enqueued there after its response is written. Never blocks the
// hot path.
func (p *Proxy) SetRequestLog(l *logger.Logger) { p.reqlog = l }

// Handler returns the fasthttp handler for ANY /{service}/{path...}.
func (p *Proxy) Handler(ctx *fasthttp.RequestCtx) {
	service, _ := ctx.UserValue("service").(string)
	tail, _ := ctx.UserValue("path").(string)
	path := strings.TrimPrefix(tail, "/")

	baseURL, err := p.registry.Lookup(service)
	if err != nil {
		apierr.ServiceNotFound(ctx, service)
		return
	}

	targetURL := baseURL + "/" + path
	if q := ctx.URI().QueryString(); len(q) > 0 {
		targetURL += "?" + string(q)
	}

	req := upstream.Request{
		Service: service,
		Method:  string(ctx.Method()),
		URL:     targetURL,
		Header:  collectHeaders(ctx),
		Body:    append([]byte(nil), ctx.PostBody()...),
	}

	accept := string(ctx.Request.Header.Peek("Accept"))
	isSSE := upstream.IsSSE(path, accept)

	if p.metrics != nil {
		p.metrics.RecordRequest(service, req.Method)
	}

	start := time.Now()
	if isSSE {
		p.handleSSE(ctx, service, req)
	} else {
		p.handleRegular(ctx, service, req)
	}

	if p.reqlog != nil {
		p.reqlog.Log(logger.RequestLog{
			ID:           uuid.New(),
			Service:      service,
			Method:       req.Method,
			Path:         path,
			Status:       ctx.Response.StatusCode(),
			LatencyMs:    time.Since(start).Milliseconds(),
			CircuitState: p.breaker.State(service).String(),
			CreatedAt:    time.Now().UTC(),
		})
	}
}

func (p *Proxy) handleSSE(ctx *fasthttp.RequestCtx, service string, req upstream.Request) {
	outcome := p.upstream.StreamTo(ctx, req)
	p.breaker.Record(service, outcome)

	// A transport failure means no upstream response was streamed; map it
	// to the same client-facing error as the buffered path.
	switch outcome {
	case breaker.Timeout():
		apierr.UpstreamTimeout(ctx, service)
	case breaker.ConnectError():
		apierr.UpstreamUnavailable(ctx, service)
	case breaker.Other():
		apierr.UpstreamError(ctx, service)
	}
}

func (p *Proxy) handleRegular(ctx *fasthttp.RequestCtx, service string, req upstream.Request) {
	release, ok := p.admission.Acquire(service)
	if !ok {
		apierr.AdmissionFull(ctx, service)
		return
	}
	defer release()

	proceed, retryAfter := p.breaker.Enter(service)
	if !proceed {
		apierr.CircuitOpen(ctx, service, humanRetry(retryAfter))
		return
	}

	timeout := p.breaker.RequestTimeout(service)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := p.upstream.Do(reqCtx, req, timeout)
	p.breaker.Record(service, result.Outcome)

	p.writeResult(ctx, service, result)
}

// writeResult translates a buffered upstream.Result into the client-facing
// response.
func (p *Proxy) writeResult(ctx *fasthttp.RequestCtx, service string, r upstream.Result) {
	if r.StatusCode == 0 {
		switch {
		case r.Outcome == breaker.Timeout():
			apierr.UpstreamTimeout(ctx, service)
		case r.Outcome == breaker.ConnectError():
			apierr.UpstreamUnavailable(ctx, service)
		default:
			apierr.UpstreamError(ctx, service)
		}
		return
	}

	ctx.SetStatusCode(r.StatusCode)
	if r.IsJSON {
		ctx.SetContentType("application/json")
	} else if r.ContentType != "" {
		ctx.SetContentType(r.ContentType)
	}
	ctx.SetBody(r.Body)
}

func collectHeaders(ctx *fasthttp.RequestCtx) map[string][]string {
	headers := make(map[string][]string)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		headers[key] = append(headers[key], string(v))
	})
	delete(headers, "Host")
	return headers
}

// humanRetry renders a retry-after duration as the "Retry in ~Ns" detail
// string carried by CircuitOpen responses.
func humanRetry(d time.Duration) string {
	secs := d.Seconds()
	if secs < 0 {
		secs = 0
	}
	return "Retry in ~" + strconv.FormatFloat(secs, 'f', -1, 64) + "s"
}
