// Package apierr writes structured HTTP error responses in the
// {"detail": "..."} shape used throughout the gateway's wire surface.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

type envelope struct {
	Detail string `json:"detail"`
}

// Write writes {"detail": message} as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Detail: message})
	ctx.SetBody(body)
}

// ServiceNotFound writes the 404 produced by a registry miss.
func ServiceNotFound(ctx *fasthttp.RequestCtx, service string) {
	Write(ctx, fasthttp.StatusNotFound, "Service '"+service+"' not found")
}

// CircuitOpen writes the 503 produced by a breaker rejection.
func CircuitOpen(ctx *fasthttp.RequestCtx, service, detail string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "Circuit open for service '"+service+"'. "+detail)
}

// AdmissionFull writes the 503 produced when a service's concurrency gate
// has no free slot.
func AdmissionFull(ctx *fasthttp.RequestCtx, service string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "Service '"+service+"' is at capacity, try again shortly")
}

// UpstreamTimeout writes the 504 produced by a transport timeout.
func UpstreamTimeout(ctx *fasthttp.RequestCtx, service string) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "Upstream request to service '"+service+"' timed out")
}

// UpstreamUnavailable writes the 503 produced by a connection failure.
func UpstreamUnavailable(ctx *fasthttp.RequestCtx, service string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "Service '"+service+"' is unavailable")
}

// UpstreamError writes the 500 produced by an unexpected transport
// exception.
func UpstreamError(ctx *fasthttp.RequestCtx, service string) {
	Write(ctx, fasthttp.StatusInternalServerError, "Unexpected error contacting service '"+service+"'")
}
