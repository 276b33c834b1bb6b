// Package upstream performs the actual HTTP call to a backend service, in
// one of two modes: a buffered call that awaits the full response
// under a deadline, and a streamed passthrough for server-sent events with
// no overall deadline. Both modes share the same request-shaping rules
// (stripped Host header, X-From-Gateway stamp, Content-Type preservation).
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/svc-gateway/internal/breaker"
	"github.com/nulpointcorp/svc-gateway/internal/metrics"
)

// GatewayHeader is stamped on every upstream request.
const GatewayHeader = "X-From-Gateway"

// bodiedMethods are the methods for which an absent Content-Type defaults
// to application/json.
var bodiedMethods = map[string]bool{
	fasthttp.MethodPost:  true,
	fasthttp.MethodPut:   true,
	fasthttp.MethodPatch: true,
}

// Request describes one upstream call.
type Request struct {
	Service string
	Method  string
	URL     string // absolute URL: base_url + "/" + path (+ query string)
	Header  map[string][]string
	Body    []byte
}

// IsSSE classifies a request as server-sent-events: the path
// begins with "sse/" or the inbound Accept header mentions
// text/event-stream. path is the portion after the service name, without a
// leading slash.
func IsSSE(path, accept string) bool {
	if strings.HasPrefix(path, "sse/") {
		return true
	}
	return strings.Contains(accept, "text/event-stream")
}

// Result is the outcome of a buffered (non-SSE) upstream call.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
	IsJSON      bool
	Outcome     breaker.Outcome
}

// Client performs upstream HTTP calls over a shared fasthttp client.
type Client struct {
	buffered *fasthttp.Client
	streamed *fasthttp.Client
	metrics  *metrics.Registry
}

// New creates an upstream Client. met may be nil to disable metrics.
func New(met *metrics.Registry) *Client {
	return &Client{
		buffered: &fasthttp.Client{
			MaxConnsPerHost: 512,
		},
		streamed: &fasthttp.Client{
			MaxConnsPerHost:    512,
			StreamResponseBody: true,
		},
		metrics: met,
	}
}

func applyRequestShape(req *fasthttp.Request, r Request) {
	req.SetRequestURI(r.URL)
	req.Header.SetMethod(r.Method)
	req.Header.Del("Host")
	req.Header.Set(GatewayHeader, "true")

	hadContentType := false
	for k, vs := range r.Header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		if strings.EqualFold(k, "Content-Type") && len(vs) > 0 && vs[0] != "" {
			hadContentType = true
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if len(r.Body) > 0 {
		req.SetBody(r.Body)
		if bodiedMethods[strings.ToUpper(r.Method)] && !hadContentType {
			req.Header.SetContentType("application/json")
		}
	}
}

// Do performs a buffered, non-SSE upstream request with the given deadline.
func (c *Client) Do(ctx context.Context, r Request, timeout time.Duration) Result {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	applyRequestShape(req, r)

	start := time.Now()
	var err error
	if timeout > 0 {
		err = c.buffered.DoTimeout(req, resp, timeout)
	} else {
		err = c.buffered.Do(req, resp)
	}
	elapsed := time.Since(start)

	if err != nil {
		return Result{Outcome: classifyError(ctx, err)}
	}

	if c.metrics != nil {
		c.metrics.ObserveLatency(r.Service, elapsed)
	}

	status := resp.StatusCode()
	body := append([]byte(nil), resp.Body()...)
	contentType := string(resp.Header.ContentType())

	isJSON := json.Valid(body)

	return Result{
		StatusCode:  status,
		ContentType: contentType,
		Body:        body,
		IsJSON:      isJSON,
		Outcome:     breaker.Ok(status),
	}
}

// StreamTo performs an SSE upstream request with no overall deadline,
// writing the response headers and a chunked body directly onto ctx as
// soon as the upstream responds. It returns the outcome to feed the
// breaker: a connect-time failure yields a failure outcome
// even though admission/breaker were otherwise bypassed for the request.
func (c *Client) StreamTo(ctx *fasthttp.RequestCtx, r Request) breaker.Outcome {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)

	applyRequestShape(req, r)

	if err := c.streamed.Do(req, resp); err != nil {
		fasthttp.ReleaseResponse(resp)
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		return classifyError(ctx, err)
	}

	ctx.SetStatusCode(resp.StatusCode())
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	outcome := breaker.Ok(resp.StatusCode())

	bodyStream := resp.BodyStream()
	if bodyStream == nil {
		ctx.SetBody(resp.Body())
		fasthttp.ReleaseResponse(resp)
		return outcome
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer fasthttp.ReleaseResponse(resp)
		_, _ = io.Copy(w, bodyStream)
		_ = w.Flush()
	})

	return outcome
}

// classifyError maps a transport error to the tagged Outcome variant
// consumed by the breaker: deadline overruns become Timeout,
// refused/reset/DNS failures become ConnectError, everything else Other.
func classifyError(ctx context.Context, err error) breaker.Outcome {
	if ctx.Err() != nil || errors.Is(err, fasthttp.ErrTimeout) {
		return breaker.Timeout()
	}

	if errors.Is(err, fasthttp.ErrConnectionClosed) ||
		errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, fasthttp.ErrNoFreeConns) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return breaker.ConnectError()
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return breaker.ConnectError()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return breaker.Timeout()
		}
		return breaker.ConnectError()
	}

	return breaker.Other()
}
