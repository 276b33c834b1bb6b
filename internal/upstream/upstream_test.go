package upstream

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/svc-gateway/internal/breaker"
)

func TestIsSSE(t *testing.T) {
	cases := []struct {
		path   string
		accept string
		want   bool
	}{
		{"sse/events", "", true},
		{"sse/", "", true},
		{"events", "text/event-stream", true},
		{"events", "application/json, text/event-stream", true},
		{"events", "application/json", false},
		{"users/sse/events", "", false},
		{"ping", "", false},
	}
	for _, c := range cases {
		if got := IsSSE(c.path, c.accept); got != c.want {
			t.Errorf("IsSSE(%q, %q) = %v, want %v", c.path, c.accept, got, c.want)
		}
	}
}

func TestDo_JSONResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	c := New(nil)
	res := c.Do(context.Background(), Request{
		Service: "core",
		Method:  fasthttp.MethodGet,
		URL:     backend.URL + "/ping",
	}, 5*time.Second)

	if res.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if !res.IsJSON {
		t.Error("body should be detected as JSON")
	}
	if string(res.Body) != `{"ok":true}` {
		t.Errorf("body should pass through verbatim, got %q", res.Body)
	}
	if res.Outcome != breaker.Ok(200) {
		t.Errorf("outcome should be Ok(200), got %+v", res.Outcome)
	}
}

func TestDo_RawResponsePreservesContentType(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer backend.Close()

	c := New(nil)
	res := c.Do(context.Background(), Request{
		Service: "core",
		Method:  fasthttp.MethodGet,
		URL:     backend.URL + "/teapot",
	}, 5*time.Second)

	if res.StatusCode != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", res.StatusCode)
	}
	if res.IsJSON {
		t.Error("plain text should not be detected as JSON")
	}
	if res.ContentType != "text/plain; charset=utf-8" {
		t.Errorf("content type should be preserved, got %q", res.ContentType)
	}
	if string(res.Body) != "short and stout" {
		t.Errorf("unexpected body %q", res.Body)
	}
}

func TestDo_Upstream5xxIsStillAResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"detail":"backend exploded"}`))
	}))
	defer backend.Close()

	c := New(nil)
	res := c.Do(context.Background(), Request{
		Service: "core",
		Method:  fasthttp.MethodGet,
		URL:     backend.URL + "/x",
	}, 5*time.Second)

	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", res.StatusCode)
	}
	if res.Outcome != breaker.Ok(502) {
		t.Errorf("a 5xx response is still an Ok outcome carrying its status, got %+v", res.Outcome)
	}
}

func TestDo_RequestShaping(t *testing.T) {
	var gotGatewayHeader, gotContentType string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotGatewayHeader = r.Header.Get("X-From-Gateway")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	c := New(nil)

	// Bodied POST without an inbound Content-Type defaults to JSON.
	c.Do(context.Background(), Request{
		Service: "core",
		Method:  fasthttp.MethodPost,
		URL:     backend.URL + "/submit",
		Body:    []byte(`{"a":1}`),
	}, 5*time.Second)

	if gotGatewayHeader != "true" {
		t.Errorf("X-From-Gateway should be stamped, got %q", gotGatewayHeader)
	}
	if gotContentType != "application/json" {
		t.Errorf("absent Content-Type should default to application/json, got %q", gotContentType)
	}

	// An inbound Content-Type is preserved, not overridden.
	c.Do(context.Background(), Request{
		Service: "audio",
		Method:  fasthttp.MethodPost,
		URL:     backend.URL + "/upload",
		Header:  map[string][]string{"Content-Type": {"multipart/form-data; boundary=xyz"}},
		Body:    []byte("--xyz--"),
	}, 5*time.Second)

	if gotContentType != "multipart/form-data; boundary=xyz" {
		t.Errorf("inbound Content-Type should be preserved, got %q", gotContentType)
	}
}

func TestDo_TimeoutOutcome(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer backend.Close()

	c := New(nil)
	res := c.Do(context.Background(), Request{
		Service: "core",
		Method:  fasthttp.MethodGet,
		URL:     backend.URL + "/slow",
	}, 50*time.Millisecond)

	if res.StatusCode != 0 {
		t.Fatalf("a timed-out call has no upstream status, got %d", res.StatusCode)
	}
	if res.Outcome != breaker.Timeout() {
		t.Errorf("expected Timeout outcome, got %+v", res.Outcome)
	}
}

func TestDo_ConnectErrorOutcome(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL
	backend.Close() // nothing listens here anymore

	c := New(nil)
	res := c.Do(context.Background(), Request{
		Service: "core",
		Method:  fasthttp.MethodGet,
		URL:     url + "/x",
	}, time.Second)

	if res.StatusCode != 0 {
		t.Fatalf("a refused connection has no upstream status, got %d", res.StatusCode)
	}
	if res.Outcome != breaker.ConnectError() {
		t.Errorf("expected ConnectError outcome, got %+v", res.Outcome)
	}
}

// gatewayRoundTrip serves handler on an in-memory fasthttp server and
// performs one GET against it with a net/http client, so streamed bodies
// are actually written end to end.
func gatewayRoundTrip(t *testing.T, handler fasthttp.RequestHandler, path string) *http.Response {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			return ln.Dial()
		},
	}}

	resp, err := client.Get("http://gateway" + path)
	if err != nil {
		t.Fatalf("gateway request: %v", err)
	}
	return resp
}

func TestStreamTo_RelaysSSE(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: one\n\n"))
		flusher.Flush()
		w.Write([]byte("data: two\n\n"))
		flusher.Flush()
	}))
	defer backend.Close()

	c := New(nil)
	var outcome breaker.Outcome
	resp := gatewayRoundTrip(t, func(ctx *fasthttp.RequestCtx) {
		outcome = c.StreamTo(ctx, Request{
			Service: "core",
			Method:  fasthttp.MethodGet,
			URL:     backend.URL + "/sse/events",
		})
	}, "/core/sse/events")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}
	if v := resp.Header.Get("X-Accel-Buffering"); v != "no" {
		t.Errorf("expected X-Accel-Buffering: no, got %q", v)
	}
	if v := resp.Header.Get("Cache-Control"); v != "no-cache" {
		t.Errorf("expected Cache-Control: no-cache, got %q", v)
	}

	buf := make([]byte, 4096)
	var body strings.Builder
	for {
		n, err := resp.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(body.String(), "data: one") || !strings.Contains(body.String(), "data: two") {
		t.Errorf("streamed body should contain both events, got %q", body.String())
	}
	if outcome != breaker.Ok(200) {
		t.Errorf("expected Ok(200) outcome, got %+v", outcome)
	}
}

func TestStreamTo_ConnectFailureOutcome(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL
	backend.Close()

	c := New(nil)
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	outcome := c.StreamTo(ctx, Request{
		Service: "core",
		Method:  fasthttp.MethodGet,
		URL:     url + "/sse/events",
	})

	if outcome != breaker.ConnectError() {
		t.Errorf("a connect-time SSE failure must yield a failure outcome, got %+v", outcome)
	}
	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Errorf("expected 502 on connect failure, got %d", ctx.Response.StatusCode())
	}
}
