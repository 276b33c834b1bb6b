// Package admission implements the gateway's per-service bounded
// concurrency: a buffered-channel semaphore per service, acquired
// before a non-streaming request enters the circuit breaker and released on
// every exit path. SSE requests bypass admission entirely.
package admission

import (
	"sync"

	"github.com/nulpointcorp/svc-gateway/internal/metrics"
)

// DefaultCapacity is used for any service absent from the configured
// capacity table.
const DefaultCapacity = 20

// Gate manages one bounded semaphore per service.
type Gate struct {
	mu         sync.Mutex
	semaphores map[string]chan struct{}
	inflight   map[string]*slotCounter
	capacities map[string]int
	metrics    *metrics.Registry
}

// New creates a Gate using the given per-service capacity table. A service
// absent from capacities gets DefaultCapacity.
func New(capacities map[string]int, met *metrics.Registry) *Gate {
	return &Gate{
		semaphores: make(map[string]chan struct{}),
		inflight:   make(map[string]*slotCounter),
		capacities: capacities,
		metrics:    met,
	}
}

func (g *Gate) capacityFor(service string) int {
	if n, ok := g.capacities[service]; ok && n > 0 {
		return n
	}
	if n, ok := g.capacities["default"]; ok && n > 0 {
		return n
	}
	return DefaultCapacity
}

func (g *Gate) sem(service string) (chan struct{}, *slotCounter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ch, ok := g.semaphores[service]; ok {
		return ch, g.inflight[service]
	}
	ch := make(chan struct{}, g.capacityFor(service))
	g.semaphores[service] = ch
	counter := &slotCounter{}
	g.inflight[service] = counter
	return ch, counter
}

// Release must be called exactly once for every successful Acquire, on
// every exit path (the caller should defer it immediately after Acquire
// returns true).
type Release func()

// Acquire attempts to take one of the service's admission slots without
// blocking: a full gate short-circuits immediately and ok is false, and the
// caller must treat the request as rejected rather than served. There is no
// queue — a saturated backend fails fast instead of stacking waiters.
func (g *Gate) Acquire(service string) (Release, bool) {
	ch, counter := g.sem(service)

	select {
	case ch <- struct{}{}:
		n := counter.inc()
		if g.metrics != nil {
			g.metrics.SetAdmissionInflight(service, n)
		}
		released := false
		return func() {
			if released {
				return
			}
			released = true
			<-ch
			n := counter.dec()
			if g.metrics != nil {
				g.metrics.SetAdmissionInflight(service, n)
			}
		}, true
	default:
		if g.metrics != nil {
			g.metrics.RecordAdmissionRejection(service)
		}
		return nil, false
	}
}

// Inflight returns the current number of occupied slots for a service.
func (g *Gate) Inflight(service string) int {
	_, counter := g.sem(service)
	return counter.get()
}

type slotCounter struct {
	mu sync.Mutex
	n  int
}

func (c *slotCounter) inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *slotCounter) dec() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n--
	return c.n
}

func (c *slotCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
