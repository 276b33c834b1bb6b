// Package breaker implements the gateway's per-service circuit
// breaker: a closed/half-open/open state machine with
// progressive backoff on repeated open-dwell failures and a success
// threshold to close again. One breaker entry exists per service, created
// lazily on first reference and never destroyed.
package breaker

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/svc-gateway/internal/logger"
	"github.com/nulpointcorp/svc-gateway/internal/metrics"
)

// State is the circuit's externally observable state.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Policy is one service's breaker tuning. A missing service falls back to
// the "default" row (see config.CircuitBreaker / DefaultPolicy).
type Policy struct {
	FailureThreshold int
	BaseTimeout      time.Duration
	SuccessThreshold int
	RequestTimeout   time.Duration
	BackoffFactor    float64

	// Count4xxAsFailure and CountUpstream5xxAsFailure control which upstream
	// status ranges feed the failure counter: by default only 5xx and
	// transport errors count, never 4xx. Exposed so an operator can flip
	// them per service.
	Count4xxAsFailure         bool
	CountUpstream5xxAsFailure bool
}

// DefaultPolicy is used when a service has no explicit row in the policy
// table.
var DefaultPolicy = Policy{
	FailureThreshold:          5,
	BaseTimeout:               30 * time.Second,
	SuccessThreshold:          2,
	RequestTimeout:            20 * time.Second,
	BackoffFactor:             1.0,
	CountUpstream5xxAsFailure: true,
}

// Outcome is the tagged result of one upstream attempt, fed to Record. This
// replaces the source's exception-type dispatch with an explicit,
// exhaustively-matched variant.
type Outcome struct {
	kind       outcomeKind
	statusCode int
}

type outcomeKind int

const (
	kindOK outcomeKind = iota
	kindTimeout
	kindConnectError
	kindOther
)

// Ok reports a completed upstream response with the given status code.
func Ok(statusCode int) Outcome { return Outcome{kind: kindOK, statusCode: statusCode} }

// Timeout reports that the upstream request exceeded its deadline.
func Timeout() Outcome { return Outcome{kind: kindTimeout} }

// ConnectError reports a transport-level connection failure (refused,
// reset, DNS failure).
func ConnectError() Outcome { return Outcome{kind: kindConnectError} }

// Other reports any other unexpected transport exception.
func Other() Outcome { return Outcome{kind: kindOther} }

// entry is one service's circuit state, guarded by its own mutex so
// different services' transitions never contend with each other.
type entry struct {
	mu sync.Mutex

	policy Policy

	state                State
	failureCount         int
	consecutiveSuccesses int
	openedAt             time.Time
	retryCount           int
	probeInflight        bool
}

// Breaker manages one entry per service behind a top-level RWMutex used
// only for enumeration/creation; per-entry mutation takes the entry lock.
type Breaker struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	policies map[string]Policy
	log      *slog.Logger
	metrics  *metrics.Registry
	translog *logger.Logger
}

// New creates a Breaker with the given per-service policy table. Lookups
// for a service absent from policies use DefaultPolicy.
func New(policies map[string]Policy, log *slog.Logger, met *metrics.Registry) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		entries:  make(map[string]*entry),
		policies: policies,
		log:      log,
		metrics:  met,
	}
}

// SetTransitionLog installs the async batched logger; every state change is
// enqueued there in addition to the synchronous slog line.
func (b *Breaker) SetTransitionLog(l *logger.Logger) { b.translog = l }

func (b *Breaker) policyFor(service string) Policy {
	if p, ok := b.policies[service]; ok {
		return p
	}
	if p, ok := b.policies["default"]; ok {
		return p
	}
	return DefaultPolicy
}

func (b *Breaker) get(service string) *entry {
	b.mu.RLock()
	e, ok := b.entries[service]
	b.mu.RUnlock()
	if ok {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[service]; ok {
		return e
	}
	e = &entry{policy: b.policyFor(service), state: Closed}
	b.entries[service] = e
	return e
}

// RequestTimeout returns the configured upstream deadline for a service.
func (b *Breaker) RequestTimeout(service string) time.Duration {
	return b.policyFor(service).RequestTimeout
}

// State returns the current state of a service's breaker (for diagnostics
// and tests; does not itself trigger a half-open transition).
func (b *Breaker) State(service string) State {
	e := b.get(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// effectiveDwell is how long the circuit stays open before the next
// half-open attempt: base_timeout x min(5, 1 + retry_count x backoff_factor).
func effectiveDwell(p Policy, retryCount int) time.Duration {
	multiplier := math.Min(5, 1+float64(retryCount)*p.BackoffFactor)
	return time.Duration(float64(p.BaseTimeout) * multiplier)
}

// Enter decides whether a request against service may proceed. An open
// circuit past its dwell flips to half-open and admits the caller as the
// probe; otherwise the caller is rejected with the remaining dwell.
func (b *Breaker) Enter(service string) (proceed bool, retryAfter time.Duration) {
	e := b.get(service)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Open:
		dwell := effectiveDwell(e.policy, e.retryCount)
		elapsed := time.Since(e.openedAt)
		if elapsed > dwell {
			e.state = HalfOpen
			e.retryCount++
			e.probeInflight = true
			b.logTransition(service, Open, HalfOpen, e)
			return true, 0
		}
		if b.metrics != nil {
			b.metrics.RecordCircuitRejection(service)
		}
		return false, dwell - elapsed

	case HalfOpen:
		// Half-open admits exactly one in-flight probe.
		if e.probeInflight {
			if b.metrics != nil {
				b.metrics.RecordCircuitRejection(service)
			}
			return false, 0
		}
		e.probeInflight = true
		return true, 0

	default: // Closed
		return true, 0
	}
}

// Record applies the outcome of one upstream attempt to the breaker's state
// machine.
func (b *Breaker) Record(service string, outcome Outcome) {
	e := b.get(service)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == HalfOpen {
		e.probeInflight = false
	}

	if b.isFailure(e.policy, outcome) {
		b.recordFailureLocked(service, e)
		return
	}
	b.recordSuccessLocked(service, e)
}

// isFailure applies the propagation policy: transport errors always
// count; upstream 5xx counts unless disabled; 4xx counts only when the
// policy knob opts in; 2xx/3xx never count.
func (b *Breaker) isFailure(p Policy, o Outcome) bool {
	switch o.kind {
	case kindTimeout, kindConnectError, kindOther:
		return true
	case kindOK:
		switch {
		case o.statusCode >= 500:
			return p.CountUpstream5xxAsFailure
		case o.statusCode >= 400:
			return p.Count4xxAsFailure
		default:
			return false
		}
	default:
		return false
	}
}

func (b *Breaker) recordFailureLocked(service string, e *entry) {
	e.consecutiveSuccesses = 0
	switch e.state {
	case Closed:
		e.failureCount++
		if e.failureCount >= e.policy.FailureThreshold {
			e.state = Open
			e.openedAt = time.Now()
			b.logTransition(service, Closed, Open, e)
		}
	case HalfOpen:
		e.state = Open
		e.openedAt = time.Now()
		b.logTransition(service, HalfOpen, Open, e)
	}
}

func (b *Breaker) recordSuccessLocked(service string, e *entry) {
	switch e.state {
	case Closed:
		if e.failureCount > 0 {
			e.failureCount--
		}
	case HalfOpen:
		e.consecutiveSuccesses++
		if e.consecutiveSuccesses >= e.policy.SuccessThreshold {
			from := e.state
			e.state = Closed
			e.failureCount = 0
			e.consecutiveSuccesses = 0
			e.retryCount = 0
			b.logTransition(service, from, Closed, e)
		}
	}
}

// logTransition must be called with e.mu held. It logs the before/after
// state and counters and updates the circuit gauge/counter.
func (b *Breaker) logTransition(service string, from, to State, e *entry) {
	b.log.Info("circuit transition",
		slog.String("service", service),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("failure_count", e.failureCount),
		slog.Int("consecutive_successes", e.consecutiveSuccesses),
		slog.Int("retry_count", e.retryCount),
	)
	if b.translog != nil {
		b.translog.LogTransition(logger.CircuitTransitionLog{
			ID:           uuid.New(),
			Service:      service,
			From:         from.String(),
			To:           to.String(),
			FailureCount: e.failureCount,
			RetryCount:   e.retryCount,
			CreatedAt:    time.Now().UTC(),
		})
	}
	if b.metrics == nil {
		return
	}
	b.metrics.RecordCircuitTransition(service, to.String())
	// The gauge moves only on the open trip and the full close. Entering
	// half-open leaves it at 1: the service is still on probation and the
	// probe may immediately reopen the circuit.
	switch to {
	case Open:
		b.metrics.SetCircuitState(service, true)
	case Closed:
		b.metrics.SetCircuitState(service, false)
	}
}
