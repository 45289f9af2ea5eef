package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/jonboulle/clockwork"
)

// CircuitState is the state of a node circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a node circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=1"`
	OpenTimeout         time.Duration `json:"open_timeout" yaml:"open_timeout" validate:"gt=0"`
	HalfOpenMaxRequests int           `json:"half_open_max_requests" yaml:"half_open_max_requests" validate:"gte=1"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker short-circuits a failing node for a cooldown period.
//
// Closed counts consecutive failures and opens at FailureThreshold. Open rejects
// every call until OpenTimeout elapses, then half-opens. Half-open admits up to
// HalfOpenMaxRequests probes: one failure reopens, enough successes close it.
type CircuitBreaker struct {
	nodeID string
	config CircuitBreakerConfig
	clock  clockwork.Clock

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

func NewCircuitBreaker(nodeID string, config CircuitBreakerConfig, clock clockwork.Clock) *CircuitBreaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &CircuitBreaker{nodeID: nodeID, config: config, clock: clock}
}

// Allow returns a CircuitBreakerOpen error when the call must be short-circuited.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.clock.Since(cb.openedAt) < cb.config.OpenTimeout {
			return cb.openError()
		}

		cb.state = StateHalfOpen
		cb.probes = 0
		cb.successes = 0

		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenMaxRequests {
			return cb.openError()
		}

		cb.probes++

		return nil
	}

	return nil
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMaxRequests {
			cb.state = StateClosed
			cb.failures = 0
		}
	case StateOpen:
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.openLocked()
		}
	case StateHalfOpen:
		cb.openLocked()
	case StateOpen:
	}
}

// Trip forces the breaker open.
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.openLocked()
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

func (cb *CircuitBreaker) openLocked() {
	cb.state = StateOpen
	cb.openedAt = cb.clock.Now()
	cb.probes = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) openError() error {
	retryAfter := cb.openedAt.Add(cb.config.OpenTimeout)

	return &models.GraphError{
		Type:     models.ErrorTypeCircuitBreakerOpen,
		Severity: models.DefaultSeverity(models.ErrorTypeCircuitBreakerOpen),
		NodeID:   cb.nodeID,
		Message:  fmt.Sprintf("circuit open for node %s until %s", cb.nodeID, retryAfter.Format(time.RFC3339)),
	}
}
