package medimate

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreakerMiddleware while the breaker
// rejects requests.
var ErrCircuitOpen = errors.New("medimate: circuit breaker open")

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before letting a
	// trial request through.
	RecoveryTimeout time.Duration
	// SuccessThreshold trial successes close it again.
	SuccessThreshold int
}

// CircuitState represents the state of the circuit breaker
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

// CircuitBreaker stops sending attempts to a backend that keeps failing.
// A failure is a transport error or a 5xx response.
type CircuitBreaker struct {
	mu          sync.Mutex
	config      CircuitBreakerConfig
	state       CircuitState
	failures    int
	successes   int
	trials      int
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether an attempt may be sent now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			cb.trials = 1
			return true
		}
		return false
	case StateHalfOpen:
		// At most SuccessThreshold trial requests are outstanding at once.
		if cb.trials >= cb.config.SuccessThreshold {
			return false
		}
		cb.trials++
		return true
	default:
		return true
	}
}

// RecordFailure records a failure in the circuit breaker
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
		cb.trials = 0
	}
}

// RecordSuccess records a success in the circuit breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.trials > 0 {
			cb.trials--
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.trials = 0
		}
	}
}

// CircuitBreakerMiddleware fails attempts fast with ErrCircuitOpen while cb
// is open. Rejected attempts count against the retry budget like any other
// network failure. metrics may be nil.
func CircuitBreakerMiddleware(cb *CircuitBreaker, metrics *MetricsCollector) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		allowed := cb.Allow()
		metrics.RecordCircuitState(cb.State())
		if !allowed {
			return nil, ErrCircuitOpen
		}

		resp, err := next.RoundTrip(req)
		if err != nil || resp.StatusCode >= http.StatusInternalServerError {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
		metrics.RecordCircuitState(cb.State())
		return resp, err
	}
}
