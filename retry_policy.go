package medimate

import (
	"context"
	"errors"
	"time"

	"github.com/medimate/medimate-go/internal/backoff"
)

// RetryPolicy decides, per failed attempt, whether to try again and how long
// to wait first. Attempts are numbered from 1.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	DelayFor(attempt int) time.Duration
}

// StatusClassifier is implemented by policies that own the set of retryable
// HTTP statuses. The client uses it to tell retryable server errors apart
// from client errors.
type StatusClassifier interface {
	RetryableStatus(statusCode int) bool
}

// DefaultRetryableStatusCodes are retried by DefaultRetryPolicy.
var DefaultRetryableStatusCodes = []int{429, 500, 502, 503, 504}

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// DefaultRetryPolicy retries network failures and retryable statuses up to
// maxRetries extra attempts, waiting baseDelay*2^(attempt-1) between them
// (or a constant baseDelay with exponential backoff disabled).
type DefaultRetryPolicy struct {
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	exponential bool
	retryable   map[int]struct{}
	strategy    backoff.Strategy
}

// RetryConfig configures NewRetryPolicy. Zero values select the defaults,
// except MaxRetries where zero disables retries.
type RetryConfig struct {
	MaxRetries           int
	RetryDelay           time.Duration
	MaxDelay             time.Duration
	Jitter               float64
	DisableExponential   bool
	RetryableStatusCodes []int
}

// NewDefaultRetryPolicy returns the policy with default settings:
// 3 retries, 1s base delay, exponential backoff, no jitter.
func NewDefaultRetryPolicy() *DefaultRetryPolicy {
	return NewRetryPolicy(RetryConfig{MaxRetries: defaultMaxRetries})
}

// NewRetryPolicy builds a DefaultRetryPolicy from cfg.
func NewRetryPolicy(cfg RetryConfig) *DefaultRetryPolicy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	codes := cfg.RetryableStatusCodes
	if codes == nil {
		codes = DefaultRetryableStatusCodes
	}

	policy := &DefaultRetryPolicy{
		maxRetries:  cfg.MaxRetries,
		baseDelay:   cfg.RetryDelay,
		maxDelay:    cfg.MaxDelay,
		jitter:      cfg.Jitter,
		exponential: !cfg.DisableExponential,
		retryable:   make(map[int]struct{}, len(codes)),
	}
	for _, code := range codes {
		policy.retryable[code] = struct{}{}
	}
	if policy.exponential {
		policy.strategy = backoff.ExponentialStrategy{}
	} else {
		policy.strategy = backoff.ConstantStrategy{}
	}
	return policy
}

// ShouldRetry implements RetryPolicy.
func (p *DefaultRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt > p.maxRetries {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork:
			return true
		case ErrorTypeServer:
			return p.RetryableStatus(clientErr.StatusCode)
		default:
			return false
		}
	}

	// Unclassified errors never got a response, unless the caller gave up.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// DelayFor implements RetryPolicy.
func (p *DefaultRetryPolicy) DelayFor(attempt int) time.Duration {
	return p.strategy.Calculate(attempt, p.baseDelay, p.maxDelay, p.jitter)
}

// RetryableStatus implements StatusClassifier.
func (p *DefaultRetryPolicy) RetryableStatus(statusCode int) bool {
	_, ok := p.retryable[statusCode]
	return ok
}

// MaxRetries returns the number of extra attempts allowed after the first.
func (p *DefaultRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// retryBudget is implemented by policies that expose their retry limit.
type retryBudget interface {
	MaxRetries() int
}

func maxRetriesOf(policy RetryPolicy) int {
	if rb, ok := policy.(retryBudget); ok {
		return rb.MaxRetries()
	}
	return 0
}

func retryableStatus(policy RetryPolicy, statusCode int) bool {
	if sc, ok := policy.(StatusClassifier); ok {
		return sc.RetryableStatus(statusCode)
	}
	for _, code := range DefaultRetryableStatusCodes {
		if code == statusCode {
			return true
		}
	}
	return false
}
