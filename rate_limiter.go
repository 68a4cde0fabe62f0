package medimate

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

// ErrRateLimited is returned by RateLimitMiddleware when no token is
// available.
var ErrRateLimited = errors.New("medimate: client rate limit exceeded")

// RateLimiter is a token bucket: it holds up to maxTokens and regains one
// every refillRate.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens <= 0 {
		return false
	}
	rl.tokens--
	return true
}

// refill adds the tokens earned since the last refill. Callers hold mu.
func (rl *RateLimiter) refill() {
	if rl.refillRate <= 0 {
		return
	}
	earned := int(rl.now().Sub(rl.lastRefill) / rl.refillRate)
	if earned <= 0 {
		return
	}
	rl.tokens += earned
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = rl.lastRefill.Add(time.Duration(earned) * rl.refillRate)
}

// RateLimitMiddleware rejects attempts with ErrRateLimited when rl has no
// token left. The retry loop backs off and tries again. metrics may be nil.
func RateLimitMiddleware(rl *RateLimiter, metrics *MetricsCollector) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		if !rl.Allow() {
			metrics.RecordRateLimited()
			return nil, ErrRateLimited
		}
		return next.RoundTrip(req)
	}
}
