package medimate

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// WithBaseURL sets the API root, e.g. https://api.medimate.example/api.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithMaxRetries sets how many extra attempts follow a retryable failure
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.retryConfig.MaxRetries = n
	}
}

// WithRetryDelay sets the base delay between attempts
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryConfig.RetryDelay = d
	}
}

// WithExponentialBackoff toggles doubling of the delay on every attempt
func WithExponentialBackoff(enabled bool) Option {
	return func(c *Client) {
		c.retryConfig.DisableExponential = !enabled
	}
}

// WithMaxDelay caps a single backoff wait. Zero means uncapped.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryConfig.MaxDelay = d
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.retryConfig.Jitter = f
	}
}

// WithRetryableStatusCodes replaces the set of statuses that are retried
func WithRetryableStatusCodes(codes ...int) Option {
	return func(c *Client) {
		c.retryConfig.RetryableStatusCodes = append([]int{}, codes...)
	}
}

// WithRetryPolicy installs a custom policy; the retry options above are then
// ignored.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithCache enables the in-memory response cache with the given TTL
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = NewInMemoryCache()
		c.cacheTTL = ttl
	}
}

// WithCustomCache sets a custom cache implementation
func WithCustomCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithoutCache disables response caching
func WithoutCache() Option {
	return func(c *Client) {
		c.cache = nil
	}
}

// WithTokenStore sets where the session is kept
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) {
		c.tokenStore = store
	}
}

// WithMiddleware adds middleware to the client
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithCircuitBreaker guards every attempt with a circuit breaker
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.circuitBreaker = NewCircuitBreaker(config)
	}
}

// WithRateLimiter allows at most maxTokens attempts in a burst, regaining one
// every refillRate
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.rateLimiter = NewRateLimiter(maxTokens, refillRate)
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
		if c.httpClient != nil && c.timeout != 0 {
			c.httpClient.Timeout = c.timeout
		}
	}
}

// WithMetrics enables Prometheus metrics collection on a private registry
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRequestIDGenerator sets the function generating X-Request-ID values
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		c.requestIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateBaseURL()...)
	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateCacheConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateDependencies()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
		}
	}

	return nil
}

func (c *Client) validateBaseURL() []string {
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return []string{fmt.Sprintf("baseURL %q must be an absolute URL", c.baseURL)}
	}
	return nil
}

func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.retryConfig.MaxRetries < 0 {
		errors = append(errors, "maxRetries must be non-negative")
	}

	if c.retryConfig.RetryDelay <= 0 {
		errors = append(errors, "retryDelay must be positive")
	}

	if c.retryConfig.MaxDelay < 0 {
		errors = append(errors, "maxDelay must be non-negative")
	}

	if c.retryConfig.Jitter < 0 || c.retryConfig.Jitter > 1 {
		errors = append(errors, "jitter must be between 0 and 1")
	}

	for _, code := range c.retryConfig.RetryableStatusCodes {
		if code == http.StatusUnauthorized {
			errors = append(errors, "401 cannot be retryable")
		}
		if code < 100 || code > 599 {
			errors = append(errors, fmt.Sprintf("retryable status %d is not an HTTP status", code))
		}
	}

	if c.timeout <= 0 {
		errors = append(errors, "timeout must be positive")
	}

	return errors
}

func (c *Client) validateCacheConfig() []string {
	if c.cache != nil && c.cacheTTL <= 0 {
		return []string{"cacheTTL must be positive when cache is enabled"}
	}
	return nil
}

func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	if c.rateLimiter != nil && c.rateLimiter.maxTokens <= 0 {
		errors = append(errors, "rate limiter needs at least one token")
	}

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

func (c *Client) validateDependencies() []string {
	var errors []string

	if c.httpClient == nil {
		errors = append(errors, "HTTP client cannot be nil")
	}
	if c.tokenStore == nil {
		errors = append(errors, "token store cannot be nil")
	}
	if c.logger == nil {
		errors = append(errors, "logger cannot be nil")
	}
	if c.requestIDGen == nil {
		errors = append(errors, "request ID generator cannot be nil")
	}

	return errors
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.retryConfig.MaxRetries > 100 {
		errors = append(errors, "maxRetries > 100 may cause excessive resource usage")
	}
	if c.retryConfig.RetryDelay > 10*time.Minute {
		errors = append(errors, "retryDelay > 10m may cause very long delays")
	}
	if c.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}
	if c.cache != nil && c.cacheTTL > 24*time.Hour {
		errors = append(errors, "cacheTTL > 24h may cause stale data issues")
	}

	return errors
}
