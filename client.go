package medimate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBaseURL is used when no base URL is configured.
	DefaultBaseURL = "http://localhost:3000/api"
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 15 * time.Second
)

// Client is the MediMate HTTP client. Reads go through the response cache and
// the in-flight registry; every call runs through the retry loop and the
// middleware chain. It is safe for concurrent use.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	timeout         time.Duration
	retryConfig     RetryConfig
	retryPolicy     RetryPolicy
	cache           Cache
	cacheTTL        time.Duration
	cacheGen        atomic.Uint64
	inflight        *InFlightRegistry
	tokenStore      TokenStore
	middleware      []Middleware
	circuitBreaker  *CircuitBreaker
	rateLimiter     *RateLimiter
	transport       RoundTripper
	metrics         *MetricsCollector
	logger          Logger
	requestIDGen    func() string
	sleep           func(ctx context.Context, d time.Duration) error
	validationError error
}

// Option configures a Client.
type Option func(*Client)

// New constructs a Client using the provided functional options. Validation
// problems are recorded, not fatal; check IsValid / ValidationError.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		baseURL: DefaultBaseURL,
		timeout: DefaultTimeout,
		retryConfig: RetryConfig{
			MaxRetries: defaultMaxRetries,
			RetryDelay: defaultRetryDelay,
		},
		cache:        NewInMemoryCache(),
		cacheTTL:     DefaultCacheTTL,
		inflight:     NewInFlightRegistry(),
		tokenStore:   NewMemoryTokenStore(),
		middleware:   []Middleware{},
		logger:       NopLogger{},
		requestIDGen: uuid.NewString,
		sleep:        sleepContext,
	}

	for _, option := range options {
		option(client)
	}

	if client.retryPolicy == nil {
		client.retryPolicy = NewRetryPolicy(client.retryConfig)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}
	client.applyFallbacks()

	builtin := []Middleware{
		HeaderMiddleware(map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"User-Agent":   UserAgent(),
		}),
		AuthMiddleware(client.tokenStore, client.logger),
	}
	chain := append(builtin, client.middleware...)
	if client.rateLimiter != nil {
		chain = append(chain, RateLimitMiddleware(client.rateLimiter, client.metrics))
	}
	if client.circuitBreaker != nil {
		chain = append(chain, CircuitBreakerMiddleware(client.circuitBreaker, client.metrics))
	}
	client.transport = chainMiddleware(
		RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return client.httpClient.Do(r)
		}),
		chain,
	)

	return client
}

// applyFallbacks keeps an invalid client usable: required collaborators that
// were configured away are restored to their defaults.
func (c *Client) applyFallbacks() {
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if c.tokenStore == nil {
		c.tokenStore = NewMemoryTokenStore()
	}
	if c.logger == nil {
		c.logger = NopLogger{}
	}
	if c.requestIDGen == nil {
		c.requestIDGen = uuid.NewString
	}
	middleware := c.middleware[:0]
	for _, mw := range c.middleware {
		if mw != nil {
			middleware = append(middleware, mw)
		}
	}
	c.middleware = middleware
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// BaseURL returns the API root requests are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TokenStore returns the session store.
func (c *Client) TokenStore() TokenStore {
	return c.tokenStore
}

// Logger returns the configured logger.
func (c *Client) Logger() Logger {
	return c.logger
}

// Metrics returns the metrics collector, possibly nil.
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// CircuitBreaker returns the configured breaker, possibly nil.
func (c *Client) CircuitBreaker() *CircuitBreaker {
	return c.circuitBreaker
}

// InFlight returns the in-flight read registry.
func (c *Client) InFlight() *InFlightRegistry {
	return c.inflight
}

// Get reads path and returns the envelope data. Results are cached and
// identical concurrent reads share one network call.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	signature := Signature(http.MethodGet, path, params)
	endpoint := normalizePath(path)
	useCache := c.cache != nil && !cacheDisabled(ctx)

	if err := ctx.Err(); err != nil {
		return nil, c.canceledError(ctx, http.MethodGet, path, err)
	}

	if useCache {
		if data, ok := c.cache.Get(ctx, signature); ok {
			c.logger.Debug("Cache hit", "signature", signature)
			c.metrics.RecordCacheHit(http.MethodGet, endpoint)
			return data, nil
		}
		c.logger.Debug("Cache miss", "signature", signature)
		c.metrics.RecordCacheMiss(http.MethodGet, endpoint)
	}

	fetch := func(ctx context.Context) (json.RawMessage, error) {
		// A read that settled between our miss and registration already
		// populated the cache.
		if useCache {
			if data, ok := c.cache.Get(ctx, signature); ok {
				return data, nil
			}
		}
		gen := c.cacheGen.Load()
		data, err := c.execute(ctx, http.MethodGet, path, params, nil)
		if err != nil {
			return nil, err
		}
		// A clear while the request ran (logout, login, 401) means data may
		// belong to the previous identity.
		if useCache && c.cacheGen.Load() == gen {
			c.cache.Set(ctx, signature, data, c.cacheTTL)
			if c.cacheGen.Load() != gen {
				c.cache.Invalidate(ctx, func(key string) bool { return key == signature })
			}
			c.recordCacheSize()
		}
		return data, nil
	}

	if dedupDisabled(ctx) {
		return fetch(ctx)
	}

	data, shared, err := c.inflight.GetOrCreate(ctx, signature, fetch)
	if shared {
		c.logger.Debug("Joined in-flight request", "signature", signature)
		c.metrics.RecordDeduplicationHit(http.MethodGet, endpoint)
	}
	if err != nil && errors.Is(err, ctx.Err()) {
		return nil, c.canceledError(ctx, http.MethodGet, path, err)
	}
	return data, err
}

// Post sends body as JSON and returns the envelope data. Never cached or
// coalesced.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.execute(ctx, http.MethodPost, path, nil, body)
}

// Put sends body as JSON and returns the envelope data.
func (c *Client) Put(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.execute(ctx, http.MethodPut, path, nil, body)
}

// Delete removes the resource at path and returns the envelope data.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.execute(ctx, http.MethodDelete, path, nil, nil)
}

// GetJSON is Get decoding the data into out.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out any) error {
	data, err := c.Get(ctx, path, params)
	if err != nil {
		return err
	}
	return decodeData(http.MethodGet, path, data, out)
}

// PostJSON is Post decoding the data into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	data, err := c.Post(ctx, path, body)
	if err != nil {
		return err
	}
	return decodeData(http.MethodPost, path, data, out)
}

// PutJSON is Put decoding the data into out.
func (c *Client) PutJSON(ctx context.Context, path string, body, out any) error {
	data, err := c.Put(ctx, path, body)
	if err != nil {
		return err
	}
	return decodeData(http.MethodPut, path, data, out)
}

// DeleteJSON is Delete decoding the data into out.
func (c *Client) DeleteJSON(ctx context.Context, path string, out any) error {
	data, err := c.Delete(ctx, path)
	if err != nil {
		return err
	}
	return decodeData(http.MethodDelete, path, data, out)
}

// ClearCacheForEndpoint drops cached reads whose path contains endpoint and
// returns how many were removed.
func (c *Client) ClearCacheForEndpoint(ctx context.Context, endpoint string) int {
	if c.cache == nil {
		return 0
	}
	c.cacheGen.Add(1)
	removed := c.cache.Invalidate(ctx, MatchEndpoint(endpoint))
	c.recordCacheSize()
	return removed
}

// ClearCache drops every cached read. Reads still in flight will not store
// their results.
func (c *Client) ClearCache(ctx context.Context) {
	c.cacheGen.Add(1)
	if c.cache == nil {
		return
	}
	c.cache.Clear(ctx)
	c.metrics.RecordCacheSize("default", 0)
}

// recordCacheSize publishes the entry count of the in-memory cache. Remote
// caches can only count by scanning, so their size is not published.
func (c *Client) recordCacheSize() {
	if c.metrics == nil {
		return
	}
	if local, ok := c.cache.(*InMemoryCache); ok {
		c.metrics.RecordCacheSize("default", local.Len())
	}
}

// execute runs one logical request through the retry loop.
func (c *Client) execute(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	start := time.Now()
	endpoint := normalizePath(path)
	requestID := c.requestIDGen()
	fullURL := c.resolve(path, params)
	maxRetries := maxRetriesOf(c.retryPolicy)
	noRetry := retryDisabled(ctx)

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &ClientError{
				Type:      ErrorTypeValidation,
				Message:   "request body is not JSON encodable",
				Cause:     err,
				RequestID: requestID,
				Method:    method,
				URL:       fullURL,
				Endpoint:  endpoint,
				Timestamp: time.Now(),
			}
		}
		payload = encoded
	}

	c.metrics.RecordRequestStart(method, endpoint)
	defer c.metrics.RecordRequestEnd(method, endpoint)

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			c.metrics.RecordRetry(method, endpoint, attempt)
		}

		data, status, err := c.attempt(ctx, method, fullURL, payload, requestID)
		c.metrics.RecordRequest(method, endpoint, status, time.Since(start))
		if err == nil {
			return data, nil
		}

		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			clientErr.RequestID = requestID
			clientErr.Method = method
			clientErr.URL = fullURL
			clientErr.Endpoint = endpoint
			clientErr.Attempt = attempt
			clientErr.MaxRetries = maxRetries
			clientErr.Timestamp = time.Now()
			clientErr.Duration = time.Since(start)
			c.metrics.RecordError(clientErr.Type, method, endpoint)
		}

		if noRetry || !c.retryPolicy.ShouldRetry(err, attempt) {
			if !noRetry && maxRetries > 0 && attempt > maxRetries && IsTransient(err) {
				c.metrics.RecordRetryExhausted(method, endpoint)
				return nil, &ClientError{
					Type:       ErrorTypeRetryExhausted,
					Message:    fmt.Sprintf("giving up after %d attempts", attempt),
					Cause:      err,
					RequestID:  requestID,
					Method:     method,
					URL:        fullURL,
					Endpoint:   endpoint,
					StatusCode: StatusCode(err),
					Attempt:    attempt,
					MaxRetries: maxRetries,
					Timestamp:  time.Now(),
					Duration:   time.Since(start),
				}
			}
			return nil, err
		}

		delay := c.retryPolicy.DelayFor(attempt)
		c.logger.Info("Scheduling retry", "requestID", requestID, "endpoint", endpoint,
			"attempt", attempt+1, "maxRetries", maxRetries, "backoff", delay, "error", err)

		if err := c.sleep(ctx, delay); err != nil {
			return nil, c.canceledError(ctx, method, path, err)
		}
	}
}

// attempt performs a single HTTP exchange and classifies its outcome.
func (c *Client) attempt(ctx context.Context, method, fullURL string, payload []byte, requestID string) (json.RawMessage, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, 0, &ClientError{Type: ErrorTypeValidation, Message: "invalid request", Cause: err}
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.transport.RoundTrip(req)
	if err != nil {
		return nil, 0, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, c.transportError(ctx, err)
	}

	data, err := c.handleResponse(ctx, resp.StatusCode, raw)
	return data, resp.StatusCode, err
}

func (c *Client) handleResponse(ctx context.Context, status int, raw []byte) (json.RawMessage, error) {
	env, ok := decodeEnvelope(raw)

	switch {
	case status == http.StatusUnauthorized:
		c.invalidateSession(ctx)
		msg := "authentication expired, please log in again"
		if ok {
			msg = env.Reason(msg)
		}
		return nil, &ClientError{Type: ErrorTypeAuthentication, Message: msg, StatusCode: status}

	case status < 200 || status >= 300:
		msg := fmt.Sprintf("request failed with status %d", status)
		if ok {
			msg = env.Reason(msg)
		}
		errType := ErrorTypeClient
		if retryableStatus(c.retryPolicy, status) {
			errType = ErrorTypeServer
		}
		return nil, &ClientError{Type: errType, Message: msg, StatusCode: status}
	}

	if !ok {
		return nil, &ClientError{Type: ErrorTypeDecode, Message: "malformed response envelope", StatusCode: status}
	}
	if !env.Success {
		return nil, &ClientError{Type: ErrorTypeRequestFailed, Message: env.Reason("request failed"), StatusCode: status}
	}
	if !env.HasData() {
		return nil, nil
	}
	return env.Data, nil
}

// invalidateSession clears the session and cached user data after a 401.
func (c *Client) invalidateSession(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := c.tokenStore.Clear(ctx); err != nil {
		c.logger.Error("Failed to clear session", "error", err)
	}
	c.ClearCache(ctx)
	c.metrics.RecordSessionInvalidation()
	c.logger.Warn("Session invalidated, please log in again")
}

func (c *Client) transportError(ctx context.Context, err error) *ClientError {
	if ctx.Err() != nil {
		return &ClientError{Type: ErrorTypeCanceled, Message: "request canceled", Cause: err}
	}
	return &ClientError{Type: ErrorTypeNetwork, Message: networkMessage(err), Cause: err}
}

func (c *Client) canceledError(ctx context.Context, method, path string, err error) *ClientError {
	return &ClientError{
		Type:      ErrorTypeCanceled,
		Message:   "request canceled",
		Cause:     err,
		Method:    method,
		URL:       c.resolve(path, nil),
		Endpoint:  normalizePath(path),
		Timestamp: time.Now(),
	}
}

func networkMessage(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "service temporarily unavailable, try again later"
	case errors.Is(err, ErrRateLimited):
		return "too many requests, slow down"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "request timed out, check your network connection"
	}
	var dnsErr *net.DNSError
	if errors.Is(err, syscall.ECONNREFUSED) || errors.As(err, &dnsErr) {
		return "unable to reach the server, try again later"
	}
	return "network request failed"
}

func (c *Client) resolve(path string, params url.Values) string {
	full := strings.TrimRight(c.baseURL, "/") + normalizePath(path)
	if encoded := params.Encode(); encoded != "" {
		full += "?" + encoded
	}
	return full
}

func decodeData(method, path string, data json.RawMessage, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ClientError{
			Type:      ErrorTypeDecode,
			Message:   "unexpected response data",
			Cause:     err,
			Method:    method,
			Endpoint:  normalizePath(path),
			Timestamp: time.Now(),
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
