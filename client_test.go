package medimate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func writeEnvelope(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedSleeps) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// newTestClient points a client at server and never really sleeps between
// retries.
func newTestClient(server *httptest.Server, opts ...Option) (*Client, *recordedSleeps) {
	client := New(append([]Option{WithBaseURL(server.URL + "/api")}, opts...)...)
	sleeps := &recordedSleeps{}
	client.sleep = sleeps.sleep
	return client, sleeps
}

func TestNew(t *testing.T) {
	client := New()

	if client == nil {
		t.Fatal("New() returned nil")
	}
	if !client.IsValid() {
		t.Fatalf("Expected default client to be valid, got %v", client.ValidationError())
	}
	if client.BaseURL() != DefaultBaseURL {
		t.Errorf("Expected base URL %s, got %s", DefaultBaseURL, client.BaseURL())
	}
	if client.timeout != DefaultTimeout {
		t.Errorf("Expected timeout %v, got %v", DefaultTimeout, client.timeout)
	}
	if maxRetriesOf(client.retryPolicy) != 3 {
		t.Errorf("Expected 3 retries, got %d", maxRetriesOf(client.retryPolicy))
	}
	if client.cache == nil || client.cacheTTL != DefaultCacheTTL {
		t.Errorf("Expected default cache with TTL %v", DefaultCacheTTL)
	}
	if client.Metrics() != nil {
		t.Error("Expected metrics to be disabled by default")
	}
	if client.TokenStore() == nil || client.InFlight() == nil || client.Logger() == nil {
		t.Error("Expected default collaborators to be set")
	}
}

func TestNewInvalidConfiguration(t *testing.T) {
	client := New(
		WithBaseURL("not a url"),
		WithRetryableStatusCodes(401, 503),
		WithHTTPClient(nil),
		WithMiddleware(nil),
	)

	if client.IsValid() {
		t.Fatal("Expected invalid client")
	}

	var clientErr *ClientError
	if !errors.As(client.ValidationError(), &clientErr) || clientErr.Type != ErrorTypeValidation {
		t.Fatalf("Expected Validation ClientError, got %v", client.ValidationError())
	}
	for _, want := range []string{"absolute URL", "401 cannot be retryable", "HTTP client cannot be nil", "middleware[0]"} {
		if !strings.Contains(clientErr.Cause.Error(), want) {
			t.Errorf("Expected validation errors to mention %q, got %v", want, clientErr.Cause)
		}
	}

	// Fallbacks keep an invalid client from panicking.
	if client.httpClient == nil || len(client.middleware) != 0 {
		t.Error("Expected fallbacks to restore collaborators")
	}
}

func TestClientGetUnwrapsEnvelope(t *testing.T) {
	var gotHeaders http.Header
	var gotURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotURL = r.URL.String()
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[{"id":"h1","name":"Union"}]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server, WithRequestIDGenerator(func() string { return "req-42" }))

	var hospitals []Hospital
	err := client.GetJSON(context.Background(), "/hospitals", url.Values{"q": {"union"}}, &hospitals)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(hospitals) != 1 || hospitals[0].Name != "Union" {
		t.Errorf("Expected decoded hospital, got %+v", hospitals)
	}

	if gotURL != "/api/hospitals?q=union" {
		t.Errorf("Expected /api/hospitals?q=union, got %s", gotURL)
	}
	if gotHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("Expected JSON content type, got %q", gotHeaders.Get("Content-Type"))
	}
	if gotHeaders.Get("Accept") != "application/json" {
		t.Errorf("Expected JSON accept, got %q", gotHeaders.Get("Accept"))
	}
	if gotHeaders.Get("User-Agent") != UserAgent() {
		t.Errorf("Expected User-Agent %s, got %q", UserAgent(), gotHeaders.Get("User-Agent"))
	}
	if gotHeaders.Get("X-Request-ID") != "req-42" {
		t.Errorf("Expected X-Request-ID req-42, got %q", gotHeaders.Get("X-Request-ID"))
	}
	if gotHeaders.Get("Authorization") != "" {
		t.Errorf("Expected no Authorization without a session, got %q", gotHeaders.Get("Authorization"))
	}
}

func TestClientAttachesBearerToken(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[]}`)
	}))
	defer server.Close()

	store := NewMemoryTokenStore()
	_ = store.Set(context.Background(), &Session{Token: "tok-1"})
	client, _ := newTestClient(server, WithTokenStore(store))

	if _, err := client.Get(context.Background(), "/appointments/user", nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if auth != "Bearer tok-1" {
		t.Errorf("Expected Bearer tok-1, got %q", auth)
	}
}

func TestClientCoalescesConcurrentReads(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[{"id":"e1"}]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server, WithMetrics())
	params := url.Values{"latitude": {"39.9"}, "longitude": {"116.4"}}
	signature := Signature(http.MethodGet, "/escorts/nearby", params)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := client.Get(context.Background(), "/escorts/nearby", params)
			results[i] = string(data)
			errs[i] = err
		}(i)
	}

	waitFor(t, func() bool { return client.InFlight().Waiters(signature) == callers })
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected 1 server call, got %d", atomic.LoadInt32(&hits))
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("Caller %d: expected no error, got %v", i, errs[i])
		}
		if results[i] != `[{"id":"e1"}]` {
			t.Errorf("Caller %d: expected shared data, got %s", i, results[i])
		}
	}
	if client.InFlight().Len() != 0 {
		t.Errorf("Expected no in-flight entries after settlement, got %d", client.InFlight().Len())
	}
	if got := testutil.ToFloat64(client.Metrics().deduplicationHits.WithLabelValues("GET", "/escorts/nearby")); got != callers-1 {
		t.Errorf("Expected %d dedup hits, got %v", callers-1, got)
	}
}

func TestClientCacheTTL(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		writeEnvelope(w, http.StatusOK, fmt.Sprintf(`{"success":true,"data":%d}`, n))
	}))
	defer server.Close()

	clock := newFakeClock()
	cache := NewInMemoryCache()
	cache.now = clock.Now
	client, _ := newTestClient(server, WithCustomCache(cache, DefaultCacheTTL))
	ctx := context.Background()

	first, _ := client.Get(ctx, "/hospitals", nil)

	clock.Advance(DefaultCacheTTL - time.Second)
	second, _ := client.Get(ctx, "/hospitals", nil)
	if string(second) != string(first) || atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected cached result within TTL, got %s after %d calls", second, atomic.LoadInt32(&hits))
	}

	clock.Advance(time.Second)
	third, _ := client.Get(ctx, "/hospitals", nil)
	if string(third) != "2" || atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected fresh result at TTL, got %s after %d calls", third, atomic.LoadInt32(&hits))
	}
}

func TestClientCacheDisabledPerRequest(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	ctx := WithContextCacheDisabled(context.Background())

	_, _ = client.Get(ctx, "/hospitals", nil)
	_, _ = client.Get(ctx, "/hospitals", nil)

	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected 2 server calls, got %d", atomic.LoadInt32(&hits))
	}
	if client.cache.Len() != 0 {
		t.Errorf("Expected nothing cached, got %d entries", client.cache.Len())
	}
}

func TestClientWithoutCache(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server, WithoutCache())
	_, _ = client.Get(context.Background(), "/hospitals", nil)
	_, _ = client.Get(context.Background(), "/hospitals", nil)

	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected 2 server calls, got %d", atomic.LoadInt32(&hits))
	}
	if client.ClearCacheForEndpoint(context.Background(), "/hospitals") != 0 {
		t.Error("Expected nothing to clear without a cache")
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeEnvelope(w, http.StatusServiceUnavailable, `{"success":false,"message":"maintenance"}`)
	}))
	defer server.Close()

	client, sleeps := newTestClient(server)

	_, err := client.Get(context.Background(), "/hospitals", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 4 {
		t.Errorf("Expected 4 attempts, got %d", atomic.LoadInt32(&hits))
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := sleeps.get()
	if len(got) != len(want) {
		t.Fatalf("Expected delays %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delay %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	if StatusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", StatusCode(err))
	}
	if Message(err) != "maintenance" {
		t.Errorf("Expected server message, got %q", Message(err))
	}
	if !IsTransient(err) {
		t.Error("Expected exhausted 503 to be transient")
	}
	if client.cache.Len() != 0 {
		t.Error("Expected failures not to be cached")
	}
}

func TestClientRecoversAfterRetry(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			writeEnvelope(w, http.StatusBadGateway, `{"success":false}`)
			return
		}
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":"ok"}`)
	}))
	defer server.Close()

	client, sleeps := newTestClient(server, WithMetrics())

	data, err := client.Get(context.Background(), "/hospitals", nil)
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if string(data) != `"ok"` {
		t.Errorf("Expected ok, got %s", data)
	}
	if len(sleeps.get()) != 2 {
		t.Errorf("Expected 2 backoff waits, got %v", sleeps.get())
	}
	if got := testutil.ToFloat64(client.Metrics().retriesTotal.WithLabelValues("GET", "/hospitals", "3")); got != 1 {
		t.Errorf("Expected retry metric for attempt 3, got %v", got)
	}
}

func TestClientNoRetryOverride(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeEnvelope(w, http.StatusInternalServerError, `{"success":false}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	_, err := client.Get(WithContextNoRetry(context.Background()), "/hospitals", nil)
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("Expected a single attempt, got %d", atomic.LoadInt32(&hits))
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeServer {
		t.Errorf("Expected Server error, got %v", err)
	}
}

func TestClientUnauthorizedClearsSession(t *testing.T) {
	var hits int32
	var mu sync.Mutex
	var auths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		if atomic.AddInt32(&hits, 1) == 1 {
			writeEnvelope(w, http.StatusUnauthorized, `{"success":false,"message":"token expired"}`)
			return
		}
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[]}`)
	}))
	defer server.Close()

	store := NewMemoryTokenStore()
	_ = store.Set(context.Background(), &Session{Token: "stale", User: User{ID: "u1", Role: RolePatient}})
	client, sleeps := newTestClient(server, WithTokenStore(store), WithMetrics())
	client.cache.Set(context.Background(), "GET:/hospitals", json.RawMessage(`[]`), time.Minute)

	_, err := client.Get(context.Background(), "/appointments/user", nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if Message(err) != "token expired" {
		t.Errorf("Expected server message, got %q", Message(err))
	}
	if atomic.LoadInt32(&hits) != 1 || len(sleeps.get()) != 0 {
		t.Errorf("Expected 401 never retried, got %d attempts", atomic.LoadInt32(&hits))
	}

	session, _ := store.Get(context.Background())
	if session != nil {
		t.Errorf("Expected session cleared, got %+v", session)
	}
	if client.cache.Len() != 0 {
		t.Errorf("Expected cache cleared, got %d entries", client.cache.Len())
	}
	if got := testutil.ToFloat64(client.Metrics().sessionInvalidations); got != 1 {
		t.Errorf("Expected 1 session invalidation, got %v", got)
	}

	if _, err := client.Get(context.Background(), "/hospitals", nil); err != nil {
		t.Fatalf("Expected second call to succeed, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if auths[0] != "Bearer stale" {
		t.Errorf("Expected first call to carry the token, got %q", auths[0])
	}
	if auths[1] != "" {
		t.Errorf("Expected no Authorization after 401, got %q", auths[1])
	}
}

func TestClientPostNeverCachedOrCoalesced(t *testing.T) {
	var hits int32
	var bodies []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, fmt.Sprint(body["hospitalId"]))
		mu.Unlock()
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":{"id":"a1"}}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	req := map[string]string{"hospitalId": "h1"}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out Appointment
			if err := client.PostJSON(context.Background(), "/appointments", req, &out); err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("Expected 3 server calls, got %d", atomic.LoadInt32(&hits))
	}
	if client.cache.Len() != 0 {
		t.Errorf("Expected nothing cached, got %d entries", client.cache.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	for _, b := range bodies {
		if b != "h1" {
			t.Errorf("Expected JSON body to reach the server, got %q", b)
		}
	}
}

func TestClientPostIsRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			writeEnvelope(w, http.StatusTooManyRequests, `{"success":false}`)
			return
		}
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":{"id":"a1"}}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	if _, err := client.Post(context.Background(), "/appointments", map[string]string{"a": "b"}); err != nil {
		t.Fatalf("Expected retried POST to succeed, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected 2 attempts, got %d", atomic.LoadInt32(&hits))
	}
}

func TestClientResponseClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType string
		attempts int32
	}{
		{"request failed", http.StatusOK, `{"success":false,"message":"slot taken"}`, ErrorTypeRequestFailed, 1},
		{"not found", http.StatusNotFound, `{"success":false,"message":"missing"}`, ErrorTypeClient, 1},
		{"bad request without envelope", http.StatusBadRequest, `oops`, ErrorTypeClient, 1},
		{"malformed envelope", http.StatusOK, `<html></html>`, ErrorTypeDecode, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				writeEnvelope(w, tt.status, tt.body)
			}))
			defer server.Close()

			client, _ := newTestClient(server)
			_, err := client.Get(context.Background(), "/hospitals", nil)

			var clientErr *ClientError
			if !errors.As(err, &clientErr) {
				t.Fatalf("Expected ClientError, got %v", err)
			}
			if clientErr.Type != tt.wantType {
				t.Errorf("Expected %s, got %s", tt.wantType, clientErr.Type)
			}
			if atomic.LoadInt32(&hits) != tt.attempts {
				t.Errorf("Expected %d attempts, got %d", tt.attempts, atomic.LoadInt32(&hits))
			}
			if clientErr.Endpoint != "/hospitals" || clientErr.Method != http.MethodGet || clientErr.RequestID == "" {
				t.Errorf("Expected request context on error, got %+v", clientErr)
			}
		})
	}
}

func TestClientRequestFailedMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, `{"success":false,"error":"escort unavailable"}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	_, err := client.Post(context.Background(), "/appointments", map[string]string{})

	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("Expected ErrRequestFailed, got %v", err)
	}
	if Message(err) != "escort unavailable" {
		t.Errorf("Expected envelope error text, got %q", Message(err))
	}
}

func TestClientNullData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":null}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	var escorts []Escort
	if err := client.GetJSON(context.Background(), "/escorts", nil, &escorts); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if escorts != nil {
		t.Errorf("Expected zero value, got %+v", escorts)
	}
}

func TestClientDecodeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":"not a list"}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	var escorts []Escort
	err := client.GetJSON(context.Background(), "/escorts", nil, &escorts)
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeDecode {
		t.Errorf("Expected Decode error, got %v", err)
	}
}

func TestClientNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client, sleeps := newTestClient(server, WithMaxRetries(1))
	server.Close()

	_, err := client.Get(context.Background(), "/hospitals", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if len(sleeps.get()) != 1 {
		t.Errorf("Expected 1 backoff wait, got %v", sleeps.get())
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatal("Expected ClientError")
	}
	var cause *ClientError
	if !errors.As(clientErr.Cause, &cause) || cause.Type != ErrorTypeNetwork {
		t.Errorf("Expected Network cause, got %v", clientErr.Cause)
	}
	if Message(err) != "unable to reach the server, try again later" {
		t.Errorf("Expected friendly message, got %q", Message(err))
	}
}

func TestClientTimeout(t *testing.T) {
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(done)

	client, _ := newTestClient(server, WithTimeout(50*time.Millisecond), WithMaxRetries(0))

	_, err := client.Get(context.Background(), "/hospitals", nil)
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeNetwork {
		t.Fatalf("Expected Network error, got %v", err)
	}
	if clientErr.Message != "request timed out, check your network connection" {
		t.Errorf("Expected timeout message, got %q", clientErr.Message)
	}
}

func TestClientCanceledContext(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Post(ctx, "/appointments", map[string]string{})
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeCanceled {
		t.Fatalf("Expected Canceled error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("Expected context.Canceled in the chain")
	}

	_, err = client.Get(ctx, "/hospitals", nil)
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeCanceled {
		t.Errorf("Expected Canceled error for read, got %v", err)
	}
}

func TestClientUnencodableBody(t *testing.T) {
	client := New()

	_, err := client.Post(context.Background(), "/appointments", make(chan int))
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeValidation {
		t.Errorf("Expected Validation error, got %v", err)
	}
}

func TestClientClearCacheForEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	ctx := context.Background()

	_, _ = client.Get(ctx, "/appointments/user", nil)
	_, _ = client.Get(ctx, "/hospitals", nil)
	_, _ = client.Get(ctx, "/hospitals", url.Values{"q": {"x"}})

	if removed := client.ClearCacheForEndpoint(ctx, "/hospitals"); removed != 2 {
		t.Errorf("Expected 2 entries removed, got %d", removed)
	}
	if client.cache.Len() != 1 {
		t.Errorf("Expected 1 entry left, got %d", client.cache.Len())
	}

	client.ClearCache(ctx)
	if client.cache.Len() != 0 {
		t.Errorf("Expected empty cache, got %d", client.cache.Len())
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "on" {
			t.Errorf("Expected middleware header, got %q", r.Header.Get("X-Trace"))
		}
		writeEnvelope(w, http.StatusOK, `{"success":true}`)
	}))
	defer server.Close()

	store := NewMemoryTokenStore()
	_ = store.Set(context.Background(), &Session{Token: "tok"})

	var seenAuth, seenUA string
	var calls int32
	mw := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		seenAuth = req.Header.Get("Authorization")
		seenUA = req.Header.Get("User-Agent")
		req.Header.Set("X-Trace", "on")
		return next.RoundTrip(req)
	}

	client, _ := newTestClient(server, WithTokenStore(store), WithMiddleware(mw))
	if _, err := client.Delete(context.Background(), "/appointments/a1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if calls != 1 {
		t.Errorf("Expected middleware to run once, ran %d times", calls)
	}
	if seenAuth != "Bearer tok" || seenUA != UserAgent() {
		t.Errorf("Expected built-in headers before user middleware, got auth=%q ua=%q", seenAuth, seenUA)
	}
}

func TestClientMetricsOnCacheHit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server, WithMetrics())
	ctx := context.Background()

	_, _ = client.Get(ctx, "/hospitals", nil)
	_, _ = client.Get(ctx, "/hospitals", nil)

	m := client.Metrics()
	if got := testutil.ToFloat64(m.cacheMisses.WithLabelValues("GET", "/hospitals")); got != 1 {
		t.Errorf("Expected 1 miss, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheHits.WithLabelValues("GET", "/hospitals")); got != 1 {
		t.Errorf("Expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "200", "/hospitals")); got != 1 {
		t.Errorf("Expected 1 request, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheSize.WithLabelValues("default")); got != 1 {
		t.Errorf("Expected cache size 1, got %v", got)
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestClientPutJSON(t *testing.T) {
	var method, body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		method, body = r.Method, string(raw)
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":{"id":"a1","status":"COMPLETED"}}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)

	var appointment Appointment
	err := client.PutJSON(context.Background(), "/appointments/a1", map[string]string{"status": "COMPLETED"}, &appointment)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if method != http.MethodPut {
		t.Errorf("Expected PUT, got %s", method)
	}
	if body != `{"status":"COMPLETED"}` {
		t.Errorf("Unexpected body %s", body)
	}
	if appointment.Status != StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", appointment.Status)
	}
}

func TestClientDropsReadSettlingAfterClear(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") == "Bearer tok-a" {
			<-release
			writeEnvelope(w, http.StatusOK, `{"success":true,"data":[{"id":"appt-of-a"}]}`)
			return
		}
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[{"id":"appt-of-b"}]}`)
	}))
	defer server.Close()

	ctx := context.Background()
	store := NewMemoryTokenStore()
	_ = store.Set(ctx, &Session{Token: "tok-a"})
	client, _ := newTestClient(server, WithTokenStore(store))

	done := make(chan string, 1)
	go func() {
		data, _ := client.Get(ctx, "/appointments/user", nil)
		done <- string(data)
	}()
	waitFor(t, func() bool { return atomic.LoadInt32(&hits) == 1 })

	_ = store.Clear(ctx)
	client.ClearCache(ctx)
	client.InFlight().Reset()
	_ = store.Set(ctx, &Session{Token: "tok-b"})

	close(release)
	if got := <-done; got != `[{"id":"appt-of-a"}]` {
		t.Errorf("Expected the original caller to get its own result, got %s", got)
	}
	if client.cache.Len() != 0 {
		t.Fatalf("Expected the stale result not to be cached, got %d entries", client.cache.Len())
	}

	data, err := client.Get(ctx, "/appointments/user", nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(data) != `[{"id":"appt-of-b"}]` {
		t.Errorf("Expected the new session's data, got %s", data)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("Expected 2 server calls, got %d", atomic.LoadInt32(&hits))
	}
}

// gateRetries makes the first backoff wait signal first and every wait block
// until gate closes.
func gateRetries(client *Client, first chan<- struct{}, gate <-chan struct{}) {
	var once sync.Once
	client.sleep = func(ctx context.Context, _ time.Duration) error {
		once.Do(func() { close(first) })
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestClientCoalescedReadJoinedMidRetry(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			writeEnvelope(w, http.StatusServiceUnavailable, `{"success":false,"message":"maintenance"}`)
			return
		}
		writeEnvelope(w, http.StatusOK, `{"success":true,"data":[{"id":"h1"}]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	firstSleep := make(chan struct{})
	gate := make(chan struct{})
	gateRetries(client, firstSleep, gate)
	signature := Signature(http.MethodGet, "/hospitals", nil)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := client.Get(context.Background(), "/hospitals", nil)
			results[i] = string(data)
			errs[i] = err
		}()
	}

	start(0)
	<-firstSleep
	for i := 1; i < callers; i++ {
		start(i)
	}
	waitFor(t, func() bool { return client.InFlight().Waiters(signature) == callers })
	close(gate)
	wg.Wait()

	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("Expected 3 server calls, got %d", atomic.LoadInt32(&hits))
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("Caller %d: expected no error, got %v", i, errs[i])
		}
		if results[i] != `[{"id":"h1"}]` {
			t.Errorf("Caller %d: expected shared data, got %s", i, results[i])
		}
	}
}

func TestClientCoalescedReadSharesExhaustedError(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeEnvelope(w, http.StatusServiceUnavailable, `{"success":false,"message":"maintenance"}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server)
	firstSleep := make(chan struct{})
	gate := make(chan struct{})
	gateRetries(client, firstSleep, gate)
	signature := Signature(http.MethodGet, "/hospitals", nil)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = client.Get(context.Background(), "/hospitals", nil)
		}()
	}

	start(0)
	<-firstSleep
	for i := 1; i < callers; i++ {
		start(i)
	}
	waitFor(t, func() bool { return client.InFlight().Waiters(signature) == callers })
	close(gate)
	wg.Wait()

	if atomic.LoadInt32(&hits) != 4 {
		t.Errorf("Expected 4 server calls, got %d", atomic.LoadInt32(&hits))
	}
	for i := 0; i < callers; i++ {
		if !errors.Is(errs[i], ErrRetryExhausted) {
			t.Errorf("Caller %d: expected ErrRetryExhausted, got %v", i, errs[i])
		}
		if errs[i] != errs[0] {
			t.Errorf("Caller %d: expected the shared error, got %v", i, errs[i])
		}
	}
	if Message(errs[0]) != "maintenance" {
		t.Errorf("Expected server message, got %q", Message(errs[0]))
	}
	if client.InFlight().Len() != 0 {
		t.Errorf("Expected registry empty after settlement, got %d", client.InFlight().Len())
	}
}
