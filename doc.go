// Package medimate is the Go client of the MediMate medical-escort booking
// API. It layers bearer-token sessions, retries with exponential backoff,
// coalescing of identical in-flight reads and a time-bounded response cache
// over net/http, and exposes the booking operations on top.
//
// Every response is a JSON envelope:
//
//	{"success": true, "data": ..., "message": "...", "error": "..."}
//
// The client unwraps it and returns data; success=false surfaces as a
// *ClientError of type RequestFailed.
//
// Typical usage:
//
//	store, _ := medimate.NewFileTokenStore(dir)
//	client := medimate.New(
//	    medimate.WithBaseURL("https://api.medimate.example/api"),
//	    medimate.WithTokenStore(store),
//	    medimate.WithCache(5*time.Minute),
//	)
//	api := medimate.NewAPI(client)
//	if _, err := api.Login(ctx, creds); err != nil { ... }
//	hospitals := api.GetHospitals(ctx, nil)
//
// Reads (GET) go through the cache and the in-flight registry; mutations
// never do. A 401 clears the stored session and is never retried. Use
// WithContextCacheDisabled, WithContextNoRetry and WithContextNoDedup to
// override behaviour per call.
//
// WithCircuitBreaker and WithRateLimiter add optional client-side protection
// in front of the transport.
package medimate
