package medimate

import (
	"net/http"
)

// RoundTripper is the transport seen by middleware.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip calls f(req).
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware wraps every attempt of every request, retries included.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// AuthMiddleware attaches the bearer token of the valid session held by
// store. The store is consulted on every attempt, so a session cleared
// mid-flight stops being sent immediately.
func AuthMiddleware(store TokenStore, logger Logger) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		if store == nil {
			return next.RoundTrip(req)
		}
		session, err := store.Get(req.Context())
		if err != nil {
			logger.Warn("Token store read failed", "error", err)
		}
		if session != nil && session.Token != "" {
			req.Header.Set("Authorization", "Bearer "+session.Token)
		} else {
			req.Header.Del("Authorization")
		}
		return next.RoundTrip(req)
	}
}

// HeaderMiddleware sets static headers on every attempt, keeping values the
// request already carries.
func HeaderMiddleware(headers map[string]string) Middleware {
	return func(req *http.Request, next RoundTripper) (*http.Response, error) {
		for k, v := range headers {
			if req.Header.Get(k) == "" {
				req.Header.Set(k, v)
			}
		}
		return next.RoundTrip(req)
	}
}

func chainMiddleware(transport RoundTripper, middleware []Middleware) RoundTripper {
	current := transport
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return mw(r, next)
		})
	}
	return current
}
