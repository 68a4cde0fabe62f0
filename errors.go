package medimate

import (
	"errors"
	"fmt"
	"time"
)

// Error types carried in ClientError.Type.
const (
	ErrorTypeNetwork        = "Network"
	ErrorTypeServer         = "Server"
	ErrorTypeAuthentication = "Authentication"
	ErrorTypeClient         = "Client"
	ErrorTypeRequestFailed  = "RequestFailed"
	ErrorTypeRetryExhausted = "RetryExhausted"
	ErrorTypeValidation     = "Validation"
	ErrorTypeDecode         = "Decode"
	ErrorTypeCanceled       = "Canceled"
)

// Sentinel errors for common failure scenarios. A *ClientError matches the
// sentinel of its type under errors.Is.
var (
	// ErrUnauthorized is matched by any 401 response.
	ErrUnauthorized = errors.New("medimate: unauthorized")

	// ErrRequestFailed is matched by envelopes with success=false.
	ErrRequestFailed = errors.New("medimate: request failed")

	// ErrRetryExhausted is matched when the retry budget ran out.
	ErrRetryExhausted = errors.New("medimate: retry budget exhausted")

	// ErrNoSession is returned when an operation needs a stored session.
	ErrNoSession = errors.New("medimate: no active session")
)

// ClientError describes a failed call with enough context to debug it.
type ClientError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	Endpoint   string
	StatusCode int
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 && e.MaxRetries > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries+1)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is and maps types onto the sentinels.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	switch target {
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuthentication
	case ErrRequestFailed:
		return e.Type == ErrorTypeRequestFailed
	case ErrRetryExhausted:
		return e.Type == ErrorTypeRetryExhausted
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries+1)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient reports whether err is a failure that may succeed if the call
// is made again later: network errors, retryable server statuses and
// exhausted retries of either.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		return false
	}

	switch clientErr.Type {
	case ErrorTypeNetwork, ErrorTypeServer:
		return true
	case ErrorTypeRetryExhausted:
		return IsTransient(clientErr.Cause)
	default:
		return false
	}
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.StatusCode
	}
	return 0
}

// Message returns the user-facing message of err: the server supplied
// message for API failures, err.Error() otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		if clientErr.Type == ErrorTypeRetryExhausted && clientErr.Cause != nil {
			return Message(clientErr.Cause)
		}
		return clientErr.Message
	}
	return err.Error()
}
