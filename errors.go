package fetchkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType classifies a ClientError.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "Network"
	ErrorTypeTimeout     ErrorType = "Timeout"
	ErrorTypeAbort       ErrorType = "Abort"
	ErrorTypeRequest     ErrorType = "Request"
	ErrorTypeServer      ErrorType = "Server"
	ErrorTypeParse       ErrorType = "Parse"
	ErrorTypeRateLimit   ErrorType = "RateLimit"
	ErrorTypeCircuitOpen ErrorType = "CircuitOpen"
	ErrorTypeValidation  ErrorType = "Validation"
)

// Sentinel errors for common failure scenarios
var (
	// ErrAborted matches errors caused by caller cancellation.
	ErrAborted = errors.New("fetchkit: aborted")

	// ErrTimeout matches errors caused by an expired time budget.
	ErrTimeout = errors.New("fetchkit: timeout")

	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("fetchkit: circuit open")

	// ErrRateLimited is returned when a request is denied due to rate limiting
	ErrRateLimited = errors.New("fetchkit: rate limited")

	// ErrCacheMiss is returned when a cache lookup fails
	ErrCacheMiss = errors.New("fetchkit: cache miss")

	// ErrBodyTooLarge is returned when a response body exceeds HTTPTransport.MaxBodyBytes
	ErrBodyTooLarge = errors.New("fetchkit: response body too large")
)

var sentinelTypes = map[error]ErrorType{
	ErrAborted:     ErrorTypeAbort,
	ErrTimeout:     ErrorTypeTimeout,
	ErrCircuitOpen: ErrorTypeCircuitOpen,
	ErrRateLimited: ErrorTypeRateLimit,
}

// ClientError is the single error type surfaced by Client.Do.
type ClientError struct {
	Type       ErrorType
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	Attempt    int
	StatusCode int
	Header     http.Header
	Body       []byte
	Timestamp  time.Time
	Duration   time.Duration
	Request    *Request
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, timeouts, 5xx server responses, and rate limiting (429).
// Returns false for other 4xx responses, aborts and configuration errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit, ErrorTypeCircuitOpen:
			return true
		case ErrorTypeRequest:
			return clientErr.StatusCode == http.StatusTooManyRequests
		default:
			return false
		}
	}

	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// Error implements error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (retry %d)", msg, e.Attempt)
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

// Is compares error types for errors.Is. A ClientError matches another
// ClientError of the same Type and the sentinel for its Type.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	if t, ok := sentinelTypes[target]; ok {
		return e.Type == t
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
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Retry Attempt: %d\n", e.Attempt)
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

func newClientError(errType ErrorType, message string, cause error, req *Request, call *Call) *ClientError {
	e := &ClientError{
		Type:      errType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
		Request:   req,
	}
	if req != nil {
		e.Method = req.Method
		e.URL = req.FullURL()
	}
	if call != nil {
		e.RequestID = call.ID
		e.Attempt = call.RetryAttempt
		e.Duration = time.Since(call.StartedAt)
	}
	return e
}

// errorFromResponse maps a status >= 400 to a Request or Server error.
func errorFromResponse(resp *Response, req *Request, call *Call) *ClientError {
	errType := ErrorTypeRequest
	if resp.StatusCode >= 500 {
		errType = ErrorTypeServer
	}
	e := newClientError(errType, fmt.Sprintf("HTTP %d", resp.StatusCode), nil, req, call)
	e.StatusCode = resp.StatusCode
	e.Header = resp.Header
	e.Body = resp.Body
	return e
}

// errorFromContext classifies a done context: an expired budget yields
// Timeout, anything else Abort.
func errorFromContext(ctx context.Context, cause error, req *Request, call *Call) *ClientError {
	reason := context.Cause(ctx)
	if reason == nil {
		reason = cause
	}
	if cause == nil {
		cause = reason
	}
	if errors.Is(reason, ErrTimeout) || errors.Is(reason, context.DeadlineExceeded) {
		return newClientError(ErrorTypeTimeout, "request timed out", cause, req, call)
	}
	return newClientError(ErrorTypeAbort, "request aborted", cause, req, call)
}

// asClientError normalizes any error surfaced by a hook or transport.
func asClientError(ctx context.Context, err error, req *Request, call *Call) *ClientError {
	var cerr *ClientError
	if errors.As(err, &cerr) {
		return cerr
	}
	if errors.Is(err, ErrRateLimited) {
		return newClientError(ErrorTypeRateLimit, "rate limit exceeded", err, req, call)
	}
	if errors.Is(err, ErrCircuitOpen) {
		return newClientError(ErrorTypeCircuitOpen, "circuit breaker is open", err, req, call)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrAborted) {
		if ctx != nil && ctx.Err() != nil {
			return errorFromContext(ctx, err, req, call)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
			return newClientError(ErrorTypeTimeout, "request timed out", err, req, call)
		}
		return newClientError(ErrorTypeAbort, "request aborted", err, req, call)
	}
	return newClientError(ErrorTypeNetwork, err.Error(), err, req, call)
}
