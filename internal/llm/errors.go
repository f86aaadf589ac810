package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Failure kinds surfaced by Client implementations. Match with errors.Is.
var (
	ErrServer        = errors.New("llm: server error")
	ErrRateLimit     = errors.New("llm: rate limit exceeded")
	ErrConnection    = errors.New("llm: connection failure")
	ErrBadRequest    = errors.New("llm: bad request")
	ErrAuth          = errors.New("llm: authentication failed")
	ErrUpstream      = errors.New("llm: unexpected upstream status")
	ErrResponseShape = errors.New("llm: unexpected response shape")
)

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	Kind       error

	retryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm: upstream %d: %s (%s)", e.StatusCode, e.Message, e.Type)
	}
	return fmt.Sprintf("llm: upstream %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// RetryAfter is the delay requested by the provider, zero if none was sent.
func (e *APIError) RetryAfter() time.Duration { return e.retryAfter }

// NewAPIError classifies a provider status code.
func NewAPIError(status int, errType, message string) *APIError {
	return &APIError{
		StatusCode: status,
		Type:       errType,
		Message:    message,
		Kind:       KindForStatus(status),
	}
}

// KindForStatus maps an HTTP status to a failure kind.
func KindForStatus(status int) error {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrBadRequest
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status == http.StatusRequestTimeout:
		return ErrConnection
	case status >= 500 && status <= 599:
		return ErrServer
	default:
		return ErrUpstream
	}
}

// IsTransient reports whether err is a server, rate-limit or connection failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrServer) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrConnection)
}

// KindOf names the failure kind of err for logs and metrics.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrServer):
		return "server_error"
	case errors.Is(err, ErrRateLimit):
		return "rate_limit"
	case errors.Is(err, ErrConnection):
		return "connection_error"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	case errors.Is(err, ErrResponseShape):
		return "response_shape"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unknown"
	}
}

// classifyTransportError tags an error returned by the HTTP round trip.
// Context errors pass through untouched so callers can tell cancellation apart.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isTransientNetError(err) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return err
}

// isTransientNetError determines whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary || dnsErr.IsNotFound
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write" {
			return true
		}
	}

	// Wrapped errors sometimes only keep the message.
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
		"unexpected eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// parseRetryAfter extracts the retry delay from a Retry-After header.
// Returns 0 if header is missing or invalid.
//
// Retry-After can be:
// - Number of seconds: "120"
// - HTTP date: "Wed, 21 Oct 2015 07:28:00 GMT"
func parseRetryAfter(h http.Header) time.Duration {
	const maxRetryAfter = 5 * time.Minute

	retryAfter := strings.TrimSpace(h.Get("Retry-After"))
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		if seconds <= 0 {
			return 0
		}
		d := time.Duration(seconds) * time.Second
		return min(d, maxRetryAfter)
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return min(d, maxRetryAfter)
		}
	}

	return 0
}
