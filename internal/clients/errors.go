package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// TransientError indicates a retryable failure: rate limiting, upstream
// 5xx, timeout or network error. The orchestrator retries these with
// exponential backoff.
type TransientError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient error (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError indicates rejected credentials. It is terminal for the
// marketplace until an operator refreshes credentials; retrying is pointless.
type AuthError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status %d): %v", e.Op, e.StatusCode, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SchemaError indicates a malformed or semantically invalid record. The
// record is skipped and logged; the rest of the batch continues.
type SchemaError struct {
	RemoteID string
	Field    string
	Reason   string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema error for record %s, field %s: %s", e.RemoteID, e.Field, e.Reason)
	}
	return fmt.Sprintf("schema error for record %s: %s", e.RemoteID, e.Reason)
}

// IsTransient reports whether err is retryable
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err is a terminal credential failure
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsSchema reports whether err is a per-record schema error
func IsSchema(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// RetryAfterOf extracts the server-requested retry delay, if any
func RetryAfterOf(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// ClassifyResponse maps a non-2xx HTTP response to the error taxonomy
func ClassifyResponse(op string, resp *http.Response, body []byte) error {
	apiErr := fmt.Errorf("API error: %s", string(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, StatusCode: resp.StatusCode, Err: apiErr}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{
			Op:         op,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp),
			Err:        apiErr,
		}
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, string(body))
	}
}

// WrapTransport maps a transport-level error to the taxonomy. Timeouts,
// connection failures and an open circuit breaker are all transient;
// context cancellation passes through untouched so callers can tell
// shutdown apart from upstream flakiness.
func WrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}

// parseRetryAfter extracts the Retry-After duration from an HTTP response
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	// Try parsing as seconds
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	// Try parsing as HTTP-date
	if t, err := http.ParseTime(retryAfter); err == nil {
		return time.Until(t)
	}

	return 0
}
