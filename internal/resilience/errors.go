package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error kinds reported by Kind. They are stored on dead-letter entries and
// used as metric labels.
const (
	KindRateLimited = "rate_limited"
	KindInvocation  = "invocation"
	KindPersistence = "persistence"
	KindTerminal    = "terminal"
	KindInternal    = "internal"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitDenied means the pacing gate refused the request. It is a
// deferral, never a task failure.
type RateLimitDenied struct {
	Key  string
	Wait time.Duration
}

func (e *RateLimitDenied) Error() string {
	return fmt.Sprintf("rate limited: %s, retry in %s", e.Key, e.Wait)
}

// InvocationError is any failure of the scraper call: transport error,
// timeout, non-2xx status, malformed body or a scraper-reported error.
type InvocationError struct {
	Err        error
	StatusCode int
	Transient  bool
	// RetryAfter is the upstream's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *InvocationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("scrape invocation failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("scrape invocation failed: %v", e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the upstream answered 429.
func (e *InvocationError) RateLimited() bool {
	return e.StatusCode == 429
}

// PersistenceError is a failure to store scrape results. Stored records how
// many records were written before the failure.
type PersistenceError struct {
	Err       error
	Stored    int
	Attempted int
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist results: stored %d of %d: %v", e.Stored, e.Attempted, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// TerminalError marks a task whose retry budget is exhausted.
type TerminalError struct {
	Err      error
	Attempts int
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Kind classifies err into one of the Kind* constants. The outermost
// taxonomy error wins, so a TerminalError wrapping an InvocationError is
// "terminal".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *TerminalError:
			return KindTerminal
		case *RateLimitDenied:
			return KindRateLimited
		case *InvocationError:
			return KindInvocation
		case *PersistenceError:
			return KindPersistence
		}
	}
	return KindInternal
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, a transient InvocationError, a retryable Postgres error,
// or if it matches common transient error patterns (network timeouts,
// connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Transient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientPgCode(pgErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP and SQL clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"database is locked",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// isTransientPgCode covers serialization failures, deadlocks and the
// connection exception class.
func isTransientPgCode(code string) bool {
	switch code {
	case "40001", "40P01", "55P03", "57P01":
		return true
	}
	return strings.HasPrefix(code, "08")
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
