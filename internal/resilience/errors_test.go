package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("scraper overloaded"), 503), true},
		{"wrapped explicit", eris.Wrap(NewTransientError(errors.New("throttled"), 429), "invoker: scrape"), true},
		{"validation", errors.New("task: region key is required"), false},
		{"connection reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"broken pipe text", errors.New("post /scrape: broken pipe"), true},
		{"tls text", errors.New("TLS handshake timeout"), true},
		{"sqlite locked text", errors.New("sqlite: exec: database is locked"), true},
		{"idle close text", errors.New("server closed idle connection"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
}

func TestTransientError(t *testing.T) {
	inner := errors.New("scraper returned 503")
	te := NewTransientError(inner, 503)

	assert.ErrorIs(t, te, inner)
	assert.Equal(t, 503, te.StatusCode)
	assert.Equal(t, "scraper returned 503", te.Error())
}

func TestIsTransient_InvocationError(t *testing.T) {
	if !IsTransient(&InvocationError{Err: errors.New("bad gateway"), StatusCode: 502, Transient: true}) {
		t.Error("transient invocation error should be transient")
	}
	if IsTransient(&InvocationError{Err: errors.New("bad request"), StatusCode: 400}) {
		t.Error("4xx invocation error should not be transient")
	}
}

func TestIsTransient_PgErrors(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "08006"} {
		err := eris.Wrap(&pgconn.PgError{Code: code}, "store: save task state")
		if !IsTransient(err) {
			t.Errorf("pg code %s should be transient", code)
		}
	}
	if IsTransient(&pgconn.PgError{Code: "23505"}) {
		t.Error("unique violation should not be transient")
	}
}

func TestKind(t *testing.T) {
	inv := &InvocationError{Err: errors.New("timeout"), Transient: true}
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"rate limited", &RateLimitDenied{Key: "stateLicenseDB/33101-FL", Wait: time.Second}, KindRateLimited},
		{"invocation", eris.Wrap(inv, "dispatcher: scrape"), KindInvocation},
		{"persistence", &PersistenceError{Err: errors.New("disk full"), Attempted: 3}, KindPersistence},
		{"terminal wins", &TerminalError{Err: inv, Attempts: 3}, KindTerminal},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Kind(tc.err); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestInvocationError_Message(t *testing.T) {
	err := &InvocationError{Err: errors.New("upstream busy"), StatusCode: 429, RetryAfter: 30 * time.Second}
	if !err.RateLimited() {
		t.Error("429 should report RateLimited")
	}
	if err.Error() != "scrape invocation failed (status 429): upstream busy" {
		t.Errorf("unexpected message %q", err.Error())
	}
	var target *InvocationError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &target) || target.RetryAfter != 30*time.Second {
		t.Error("expected errors.As to recover RetryAfter")
	}
}

func TestTerminalError_Unwrap(t *testing.T) {
	inner := errors.New("scraper timeout")
	te := &TerminalError{Err: inner, Attempts: 3}
	if !errors.Is(te, inner) {
		t.Error("TerminalError should unwrap to its cause")
	}
	if te.Error() != "terminal after 3 attempts: scraper timeout" {
		t.Errorf("unexpected message %q", te.Error())
	}
}
