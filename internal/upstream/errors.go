package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"

	"github.com/ansplan/schedsync/internal/model"
)

const (
	loginRequiredMarker = "LoginRequiredException"
	securityException   = "java.lang.SecurityException"
)

// APIError describes a failed upstream call. It unwraps to one of the
// model sentinels so callers classify with errors.Is.
type APIError struct {
	Method         string
	Status         int
	ExceptionClass string
	Message        string
	kind           error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "upstream %s", e.Method)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.ExceptionClass != "" {
		fmt.Fprintf(&b, ": %s", e.ExceptionClass)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.kind }

// IsSessionExpired reports whether an exception class means the session
// cookie is no longer accepted.
func IsSessionExpired(exceptionClass string) bool {
	return strings.Contains(exceptionClass, loginRequiredMarker) || exceptionClass == securityException
}

func exceptionError(method, exceptionClass, message string) error {
	kind := model.ErrUpstreamAPI
	if IsSessionExpired(exceptionClass) {
		kind = model.ErrSessionExpired
	}
	return &APIError{Method: method, ExceptionClass: exceptionClass, Message: message, kind: kind}
}

func statusError(method string, status int, body string) error {
	e := &APIError{Method: method, Status: status, Message: strings.TrimSpace(truncate(body, 200))}
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests:
		e.kind = model.ErrUpstreamBlocked
	default:
		e.kind = fmt.Errorf("unexpected status %d", status)
	}
	return e
}

// transportError marks connection resets as blocking; everything else is
// returned wrapped.
func transportError(method string, err error) error {
	if errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("upstream %s: %w: %w", method, model.ErrUpstreamBlocked, err)
	}
	return fmt.Errorf("upstream %s: %w", method, err)
}
