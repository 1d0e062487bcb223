package transport

import (
	"errors"
	"fmt"

	"github.com/ashureev/hacienda-console/internal/domain"
)

var (
	// ErrNetwork wraps failures where no HTTP response was received.
	ErrNetwork = errors.New("network error")
	// ErrLoginRequired matches an UnauthorizedError whose policy decision
	// requires the caller to send the user to the login surface.
	ErrLoginRequired = errors.New("login required")
	// ErrInvalidPath is returned for paths that would leave the base URL.
	ErrInvalidPath = errors.New("invalid backend path")
)

// APIError is a non-2xx response from a backend.
type APIError struct {
	Method      string
	Path        string
	Status      int
	ContentType string
	Body        []byte
}

func (e *APIError) Error() string {
	if d := e.Detail(); d != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, d)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// Detail returns the human-readable message of the backend error payload,
// looking at "detail", then "message", then "error".
func (e *APIError) Detail() string {
	for _, field := range []string{"detail", "message", "error"} {
		if v, ok := domain.LookupString(e.Body, field); ok && v != "" {
			return v
		}
	}
	return ""
}

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int { return e.Status }

// UnauthorizedError is returned for 401 responses on authenticated calls.
// It records the retry count the policy saw and whether it demanded a
// redirect to LoginRoute.
type UnauthorizedError struct {
	*APIError
	Realm      domain.Realm
	RetryCount int
	Redirect   bool
	LoginRoute string
	// Suppressed is set when the response arrived on the login surface and
	// the policy was not consulted.
	Suppressed bool
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s unauthorized (attempt %d): %v", e.Realm, e.RetryCount+1, e.APIError)
}

func (e *UnauthorizedError) Unwrap() error { return e.APIError }

// Is reports ErrLoginRequired when the policy demanded a redirect.
func (e *UnauthorizedError) Is(target error) bool {
	return target == ErrLoginRequired && e.Redirect
}
