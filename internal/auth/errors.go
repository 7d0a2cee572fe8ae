package auth

import (
	"errors"
	"fmt"

	"github.com/benidevo/vega-companion/internal/errclass"
)

var (
	// ErrUnsupportedProvider is returned for provider types the build does
	// not know about.
	ErrUnsupportedProvider = errors.New("unsupported auth provider")

	// ErrProviderDisabled is returned for providers that are compiled in
	// but disabled by configuration. Distinct from ErrUnsupportedProvider.
	ErrProviderDisabled = errors.New("auth provider disabled")

	// ErrRefreshTokenExpired is returned when the backend rejects a refresh
	// token. Callers must treat the session as gone, not merely stale.
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrNoRefreshToken is returned when refresh is attempted without a
	// stored refresh token or provider identifier. This is a real failure
	// mode after partial writes, not just "never logged in".
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrFlowCanceled is returned when the user aborts a redirect-based
	// authorization flow.
	ErrFlowCanceled = errors.New("authorization flow canceled")
)

// CredentialError carries a credential-specific backend message (e.g.
// "invalid username") that is surfaced to the user verbatim.
type CredentialError struct {
	Message string
}

func (e *CredentialError) Error() string { return e.Message }

// Category implements errclass.Categorizer.
func (e *CredentialError) Category() errclass.Category { return errclass.CategoryAuth }

// TransportError marks a provider endpoint as unreachable.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("auth endpoint unreachable: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Category implements errclass.Categorizer.
func (e *TransportError) Category() errclass.Category { return errclass.CategoryNetwork }

// BackendError is a non-2xx provider response that is not a credential
// failure.
type BackendError struct {
	Status int
	URL    string
	Body   string
}

func (e *BackendError) Error() string {
	if e.Status == 404 {
		return fmt.Sprintf("auth endpoint not found (check backend URL): %s", e.URL)
	}
	return fmt.Sprintf("auth backend error: status %d from %s", e.Status, e.URL)
}

// Category implements errclass.Categorizer.
func (e *BackendError) Category() errclass.Category {
	switch {
	case e.Status == 404:
		return errclass.CategoryValidation
	case e.Status >= 500:
		return errclass.CategoryServerError
	case e.Status == 401 || e.Status == 403:
		return errclass.CategoryAuth
	default:
		return errclass.CategoryUnknown
	}
}
