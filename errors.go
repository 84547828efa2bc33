package reqguard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/giantswarm/reqguard/csrf"
)

// Error codes returned in the "error" field of JSON error bodies
const (
	ErrorCodeAuthenticationRequired = "authentication_required"
	ErrorCodeCSRFTokenMissing       = "csrf_token_missing"
	ErrorCodeCSRFTokenMalformed     = "csrf_token_malformed"
	ErrorCodeCSRFTokenExpired       = "csrf_token_expired"
	ErrorCodeCSRFSignatureInvalid   = "csrf_signature_invalid"
	ErrorCodeOriginRejected         = "origin_rejected"
	ErrorCodeAccountLocked          = "account_locked"
	ErrorCodeInvalidCredentials     = "invalid_credentials"
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeRateLimitExceeded      = "rate_limit_exceeded"
	ErrorCodeStoreUnavailable       = "store_unavailable"
	ErrorCodeServerError            = "server_error"
)

// Error is a request rejection with its HTTP mapping.
type Error struct {
	Code        string // machine-readable code, e.g. "csrf_token_expired"
	Description string // human-readable reason, surfaced verbatim
	Status      int    // HTTP status code

	// RetryAfter, when positive, is sent as the Retry-After header in seconds.
	RetryAfter int
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new Error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common errors
var (
	// ErrAuthenticationRequired is returned when a guarded route has no session attached
	ErrAuthenticationRequired = func(desc string) *Error {
		return NewError(ErrorCodeAuthenticationRequired, desc, http.StatusUnauthorized)
	}

	// ErrCSRFTokenMissing is returned when neither header nor body carries a token
	ErrCSRFTokenMissing = func() *Error {
		return NewError(ErrorCodeCSRFTokenMissing,
			"CSRF token required. Include X-CSRF-Token header or csrf_token in body.",
			http.StatusForbidden)
	}

	// ErrOriginRejected is returned for mutating requests from a foreign origin
	ErrOriginRejected = func(desc string) *Error {
		return NewError(ErrorCodeOriginRejected, desc, http.StatusForbidden)
	}

	// ErrInvalidCredentials is returned when verification fails for an unlocked identifier
	ErrInvalidCredentials = func(attemptsRemaining int) *Error {
		return NewError(ErrorCodeInvalidCredentials,
			fmt.Sprintf("Invalid credentials. %d attempts remaining before lockout.", attemptsRemaining),
			http.StatusUnauthorized)
	}

	// ErrInvalidRequest indicates the request is malformed or failed input validation
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrRateLimitExceeded indicates the client is being throttled
	ErrRateLimitExceeded = func(desc string) *Error {
		e := NewError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
		e.RetryAfter = 60
		return e
	}

	// ErrStoreUnavailable indicates a persistence failure; lockout checks fail closed
	ErrStoreUnavailable = func(desc string) *Error {
		return NewError(ErrorCodeStoreUnavailable, desc, http.StatusServiceUnavailable)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// ErrAccountLocked is returned instead of verifying credentials for a locked
// identifier.
func ErrAccountLocked(remainingMinutes int) *Error {
	e := NewError(ErrorCodeAccountLocked,
		fmt.Sprintf("Account temporarily locked due to too many failed login attempts. Try again in %d minutes.", remainingMinutes),
		http.StatusLocked)
	e.RetryAfter = remainingMinutes * 60
	return e
}

// ErrorFromCSRF maps a csrf verification error to its rejection.
func ErrorFromCSRF(err error) *Error {
	switch {
	case errors.Is(err, csrf.ErrMalformedToken):
		return NewError(ErrorCodeCSRFTokenMalformed, "CSRF validation failed: "+err.Error(), http.StatusForbidden)
	case errors.Is(err, csrf.ErrTokenExpired):
		return NewError(ErrorCodeCSRFTokenExpired, "CSRF validation failed: "+err.Error(), http.StatusForbidden)
	case errors.Is(err, csrf.ErrBadSignature):
		return NewError(ErrorCodeCSRFSignatureInvalid, "CSRF validation failed: "+err.Error(), http.StatusForbidden)
	}
	return ErrServerError("CSRF validation failed")
}

// WriteError writes err as a JSON error body. Errors that are not *Error are
// reported as server_error without their message.
func WriteError(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = ErrServerError("Internal server error")
	}

	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	})
}

// ErrorResponse is the JSON body of every rejection
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides the human-readable reason
	ErrorDescription string `json:"error_description,omitempty"`
}
