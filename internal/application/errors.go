package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/strandkasse/vipps-gateway/internal/domain"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// AuthError means the provider rejected our credentials. Fatal, surfaced
// to the operator, never retried.
type AuthError struct {
	Environment string
	Detail      string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed against %s environment: %s", e.Environment, e.Detail)
}

// ValidationError means the request itself was malformed. Fatal to the
// call, not retried.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request rejected: %s", e.Detail)
}

// ConflictError is a business-state conflict reported by the provider
// (409), e.g. a double capture. Surfaced as-is, never retried, never
// silently resolved.
type ConflictError struct {
	Reference    string
	ProviderCode string
	TraceID      string
	Detail       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s [%s]: %s (trace: %s)", e.Reference, e.ProviderCode, e.Detail, e.TraceID)
}

// TransientError wraps a network/5xx failure that survived the retry
// budget. The caller may record it and rely on the reconciler to discover
// the true outcome.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// SecurityError is a webhook authentication failure. Always logged as a
// security event; whether it blocks processing depends on the degraded
// mode switch.
type SecurityError struct {
	Stage  string // "source_ip", "signature_header", "signature", "freshness"
	Detail string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("webhook security check %q failed: %s", e.Stage, e.Detail)
}

// ErrorCategory classifies an error for retry and surfacing decisions.
type ErrorCategory string

const (
	CategoryAuth              ErrorCategory = "AUTH"
	CategoryValidation        ErrorCategory = "VALIDATION"
	CategoryConflict          ErrorCategory = "CONFLICT"
	CategoryTransient         ErrorCategory = "TRANSIENT"
	CategorySecurity          ErrorCategory = "SECURITY"
	CategoryInvalidTransition ErrorCategory = "INVALID_TRANSITION"
	CategoryNotFound          ErrorCategory = "NOT_FOUND"
	CategoryInternal          ErrorCategory = "INTERNAL"
)

// Categorize maps an error to its taxonomy bucket.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return CategoryAuth
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryValidation
	}
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return CategoryConflict
	}
	var secErr *SecurityError
	if errors.As(err, &secErr) {
		return CategorySecurity
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return CategoryTransient
	}

	if errors.Is(err, domain.ErrInvalidTransition) {
		return CategoryInvalidTransition
	}
	if errors.Is(err, domain.ErrInvalidAmount) ||
		errors.Is(err, domain.ErrInvalidCurrency) ||
		errors.Is(err, domain.ErrRefundExceedsCapture) {
		return CategoryValidation
	}
	if errors.Is(err, ErrTransactionNotFound) {
		return CategoryNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTransient
	}

	return CategoryInternal
}

// IsRetryable reports whether the error category permits another attempt.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// ToHTTPStatus maps an error to the status code the webhook endpoint and
// any host-facing surface should answer with.
func ToHTTPStatus(err error) int {
	switch Categorize(err) {
	case "":
		return http.StatusOK
	case CategorySecurity, CategoryAuth:
		return http.StatusUnauthorized
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryConflict, CategoryInvalidTransition:
		return http.StatusConflict
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
