// Package apperrors defines the gateway's structured error type, carried
// through every pipeline stage so the HTTP layer can map failures to
// status codes without string-matching error messages. Adapted from the
// teacher's internal/errors package: same AppError shape, with error
// types extended for signature/replay/rate-limit/challenge/policy failures.
package apperrors

import (
	"errors"
	"fmt"
)

// ErrorType categorizes an AppError for status-code mapping and metrics.
type ErrorType string

const (
	ValidationError      ErrorType = "validation"
	NotFoundError        ErrorType = "not_found"
	ConflictError        ErrorType = "conflict"
	ExternalServiceError ErrorType = "external_service"
	DatabaseError        ErrorType = "database"
	AuthenticationError  ErrorType = "authentication"
	AuthorizationError   ErrorType = "authorization"
	InternalError        ErrorType = "internal"
	CircuitBreakerError  ErrorType = "circuit_breaker"
	TimeoutError         ErrorType = "timeout"

	// SignatureError indicates an Ed25519 signature failed verification.
	SignatureError ErrorType = "signature"
	// ReplayError indicates a nonce was already seen.
	ReplayError ErrorType = "replay"
	// RateLimitError indicates an agent exceeded its configured request rate.
	RateLimitError ErrorType = "rate_limit"
	// ChallengeError indicates a challenge-response step failed or is required.
	ChallengeError ErrorType = "challenge"
	// PolicyError indicates a policy rule explicitly denied the request.
	PolicyError ErrorType = "policy"
)

// AppError is a structured application error carrying a classification
// useful for both HTTP status mapping and the audit log.
type AppError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Details string    `json:"details,omitempty"`
	Cause   error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

func New(errorType ErrorType, message string) *AppError {
	return &AppError{Type: errorType, Message: message}
}

func Newf(errorType ErrorType, format string, args ...interface{}) *AppError {
	return &AppError{Type: errorType, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, errorType ErrorType, message string) *AppError {
	return &AppError{Type: errorType, Message: message, Cause: err}
}

func Wrapf(err error, errorType ErrorType, format string, args ...interface{}) *AppError {
	return &AppError{Type: errorType, Message: fmt.Sprintf(format, args...), Cause: err}
}

func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func NewValidationError(message string) *AppError { return New(ValidationError, message) }

func NewNotFoundError(resource string) *AppError {
	return Newf(NotFoundError, "%s not found", resource)
}

func NewSignatureError(message string) *AppError { return New(SignatureError, message) }

func NewReplayError(nonce string) *AppError {
	return Newf(ReplayError, "nonce already used: %s", nonce)
}

func NewRateLimitError(agentID string) *AppError {
	return Newf(RateLimitError, "rate limit exceeded for agent %s", agentID)
}

func NewChallengeError(message string) *AppError { return New(ChallengeError, message) }

func NewPolicyError(policyID, reason string) *AppError {
	return Newf(PolicyError, "policy %s: %s", policyID, reason)
}

func NewExternalServiceError(service string, err error) *AppError {
	return Wrap(err, ExternalServiceError, fmt.Sprintf("%s service error", service))
}

func NewDatabaseError(err error) *AppError {
	return Wrap(err, DatabaseError, "database operation failed")
}

func NewCircuitBreakerError(service string) *AppError {
	return Newf(CircuitBreakerError, "circuit breaker open for %s", service)
}

func NewTimeoutError(operation string) *AppError {
	return Newf(TimeoutError, "%s operation timed out", operation)
}

func NewInternalError(message string) *AppError { return New(InternalError, message) }

func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return InternalError
}

// HTTPStatus maps an ErrorType to the HTTP status code the pipeline's
// gin handler should respond with.
func HTTPStatus(t ErrorType) int {
	switch t {
	case ValidationError:
		return 400
	case AuthenticationError, ChallengeError:
		return 401
	case AuthorizationError, PolicyError, SignatureError, ReplayError:
		return 403
	case NotFoundError:
		return 404
	case ConflictError:
		return 409
	case RateLimitError:
		return 429
	case TimeoutError:
		return 504
	case CircuitBreakerError, ExternalServiceError:
		return 503
	default:
		return 500
	}
}
