package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Relay and chain failures
	ErrCodeTransient             ErrorCode = "TRANSIENT"
	ErrCodeRelayFundingShortfall ErrorCode = "RELAY_FUNDING_SHORTFALL"
	ErrCodeMalformedRequest      ErrorCode = "MALFORMED_REQUEST"
	ErrCodeDelegationNotActive   ErrorCode = "DELEGATION_NOT_ACTIVE"
	ErrCodeKeyNotAuthorized      ErrorCode = "KEY_NOT_AUTHORIZED"
	ErrCodeRelayRejected         ErrorCode = "RELAY_REJECTED"

	// Session keys
	ErrCodeSessionExpired  ErrorCode = "SESSION_EXPIRED"
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// Bundle outcome
	ErrCodeBundleFailed      ErrorCode = "BUNDLE_FAILED"
	ErrCodeEffectNotObserved ErrorCode = "EFFECT_NOT_OBSERVED"
	ErrCodePollTimeout       ErrorCode = "POLL_TIMEOUT"

	// Validation
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Authentication
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// Messages shown to end users. Codes and details stay developer-facing.
const (
	UserMessageRetrying = "Action failed, retrying"
	UserMessageLater    = "Action failed, please try again later"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// WithDetail sets a single key on map details, creating the map if needed.
func (e *AppError) WithDetail(key string, value any) *AppError {
	m, ok := e.Details.(map[string]any)
	if !ok || m == nil {
		m = map[string]any{}
		if e.Details != nil {
			m["details"] = e.Details
		}
	}
	m[key] = value
	e.Details = m
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Transient(message string, cause error) *AppError {
	return Wrap(ErrCodeTransient, message, cause)
}

func RelayFundingShortfall(message string) *AppError {
	return New(ErrCodeRelayFundingShortfall, message)
}

func MalformedRequest(message string) *AppError {
	return New(ErrCodeMalformedRequest, message)
}

func DelegationNotActive(account string) *AppError {
	return New(ErrCodeDelegationNotActive, fmt.Sprintf("account %s is not delegated on-chain", account))
}

func KeyNotAuthorized(message string) *AppError {
	return New(ErrCodeKeyNotAuthorized, message)
}

func SessionExpired(sessionID string) *AppError {
	return New(ErrCodeSessionExpired, fmt.Sprintf("session %s is expired or rotated", sessionID))
}

func SessionNotFound(sessionID string) *AppError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session %s not found", sessionID))
}

func BundleFailed(bundleID string) *AppError {
	return New(ErrCodeBundleFailed, fmt.Sprintf("bundle %s failed on-chain", bundleID))
}

func EffectNotObserved(bundleID, expectation string) *AppError {
	return New(ErrCodeEffectNotObserved, fmt.Sprintf("bundle %s confirmed but %s was not observed", bundleID, expectation))
}

func PollTimeout(bundleID string) *AppError {
	return New(ErrCodePollTimeout, fmt.Sprintf("bundle %s did not reach a terminal status in time", bundleID))
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf("%s is required", field))
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable reports whether the caller may retry err with backoff.
// Only transport-level failures qualify; every other class needs remediation first.
func IsRetryable(err error) bool {
	return HasCode(err, ErrCodeTransient)
}

// UserMessage returns the only two messages an end user should ever see.
func UserMessage(err error) string {
	if IsRetryable(err) {
		return UserMessageRetrying
	}
	return UserMessageLater
}
