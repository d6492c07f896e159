package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/pixelpets/gasless/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error response format.
// UserMessage is safe to show to end users; the rest is for developers.
type ErrorResponse struct {
	Error       string              `json:"error"`
	Code        apperrors.ErrorCode `json:"code"`
	UserMessage string              `json:"userMessage"`
	Retryable   bool                `json:"retryable"`
	Details     any                 `json:"details,omitempty"`
}

func newErrorResponse(appErr *apperrors.AppError) ErrorResponse {
	return ErrorResponse{
		Error:       appErr.Message,
		Code:        appErr.Code,
		UserMessage: apperrors.UserMessage(appErr),
		Retryable:   apperrors.IsRetryable(appErr),
		Details:     appErr.Details,
	}
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		// Wrap unknown errors as internal errors
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	WriteJSON(w, StatusFromCode(appErr.Code), newErrorResponse(appErr))
}

// WriteErrorWithStatus writes an error with a specific HTTP status code
func WriteErrorWithStatus(w http.ResponseWriter, status int, err *apperrors.AppError) {
	WriteJSON(w, status, newErrorResponse(err))
}

// StatusFromCode maps ErrorCode to HTTP status code
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 400 Bad Request
	case apperrors.ErrCodeValidation,
		apperrors.ErrCodeMalformedRequest:
		return http.StatusBadRequest

	// 401 Unauthorized
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized

	// 403 Forbidden
	case apperrors.ErrCodeKeyNotAuthorized:
		return http.StatusForbidden

	// 404 Not Found
	case apperrors.ErrCodeNotFound,
		apperrors.ErrCodeSessionNotFound:
		return http.StatusNotFound

	// 409 Conflict
	case apperrors.ErrCodeConflict,
		apperrors.ErrCodeDelegationNotActive:
		return http.StatusConflict

	// 410 Gone
	case apperrors.ErrCodeSessionExpired:
		return http.StatusGone

	// 422 Unprocessable Entity
	case apperrors.ErrCodeBundleFailed,
		apperrors.ErrCodeEffectNotObserved:
		return http.StatusUnprocessableEntity

	// 429 Too Many Requests
	case apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests

	// 502 Bad Gateway
	case apperrors.ErrCodeRelayRejected,
		apperrors.ErrCodeRelayFundingShortfall:
		return http.StatusBadGateway

	// 503 Service Unavailable
	case apperrors.ErrCodeTransient:
		return http.StatusServiceUnavailable

	// 504 Gateway Timeout
	case apperrors.ErrCodePollTimeout:
		return http.StatusGatewayTimeout

	// 500 Internal Server Error
	case apperrors.ErrCodeInternal,
		apperrors.ErrCodeDatabase:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}
