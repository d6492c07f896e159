package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	apperrors "github.com/pixelpets/gasless/internal/errors"
)

// JSON-RPC codes that mean the request itself was bad.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
)

// Markers are matched against the lowercased relay message. Key and delegation
// markers are checked before funding ones, and funding markers name a shortage
// rather than just the party that pays.
var (
	fundingMarkers = []string{
		"insufficient funds",
		"insufficient balance",
		"balance too low",
		"not enough funds",
		"cannot pay fee",
		"fee payer balance",
		"paymaster deposit",
	}
	delegationMarkers = []string{
		"not delegated",
		"delegation not found",
		"no delegation",
		"account not upgraded",
	}
	keyMarkers = []string{
		"unauthorized",
		"unauthorised",
		"invalid signature",
		"unknown key",
		"key not found",
		"key not authorized",
	}
)

// Classify maps a transport or JSON-RPC error into the closed error set.
// Context cancellation is returned unchanged so callers can tell abandonment apart.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if apperrors.IsAppError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient("relay call timed out", err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return classifyRPC(rpcErr)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return apperrors.Wrap(apperrors.ErrCodeRelayRejected, "relay returned an unexpected response", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return apperrors.Transient("relay unreachable", err)
	}

	return apperrors.Transient("relay call failed", err)
}

func classifyHTTP(err rpc.HTTPError) error {
	details := map[string]any{"httpStatus": err.StatusCode}
	if err.StatusCode >= http.StatusInternalServerError || err.StatusCode == http.StatusTooManyRequests {
		return apperrors.Transient(fmt.Sprintf("relay responded %d", err.StatusCode), err).WithDetails(details)
	}
	return apperrors.Wrap(apperrors.ErrCodeMalformedRequest,
		fmt.Sprintf("relay rejected request with %d", err.StatusCode), err).WithDetails(details)
}

func classifyRPC(err rpc.Error) error {
	code := err.ErrorCode()
	message := err.Error()
	details := map[string]any{
		"relayCode":    code,
		"relayMessage": message,
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		details["relayData"] = dataErr.ErrorData()
	}

	lower := strings.ToLower(message)
	var appErr *apperrors.AppError
	switch {
	case containsAny(lower, keyMarkers):
		appErr = apperrors.KeyNotAuthorized(message)
	case containsAny(lower, delegationMarkers):
		appErr = apperrors.New(apperrors.ErrCodeDelegationNotActive, message)
	case containsAny(lower, fundingMarkers):
		appErr = apperrors.RelayFundingShortfall(message)
	case code == rpcParseError || code == rpcInvalidRequest || code == rpcMethodNotFound || code == rpcInvalidParams:
		appErr = apperrors.MalformedRequest(message)
	default:
		appErr = apperrors.New(apperrors.ErrCodeRelayRejected, message)
	}
	return appErr.WithCause(err).WithDetails(details)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
