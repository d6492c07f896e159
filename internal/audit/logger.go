package audit

import (
	"context"
	"net"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventAccountCreate        EventType = "account_create"
	EventAuthFailure          EventType = "auth_failure"
	EventRateLimitExceed      EventType = "rate_limit_exceeded"
	EventSessionCreate        EventType = "session_create"
	EventSessionRotate        EventType = "session_rotate"
	EventSessionSweep         EventType = "session_sweep"
	EventDelegationPrepare    EventType = "delegation_prepare"
	EventDelegationStore      EventType = "delegation_store"
	EventDelegationDeployed   EventType = "delegation_deployed"
	EventDelegationInvalidate EventType = "delegation_invalidated"
	EventIntentSigned         EventType = "intent_signed"
	EventFundingShortfall     EventType = "funding_shortfall"
	EventEffectNotObserved    EventType = "effect_not_observed"
	EventSponsorshipViolation EventType = "sponsorship_violation"
)

// Events that need an operator's attention. Everything else is informational.
var warnEvents = map[EventType]bool{
	EventAuthFailure:          true,
	EventRateLimitExceed:      true,
	EventFundingShortfall:     true,
	EventEffectNotObserved:    true,
	EventSponsorshipViolation: true,
}

type Event struct {
	Type      EventType
	AccountID string
	SessionID string
	BundleID  string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

// Log writes event to the global logger. A chi request id on ctx is attached
// so audit lines can be joined with the request log.
func Log(ctx context.Context, event Event) {
	e := log.Info()
	if warnEvents[event.Type] {
		e = log.Warn()
	}

	e = e.Str("audit", "pipeline").Str("event_type", string(event.Type))
	if reqID := chimiddleware.GetReqID(ctx); reqID != "" {
		e = e.Str("requestId", reqID)
	}
	e = optional(e, "account_id", event.AccountID)
	e = optional(e, "session_id", event.SessionID)
	e = optional(e, "bundle_id", event.BundleID)
	e = optional(e, "ip", event.IP)
	e = optional(e, "user_agent", event.UserAgent)

	for k, v := range event.Details {
		e = addField(e, k, v)
	}
	e.Msg("audit event")
}

func optional(e *zerolog.Event, key, value string) *zerolog.Event {
	if value == "" {
		return e
	}
	return e.Str(key, value)
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case uint64:
		return e.Uint64(key, v)
	case bool:
		return e.Bool(key, v)
	case error:
		return e.AnErr(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = clientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the peer address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
