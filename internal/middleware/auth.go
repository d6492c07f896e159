package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pixelpets/gasless/internal/audit"
	apperrors "github.com/pixelpets/gasless/internal/errors"
	"github.com/pixelpets/gasless/internal/httputil"
	"github.com/pixelpets/gasless/internal/util"
)

// AuthMiddleware guards the wallet API with a single operator token.
// Only the SHA-256 hash of the token is configured on the server.
type AuthMiddleware struct {
	tokenHash string
}

func NewAuthMiddleware(tokenHash string) *AuthMiddleware {
	if tokenHash == "" {
		log.Warn().Msg("auth middleware: no API token hash configured, requests are not authenticated")
	}
	return &AuthMiddleware{tokenHash: strings.ToLower(tokenHash)}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.tokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		if !util.VerifyToken(token, m.tokenHash) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	// EventSource cannot set headers, so the event stream passes the token in the query.
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
