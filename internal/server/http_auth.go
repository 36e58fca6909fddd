package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrSessionTokenMissing indicates no MCP session token was configured.
	ErrSessionTokenMissing = errors.New("mcp session token is not configured")
	// ErrBearerTokenMissing indicates Authorization header did not contain a bearer token.
	ErrBearerTokenMissing = errors.New("missing or malformed Authorization bearer token")
	// ErrBearerTokenInvalid indicates provided bearer token did not match configured session token.
	ErrBearerTokenInvalid = errors.New("invalid bearer token for MCP session")
)

// SessionAuthenticator authenticates HTTP MCP calls.
type SessionAuthenticator interface {
	AuthenticateHTTP(r *http.Request) error
}

// TokenSessionAuthenticator validates incoming bearer tokens against the
// configured MCP session token.
type TokenSessionAuthenticator struct {
	token string
}

// NewTokenSessionAuthenticator creates a new session authenticator.
func NewTokenSessionAuthenticator(token string) *TokenSessionAuthenticator {
	return &TokenSessionAuthenticator{token: strings.TrimSpace(token)}
}

// AuthenticateHTTP validates the Authorization bearer token.
func (a *TokenSessionAuthenticator) AuthenticateHTTP(r *http.Request) error {
	if a == nil || a.token == "" {
		return ErrSessionTokenMissing
	}
	presented := parseBearerToken(r.Header.Get("Authorization"))
	if presented == "" {
		return ErrBearerTokenMissing
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) != 1 {
		return ErrBearerTokenInvalid
	}
	return nil
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func authFailureResponse(err error) (int, string) {
	if err == nil {
		return http.StatusUnauthorized, "unauthorized"
	}
	switch {
	case errors.Is(err, ErrSessionTokenMissing):
		return http.StatusUnauthorized, "MCP session token is not configured; set SERVICENOW_MCP_SESSION_TOKEN"
	case errors.Is(err, ErrBearerTokenMissing):
		return http.StatusUnauthorized, "missing or malformed Authorization header; expected Bearer <token>"
	case errors.Is(err, ErrBearerTokenInvalid):
		return http.StatusUnauthorized, "invalid bearer token for MCP session"
	default:
		return http.StatusUnauthorized, err.Error()
	}
}
