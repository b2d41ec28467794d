// Package auth authenticates inbound requests by proxy user token and tracks
// the caller's IP against the user's allowance.
package auth

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/userstore"
)

// TokenAuth resolves bearer user tokens against the user store. The store is
// already an in-memory map, so no read cache sits in front of it.
type TokenAuth struct {
	users *userstore.Store

	// ProxyPassword, when set, is accepted as a shared secret that bypasses
	// the user store (no quota tracking).
	ProxyPassword string
}

func NewTokenAuth(users *userstore.Store) *TokenAuth {
	return &TokenAuth{users: users}
}

// Authenticate extracts the bearer token (or x-api-key, for clients speaking
// the Anthropic dialect) and authenticates it. A nil user with a nil error
// means the shared proxy password matched.
func (a *TokenAuth) Authenticate(r *http.Request) (*proxy.User, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, proxy.ErrUnauthorized
	}

	if a.ProxyPassword != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.ProxyPassword)) == 1 {
		return nil, nil
	}

	user, result := a.users.Authenticate(token, ClientIP(r))
	switch result {
	case userstore.AuthSuccess:
		return user, nil
	case userstore.AuthDisabled:
		return nil, proxy.ErrUserDisabled
	case userstore.AuthLimited:
		return nil, proxy.ErrIPLimited
	default:
		return nil, proxy.ErrUnauthorized
	}
}

// bearerToken pulls the credential from Authorization: Bearer or x-api-key.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

// ClientIP returns the originating client address, preferring the first
// X-Forwarded-For hop when a proxy sits in front.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
