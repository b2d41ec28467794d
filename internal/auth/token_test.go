package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/userstore"
)

func newStore(t *testing.T) *userstore.Store {
	t.Helper()
	s := userstore.New(userstore.NewMemoryBackend(), userstore.Options{})
	if _, err := s.Create(userstore.CreateOptions{Token: "tok-good"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return s
}

func TestAuthenticateBearer(t *testing.T) {
	t.Parallel()

	a := NewTokenAuth(newStore(t))
	r := httptest.NewRequest("POST", "/openai/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer tok-good")
	r.RemoteAddr = "10.0.0.1:4242"

	user, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user == nil || user.Token != "tok-good" {
		t.Fatalf("user = %+v", user)
	}
}

func TestAuthenticateAPIKeyHeader(t *testing.T) {
	t.Parallel()

	a := NewTokenAuth(newStore(t))
	r := httptest.NewRequest("POST", "/anthropic/v1/messages", nil)
	r.Header.Set("x-api-key", "tok-good")
	r.RemoteAddr = "10.0.0.1:4242"

	if _, err := a.Authenticate(r); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestAuthenticateUnknownToken(t *testing.T) {
	t.Parallel()

	a := NewTokenAuth(newStore(t))
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer nope")
	r.RemoteAddr = "10.0.0.1:4242"

	if _, err := a.Authenticate(r); !errors.Is(err, proxy.ErrUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestAuthenticateMissingCredential(t *testing.T) {
	t.Parallel()

	a := NewTokenAuth(newStore(t))
	r := httptest.NewRequest("POST", "/", nil)
	if _, err := a.Authenticate(r); !errors.Is(err, proxy.ErrUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestProxyPasswordBypass(t *testing.T) {
	t.Parallel()

	a := NewTokenAuth(newStore(t))
	a.ProxyPassword = "hunter2"
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer hunter2")
	r.RemoteAddr = "10.0.0.1:4242"

	user, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user != nil {
		t.Fatalf("password auth must not resolve a user, got %+v", user)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:9999"
	if got := ClientIP(r); got != "192.0.2.7" {
		t.Fatalf("ClientIP = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 192.0.2.7")
	if got := ClientIP(r); got != "203.0.113.9" {
		t.Fatalf("ClientIP with XFF = %q", got)
	}
}
