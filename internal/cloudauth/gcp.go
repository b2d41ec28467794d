package cloudauth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// gcpScope is the OAuth2 scope required for Vertex AI prediction calls.
const gcpScope = "https://www.googleapis.com/auth/cloud-platform"

// GCPToken is a fetched access token with its expiry, cached on the
// credential by the pool so refresh only happens when it lapses.
type GCPToken struct {
	AccessToken string
	Expiry      time.Time
}

// FetchGCPToken exchanges a service-account JSON key (the pool secret for
// GCP credentials) for a bearer token.
func FetchGCPToken(ctx context.Context, serviceAccountJSON []byte) (GCPToken, error) {
	cfg, err := google.JWTConfigFromJSON(serviceAccountJSON, gcpScope)
	if err != nil {
		return GCPToken{}, fmt.Errorf("cloudauth: parse service account: %w", err)
	}
	tok, err := cfg.TokenSource(ctx).Token()
	if err != nil {
		return GCPToken{}, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	return GCPToken{AccessToken: tok.AccessToken, Expiry: tok.Expiry}, nil
}

// StaticTokenSource wraps an already-fetched token as an oauth2.TokenSource.
// Used in tests and for short-lived signed dispatches.
func StaticTokenSource(t GCPToken) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: t.AccessToken, Expiry: t.Expiry})
}
