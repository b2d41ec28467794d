package keypool

import (
	"context"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cloudauth"
)

// tokenSlack refreshes GCP tokens this long before their actual expiry so a
// request bound right at the boundary never dispatches with a stale bearer.
const tokenSlack = 2 * time.Minute

// GCPChecker refreshes the cached OAuth access token for Vertex credentials.
// The secret is the service-account JSON key.
type GCPChecker struct {
	fetch func(ctx context.Context, saJSON []byte) (cloudauth.GCPToken, error)
}

// NewGCPChecker returns a checker. fetch is overridable for tests; nil means
// the real token exchange.
func NewGCPChecker(fetch func(context.Context, []byte) (cloudauth.GCPToken, error)) *GCPChecker {
	if fetch == nil {
		fetch = cloudauth.FetchGCPToken
	}
	return &GCPChecker{fetch: fetch}
}

// Service returns the service this checker probes.
func (c *GCPChecker) Service() proxy.Service { return proxy.ServiceGCP }

// CheckKey refreshes the access token when the cached one is near expiry.
// A rejected service account is treated as revoked.
func (c *GCPChecker) CheckKey(ctx context.Context, cred proxy.Credential) (Update, error) {
	meta := proxy.GCPMeta{}
	if cred.GCP != nil {
		meta = *cred.GCP
	}
	if time.Until(meta.TokenExpires) > tokenSlack {
		return Update{GCP: &meta}, nil
	}

	tok, err := c.fetch(ctx, []byte(cred.Secret))
	if err != nil {
		return Update{IsRevoked: boolPtr(true), DisabledReason: strPtr("revoked")}, nil
	}
	meta.AccessToken = tok.AccessToken
	meta.TokenExpires = tok.Expiry
	return Update{GCP: &meta}, nil
}
