// Package keypool owns the upstream credential pool: selection with
// prompt-cache affinity, rate-limit lockouts, health-check driven updates,
// and per-family usage counters.
package keypool

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/affinity"
	"github.com/eugener/palantir/internal/registry"
)

const (
	// KeyReuseDelay is the short lockout applied on every Select so a burst
	// of dequeues does not all land on the same credential before any
	// response comes back.
	KeyReuseDelay = 250 * time.Millisecond

	// DefaultRateLimitLockout applies after an upstream 429 unless the
	// service overrides it.
	DefaultRateLimitLockout = 2 * time.Second
)

// rateLimitLockouts holds per-service 429 lockout overrides.
var rateLimitLockouts = map[proxy.Service]time.Duration{
	proxy.ServiceAnthropic: 5 * time.Second,
	proxy.ServiceMistral:   3 * time.Second,
}

// RateLimitLockout returns the 429 lockout duration for a service.
func RateLimitLockout(service proxy.Service) time.Duration {
	if d, ok := rateLimitLockouts[service]; ok {
		return d
	}
	return DefaultRateLimitLockout
}

// Update is a partial credential patch applied by health checkers.
// Nil fields are left untouched.
type Update struct {
	IsDisabled        *bool
	IsRevoked         *bool
	DisabledReason    *string
	ModelFamilies     []proxy.ModelFamily
	LastChecked       *time.Time
	AWS               *proxy.AWSMeta
	GCP               *proxy.GCPMeta
	Anthropic         *proxy.AnthropicMeta
	OpenRouter        *proxy.OpenRouterMeta
	OverQuotaFamilies []proxy.ModelFamily // Google per-family over-quota
}

// Pool owns all upstream credentials. All exported methods are atomic with
// respect to each other; Select returns by-value snapshots so callers never
// observe mid-flight updates.
type Pool struct {
	mu       sync.Mutex
	creds    []*proxy.Credential
	affinity *affinity.Router
	now      func() time.Time

	// onStateChange is invoked (outside the lock) whenever credential
	// availability may have improved; the queue scheduler listens on it.
	onStateChange func()
}

// New creates a Pool over the given credentials. Secrets are hashed on the
// way in; duplicate secrets are dropped.
func New(aff *affinity.Router, creds ...proxy.Credential) *Pool {
	p := &Pool{affinity: aff, now: time.Now}
	seen := make(map[string]struct{})
	for _, c := range creds {
		c.Hash = proxy.KeyHash8(c.Secret)
		if _, dup := seen[c.Hash]; dup {
			slog.Warn("duplicate credential dropped", "service", c.Service, "hash", c.Hash)
			continue
		}
		seen[c.Hash] = struct{}{}
		if c.TokenUsage == nil {
			c.TokenUsage = make(map[proxy.ModelFamily]proxy.TokenUsage)
		}
		cc := c
		p.creds = append(p.creds, &cc)
	}
	return p
}

// OnStateChange registers a callback fired after updates that may unblock
// waiting requests (lockout expiry is time-driven and not signalled).
func (p *Pool) OnStateChange(fn func()) { p.onStateChange = fn }

func (p *Pool) notify() {
	if p.onStateChange != nil {
		p.onStateChange()
	}
}

// Select chooses a usable credential for the model on the given service.
// fingerprint, when non-empty, requests prompt-cache affinity routing.
//
// Policy, in decreasing priority: cache affinity, provider-specific boosts
// (AWS inference profiles, OpenRouter paid/free balance ordering), least
// recently used, then random among ties. Returns ErrNoKeyAvailable when no
// candidate serves the family at all.
func (p *Pool) Select(service proxy.Service, model, fingerprint string) (proxy.Credential, error) {
	family := registry.Family(service, model)
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.candidatesLocked(service, family, model)
	if len(candidates) == 0 {
		return proxy.Credential{}, fmt.Errorf("%w: %s/%s", proxy.ErrNoKeyAvailable, service, family)
	}

	// Prefer unlocked candidates; when every key is locked out the queue
	// should not have dispatched, but selection still has to answer.
	unlocked := candidates[:0:0]
	for _, c := range candidates {
		if !now.Before(c.RateLimitedUntil) {
			unlocked = append(unlocked, c)
		}
	}
	if len(unlocked) > 0 {
		candidates = unlocked
	}

	chosen := p.pickLocked(candidates, service, model, fingerprint, now)

	chosen.LastUsed = now
	chosen.PromptCount++
	// Reuse throttle: push the lockout forward so the next Select in this
	// burst lands elsewhere.
	until := now.Add(KeyReuseDelay)
	if until.After(chosen.RateLimitedUntil) {
		if chosen.RateLimitedAt.IsZero() || chosen.RateLimitedUntil.Before(now) {
			chosen.RateLimitedAt = now
		}
		chosen.RateLimitedUntil = until
	}

	return chosen.Clone(), nil
}

// pickLocked applies the selection policy to a non-empty candidate list.
func (p *Pool) pickLocked(candidates []*proxy.Credential, service proxy.Service, model, fingerprint string, now time.Time) *proxy.Credential {
	// 1. Cache affinity.
	if fingerprint != "" && p.affinity != nil {
		if hash, ok := p.affinity.PreferredCredential(fingerprint); ok {
			for _, c := range candidates {
				if c.Hash == hash {
					return c
				}
			}
		}
	}

	// 2. Provider boosts.
	switch service {
	case proxy.ServiceAWS:
		var boosted []*proxy.Credential
		for _, c := range candidates {
			if c.AWS != nil && containsModel(c.AWS.InferenceProfileIDs, model) {
				boosted = append(boosted, c)
			}
		}
		if len(boosted) > 0 {
			candidates = boosted
		}
	case proxy.ServiceOpenRouter:
		candidates = orderOpenRouter(candidates, model)
	}

	// 3. Least recently used, random among ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastUsed.Before(candidates[j].LastUsed)
	})
	oldest := candidates[0].LastUsed
	tie := 1
	for tie < len(candidates) && candidates[tie].LastUsed.Equal(oldest) {
		tie++
	}
	return candidates[rand.IntN(tie)]
}

// candidatesLocked filters to credentials able to serve (service, family, model).
func (p *Pool) candidatesLocked(service proxy.Service, family proxy.ModelFamily, model string) []*proxy.Credential {
	var out []*proxy.Credential
	for _, c := range p.creds {
		if c.Service != service || c.IsDisabled || c.IsRevoked || !c.ServesFamily(family) {
			continue
		}
		if !serviceCapable(c, family, model) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// serviceCapable applies per-provider capability checks.
func serviceCapable(c *proxy.Credential, family proxy.ModelFamily, model string) bool {
	switch c.Service {
	case proxy.ServiceAWS:
		// Keys with invocation logging enabled must never serve traffic.
		if c.AWS != nil && c.AWS.LoggingEnabled {
			return false
		}
		if c.AWS != nil && len(c.AWS.ModelIDs) > 0 &&
			!containsModel(c.AWS.ModelIDs, model) && !containsModel(c.AWS.InferenceProfileIDs, model) {
			return false
		}
	case proxy.ServiceGoogle:
		if c.Google != nil {
			for _, f := range c.Google.OverQuotaFamilies {
				if f == family {
					return false
				}
			}
		}
	}
	return true
}

// orderOpenRouter prefers paid keys (descending effective balance) for paid
// models and free-tier keys for ":free" models, falling back across tiers.
func orderOpenRouter(candidates []*proxy.Credential, model string) []*proxy.Credential {
	wantFree := strings.HasSuffix(model, ":free")
	var primary, fallback []*proxy.Credential
	for _, c := range candidates {
		free := c.OpenRouter != nil && c.OpenRouter.IsFreeTier
		if free == wantFree {
			primary = append(primary, c)
		} else {
			fallback = append(fallback, c)
		}
	}
	sort.SliceStable(primary, func(i, j int) bool {
		return effectiveBalance(primary[i]) > effectiveBalance(primary[j])
	})
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

func effectiveBalance(c *proxy.Credential) float64 {
	if c.OpenRouter == nil {
		return 0
	}
	return c.OpenRouter.EffectiveBalance()
}

func containsModel(ids []string, model string) bool {
	for _, id := range ids {
		if id == model || strings.HasSuffix(id, model) || strings.HasSuffix(model, id) {
			return true
		}
	}
	return false
}

// MarkRateLimited records an upstream 429 on the credential, locking it out
// for the service's lockout window.
func (p *Pool) MarkRateLimited(hash string) {
	now := p.now()
	p.mu.Lock()
	if c := p.byHashLocked(hash); c != nil {
		c.RateLimitedAt = now
		c.RateLimitedUntil = now.Add(RateLimitLockout(c.Service))
	}
	p.mu.Unlock()
}

// LockoutRemaining returns how long until some credential serving the family
// becomes selectable. Zero means a candidate is available now; a negative
// result never occurs. When no candidate exists at all it returns zero --
// Select will fail fast with ErrNoKeyAvailable.
func (p *Pool) LockoutRemaining(service proxy.Service, family proxy.ModelFamily) time.Duration {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	found := false
	var minRemaining time.Duration
	for _, c := range p.creds {
		if c.Service != service || c.IsDisabled || c.IsRevoked || !c.ServesFamily(family) {
			continue
		}
		remaining := c.RateLimitedUntil.Sub(now)
		if remaining <= 0 {
			return 0
		}
		if !found || remaining < minRemaining {
			found = true
			minRemaining = remaining
		}
	}
	if !found {
		return 0
	}
	return minRemaining
}

// Disable marks a credential unusable (revoked keys additionally set
// IsRevoked so health checks stop probing them).
func (p *Pool) Disable(hash, reason string) {
	p.mu.Lock()
	if c := p.byHashLocked(hash); c != nil && !c.IsDisabled {
		c.IsDisabled = true
		c.DisabledReason = reason
		if reason == "revoked" {
			c.IsRevoked = true
		}
		slog.Warn("credential disabled", "hash", hash, "service", c.Service, "reason", reason)
	}
	p.mu.Unlock()
}

// ApplyUpdate applies a health-check patch to a credential.
func (p *Pool) ApplyUpdate(hash string, u Update) {
	p.mu.Lock()
	c := p.byHashLocked(hash)
	if c == nil {
		p.mu.Unlock()
		return
	}
	if u.IsDisabled != nil {
		c.IsDisabled = *u.IsDisabled
	}
	if u.IsRevoked != nil {
		c.IsRevoked = *u.IsRevoked
		if c.IsRevoked {
			c.IsDisabled = true
		}
	}
	if u.DisabledReason != nil {
		c.DisabledReason = *u.DisabledReason
	}
	if u.ModelFamilies != nil {
		c.ModelFamilies = u.ModelFamilies
	}
	if u.LastChecked != nil {
		c.LastChecked = *u.LastChecked
	}
	if u.AWS != nil {
		c.AWS = u.AWS
	}
	if u.GCP != nil {
		c.GCP = u.GCP
	}
	if u.Anthropic != nil {
		c.Anthropic = u.Anthropic
	}
	if u.OpenRouter != nil {
		c.OpenRouter = u.OpenRouter
	}
	if u.OverQuotaFamilies != nil {
		if c.Google == nil {
			c.Google = &proxy.GoogleMeta{}
		}
		c.Google.OverQuotaFamilies = u.OverQuotaFamilies
	}
	p.mu.Unlock()
	p.notify()
}

// IncrementUsage adds a usage delta to a credential's per-family counters.
// Counters saturate at zero on the way down and never go negative.
func (p *Pool) IncrementUsage(hash string, family proxy.ModelFamily, input, output int64) {
	p.mu.Lock()
	if c := p.byHashLocked(hash); c != nil {
		u := c.TokenUsage[family]
		u.Input = max(u.Input+input, 0)
		u.Output = max(u.Output+output, 0)
		c.TokenUsage[family] = u
	}
	p.mu.Unlock()
}

// Get returns a snapshot of the credential with the given hash.
func (p *Pool) Get(hash string) (proxy.Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.byHashLocked(hash); c != nil {
		return c.Clone(), true
	}
	return proxy.Credential{}, false
}

// Snapshot returns clones of every credential for a service (all services
// when service is empty). Used by health checkers and the admin surface.
func (p *Pool) Snapshot(service proxy.Service) []proxy.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []proxy.Credential
	for _, c := range p.creds {
		if service == "" || c.Service == service {
			out = append(out, c.Clone())
		}
	}
	return out
}

// RecordCacheUsage forwards a fingerprint ownership record to the affinity
// router, if one is attached.
func (p *Pool) RecordCacheUsage(fps []string, hash string, ttl time.Duration) {
	if p.affinity != nil {
		p.affinity.RecordCacheUsage(fps, hash, ttl)
	}
}

func (p *Pool) byHashLocked(hash string) *proxy.Credential {
	for _, c := range p.creds {
		if c.Hash == hash {
			return c
		}
	}
	return nil
}
