package response

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/tokencount"
)

// CredentialPool is the slice of the key pool the response chain drives.
type CredentialPool interface {
	MarkRateLimited(hash string)
	Disable(hash, reason string)
	IncrementUsage(hash string, family proxy.ModelFamily, input, output int64)
}

// UserAccounts records per-user token consumption.
type UserAccounts interface {
	IncrementTokenCount(token string, family proxy.ModelFamily, input, output int64)
}

// Exchange is one completed upstream round trip flowing through the chain.
// For streams, Body holds the synthetic aggregated response and RawUsage the
// provider's final usage object.
type Exchange struct {
	Service   proxy.Service
	Family    proxy.ModelFamily
	Model     string
	InFormat  proxy.APIFormat
	OutFormat proxy.APIFormat

	KeyHash   string
	UserToken string

	Streaming         bool
	PromptTransformed bool
	PromptTokens      int64
	UsedCache         bool
	Logged            bool

	Status   int
	Header   http.Header
	Body     []byte
	RawUsage []byte

	// Usage is filled by countResponseTokens and consumed by incrementUsage.
	Usage proxy.TokenUsage
}

// Handler runs the post-dispatch middleware chain: rate limit header
// tracking, error classification, token counting, usage accounting, and
// proxy info injection, in that order.
type Handler struct {
	pool  CredentialPool
	users UserAccounts
	log   *slog.Logger

	// OnBalanceRecheck fires every keypool.BalanceRecheckEvery successful
	// OpenRouter responses on a credential, so the checker can refresh its
	// remote balance.
	OnBalanceRecheck func(hash string)

	// OnFamilyOverQuota fires when upstream reports the model family
	// exhausted on this credential (Google per-family 429s).
	OnFamilyOverQuota func(hash string, family proxy.ModelFamily)

	recheck sync.Map // key hash -> *atomic.Int64
}

func NewHandler(pool CredentialPool, users UserAccounts, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{pool: pool, users: users, log: log}
}

// Finish runs the middleware chain over a completed exchange. A returned
// error means the response must not reach the client as-is: retryable
// errors unwind to the dispatch loop, the rest surface with ClientStatus.
func (h *Handler) Finish(x *Exchange) error {
	h.trackKeyRateLimit(x)
	if err := h.handleUpstreamErrors(x); err != nil {
		return err
	}
	h.countResponseTokens(x)
	h.incrementUsage(x)
	if !x.Streaming {
		h.injectProxyInfo(x)
	}
	return nil
}

// rateLimitHeaders are the per-provider remaining-budget headers worth
// surfacing in logs.
var rateLimitHeaders = []string{
	"x-ratelimit-remaining-requests",
	"x-ratelimit-remaining-tokens",
	"anthropic-ratelimit-requests-remaining",
	"anthropic-ratelimit-tokens-remaining",
}

func (h *Handler) trackKeyRateLimit(x *Exchange) {
	if x.Header == nil {
		return
	}
	attrs := []any{"service", x.Service, "key", x.KeyHash}
	found := false
	for _, name := range rateLimitHeaders {
		if v := x.Header.Get(name); v != "" {
			attrs = append(attrs, strings.ReplaceAll(name, "-", "_"), v)
			found = true
		}
	}
	if found {
		h.log.Debug("upstream rate limit budget", attrs...)
	}
}

// handleUpstreamErrors classifies a failed exchange exactly once and applies
// the credential-side consequence before reporting the error upward.
func (h *Handler) handleUpstreamErrors(x *Exchange) error {
	outcome := Classify(x.Service, x.Status, x.Body)
	if outcome == OutcomeOK {
		return nil
	}

	switch outcome {
	case OutcomeRateLimited:
		h.pool.MarkRateLimited(x.KeyHash)
	case OutcomeUnauthorized:
		h.pool.Disable(x.KeyHash, "revoked")
	case OutcomeCredentialOverQuota:
		h.pool.Disable(x.KeyHash, "quota")
	case OutcomeModelUnavailable:
		if h.OnFamilyOverQuota != nil {
			h.OnFamilyOverQuota(x.KeyHash, x.Family)
		}
	}

	err := &UpstreamError{
		Outcome: outcome,
		Status:  x.Status,
		Service: x.Service,
		Message: SanitizedMessage(x.Body),
	}
	h.log.Warn("upstream error",
		"service", x.Service, "key", x.KeyHash, "status", x.Status,
		"outcome", outcome.String(), "retryable", outcome.Retryable())
	return err
}

// countResponseTokens settles x.Usage: the provider's own report wins, the
// byte heuristic covers providers that omit usage.
func (h *Handler) countResponseTokens(x *Exchange) {
	if u, ok := ExtractUsage(x.OutFormat, x.Body); ok {
		x.Usage = u
	} else {
		x.Usage = proxy.TokenUsage{
			Input:  x.PromptTokens,
			Output: int64(tokencount.EstimateText(completionText(x.OutFormat, x.Body))),
		}
	}

	if promptCacheService(x.Service) && x.UsedCache {
		raw := x.RawUsage
		if raw == nil {
			raw = []byte(gjson.GetBytes(x.Body, "usage").Raw)
		}
		keypool.VerifyCacheMetrics(x.Service, x.KeyHash, raw)
	}
}

// promptCacheService reports whether the service is a Claude transport whose
// responses carry prompt-cache usage fields worth sanity checking.
func promptCacheService(service proxy.Service) bool {
	switch service {
	case proxy.ServiceAnthropic, proxy.ServiceAWS, proxy.ServiceGCP:
		return true
	}
	return false
}

func (h *Handler) incrementUsage(x *Exchange) {
	h.pool.IncrementUsage(x.KeyHash, x.Family, x.Usage.Input, x.Usage.Output)
	if x.UserToken != "" {
		h.users.IncrementTokenCount(x.UserToken, x.Family, x.Usage.Input, x.Usage.Output)
	}

	if x.Service == proxy.ServiceOpenRouter && h.OnBalanceRecheck != nil {
		c, _ := h.recheck.LoadOrStore(x.KeyHash, new(atomic.Int64))
		if n := c.(*atomic.Int64).Add(1); n%keypool.BalanceRecheckEvery == 0 {
			h.OnBalanceRecheck(x.KeyHash)
		}
	}
}

// injectProxyInfo appends the proxy object to a blocking response body.
// Streamed responses are forwarded verbatim and never carry it.
func (h *Handler) injectProxyInfo(x *Exchange) {
	body, err := sjson.SetBytes(x.Body, "proxy", map[string]any{
		"logged":             x.Logged,
		"tokens":             x.Usage.Input + x.Usage.Output,
		"service":            x.Service,
		"in_api":             x.InFormat,
		"out_api":            x.OutFormat,
		"prompt_transformed": x.PromptTransformed,
	})
	if err != nil {
		return
	}
	x.Body = body
}

// moonshotExhaustedNote is attached when every Moonshot retry failed.
const moonshotExhaustedNote = "Too many requests to the Moonshot API. Please try again later."

// Note returns the operator note to attach to a surfaced error, if any.
func Note(service proxy.Service, outcome Outcome) string {
	if service == proxy.ServiceMoonshot && outcome == OutcomeRateLimited {
		return moonshotExhaustedNote
	}
	return ""
}

// AttachNote sets proxy_note on an error body sent to the client.
func AttachNote(body []byte, note string) []byte {
	if note == "" {
		return body
	}
	out, err := sjson.SetBytes(body, "proxy_note", note)
	if err != nil {
		return body
	}
	return out
}

// headerBlacklist lists hop-by-hop and identifying headers never relayed.
var headerBlacklist = map[string]struct{}{
	"Content-Encoding":    {},
	"Transfer-Encoding":   {},
	"Set-Cookie":          {},
	"Openai-Organization": {},
	"X-Request-Id":        {},
	"Cf-Ray":              {},
}

// CopyHeaders relays upstream response headers to the client, minus the
// blacklist. The body is re-encoded by the proxy, so encoding headers from
// upstream would be wrong anyway.
func CopyHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, skip := headerBlacklist[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
