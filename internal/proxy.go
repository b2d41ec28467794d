// Package proxy defines domain types and interfaces for the Palantir LLM
// reverse proxy. This package has no project imports -- it is the dependency root.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// --- Services and model families ---

// Service identifies an upstream LLM provider wire target.
type Service string

const (
	ServiceOpenAI     Service = "openai"
	ServiceAnthropic  Service = "anthropic"
	ServiceAWS        Service = "aws"
	ServiceGCP        Service = "gcp"
	ServiceGoogle     Service = "google"
	ServiceMistral    Service = "mistral"
	ServiceOpenRouter Service = "openrouter"
	ServiceMoonshot   Service = "moonshot"
	ServiceQwen       Service = "qwen"
	ServiceGLM        Service = "glm"
)

// AllServices lists every supported service.
var AllServices = []Service{
	ServiceOpenAI, ServiceAnthropic, ServiceAWS, ServiceGCP, ServiceGoogle,
	ServiceMistral, ServiceOpenRouter, ServiceMoonshot, ServiceQwen, ServiceGLM,
}

// ModelFamily is a coarse partition of models by cost/capability tier.
// It is the unit of queueing, quota, and pricing.
type ModelFamily string

const (
	FamilyTurbo         ModelFamily = "turbo"
	FamilyGPT4          ModelFamily = "gpt4"
	FamilyGPT4Turbo     ModelFamily = "gpt4-turbo"
	FamilyGPT4o         ModelFamily = "gpt4o"
	FamilyGPT5          ModelFamily = "gpt5"
	FamilyO1            ModelFamily = "o1"
	FamilyDallE         ModelFamily = "dall-e"
	FamilyGPTImage      ModelFamily = "gpt-image"
	FamilyClaude        ModelFamily = "claude"
	FamilyClaudeOpus    ModelFamily = "claude-opus"
	FamilyAWSClaude     ModelFamily = "aws-claude"
	FamilyAWSClaudeOpus ModelFamily = "aws-claude-opus"
	FamilyAWSMistral    ModelFamily = "aws-mistral"
	FamilyGCPClaude     ModelFamily = "gcp-claude"
	FamilyGCPClaudeOpus ModelFamily = "gcp-claude-opus"
	FamilyGeminiFlash   ModelFamily = "gemini-flash"
	FamilyGeminiPro     ModelFamily = "gemini-pro"
	FamilyGeminiUltra   ModelFamily = "gemini-ultra"
	FamilyMistralTiny   ModelFamily = "mistral-tiny"
	FamilyMistralSmall  ModelFamily = "mistral-small"
	FamilyMistralMedium ModelFamily = "mistral-medium"
	FamilyMistralLarge  ModelFamily = "mistral-large"
	FamilyOpenRouter    ModelFamily = "openrouter"
	FamilyMoonshot      ModelFamily = "moonshot"
	FamilyQwen          ModelFamily = "qwen"
	FamilyGLM           ModelFamily = "glm"
)

// --- Wire formats ---

// APIFormat is a wire dialect spoken either by a client (inbound) or an
// upstream provider (outbound).
type APIFormat string

const (
	FormatOpenAI          APIFormat = "openai"
	FormatOpenAIResponses APIFormat = "openai-responses"
	FormatOpenAIImage     APIFormat = "openai-image"
	FormatOpenAIEmbed     APIFormat = "openai-embeddings"
	FormatAnthropicChat   APIFormat = "anthropic-chat"
	FormatAnthropicText   APIFormat = "anthropic-text"
	FormatGoogleAI        APIFormat = "google-ai"
	FormatMistralAI       APIFormat = "mistral-ai"
)

// --- Credentials ---

// TokenUsage is a per-family token counter triple. LegacyTotal holds counts
// migrated from deployments that tracked a single number; deltas never touch it.
type TokenUsage struct {
	Input       int64 `json:"input"`
	Output      int64 `json:"output"`
	LegacyTotal int64 `json:"legacy_total,omitempty"`
}

// Sum returns input + output + legacy, the value quota math operates on.
func (u TokenUsage) Sum() int64 {
	return max(u.Input, 0) + max(u.Output, 0) + max(u.LegacyTotal, 0)
}

// AWSMeta holds AWS-specific credential state.
type AWSMeta struct {
	Region              string   `json:"region"`
	LoggingEnabled      bool     `json:"logging_enabled"` // invocation logging on = do not use
	RuntimeAccess       bool     `json:"runtime_access"`  // key can reach the invoke plane
	ModelIDs            []string `json:"model_ids,omitempty"`
	InferenceProfileIDs []string `json:"inference_profile_ids,omitempty"`
}

// GCPMeta holds GCP-specific credential state, including the cached OAuth token.
type GCPMeta struct {
	Region       string    `json:"region"`
	ProjectID    string    `json:"project_id"`
	AccessToken  string    `json:"-"`
	TokenExpires time.Time `json:"-"`
}

// AnthropicMeta holds Anthropic-specific credential state.
type AnthropicMeta struct {
	Tier                 string `json:"tier,omitempty"`
	IsPozzed             bool   `json:"is_pozzed"` // key injects a safety preamble
	RequiresPreamble     bool   `json:"requires_preamble"`
	AllowsMultimodality  bool   `json:"allows_multimodality"`
}

// OpenRouterMeta holds OpenRouter-specific credential state.
type OpenRouterMeta struct {
	IsFreeTier     bool    `json:"is_free_tier"`
	AccountBalance float64 `json:"account_balance"`
	LimitRemaining float64 `json:"limit_remaining"`
	KeyLimit       float64 `json:"key_limit"`
}

// EffectiveBalance is the spend headroom of a paid OpenRouter key:
// min(accountBalance, limitRemaining), with limitRemaining<=0 meaning no cap.
func (m OpenRouterMeta) EffectiveBalance() float64 {
	if m.LimitRemaining <= 0 {
		return m.AccountBalance
	}
	return min(m.AccountBalance, m.LimitRemaining)
}

// GoogleMeta holds Google AI Studio credential state.
type GoogleMeta struct {
	OverQuotaFamilies []ModelFamily `json:"over_quota_families,omitempty"`
}

// Credential is an ownership of one upstream API key. The key pool owns every
// Credential for the process lifetime; Select returns copies by value so
// callers never observe mid-flight updates.
type Credential struct {
	Hash           string        `json:"hash"` // 8 hex chars of SHA-256(secret)
	Secret         string        `json:"-"`
	Service        Service       `json:"service"`
	ModelFamilies  []ModelFamily `json:"model_families"`
	IsDisabled     bool          `json:"is_disabled"`
	IsRevoked      bool          `json:"is_revoked"`
	DisabledReason string        `json:"disabled_reason,omitempty"`
	PromptCount    int64         `json:"prompt_count"`
	LastUsed       time.Time     `json:"last_used"`
	LastChecked    time.Time     `json:"last_checked"`
	RateLimitedAt    time.Time `json:"rate_limited_at"`
	RateLimitedUntil time.Time `json:"rate_limited_until"`

	TokenUsage map[ModelFamily]TokenUsage `json:"token_usage,omitempty"`

	// Provider-specific extensions; exactly one is non-nil per Service kind.
	AWS        *AWSMeta        `json:"aws,omitempty"`
	GCP        *GCPMeta        `json:"gcp,omitempty"`
	Anthropic  *AnthropicMeta  `json:"anthropic,omitempty"`
	OpenRouter *OpenRouterMeta `json:"openrouter,omitempty"`
	Google     *GoogleMeta     `json:"google,omitempty"`
}

// Clone returns a deep copy of the credential. Maps and slices are copied so
// the caller cannot reach pool-owned state.
func (c *Credential) Clone() Credential {
	out := *c
	if c.TokenUsage != nil {
		out.TokenUsage = make(map[ModelFamily]TokenUsage, len(c.TokenUsage))
		for k, v := range c.TokenUsage {
			out.TokenUsage[k] = v
		}
	}
	out.ModelFamilies = append([]ModelFamily(nil), c.ModelFamilies...)
	if c.AWS != nil {
		m := *c.AWS
		m.ModelIDs = append([]string(nil), c.AWS.ModelIDs...)
		m.InferenceProfileIDs = append([]string(nil), c.AWS.InferenceProfileIDs...)
		out.AWS = &m
	}
	if c.GCP != nil {
		m := *c.GCP
		out.GCP = &m
	}
	if c.Anthropic != nil {
		m := *c.Anthropic
		out.Anthropic = &m
	}
	if c.OpenRouter != nil {
		m := *c.OpenRouter
		out.OpenRouter = &m
	}
	if c.Google != nil {
		m := *c.Google
		m.OverQuotaFamilies = append([]ModelFamily(nil), c.Google.OverQuotaFamilies...)
		out.Google = &m
	}
	return out
}

// ServesFamily reports whether the credential is attached to family f.
func (c *Credential) ServesFamily(f ModelFamily) bool {
	for _, mf := range c.ModelFamilies {
		if mf == f {
			return true
		}
	}
	return false
}

// --- Users ---

// UserType partitions users by lifecycle.
type UserType string

const (
	UserNormal    UserType = "normal"
	UserTemporary UserType = "temporary"
	UserSpecial   UserType = "special" // bypasses quota and IP limits
)

// User is a token-addressed proxy user with per-family quota counters.
type User struct {
	Token          string                     `json:"token"`
	IPs            []string                   `json:"ip"`
	Type           UserType                   `json:"type"`
	PromptCount    int64                      `json:"prompt_count"`
	TokenCounts    map[ModelFamily]TokenUsage `json:"token_counts"`
	TokenLimits    map[ModelFamily]int64      `json:"token_limits"`  // 0 = unlimited
	TokenRefresh   map[ModelFamily]int64      `json:"token_refresh"` // per-cycle increment
	CreatedAt      time.Time                  `json:"created_at"`
	LastUsedAt     time.Time                  `json:"last_used_at"`
	DisabledAt     time.Time                  `json:"disabled_at"`
	ExpiresAt      time.Time                  `json:"expires_at"`
	MaxIPs         int                        `json:"max_ips"` // 0 = use global default
	DisabledReason string                     `json:"disabled_reason,omitempty"`
	Meta           map[string]string          `json:"meta,omitempty"`
}

// Disabled reports whether the user is currently disabled.
func (u *User) Disabled() bool { return !u.DisabledAt.IsZero() }

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	out := *u
	out.IPs = append([]string(nil), u.IPs...)
	out.TokenCounts = cloneUsageMap(u.TokenCounts)
	out.TokenLimits = cloneInt64Map(u.TokenLimits)
	out.TokenRefresh = cloneInt64Map(u.TokenRefresh)
	if u.Meta != nil {
		out.Meta = make(map[string]string, len(u.Meta))
		for k, v := range u.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

func cloneUsageMap(m map[ModelFamily]TokenUsage) map[ModelFamily]TokenUsage {
	if m == nil {
		return nil
	}
	out := make(map[ModelFamily]TokenUsage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneInt64Map(m map[ModelFamily]int64) map[ModelFamily]int64 {
	if m == nil {
		return nil
	}
	out := make(map[ModelFamily]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The User field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	User      *User
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// UserFromContext extracts the authenticated user from ctx, or nil.
func UserFromContext(ctx context.Context) *User {
	if m := metaFromContext(ctx); m != nil {
		return m.User
	}
	return nil
}

// ContextWithUser stores the user in the existing requestMeta if present,
// avoiding a new context.WithValue allocation.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.User = u
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{User: u})
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// KeyHash8 returns the first 8 hex chars of SHA-256(secret), the stable
// identifier used for credentials in logs and affinity records.
func KeyHash8(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])[:8]
}
