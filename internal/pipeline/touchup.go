package pipeline

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/registry"
)

// Anthropic beta feature flags composed into the anthropic-beta header.
const (
	betaMaxTokens35      = "max-tokens-3-5-sonnet-2024-07-15"
	betaExtendedCacheTTL = "extended-cache-ttl-2025-04-11"
	betaContext1M        = "context-1m-2025-08-07"
)

// webSearchTool is the server-side tool identifier injected when a client
// asks for web search on a supporting Claude model.
const webSearchTool = "web_search_20250305"

// touchUp applies provider-specific request fixes after the outbound
// transform and before token counting. Mutations here are pre-admission and
// permanent for the request's lifetime, so they bypass the change manager.
func (p *Pipeline) touchUp(rc *RequestContext) error {
	switch rc.Service {
	case proxy.ServiceAnthropic, proxy.ServiceAWS, proxy.ServiceGCP:
		return p.touchUpAnthropic(rc)
	case proxy.ServiceOpenAI:
		return p.touchUpOpenAI(rc)
	case proxy.ServiceMistral:
		return p.touchUpMistral(rc)
	}
	return nil
}

func (p *Pipeline) touchUpAnthropic(rc *RequestContext) error {
	r := gjson.ParseBytes(rc.Body)

	// Claude 4.1 rejects requests that pin both samplers.
	if strings.Contains(rc.Model, "opus-4-1") &&
		r.Get("temperature").Exists() && r.Get("top_p").Exists() {
		return fmt.Errorf("%w: model %s accepts temperature or top_p, not both", proxy.ErrBadRequest, rc.Model)
	}

	var betas []string
	if h := rc.Header.Get("anthropic-beta"); h != "" {
		betas = strings.Split(h, ",")
		for i := range betas {
			betas[i] = strings.TrimSpace(betas[i])
		}
	}

	// Claude 3.5 Sonnet needs a beta flag to exceed 4096 output tokens; the
	// legacy text API spells the field differently.
	maxTokens := r.Get("max_tokens").Int()
	if mts := r.Get("max_tokens_to_sample").Int(); mts > maxTokens {
		maxTokens = mts
	}
	if maxTokens > 4096 && strings.Contains(rc.Model, "claude-3-5-sonnet") {
		betas = appendBeta(betas, betaMaxTokens35)
	}

	if hasCacheTTL(r, "1h") {
		betas = appendBeta(betas, betaExtendedCacheTTL)
	}

	// Clients opt into the 1M context window via the beta header on models
	// that support it; anything else gets the flag stripped.
	if containsBeta(betas, betaContext1M) && !strings.Contains(rc.Model, "sonnet-4") {
		betas = removeBeta(betas, betaContext1M)
	}

	if len(betas) > 0 {
		rc.Header.Set("anthropic-beta", strings.Join(betas, ","))
	}

	// web_search is a proxy-level switch expanded into the provider tool.
	if r.Get("web_search").Bool() {
		body, err := sjson.DeleteBytes(rc.Body, "web_search")
		if err != nil {
			return err
		}
		if supportsWebSearch(rc.Model) {
			body, err = sjson.SetBytes(body, "tools.-1", map[string]any{
				"type": webSearchTool,
				"name": "web_search",
			})
			if err != nil {
				return err
			}
		}
		rc.Body = body
	}

	if hasCacheControl(r) {
		rc.UsedCache = true
	}
	return nil
}

// mustNotStream lists OpenAI models whose API rejects stream:true; the
// Responses "pro" tier only runs in background mode.
var mustNotStream = []string{"o3-pro", "o1-pro"}

// mustStream lists models whose long-running completions require streaming.
var mustStream = []string{"gpt-5-pro"}

func (p *Pipeline) touchUpOpenAI(rc *RequestContext) error {
	stream := gjson.GetBytes(rc.Body, "stream").Bool()
	for _, m := range mustNotStream {
		if strings.Contains(rc.Model, m) && stream {
			return fmt.Errorf("%w: model %s does not support streaming", proxy.ErrBadRequest, rc.Model)
		}
	}
	for _, m := range mustStream {
		if strings.Contains(rc.Model, m) && !stream {
			return fmt.Errorf("%w: model %s requires stream:true", proxy.ErrBadRequest, rc.Model)
		}
	}
	return nil
}

func (p *Pipeline) touchUpMistral(rc *RequestContext) error {
	// Assistant-prefix continuation is only honored by models that support
	// it; elsewhere the flag is dropped and the turn stays a plain message.
	msgs := gjson.GetBytes(rc.Body, "messages").Array()
	if len(msgs) == 0 {
		return nil
	}
	last := len(msgs) - 1
	if !msgs[last].Get("prefix").Bool() {
		return nil
	}
	if !supportsPrefix(rc.Model) {
		body, err := sjson.DeleteBytes(rc.Body, fmt.Sprintf("messages.%d.prefix", last))
		if err != nil {
			return err
		}
		rc.Body = body
	}
	return nil
}

func supportsWebSearch(model string) bool {
	return strings.Contains(model, "sonnet-4") || strings.Contains(model, "opus-4") ||
		strings.Contains(model, "claude-3-7") || strings.Contains(model, "haiku-4")
}

func supportsPrefix(model string) bool {
	return strings.Contains(model, "codestral") || strings.Contains(model, "mistral-large") ||
		strings.Contains(model, "mistral-small")
}

func appendBeta(betas []string, flag string) []string {
	if containsBeta(betas, flag) {
		return betas
	}
	return append(betas, flag)
}

func containsBeta(betas []string, flag string) bool {
	for _, b := range betas {
		if b == flag {
			return true
		}
	}
	return false
}

func removeBeta(betas []string, flag string) []string {
	out := betas[:0]
	for _, b := range betas {
		if b != flag {
			out = append(out, b)
		}
	}
	return out
}

// hasCacheControl reports whether any message or system block declares a
// cache breakpoint.
func hasCacheControl(r gjson.Result) bool {
	found := false
	var walk func(v gjson.Result)
	walk = func(v gjson.Result) {
		if found {
			return
		}
		if v.Get("cache_control").Exists() {
			found = true
			return
		}
		v.ForEach(func(_, child gjson.Result) bool {
			if child.IsObject() || child.IsArray() {
				walk(child)
			}
			return !found
		})
	}
	walk(r)
	return found
}

// hasCacheTTL reports whether any cache_control block declares the given ttl.
func hasCacheTTL(r gjson.Result, ttl string) bool {
	found := false
	var walk func(v gjson.Result)
	walk = func(v gjson.Result) {
		if found {
			return
		}
		if cc := v.Get("cache_control"); cc.Exists() && cc.Get("ttl").String() == ttl {
			found = true
			return
		}
		v.ForEach(func(_, child gjson.Result) bool {
			if child.IsObject() || child.IsArray() {
				walk(child)
			}
			return !found
		})
	}
	walk(r)
	return found
}

// checkStreamingEligibility rejects stream requests to families that cannot
// stream before the request is ever queued.
func checkStreamingEligibility(rc *RequestContext) error {
	if !rc.Streaming {
		return nil
	}
	if registry.IsImageFamily(rc.Family) ||
		rc.OutFormat == proxy.FormatOpenAIEmbed || rc.OutFormat == proxy.FormatOpenAIImage {
		return fmt.Errorf("%w: %s", proxy.ErrStreamingRefused, rc.Model)
	}
	return nil
}

// claimedOutputTokens reads the client's output budget from whichever field
// the outbound dialect uses. Zero means the client left it to the provider.
func claimedOutputTokens(format proxy.APIFormat, body []byte) int64 {
	r := gjson.ParseBytes(body)
	switch format {
	case proxy.FormatAnthropicText:
		return r.Get("max_tokens_to_sample").Int()
	case proxy.FormatGoogleAI:
		return r.Get("generationConfig.maxOutputTokens").Int()
	case proxy.FormatOpenAIResponses:
		if v := r.Get("max_output_tokens"); v.Exists() {
			return v.Int()
		}
		return r.Get("max_tokens").Int()
	default:
		return r.Get("max_tokens").Int()
	}
}
