package keypool

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	// probeModel is the cheapest chat model, used for throwaway completions.
	anthropicProbeModel = "claude-3-5-haiku-20241022"
)

// pozzedMarkers appear in completions from keys that inject a safety
// preamble ahead of the conversation.
var pozzedMarkers = []string{"ethically", "i cannot assist", "i apologize, but"}

// AnthropicChecker probes Anthropic keys with a throwaway completion and a
// prompt-cache sanity check.
type AnthropicChecker struct {
	http    *http.Client
	baseURL string
}

// NewAnthropicChecker returns a checker using the given client.
func NewAnthropicChecker(client *http.Client, baseURL string) *AnthropicChecker {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &AnthropicChecker{http: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Service returns the service this checker probes.
func (c *AnthropicChecker) Service() proxy.Service { return proxy.ServiceAnthropic }

// CheckKey issues a tiny completion to validate the key, detect the rate
// tier from response headers, and spot preamble-injecting ("pozzed") keys.
func (c *AnthropicChecker) CheckKey(ctx context.Context, cred proxy.Credential) (Update, error) {
	body := `{"model":"` + anthropicProbeModel + `","max_tokens":16,` +
		`"messages":[{"role":"user","content":"Reply with the single word OK."}]}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", strings.NewReader(body))
	if err != nil {
		return Update{}, err
	}
	req.Header.Set("x-api-key", cred.Secret)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Update{}, err
	}
	respBody := readBody(resp)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Update{IsRevoked: boolPtr(true), DisabledReason: strPtr("revoked")}, nil
	case http.StatusOK:
	default:
		if gjson.GetBytes(respBody, "error.type").String() == "billing_error" {
			return Update{IsDisabled: boolPtr(true), DisabledReason: strPtr("quota")}, nil
		}
		return Update{}, probeError(proxy.ServiceAnthropic, resp.StatusCode, respBody)
	}

	meta := proxy.AnthropicMeta{AllowsMultimodality: true}
	if cred.Anthropic != nil {
		meta = *cred.Anthropic
	}
	meta.Tier = tierFromLimit(resp.Header.Get("anthropic-ratelimit-requests-limit"))

	completion := strings.ToLower(gjson.GetBytes(respBody, "content.0.text").String())
	meta.IsPozzed = false
	for _, marker := range pozzedMarkers {
		if strings.Contains(completion, marker) {
			meta.IsPozzed = true
			meta.RequiresPreamble = true
			break
		}
	}

	return Update{Anthropic: &meta}, nil
}

// VerifyCacheMetrics is the prompt-cache sanity check shared by the
// Anthropic, AWS, and GCP families: a request that used cache_control but
// reports zero cache read/creation tokens gets an error log, not a failure.
func VerifyCacheMetrics(service proxy.Service, hash string, usage []byte) {
	read := gjson.GetBytes(usage, "cache_read_input_tokens").Int()
	created := gjson.GetBytes(usage, "cache_creation_input_tokens").Int()
	if read == 0 && created == 0 {
		slog.Error("cached request returned no cache hit metrics",
			"service", service, "hash", hash)
	}
}

// tierFromLimit maps the requests-per-minute header to a coarse tier name.
func tierFromLimit(limit string) string {
	switch limit {
	case "", "5", "50":
		return "free"
	case "1000":
		return "build_1"
	case "2000":
		return "build_2"
	case "4000":
		return "build_3"
	default:
		return "scale"
	}
}
