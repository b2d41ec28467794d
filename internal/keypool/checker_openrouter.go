package keypool

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

const openrouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterChecker probes key info for tier, limits, and account balance.
// Paid keys also get a balance recheck scheduled by the response handler
// every balanceRecheckEvery requests.
type OpenRouterChecker struct {
	http    *http.Client
	baseURL string
}

// BalanceRecheckEvery is how many billed requests pass between forced
// balance refreshes on paid OpenRouter keys.
const BalanceRecheckEvery = 50

// NewOpenRouterChecker returns a checker using the given client.
func NewOpenRouterChecker(client *http.Client, baseURL string) *OpenRouterChecker {
	if baseURL == "" {
		baseURL = openrouterBaseURL
	}
	return &OpenRouterChecker{http: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Service returns the service this checker probes.
func (c *OpenRouterChecker) Service() proxy.Service { return proxy.ServiceOpenRouter }

// CheckKey fetches /auth/key and /credits to refresh tier and balance.
func (c *OpenRouterChecker) CheckKey(ctx context.Context, cred proxy.Credential) (Update, error) {
	keyInfo, status, err := c.getJSON(ctx, cred.Secret, "/auth/key")
	if err != nil {
		return Update{}, err
	}
	if status == http.StatusUnauthorized {
		return Update{IsRevoked: boolPtr(true), DisabledReason: strPtr("revoked")}, nil
	}
	if status != http.StatusOK {
		return Update{}, probeError(proxy.ServiceOpenRouter, status, keyInfo)
	}

	meta := proxy.OpenRouterMeta{
		IsFreeTier: gjson.GetBytes(keyInfo, "data.is_free_tier").Bool(),
		KeyLimit:   gjson.GetBytes(keyInfo, "data.limit").Float(),
	}
	if usage := gjson.GetBytes(keyInfo, "data.usage").Float(); meta.KeyLimit > 0 {
		meta.LimitRemaining = meta.KeyLimit - usage
	}

	if credits, status, err := c.getJSON(ctx, cred.Secret, "/credits"); err == nil && status == http.StatusOK {
		total := gjson.GetBytes(credits, "data.total_credits").Float()
		used := gjson.GetBytes(credits, "data.total_usage").Float()
		meta.AccountBalance = total - used
	}

	if !meta.IsFreeTier && meta.EffectiveBalance() <= 0 {
		return Update{IsDisabled: boolPtr(true), DisabledReason: strPtr("quota"), OpenRouter: &meta}, nil
	}
	return Update{OpenRouter: &meta}, nil
}

func (c *OpenRouterChecker) getJSON(ctx context.Context, secret, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	return readBody(resp), resp.StatusCode, nil
}
