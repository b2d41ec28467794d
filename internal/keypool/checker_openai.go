package keypool

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/registry"
)

const openaiBaseURL = "https://api.openai.com/v1"

// verificationGatedModel is streamed for 1 token to detect unverified
// organizations; unverified orgs are refused streaming on it and lose
// access to verification-gated families (image generation).
const verificationGatedModel = "o3"

// OpenAIChecker probes OpenAI keys via the models list and an organization
// verification check.
type OpenAIChecker struct {
	http    *http.Client
	baseURL string
}

// NewOpenAIChecker returns a checker using the given client. baseURL is
// overridable for tests; empty means the real API.
func NewOpenAIChecker(client *http.Client, baseURL string) *OpenAIChecker {
	if baseURL == "" {
		baseURL = openaiBaseURL
	}
	return &OpenAIChecker{http: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Service returns the service this checker probes.
func (c *OpenAIChecker) Service() proxy.Service { return proxy.ServiceOpenAI }

// CheckKey lists models to derive the key's families and probes org
// verification status. 401 means the key is revoked.
func (c *OpenAIChecker) CheckKey(ctx context.Context, cred proxy.Credential) (Update, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return Update{}, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return Update{}, err
	}
	body := readBody(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Update{IsRevoked: boolPtr(true), DisabledReason: strPtr("revoked")}, nil
	case resp.StatusCode != http.StatusOK:
		return Update{}, probeError(proxy.ServiceOpenAI, resp.StatusCode, body)
	}

	famSet := make(map[proxy.ModelFamily]struct{})
	gjson.GetBytes(body, "data.#.id").ForEach(func(_, id gjson.Result) bool {
		famSet[registry.Family(proxy.ServiceOpenAI, id.String())] = struct{}{}
		return true
	})

	if _, hasImage := famSet[proxy.FamilyGPTImage]; hasImage && !c.orgVerified(ctx, cred.Secret) {
		// Unverified orgs are served 400 on gpt-image-1; drop the family.
		delete(famSet, proxy.FamilyGPTImage)
	}

	families := make([]proxy.ModelFamily, 0, len(famSet))
	for f := range famSet {
		families = append(families, f)
	}
	return Update{ModelFamilies: families}, nil
}

// orgVerified attempts a 1-token stream of a verification-gated model.
// Unverified organizations get a 400 naming the verification requirement.
func (c *OpenAIChecker) orgVerified(ctx context.Context, secret string) bool {
	payload := strings.NewReader(`{"model":"` + verificationGatedModel +
		`","messages":[{"role":"user","content":"x"}],"max_completion_tokens":1,"stream":true}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", payload)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	body := readBody(resp)
	if resp.StatusCode == http.StatusOK {
		return true
	}
	return !strings.Contains(strings.ToLower(gjson.GetBytes(body, "error.message").String()), "verif")
}
