package keypool

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/registry"
)

const googleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleChecker probes AI Studio keys via the models list.
type GoogleChecker struct {
	http    *http.Client
	baseURL string
}

// NewGoogleChecker returns a checker using the given client.
func NewGoogleChecker(client *http.Client, baseURL string) *GoogleChecker {
	if baseURL == "" {
		baseURL = googleBaseURL
	}
	return &GoogleChecker{http: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Service returns the service this checker probes.
func (c *GoogleChecker) Service() proxy.Service { return proxy.ServiceGoogle }

// CheckKey lists models to validate the key and derive its families.
// Per-family over-quota state is cleared here; it is re-marked by the error
// classifier when a family 429s with a quota failure.
func (c *GoogleChecker) CheckKey(ctx context.Context, cred proxy.Credential) (Update, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return Update{}, err
	}
	req.Header.Set("x-goog-api-key", cred.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return Update{}, err
	}
	body := readBody(resp)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Update{IsRevoked: boolPtr(true), DisabledReason: strPtr("revoked")}, nil
	case http.StatusOK:
	default:
		return Update{}, probeError(proxy.ServiceGoogle, resp.StatusCode, body)
	}

	famSet := make(map[proxy.ModelFamily]struct{})
	gjson.GetBytes(body, "models.#.name").ForEach(func(_, name gjson.Result) bool {
		id := strings.TrimPrefix(name.String(), "models/")
		famSet[registry.Family(proxy.ServiceGoogle, id)] = struct{}{}
		return true
	})
	families := make([]proxy.ModelFamily, 0, len(famSet))
	for f := range famSet {
		families = append(families, f)
	}

	return Update{ModelFamilies: families, OverQuotaFamilies: []proxy.ModelFamily{}}, nil
}
