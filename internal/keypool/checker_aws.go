package keypool

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cloudauth"
)

// AWSChecker validates Bedrock credentials: SigV4 signing works, invocation
// logging is off, and the account's Claude model/inference-profile IDs are
// captured for selection boosts.
type AWSChecker struct {
	http *http.Client
	// hostOverride replaces the regional control-plane host in tests.
	hostOverride string
}

// NewAWSChecker returns a checker using the given client.
func NewAWSChecker(client *http.Client) *AWSChecker {
	return &AWSChecker{http: client}
}

// Service returns the service this checker probes.
func (c *AWSChecker) Service() proxy.Service { return proxy.ServiceAWS }

// CheckKey probes the Bedrock control plane. A key whose account has model
// invocation logging enabled is flagged so Select never returns it.
func (c *AWSChecker) CheckKey(ctx context.Context, cred proxy.Credential) (Update, error) {
	secret, err := cloudauth.ParseAWSSecret(cred.Secret)
	if err != nil {
		return Update{IsDisabled: boolPtr(true), DisabledReason: strPtr("malformed secret")}, nil
	}

	meta := proxy.AWSMeta{Region: secret.Region}
	if cred.AWS != nil {
		meta = *cred.AWS
		meta.Region = secret.Region
	}

	logging, err := c.getJSON(ctx, secret, "/logging/modelinvocations")
	if err != nil {
		return Update{}, err
	}
	cfg := gjson.GetBytes(logging, "loggingConfig")
	meta.LoggingEnabled = cfg.Exists() && cfg.Type != gjson.Null

	models, err := c.getJSON(ctx, secret, "/foundation-models?byProvider=anthropic")
	if err != nil {
		return Update{}, err
	}
	meta.ModelIDs = meta.ModelIDs[:0]
	gjson.GetBytes(models, "modelSummaries.#.modelId").ForEach(func(_, id gjson.Result) bool {
		meta.ModelIDs = append(meta.ModelIDs, id.String())
		return true
	})

	profiles, err := c.getJSON(ctx, secret, "/inference-profiles")
	if err == nil {
		meta.InferenceProfileIDs = meta.InferenceProfileIDs[:0]
		gjson.GetBytes(profiles, "inferenceProfileSummaries.#.inferenceProfileId").ForEach(func(_, id gjson.Result) bool {
			meta.InferenceProfileIDs = append(meta.InferenceProfileIDs, id.String())
			return true
		})
	}

	// Runtime-plane access check: CountTokens is free and fails fast when the
	// key can list models but not invoke them.
	meta.RuntimeAccess = false
	if len(meta.ModelIDs) > 0 {
		probe := []byte(`{"anthropic_version":"bedrock-2023-05-31","messages":[{"role":"user","content":"ping"}]}`)
		if _, err := c.CountTokens(ctx, secret, meta.ModelIDs[0], probe); err == nil {
			meta.RuntimeAccess = true
		}
	}

	return Update{AWS: &meta}, nil
}

// CountTokens asks the Bedrock runtime for the authoritative input token
// count of an Anthropic-format request body.
func (c *AWSChecker) CountTokens(ctx context.Context, secret cloudauth.AWSSecret, modelID string, body []byte) (int, error) {
	payload, err := sjson.SetBytes([]byte(`{"input":{"invokeModel":{}}}`), "input.invokeModel.body", string(body))
	if err != nil {
		return 0, err
	}

	host := "bedrock-runtime." + secret.Region + ".amazonaws.com"
	if c.hostOverride != "" {
		host = c.hostOverride
	}
	target := "https://" + host + "/model/" + url.PathEscape(modelID) + "/count-tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(string(payload)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := cloudauth.SignAWSRequest(ctx, req, payload, secret); err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	respBody := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return 0, probeError(proxy.ServiceAWS, resp.StatusCode, respBody)
	}
	n := gjson.GetBytes(respBody, "inputTokens").Int()
	if n <= 0 {
		return 0, probeError(proxy.ServiceAWS, resp.StatusCode, respBody)
	}
	return int(n), nil
}

// getJSON issues a SigV4-signed GET against the Bedrock control plane.
func (c *AWSChecker) getJSON(ctx context.Context, secret cloudauth.AWSSecret, path string) ([]byte, error) {
	host := "bedrock." + secret.Region + ".amazonaws.com"
	if c.hostOverride != "" {
		host = c.hostOverride
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+host+path, nil)
	if err != nil {
		return nil, err
	}
	if err := cloudauth.SignAWSRequest(ctx, req, nil, secret); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	body := readBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, probeError(proxy.ServiceAWS, resp.StatusCode, body)
	}
	return body, nil
}
