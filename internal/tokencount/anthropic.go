package tokencount

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"

	// countTimeout bounds a native counting call; past it the heuristic is
	// cheaper than the wait.
	countTimeout = 5 * time.Second
)

// KeyFunc lends an API key for a native counting call. ok is false when the
// pool has no usable key, which drops the call back to the heuristic.
type KeyFunc func() (key string, ok bool)

// AnthropicCounter counts prompt tokens through the Anthropic count_tokens
// endpoint, which prices nothing and returns the authoritative input count.
type AnthropicCounter struct {
	http    *http.Client
	baseURL string
	key     KeyFunc
}

// NewAnthropicCounter returns a native counter. baseURL is overridable for
// tests; empty means the public API.
func NewAnthropicCounter(client *http.Client, baseURL string, key KeyFunc) *AnthropicCounter {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &AnthropicCounter{http: client, baseURL: strings.TrimRight(baseURL, "/"), key: key}
}

// countUnsupported are messages params the count_tokens endpoint rejects.
var countUnsupported = []string{"max_tokens", "stream", "temperature", "top_p", "top_k", "stop_sequences", "metadata"}

// CountPromptTokens implements NativeCounter over /messages/count_tokens.
func (c *AnthropicCounter) CountPromptTokens(ctx context.Context, body []byte, model string) (int, error) {
	key, ok := c.key()
	if !ok {
		return 0, errors.New("no anthropic key available")
	}

	payload := body
	var err error
	for _, field := range countUnsupported {
		if gjson.GetBytes(payload, field).Exists() {
			if payload, err = sjson.DeleteBytes(payload, field); err != nil {
				return 0, err
			}
		}
	}
	if gjson.GetBytes(payload, "model").String() != model {
		if payload, err = sjson.SetBytes(payload, "model", model); err != nil {
			return 0, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, countTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/count_tokens", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("count_tokens: HTTP %d", resp.StatusCode)
	}

	n := gjson.GetBytes(respBody, "input_tokens").Int()
	if n <= 0 {
		return 0, fmt.Errorf("count_tokens: no input_tokens in %q", respBody)
	}
	return int(n), nil
}
