// Package tokencount estimates prompt and completion token counts for quota
// admission and usage billing. Providers that return authoritative usage
// override these estimates in the response handler; the local heuristics only
// have to be good enough for admission control.
package tokencount

import (
	"context"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// Per-image token charge for vision content blocks. Matches the flat charge
// most providers apply to a low-detail image.
const imageTokens = 85

// NativeCounter is implemented by provider adapters that expose a server-side
// token counting endpoint (Anthropic count_tokens, AWS CountTokens, GCP
// countTokens). The pipeline prefers native counts when a key is obtainable.
type NativeCounter interface {
	CountPromptTokens(ctx context.Context, body []byte, model string) (int, error)
}

// Counter estimates token counts from raw request bodies.
type Counter struct {
	native map[proxy.Service]NativeCounter
}

// NewCounter creates a Counter. Native counters are optional and registered
// per service with RegisterNative.
func NewCounter() *Counter {
	return &Counter{native: make(map[proxy.Service]NativeCounter)}
}

// RegisterNative attaches a provider-native counting backend for a service.
func (c *Counter) RegisterNative(service proxy.Service, nc NativeCounter) {
	c.native[service] = nc
}

// CountPrompt returns the prompt token count for an outbound request body.
// It tries the service's native counter first and falls back to the local
// heuristic on any error.
func (c *Counter) CountPrompt(ctx context.Context, service proxy.Service, format proxy.APIFormat, body []byte, model string) int {
	if nc, ok := c.native[service]; ok {
		if n, err := nc.CountPromptTokens(ctx, body, model); err == nil && n > 0 {
			return n
		}
	}
	return EstimateBody(format, body)
}

// EstimateBody estimates prompt tokens for a request body in the given wire
// format using a ~4 bytes/token heuristic plus per-message overhead.
func EstimateBody(format proxy.APIFormat, body []byte) int {
	root := gjson.ParseBytes(body)
	total := 0

	switch format {
	case proxy.FormatAnthropicChat:
		total += estimateJSON(root.Get("system"))
		total += estimateJSON(root.Get("tools"))
		root.Get("messages").ForEach(func(_, m gjson.Result) bool {
			total += 4
			total += estimateContent(m.Get("content"))
			return true
		})
	case proxy.FormatAnthropicText:
		total += estimateTokens(root.Get("prompt").String())
	case proxy.FormatGoogleAI:
		total += estimateJSON(root.Get("systemInstruction"))
		root.Get("contents").ForEach(func(_, m gjson.Result) bool {
			total += 4
			total += estimateJSON(m.Get("parts"))
			return true
		})
	default: // openai, mistral-ai, openai-responses share the messages shape
		total += estimateJSON(root.Get("tools"))
		msgs := root.Get("messages")
		if !msgs.Exists() {
			msgs = root.Get("input")
		}
		msgs.ForEach(func(_, m gjson.Result) bool {
			total += 4
			total += estimateTokens(m.Get("role").String())
			total += estimateContent(m.Get("content"))
			if tc := m.Get("tool_calls"); tc.Exists() {
				total += estimateJSON(tc)
			}
			return true
		})
		total += 3 // reply priming
	}

	return max(total, 1)
}

// EstimateText estimates tokens for a plain completion string.
func EstimateText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateContent handles both string content and content-part arrays,
// charging a flat per-image cost for image parts.
func estimateContent(content gjson.Result) int {
	if content.Type == gjson.String {
		return estimateTokens(content.String())
	}
	total := 0
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "image", "image_url":
			total += imageTokens
		default:
			total += estimateJSON(part)
		}
		return true
	})
	return total
}

func estimateJSON(v gjson.Result) int {
	if !v.Exists() {
		return 0
	}
	return estimateTokens(v.Raw)
}

// estimateTokens uses the ~4 bytes per token heuristic; ceil division.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
