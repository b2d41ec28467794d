// Package transform converts request bodies between client wire dialects and
// upstream provider dialects, validates bodies against their declared format,
// and shapes blocking responses back into the dialect the client spoke.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	proxy "github.com/eugener/palantir/internal"
)

// Func rewrites a request body from one wire dialect to another.
type Func func(body []byte) ([]byte, error)

// pair keys the transform table.
type pair struct {
	in, out proxy.APIFormat
}

// transforms is the declarative (inbound → outbound) table. Pairs not listed
// either need no rewrite (identical formats) or are unsupported.
var transforms = map[pair]Func{
	{proxy.FormatOpenAI, proxy.FormatAnthropicChat}:        OpenAIToAnthropicChat,
	{proxy.FormatOpenAI, proxy.FormatGoogleAI}:             OpenAIToGoogleAI,
	{proxy.FormatOpenAI, proxy.FormatMistralAI}:            OpenAIToMistral,
	{proxy.FormatAnthropicText, proxy.FormatAnthropicChat}: AnthropicTextToChat,
}

// Apply converts body from the inbound to the outbound format. Identical
// formats validate only. An unregistered pair is a client error: the front
// door offered a route the proxy cannot translate.
func Apply(in, out proxy.APIFormat, body []byte) ([]byte, error) {
	if in == out {
		if err := Validate(in, body); err != nil {
			return nil, err
		}
		return body, nil
	}
	fn, ok := transforms[pair{in, out}]
	if !ok {
		return nil, fmt.Errorf("%w: no transform %s -> %s", proxy.ErrBadRequest, in, out)
	}
	if err := Validate(in, body); err != nil {
		return nil, err
	}
	return fn(body)
}

// Supported reports whether the (in, out) pair can be served.
func Supported(in, out proxy.APIFormat) bool {
	if in == out {
		return true
	}
	_, ok := transforms[pair{in, out}]
	return ok
}

// --- shared wire shapes ---

// openaiChatRequest is the OpenAI chat completions request body, with fields
// the proxy does not touch kept raw.
type openaiChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	User        string          `json:"user,omitempty"`
}

type openaiMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
}

// stopSequences normalizes OpenAI `stop` (string or array) to an array.
func stopSequences(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if json.Unmarshal(raw, &single) == nil {
		out, _ := json.Marshal([]string{single})
		return out
	}
	return raw
}

// extractText flattens a content field that may be a raw string or an
// OpenAI multimodal part array into plain text.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}
