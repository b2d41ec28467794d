package response

import (
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// ExtractUsage pulls the provider's authoritative token report out of a
// blocking (or synthetic) response body. ok is false when the provider
// omitted usage and the caller must fall back to estimation.
func ExtractUsage(format proxy.APIFormat, body []byte) (proxy.TokenUsage, bool) {
	r := gjson.ParseBytes(body)

	switch format {
	case proxy.FormatAnthropicChat:
		u := r.Get("usage")
		if !u.IsObject() {
			return proxy.TokenUsage{}, false
		}
		return proxy.TokenUsage{
			Input:  u.Get("input_tokens").Int(),
			Output: u.Get("output_tokens").Int(),
		}, true
	case proxy.FormatGoogleAI:
		u := r.Get("usageMetadata")
		if !u.IsObject() {
			return proxy.TokenUsage{}, false
		}
		return proxy.TokenUsage{
			Input:  u.Get("promptTokenCount").Int(),
			Output: u.Get("candidatesTokenCount").Int(),
		}, true
	case proxy.FormatOpenAIResponses:
		u := r.Get("usage")
		if !u.IsObject() {
			return proxy.TokenUsage{}, false
		}
		return proxy.TokenUsage{
			Input:  u.Get("input_tokens").Int(),
			Output: u.Get("output_tokens").Int(),
		}, true
	case proxy.FormatAnthropicText:
		// The legacy text API never reports usage.
		return proxy.TokenUsage{}, false
	default:
		u := r.Get("usage")
		if !u.IsObject() {
			return proxy.TokenUsage{}, false
		}
		return proxy.TokenUsage{
			Input:  u.Get("prompt_tokens").Int(),
			Output: u.Get("completion_tokens").Int(),
		}, true
	}
}

// completionText extracts the generated text from a blocking response, for
// estimating output tokens when usage is absent.
func completionText(format proxy.APIFormat, body []byte) string {
	r := gjson.ParseBytes(body)

	switch format {
	case proxy.FormatAnthropicChat:
		var sb strings.Builder
		r.Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			}
			return true
		})
		return sb.String()
	case proxy.FormatAnthropicText:
		return r.Get("completion").String()
	case proxy.FormatGoogleAI:
		var sb strings.Builder
		r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			sb.WriteString(part.Get("text").String())
			return true
		})
		return sb.String()
	case proxy.FormatOpenAIResponses:
		if t := r.Get("output_text"); t.Exists() {
			return t.String()
		}
		var sb strings.Builder
		r.Get("output").ForEach(func(_, item gjson.Result) bool {
			item.Get("content").ForEach(func(_, c gjson.Result) bool {
				sb.WriteString(c.Get("text").String())
				return true
			})
			return true
		})
		return sb.String()
	default:
		return r.Get("choices.0.message.content").String()
	}
}
