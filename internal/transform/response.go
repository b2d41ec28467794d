package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// ShapeFunc rewrites a blocking upstream response into the dialect the
// client spoke. reqModel backfills the model field when upstream omits it.
type ShapeFunc func(upstream []byte, reqModel string) ([]byte, error)

// shapers is the (inbound ← outbound) reverse table for blocking responses.
var shapers = map[pair]ShapeFunc{
	{proxy.FormatOpenAI, proxy.FormatAnthropicChat}:        AnthropicChatToOpenAI,
	{proxy.FormatAnthropicText, proxy.FormatAnthropicChat}: AnthropicChatToText,
	{proxy.FormatOpenAI, proxy.FormatAnthropicText}:        AnthropicTextToOpenAI,
	{proxy.FormatOpenAI, proxy.FormatGoogleAI}:             GoogleAIToOpenAI,
	{proxy.FormatOpenAI, proxy.FormatMistralAI}:            passthroughShape,
}

// Shape converts a blocking upstream response back to the inbound dialect.
// Identical formats pass through untouched.
func Shape(in, out proxy.APIFormat, upstream []byte, reqModel string) ([]byte, error) {
	if in == out {
		return upstream, nil
	}
	fn, ok := shapers[pair{in, out}]
	if !ok {
		return nil, fmt.Errorf("no response shaping %s <- %s", in, out)
	}
	return fn(upstream, reqModel)
}

func passthroughShape(upstream []byte, _ string) ([]byte, error) { return upstream, nil }

// --- OpenAI response shapes ---

type openaiChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Index        int               `json:"index"`
	Message      openaiRespMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openaiRespMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AnthropicChatToOpenAI flattens Messages API content blocks into an OpenAI
// chat completion: text blocks concatenate, tool_use blocks become
// tool_calls, stop_reason maps to finish_reason.
func AnthropicChatToOpenAI(upstream []byte, reqModel string) ([]byte, error) {
	r := gjson.ParseBytes(upstream)

	var text strings.Builder
	var toolCalls []json.RawMessage
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	// The upstream stop_reason is carried through verbatim; clients pointed
	// at the proxy know they are talking to Anthropic through an OpenAI shape.
	finish := r.Get("stop_reason").String()
	msg := openaiRespMessage{Role: "assistant", Content: text.String()}
	if len(toolCalls) > 0 {
		msg.ToolCalls, _ = json.Marshal(toolCalls)
		if finish == "" {
			finish = "tool_calls"
		}
	}

	model := r.Get("model").String()
	if model == "" {
		model = reqModel
	}

	resp := openaiChatResponse{
		ID:      "ant-" + r.Get("id").String(),
		Object:  "chat.completion",
		Model:   model,
		Choices: []openaiChoice{{Index: 0, Message: msg, FinishReason: finish}},
	}
	if u := r.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		resp.Usage = &openaiUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	return json.Marshal(resp)
}

// anthropicTextResponse is the legacy Text Completions response body.
type anthropicTextResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Completion string `json:"completion"`
	StopReason string `json:"stop_reason"`
	Model      string `json:"model"`
}

// AnthropicChatToText downgrades a Messages response to the legacy text
// completions shape for /v1/complete clients. The id carries an "ant-"
// prefix so callers can tell the response crossed API generations.
func AnthropicChatToText(upstream []byte, reqModel string) ([]byte, error) {
	r := gjson.ParseBytes(upstream)

	var text strings.Builder
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})

	model := r.Get("model").String()
	if model == "" {
		model = reqModel
	}
	return json.Marshal(anthropicTextResponse{
		ID:         "ant-" + r.Get("id").String(),
		Type:       "completion",
		Completion: text.String(),
		StopReason: r.Get("stop_reason").String(),
		Model:      model,
	})
}

// AnthropicTextToOpenAI shapes a Bedrock legacy text completion into an
// OpenAI chat completion. Bedrock omits id and model, so an "aws-<uuid>" id
// is fabricated and the requested model backfills.
func AnthropicTextToOpenAI(upstream []byte, reqModel string) ([]byte, error) {
	r := gjson.ParseBytes(upstream)

	model := r.Get("model").String()
	if model == "" {
		model = reqModel
	}
	resp := openaiChatResponse{
		ID:     "aws-" + uuid.NewString(),
		Object: "chat.completion",
		Model:  model,
		Choices: []openaiChoice{{
			Index:        0,
			Message:      openaiRespMessage{Role: "assistant", Content: r.Get("completion").String()},
			FinishReason: MapStopReason(r.Get("stop_reason").String()),
		}},
	}
	return json.Marshal(resp)
}

// GoogleAIToOpenAI shapes a Gemini generateContent response into an OpenAI
// chat completion.
func GoogleAIToOpenAI(upstream []byte, reqModel string) ([]byte, error) {
	r := gjson.ParseBytes(upstream)

	var text strings.Builder
	var toolCalls []json.RawMessage
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			tc, _ := json.Marshal(map[string]any{
				"id":   fc.Get("name").String(), // Gemini has no separate call IDs
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": fc.Get("args").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	finish := mapGoogleFinishReason(r.Get("candidates.0.finishReason").String())
	msg := openaiRespMessage{Role: "assistant", Content: text.String()}
	if len(toolCalls) > 0 {
		msg.ToolCalls, _ = json.Marshal(toolCalls)
		if finish == "" {
			finish = "tool_calls"
		}
	}

	resp := openaiChatResponse{
		ID:      "gemini-" + reqModel,
		Object:  "chat.completion",
		Model:   reqModel,
		Choices: []openaiChoice{{Index: 0, Message: msg, FinishReason: finish}},
	}
	if u := r.Get("usageMetadata"); u.Exists() {
		resp.Usage = &openaiUsage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}
	return json.Marshal(resp)
}

// MapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func MapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// mapGoogleFinishReason converts Gemini finish reasons to OpenAI's.
func mapGoogleFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return reason
	}
}
