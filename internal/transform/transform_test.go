package transform

import (
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

func TestOpenAIToAnthropicChat(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"model": "claude-3-5-sonnet-latest",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"},
			{"role": "tool", "tool_call_id": "call_1", "content": "42"}
		],
		"max_tokens": 100,
		"temperature": 0.5,
		"stop": "END",
		"stream": true
	}`)

	out, err := Apply(proxy.FormatOpenAI, proxy.FormatAnthropicChat, body)
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)

	if r.Get("system").String() != "Be terse." {
		t.Errorf("system = %q", r.Get("system").String())
	}
	if n := len(r.Get("messages").Array()); n != 3 {
		t.Errorf("messages = %d, want 3 (system lifted out)", n)
	}
	if r.Get("max_tokens").Int() != 100 {
		t.Errorf("max_tokens = %d", r.Get("max_tokens").Int())
	}
	if !r.Get("stream").Bool() {
		t.Error("stream dropped")
	}
	if r.Get("stop_sequences.0").String() != "END" {
		t.Errorf("stop_sequences = %s", r.Get("stop_sequences").Raw)
	}
	tr := r.Get("messages.2.content.0")
	if tr.Get("type").String() != "tool_result" || tr.Get("tool_use_id").String() != "call_1" {
		t.Errorf("tool result = %s", tr.Raw)
	}
}

func TestOpenAIToAnthropicChat_DefaultMaxTokens(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"claude-3-opus-20240229","messages":[{"role":"user","content":"hi"}]}`)
	out, err := Apply(proxy.FormatOpenAI, proxy.FormatAnthropicChat, body)
	if err != nil {
		t.Fatal(err)
	}
	if got := gjson.GetBytes(out, "max_tokens").Int(); got != defaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", got, defaultMaxTokens)
	}
}

func TestAnthropicTextToChat(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"prompt": "\n\nHuman: What is 2+2?\n\nAssistant: 4\n\nHuman: And 3+3?\n\nAssistant:",
		"max_tokens_to_sample": 50
	}`)
	out, err := Apply(proxy.FormatAnthropicText, proxy.FormatAnthropicChat, body)
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)

	msgs := r.Get("messages").Array()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3 (trailing empty assistant cue dropped): %s", len(msgs), out)
	}
	wantRoles := []string{"user", "assistant", "user"}
	for i, m := range msgs {
		if m.Get("role").String() != wantRoles[i] {
			t.Errorf("messages[%d].role = %s, want %s", i, m.Get("role").String(), wantRoles[i])
		}
	}
	if msgs[2].Get("content").String() != "And 3+3?" {
		t.Errorf("last turn = %q", msgs[2].Get("content").String())
	}
	if r.Get("max_tokens").Int() != 50 {
		t.Errorf("max_tokens = %d", r.Get("max_tokens").Int())
	}
}

func TestOpenAIToGoogleAI(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"model": "gemini-1.5-pro",
		"messages": [
			{"role": "system", "content": "Be terse."},
			{"role": "user", "content": "a"},
			{"role": "user", "content": "b"},
			{"role": "assistant", "content": "c"}
		],
		"max_tokens": 64,
		"top_p": 0.9,
		"stop": ["END"]
	}`)
	out, err := Apply(proxy.FormatOpenAI, proxy.FormatGoogleAI, body)
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)

	if r.Get("systemInstruction.parts.0.text").String() != "Be terse." {
		t.Error("system instruction missing")
	}
	// Adjacent same-role user turns merge into one content with two parts.
	contents := r.Get("contents").Array()
	if len(contents) != 2 {
		t.Fatalf("contents = %d, want 2: %s", len(contents), out)
	}
	if n := len(contents[0].Get("parts").Array()); n != 2 {
		t.Errorf("merged parts = %d, want 2", n)
	}
	if contents[1].Get("role").String() != "model" {
		t.Errorf("assistant role = %s, want model", contents[1].Get("role").String())
	}
	if r.Get("generationConfig.maxOutputTokens").Int() != 64 {
		t.Error("camelCased config missing")
	}
	if r.Get("generationConfig.topP").Float() != 0.9 {
		t.Error("topP missing")
	}
	if len(r.Get("safetySettings").Array()) == 0 {
		t.Error("safety settings not injected")
	}
}

func TestOpenAIToMistral(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"model": "mistral-large-latest",
		"messages": [{"role":"user","content":"hi"}],
		"logit_bias": {"50256": -100},
		"user": "abc",
		"stop": "END"
	}`)
	out, err := Apply(proxy.FormatOpenAI, proxy.FormatMistralAI, body)
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "logit_bias").Exists() || gjson.GetBytes(out, "user").Exists() {
		t.Errorf("unsupported params not stripped: %s", out)
	}
	if gjson.GetBytes(out, "stop.0").String() != "END" {
		t.Errorf("stop not normalized: %s", gjson.GetBytes(out, "stop").Raw)
	}
	if gjson.GetBytes(out, "model").String() != "mistral-large-latest" {
		t.Error("model lost")
	}
}

func TestApply_SameFormatValidatesOnly(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"claude-3-opus-20240229","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)
	out, err := Apply(proxy.FormatAnthropicChat, proxy.FormatAnthropicChat, body)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(body) {
		t.Error("same-format apply mutated the body")
	}

	if _, err := Apply(proxy.FormatAnthropicChat, proxy.FormatAnthropicChat,
		[]byte(`{"model":"claude-3-opus-20240229","messages":[]}`)); !errors.Is(err, proxy.ErrBadRequest) {
		t.Errorf("missing max_tokens accepted: %v", err)
	}
}

func TestApply_UnsupportedPair(t *testing.T) {
	t.Parallel()

	_, err := Apply(proxy.FormatGoogleAI, proxy.FormatAnthropicChat, []byte(`{"contents":[]}`))
	if !errors.Is(err, proxy.ErrBadRequest) {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		format proxy.APIFormat
		body   string
		ok     bool
	}{
		{"openai ok", proxy.FormatOpenAI, `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}]}`, true},
		{"openai no model", proxy.FormatOpenAI, `{"messages":[{"role":"user","content":"x"}]}`, false},
		{"openai empty messages", proxy.FormatOpenAI, `{"model":"gpt-4o","messages":[]}`, false},
		{"openai roleless message", proxy.FormatOpenAI, `{"model":"gpt-4o","messages":[{"content":"x"}]}`, false},
		{"responses input", proxy.FormatOpenAIResponses, `{"model":"gpt-5","input":"x"}`, true},
		{"responses neither", proxy.FormatOpenAIResponses, `{"model":"gpt-5"}`, false},
		{"anthropic text ok", proxy.FormatAnthropicText, `{"model":"claude-2","prompt":"x","max_tokens_to_sample":5}`, true},
		{"anthropic text no sample cap", proxy.FormatAnthropicText, `{"model":"claude-2","prompt":"x"}`, false},
		{"google ok", proxy.FormatGoogleAI, `{"contents":[]}`, true},
		{"embed no input", proxy.FormatOpenAIEmbed, `{"model":"text-embedding-3-small"}`, false},
		{"image ok", proxy.FormatOpenAIImage, `{"prompt":"a cat"}`, true},
		{"invalid json", proxy.FormatOpenAI, `{`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tc.format, []byte(tc.body))
			if (err == nil) != tc.ok {
				t.Errorf("Validate(%s) = %v, want ok=%v", tc.format, err, tc.ok)
			}
			if err != nil && !errors.Is(err, proxy.ErrBadRequest) {
				t.Errorf("validation errors must wrap ErrBadRequest, got %v", err)
			}
		})
	}
}

func TestShape_AnthropicChatToOpenAI(t *testing.T) {
	t.Parallel()

	upstream := []byte(`{
		"id": "msg_X",
		"content": [{"type":"text","text":"Hel"},{"type":"text","text":"lo"}],
		"stop_reason": "end_turn",
		"model": "claude-3-5-sonnet-20241022",
		"usage": {"input_tokens": 3, "output_tokens": 1}
	}`)
	out, err := Shape(proxy.FormatOpenAI, proxy.FormatAnthropicChat, upstream, "claude-3-5-sonnet-latest")
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)

	if r.Get("id").String() != "ant-msg_X" {
		t.Errorf("id = %q", r.Get("id").String())
	}
	if r.Get("object").String() != "chat.completion" {
		t.Errorf("object = %q", r.Get("object").String())
	}
	c := r.Get("choices.0")
	if c.Get("message.content").String() != "Hello" {
		t.Errorf("content = %q", c.Get("message.content").String())
	}
	if c.Get("finish_reason").String() != "end_turn" {
		t.Errorf("finish_reason = %q", c.Get("finish_reason").String())
	}
	if r.Get("usage.total_tokens").Int() != 4 {
		t.Errorf("usage = %s", r.Get("usage").Raw)
	}
}

func TestShape_AnthropicChatToOpenAI_ToolUse(t *testing.T) {
	t.Parallel()

	upstream := []byte(`{
		"id": "msg_Y",
		"content": [{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Oslo"}}],
		"stop_reason": "tool_use",
		"model": "claude-3-5-sonnet-20241022"
	}`)
	out, err := Shape(proxy.FormatOpenAI, proxy.FormatAnthropicChat, upstream, "")
	if err != nil {
		t.Fatal(err)
	}
	tc := gjson.GetBytes(out, "choices.0.message.tool_calls.0")
	if tc.Get("function.name").String() != "get_weather" {
		t.Errorf("tool call = %s", tc.Raw)
	}
}

func TestShape_AnthropicChatToText(t *testing.T) {
	t.Parallel()

	upstream := []byte(`{
		"id": "msg_X",
		"content": [{"type":"text","text":"Hello"}],
		"stop_reason": "end_turn",
		"model": "claude-3-5-sonnet-20241022"
	}`)
	out, err := Shape(proxy.FormatAnthropicText, proxy.FormatAnthropicChat, upstream, "")
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("id").String() != "ant-msg_X" || r.Get("type").String() != "completion" {
		t.Errorf("shape = %s", out)
	}
	if r.Get("completion").String() != "Hello" {
		t.Errorf("completion = %q", r.Get("completion").String())
	}
}

func TestShape_AWSTextToOpenAI(t *testing.T) {
	t.Parallel()

	upstream := []byte(`{"completion":" 4","stop_reason":"stop_sequence"}`)
	out, err := Shape(proxy.FormatOpenAI, proxy.FormatAnthropicText, upstream, "claude-v2")
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)
	if !strings.HasPrefix(r.Get("id").String(), "aws-") {
		t.Errorf("id = %q, want aws-<uuid>", r.Get("id").String())
	}
	if r.Get("model").String() != "claude-v2" {
		t.Errorf("model not backfilled: %q", r.Get("model").String())
	}
	if r.Get("choices.0.message.content").String() != " 4" {
		t.Errorf("content = %q", r.Get("choices.0.message.content").String())
	}
}

func TestShape_GoogleAIToOpenAI(t *testing.T) {
	t.Parallel()

	upstream := []byte(`{
		"candidates": [{"content":{"parts":[{"text":"Hi"}]},"finishReason":"STOP"}],
		"usageMetadata": {"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}
	}`)
	out, err := Shape(proxy.FormatOpenAI, proxy.FormatGoogleAI, upstream, "gemini-1.5-pro")
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("choices.0.message.content").String() != "Hi" {
		t.Errorf("content = %q", r.Get("choices.0.message.content").String())
	}
	if r.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("finish = %q", r.Get("choices.0.finish_reason").String())
	}
	if r.Get("usage.total_tokens").Int() != 7 {
		t.Errorf("usage = %s", r.Get("usage").Raw)
	}
}

func TestRoundTripContentPreserved(t *testing.T) {
	t.Parallel()

	// openai -> anthropic-chat -> (upstream echo) -> openai keeps the
	// user-visible content concatenation.
	reqBody := []byte(`{"model":"claude-3-5-sonnet-latest","messages":[{"role":"user","content":"hi"}],"max_tokens":10}`)
	if _, err := Apply(proxy.FormatOpenAI, proxy.FormatAnthropicChat, reqBody); err != nil {
		t.Fatal(err)
	}
	upstream := []byte(`{"id":"msg_1","content":[{"type":"text","text":"Hello"}],"stop_reason":"end_turn","model":"claude-3-5-sonnet-20241022"}`)
	shaped, err := Shape(proxy.FormatOpenAI, proxy.FormatAnthropicChat, upstream, "")
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(shaped, "choices.0.message.content").String() != "Hello" {
		t.Error("content lost across the round trip")
	}
}
