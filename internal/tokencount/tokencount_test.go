package tokencount

import (
	"context"
	"errors"
	"testing"

	proxy "github.com/eugener/palantir/internal"
)

func TestEstimateBody_OpenAI(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello world, this is a prompt"}]}`)
	n := EstimateBody(proxy.FormatOpenAI, body)
	if n < 8 || n > 30 {
		t.Errorf("EstimateBody = %d, want a small positive estimate", n)
	}
}

func TestEstimateBody_AnthropicChat(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"claude-3-5-sonnet-20241022","system":"be terse","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)
	if n := EstimateBody(proxy.FormatAnthropicChat, body); n < 1 {
		t.Errorf("EstimateBody = %d, want >= 1", n)
	}
}

func TestEstimateBody_ImageParts(t *testing.T) {
	t.Parallel()

	noImage := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"x"}]}]}`)
	withImage := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"x"},{"type":"image_url","image_url":{"url":"data:..."}}]}]}`)

	a := EstimateBody(proxy.FormatOpenAI, noImage)
	b := EstimateBody(proxy.FormatOpenAI, withImage)
	if b-a < imageTokens {
		t.Errorf("image part should add at least %d tokens, added %d", imageTokens, b-a)
	}
}

func TestEstimateBody_Floor(t *testing.T) {
	t.Parallel()

	if n := EstimateBody(proxy.FormatOpenAI, []byte(`{}`)); n < 1 {
		t.Errorf("EstimateBody on empty body = %d, want >= 1", n)
	}
}

func TestEstimateText(t *testing.T) {
	t.Parallel()

	if n := EstimateText(""); n != 1 {
		t.Errorf("EstimateText(\"\") = %d, want 1", n)
	}
	if n := EstimateText("abcdefgh"); n != 2 {
		t.Errorf("EstimateText(8 bytes) = %d, want 2", n)
	}
}

type fakeNative struct {
	n   int
	err error
}

func (f *fakeNative) CountPromptTokens(context.Context, []byte, string) (int, error) {
	return f.n, f.err
}

func TestCountPrompt_PrefersNative(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	c.RegisterNative(proxy.ServiceAnthropic, &fakeNative{n: 1234})

	body := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	if got := c.CountPrompt(context.Background(), proxy.ServiceAnthropic, proxy.FormatAnthropicChat, body, "claude-3-5-sonnet-20241022"); got != 1234 {
		t.Errorf("CountPrompt = %d, want native 1234", got)
	}
}

func TestCountPrompt_FallsBackOnError(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	c.RegisterNative(proxy.ServiceAnthropic, &fakeNative{err: errors.New("probe failed")})

	body := []byte(`{"messages":[{"role":"user","content":"hello there"}]}`)
	got := c.CountPrompt(context.Background(), proxy.ServiceAnthropic, proxy.FormatAnthropicChat, body, "claude-3-5-sonnet-20241022")
	want := EstimateBody(proxy.FormatAnthropicChat, body)
	if got != want {
		t.Errorf("CountPrompt = %d, want heuristic %d", got, want)
	}
}
