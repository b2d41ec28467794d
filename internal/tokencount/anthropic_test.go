package tokencount

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

func TestAnthropicCounter_CountsViaEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/count_tokens" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}
		body, _ := io.ReadAll(r.Body)
		parsed := gjson.ParseBytes(body)
		if parsed.Get("max_tokens").Exists() || parsed.Get("stream").Exists() {
			t.Errorf("sampling params not stripped: %s", body)
		}
		if got := parsed.Get("model").String(); got != "claude-sonnet-4-20250514" {
			t.Errorf("model = %q", got)
		}
		w.Write([]byte(`{"input_tokens":117}`))
	}))
	defer srv.Close()

	c := NewAnthropicCounter(srv.Client(), srv.URL, func() (string, bool) { return "sk-ant", true })
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","max_tokens":256,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	n, err := c.CountPromptTokens(context.Background(), body, "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatal(err)
	}
	if n != 117 {
		t.Fatalf("tokens = %d, want 117", n)
	}
}

func TestAnthropicCounter_NoKeyFallsThrough(t *testing.T) {
	t.Parallel()

	c := NewAnthropicCounter(nil, "http://invalid.test", func() (string, bool) { return "", false })
	if _, err := c.CountPromptTokens(context.Background(), []byte(`{}`), "claude-sonnet-4-20250514"); err == nil {
		t.Fatal("expected an error when no key is lendable")
	}

	// The counter's failure must drop CountPrompt back to the heuristic.
	counter := NewCounter()
	counter.RegisterNative(proxy.ServiceAnthropic, c)
	body := []byte(`{"messages":[{"role":"user","content":"hello there"}]}`)
	got := counter.CountPrompt(context.Background(), proxy.ServiceAnthropic, proxy.FormatAnthropicChat, body, "claude-sonnet-4-20250514")
	if want := EstimateBody(proxy.FormatAnthropicChat, body); got != want {
		t.Fatalf("CountPrompt = %d, want heuristic %d", got, want)
	}
}

func TestAnthropicCounter_UpstreamErrorSurfaces(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewAnthropicCounter(srv.Client(), srv.URL, func() (string, bool) { return "sk-ant", true })
	if _, err := c.CountPromptTokens(context.Background(), []byte(`{"messages":[]}`), "claude-sonnet-4-20250514"); err == nil {
		t.Fatal("expected an error on a non-200 count response")
	}
}
