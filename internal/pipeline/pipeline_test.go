package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/queue"
	"github.com/eugener/palantir/internal/response"
	"github.com/eugener/palantir/internal/tokencount"
)

func TestChangeManagerRevertsLIFO(t *testing.T) {
	t.Parallel()

	rc := &RequestContext{Path: "/v1/chat/completions", Body: []byte(`{"a":1}`)}
	rc.SetHeader("Authorization", "Bearer first")
	rc.SetHeader("Authorization", "Bearer second")
	rc.SetPath("/v1/messages")
	rc.SetBody([]byte(`{"b":2}`))
	rc.SetKey(proxy.Credential{Hash: "k1"})

	rc.Revert()

	if got := rc.Header.Get("Authorization"); got != "" {
		t.Fatalf("header survived revert: %q", got)
	}
	if rc.Path != "/v1/chat/completions" {
		t.Fatalf("path = %q", rc.Path)
	}
	if string(rc.Body) != `{"a":1}` {
		t.Fatalf("body = %s", rc.Body)
	}
	if rc.Credential.Hash != "" {
		t.Fatalf("credential survived revert: %q", rc.Credential.Hash)
	}
}

func TestTouchUpClaude41SamplerExclusivity(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, nil)
	rc := &RequestContext{
		Service: proxy.ServiceAnthropic,
		Model:   "claude-opus-4-1-20250805",
		Header:  http.Header{},
		Body:    []byte(`{"model":"claude-opus-4-1-20250805","max_tokens":100,"temperature":0.5,"top_p":0.9,"messages":[]}`),
	}
	err := p.touchUp(rc)
	if !errors.Is(err, proxy.ErrBadRequest) {
		t.Fatalf("err = %v, want bad request", err)
	}
}

func TestTouchUpAnthropicBetaHeaders(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, nil)
	rc := &RequestContext{
		Service: proxy.ServiceAnthropic,
		Model:   "claude-3-5-sonnet-20241022",
		Header:  http.Header{},
		Body: []byte(`{"model":"claude-3-5-sonnet-20241022","max_tokens":8192,"messages":[` +
			`{"role":"user","content":[{"type":"text","text":"hi","cache_control":{"type":"ephemeral","ttl":"1h"}}]}]}`),
	}
	if err := p.touchUp(rc); err != nil {
		t.Fatalf("touchUp: %v", err)
	}

	beta := rc.Header.Get("anthropic-beta")
	if !strings.Contains(beta, betaMaxTokens35) {
		t.Fatalf("missing max-tokens beta: %q", beta)
	}
	if !strings.Contains(beta, betaExtendedCacheTTL) {
		t.Fatalf("missing extended ttl beta: %q", beta)
	}
	if !rc.UsedCache {
		t.Fatal("UsedCache not set despite cache_control")
	}
}

func TestTouchUpWebSearchExpansion(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, nil)
	rc := &RequestContext{
		Service: proxy.ServiceAnthropic,
		Model:   "claude-sonnet-4-20250514",
		Header:  http.Header{},
		Body:    []byte(`{"model":"claude-sonnet-4-20250514","max_tokens":100,"web_search":true,"messages":[]}`),
	}
	if err := p.touchUp(rc); err != nil {
		t.Fatalf("touchUp: %v", err)
	}
	if gjson.GetBytes(rc.Body, "web_search").Exists() {
		t.Fatal("web_search flag not stripped")
	}
	if got := gjson.GetBytes(rc.Body, "tools.0.type").String(); got != webSearchTool {
		t.Fatalf("tools.0.type = %q, want %s", got, webSearchTool)
	}
}

func TestTouchUpMistralPrefixFallback(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, nil)
	rc := &RequestContext{
		Service: proxy.ServiceMistral,
		Model:   "open-mixtral-8x7b",
		Header:  http.Header{},
		Body:    []byte(`{"model":"open-mixtral-8x7b","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"Sure,","prefix":true}]}`),
	}
	if err := p.touchUp(rc); err != nil {
		t.Fatalf("touchUp: %v", err)
	}
	if gjson.GetBytes(rc.Body, "messages.1.prefix").Exists() {
		t.Fatal("prefix flag not dropped for non-supporting model")
	}

	// Supporting models keep it.
	rc.Model = "codestral-latest"
	rc.Body = []byte(`{"model":"codestral-latest","messages":[{"role":"assistant","content":"x","prefix":true}]}`)
	if err := p.touchUp(rc); err != nil {
		t.Fatalf("touchUp: %v", err)
	}
	if !gjson.GetBytes(rc.Body, "messages.0.prefix").Bool() {
		t.Fatal("prefix flag dropped for codestral")
	}
}

func TestFinalizeBodyResponsesRemapIdempotent(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, nil)
	rc := &RequestContext{
		Service:   proxy.ServiceOpenAI,
		OutFormat: proxy.FormatOpenAIResponses,
		Model:     "gpt-5",
		Header:    http.Header{},
		Body:      []byte(`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}],"max_tokens":256,"logit_bias":{"1":2}}`),
	}

	if err := p.finalizeBody(rc); err != nil {
		t.Fatalf("finalizeBody: %v", err)
	}
	first := string(rc.Body)
	if err := p.finalizeBody(rc); err != nil {
		t.Fatalf("finalizeBody (2nd): %v", err)
	}
	if string(rc.Body) != first {
		t.Fatalf("finalizeBody not idempotent:\n%s\nvs\n%s", first, rc.Body)
	}

	r := gjson.ParseBytes(rc.Body)
	if !r.Get("input").Exists() || r.Get("messages").Exists() {
		t.Fatalf("messages not remapped to input: %s", rc.Body)
	}
	if r.Get("max_output_tokens").Int() != 256 || r.Get("max_tokens").Exists() {
		t.Fatalf("max_tokens not remapped: %s", rc.Body)
	}
	if r.Get("logit_bias").Exists() {
		t.Fatalf("unsupported param survived: %s", rc.Body)
	}
}

func TestOutboundPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rc   RequestContext
		want string
	}{
		{"anthropic chat", RequestContext{Service: proxy.ServiceAnthropic, OutFormat: proxy.FormatAnthropicChat}, "/v1/messages"},
		{"anthropic text", RequestContext{Service: proxy.ServiceAnthropic, OutFormat: proxy.FormatAnthropicText}, "/v1/complete"},
		{"glm", RequestContext{Service: proxy.ServiceGLM, OutFormat: proxy.FormatOpenAI}, "/api/paas/v4/chat/completions"},
		{"qwen", RequestContext{Service: proxy.ServiceQwen, OutFormat: proxy.FormatOpenAI}, "/compatible-mode/v1/chat/completions"},
		{"openrouter", RequestContext{Service: proxy.ServiceOpenRouter, OutFormat: proxy.FormatOpenAI}, "/api/v1/chat/completions"},
		{"openai responses", RequestContext{Service: proxy.ServiceOpenAI, OutFormat: proxy.FormatOpenAIResponses}, "/v1/responses"},
		{
			"aws streaming",
			RequestContext{Service: proxy.ServiceAWS, Model: "global.anthropic.claude-sonnet-4-20250514-v1:0", Streaming: true},
			"/model/global.anthropic.claude-sonnet-4-20250514-v1:0/invoke-with-response-stream",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rc := tc.rc
			if got := outboundPath(&rc); got != tc.want {
				t.Fatalf("outboundPath = %q, want %q", got, tc.want)
			}
		})
	}
}

// --- fakes ---

type fakeCreds struct {
	mu    sync.Mutex
	creds []proxy.Credential
	next  int
}

func (f *fakeCreds) Select(proxy.Service, string, string) (proxy.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.creds) == 0 {
		return proxy.Credential{}, proxy.ErrNoKeyAvailable
	}
	c := f.creds[f.next%len(f.creds)]
	f.next++
	return c, nil
}

func (f *fakeCreds) RecordCacheUsage([]string, string, time.Duration) {}

type fakeQuota struct {
	allow   bool
	prompts int
}

func (f *fakeQuota) HasAvailableQuota(string, proxy.ModelFamily, int64) bool { return f.allow }
func (f *fakeQuota) IncrementPromptCount(string)                             { f.prompts++ }

type fakeBilling struct {
	mu    sync.Mutex
	usage map[string]proxy.TokenUsage
}

func (f *fakeBilling) MarkRateLimited(string) {}
func (f *fakeBilling) Disable(string, string) {}
func (f *fakeBilling) IncrementUsage(hash string, _ proxy.ModelFamily, in, out int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usage == nil {
		f.usage = map[string]proxy.TokenUsage{}
	}
	u := f.usage[hash]
	u.Input += in
	u.Output += out
	f.usage[hash] = u
}

type noUsers struct{}

func (noUsers) IncrementTokenCount(string, proxy.ModelFamily, int64, int64) {}

type openLocker struct{}

func (openLocker) LockoutRemaining(proxy.Service, proxy.ModelFamily) time.Duration { return 0 }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, billing *fakeBilling) *Pipeline {
	t.Helper()
	if billing == nil {
		billing = &fakeBilling{}
	}
	q := queue.New(openLocker{}, queue.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rh := response.NewHandler(billing, noUsers{}, quietLogger())
	return New(
		&fakeCreds{creds: []proxy.Credential{{Hash: "k1", Secret: "sk-1", Service: proxy.ServiceOpenAI}}},
		&fakeQuota{allow: true},
		q,
		tokencount.NewCounter(),
		rh,
		http.DefaultClient,
		quietLogger(),
	)
}

func TestServeQuotaRefusal(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, nil)
	p.Users = &fakeQuota{allow: false}

	rc := &RequestContext{
		Ctx:       context.Background(),
		UserToken: "tok",
		Service:   proxy.ServiceOpenAI,
		InFormat:  proxy.FormatOpenAI,
		OutFormat: proxy.FormatOpenAI,
		Body:      []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
	}
	rec := httptest.NewRecorder()
	p.Serve(rec, rc)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestServeStreamingRefusedForImages(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, nil)
	rc := &RequestContext{
		Ctx:       context.Background(),
		Service:   proxy.ServiceOpenAI,
		InFormat:  proxy.FormatOpenAIImage,
		OutFormat: proxy.FormatOpenAIImage,
		Body:      []byte(`{"model":"gpt-image-1","prompt":"a fox","stream":true}`),
	}
	rec := httptest.NewRecorder()
	p.Serve(rec, rc)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestServeBlockingSuccess(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"pong"}],"stop_reason":"end_turn","usage":{"input_tokens":9,"output_tokens":2}}`))
	}))
	defer upstream.Close()

	billing := &fakeBilling{}
	p := newTestPipeline(t, billing)
	p.Pool = &fakeCreds{creds: []proxy.Credential{{Hash: "ant1", Secret: "sk-ant", Service: proxy.ServiceAnthropic}}}
	p.Targets[proxy.ServiceAnthropic] = upstream.URL

	rc := &RequestContext{
		Ctx:       context.Background(),
		UserToken: "tok",
		Service:   proxy.ServiceAnthropic,
		InFormat:  proxy.FormatOpenAI,
		OutFormat: proxy.FormatAnthropicChat,
		Body:      []byte(`{"model":"claude-sonnet-4-20250514","max_tokens":128,"messages":[{"role":"user","content":"ping"}]}`),
	}
	rec := httptest.NewRecorder()
	p.Serve(rec, rc)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	out := gjson.ParseBytes(rec.Body.Bytes())
	if got := out.Get("choices.0.message.content").String(); got != "pong" {
		t.Fatalf("content = %q", got)
	}
	if !out.Get("proxy").Exists() {
		t.Fatal("proxy object missing after shaping")
	}
	if got := billing.usage["ant1"]; got.Input != 9 || got.Output != 2 {
		t.Fatalf("billed = %+v", got)
	}
}

func TestServeRotatesOnRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic429
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.inc() == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer upstream.Close()

	p := newTestPipeline(t, nil)
	p.Pool = &fakeCreds{creds: []proxy.Credential{
		{Hash: "a", Secret: "sk-a", Service: proxy.ServiceOpenAI},
		{Hash: "b", Secret: "sk-b", Service: proxy.ServiceOpenAI},
	}}
	p.Targets[proxy.ServiceOpenAI] = upstream.URL

	rc := &RequestContext{
		Ctx:       context.Background(),
		Service:   proxy.ServiceOpenAI,
		InFormat:  proxy.FormatOpenAI,
		OutFormat: proxy.FormatOpenAI,
		Body:      []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
	}
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Serve(rec, rc)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not finish; retry backoff never released")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if got := gjson.ParseBytes(rec.Body.Bytes()).Get("choices.0.message.content").String(); got != "ok" {
		t.Fatalf("content = %q", got)
	}
}

func TestServeMoonshotExhaustionReturns429WithNote(t *testing.T) {
	t.Parallel()

	// Moonshot rate-limits every attempt: after the third consecutive 429 the
	// client gets the 429 back with the operator note attached.
	var calls atomic429
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"throttled"}}`))
	}))
	defer upstream.Close()

	p := newTestPipeline(t, nil)
	p.Pool = &fakeCreds{creds: []proxy.Credential{
		{Hash: "m1", Secret: "sk-m1", Service: proxy.ServiceMoonshot},
		{Hash: "m2", Secret: "sk-m2", Service: proxy.ServiceMoonshot},
	}}
	p.Targets[proxy.ServiceMoonshot] = upstream.URL

	rc := &RequestContext{
		Ctx:       context.Background(),
		Service:   proxy.ServiceMoonshot,
		InFormat:  proxy.FormatOpenAI,
		OutFormat: proxy.FormatOpenAI,
		Body:      []byte(`{"model":"moonshot-v1-8k","messages":[{"role":"user","content":"hi"}]}`),
	}
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Serve(rec, rc)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not finish; exhaustion never surfaced")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d body=%s, want 429", rec.Code, rec.Body)
	}
	out := gjson.ParseBytes(rec.Body.Bytes())
	if got := out.Get("proxy_note").String(); got != "Too many requests to the Moonshot API. Please try again later." {
		t.Fatalf("proxy_note = %q", got)
	}
	calls.mu.Lock()
	attempts := calls.n
	calls.mu.Unlock()
	if attempts != queue.MaxRetries {
		t.Fatalf("upstream attempts = %d, want %d", attempts, queue.MaxRetries)
	}
}

func TestServeStreamingTeeAndBilling(t *testing.T) {
	t.Parallel()

	sse := "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"B\"}}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"C\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3}}\n\n" +
		"data: [DONE]\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	}))
	defer upstream.Close()

	billing := &fakeBilling{}
	p := newTestPipeline(t, billing)
	p.Targets[proxy.ServiceOpenAI] = upstream.URL

	rc := &RequestContext{
		Ctx:       context.Background(),
		Service:   proxy.ServiceOpenAI,
		InFormat:  proxy.FormatOpenAI,
		OutFormat: proxy.FormatOpenAI,
		Body:      []byte(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"abc"}]}`),
	}
	rec := httptest.NewRecorder()
	p.Serve(rec, rc)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != sse {
		t.Fatalf("stream not verbatim:\n%q\nwant\n%q", rec.Body.String(), sse)
	}
	if got := billing.usage["k1"]; got.Input != 7 || got.Output != 3 {
		t.Fatalf("billed = %+v, want {7 3}", got)
	}
}

// atomic429 is a tiny call counter.
type atomic429 struct {
	mu sync.Mutex
	n  int
}

func (a *atomic429) inc() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return a.n
}
