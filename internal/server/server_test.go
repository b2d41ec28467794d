package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/affinity"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/pipeline"
	"github.com/eugener/palantir/internal/queue"
	"github.com/eugener/palantir/internal/response"
	"github.com/eugener/palantir/internal/testutil"
	"github.com/eugener/palantir/internal/tokencount"
	"github.com/eugener/palantir/internal/userstore"
)

type testEnv struct {
	handler http.Handler
	users   *userstore.Store
	pool    *keypool.Pool
	pipe    *pipeline.Pipeline
}

func newTestEnv(t *testing.T, creds ...proxy.Credential) *testEnv {
	t.Helper()

	users := userstore.New(userstore.NewMemoryBackend(), userstore.Options{})
	if _, err := users.Create(userstore.CreateOptions{Token: "tok-1"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	pool := keypool.New(affinity.NewRouter(), creds...)
	q := queue.New(pool, queue.Options{})
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

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rh := response.NewHandler(pool, users, log)
	pipe := pipeline.New(pool, users, q, tokencount.NewCounter(), rh, http.DefaultClient, log)

	h, err := New(Deps{
		Auth:     auth.NewTokenAuth(users),
		Users:    users,
		Pool:     pool,
		Queue:    q,
		Pipeline: pipe,
		Services: []proxy.Service{proxy.ServiceOpenAI, proxy.ServiceAnthropic},
		AdminKey: "adm-secret",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{handler: h, users: users, pool: pool, pipe: pipe}
}

func (e *testEnv) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, r)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	if rec := env.do(httptest.NewRequest("GET", "/healthz", nil)); rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec := env.do(httptest.NewRequest("GET", "/readyz", nil)); rec.Code != 200 {
		t.Fatalf("readyz = %d", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest("GET", "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id missing")
	}

	r := httptest.NewRequest("GET", "/healthz", nil)
	r.Header.Set("X-Request-Id", "fixed-id")
	if got := env.do(r).Header().Get("X-Request-Id"); got != "fixed-id" {
		t.Fatalf("X-Request-Id = %q, want fixed-id", got)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	r := httptest.NewRequest("GET", "/openai/v1/models", nil)
	r.RemoteAddr = "10.0.0.1:1"
	if rec := env.do(r); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}

	r = httptest.NewRequest("GET", "/openai/v1/models", nil)
	r.Header.Set("Authorization", "Bearer bogus")
	r.RemoteAddr = "10.0.0.1:1"
	if rec := env.do(r); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
}

func TestAuthDisabledUserForbidden(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.users.Disable("tok-1", "test")

	r := httptest.NewRequest("GET", "/openai/v1/models", nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	r.RemoteAddr = "10.0.0.1:1"
	if rec := env.do(r); rec.Code != http.StatusForbidden {
		t.Fatalf("disabled user: %d", rec.Code)
	}
}

func TestListModelsFromPool(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t,
		proxy.Credential{Hash: "k1", Secret: "sk-1", Service: proxy.ServiceOpenAI,
			ModelFamilies: []proxy.ModelFamily{proxy.FamilyGPT4o, proxy.FamilyGPT5}},
		proxy.Credential{Hash: "k2", Secret: "sk-2", Service: proxy.ServiceOpenAI,
			ModelFamilies: []proxy.ModelFamily{proxy.FamilyGPT4o}, IsDisabled: true},
	)

	r := httptest.NewRequest("GET", "/openai/v1/models", nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	r.RemoteAddr = "10.0.0.1:1"
	rec := env.do(r)
	if rec.Code != 200 {
		t.Fatalf("models = %d", rec.Code)
	}

	out := gjson.ParseBytes(rec.Body.Bytes())
	ids := out.Get("data.#.id").Array()
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want both enabled-key families", ids)
	}
	if out.Get("data.0.owned_by").String() != "openai" {
		t.Fatalf("owned_by = %q", out.Get("data.0.owned_by").String())
	}
}

func TestQueueStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, proxy.Credential{
		Hash: "k1", Secret: "sk-1", Service: proxy.ServiceOpenAI,
		ModelFamilies: []proxy.ModelFamily{proxy.FamilyGPT4o},
	})

	r := httptest.NewRequest("GET", "/openai/v1/queue", nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	r.RemoteAddr = "10.0.0.1:1"
	rec := env.do(r)
	if rec.Code != 200 {
		t.Fatalf("queue status = %d", rec.Code)
	}
	out := gjson.ParseBytes(rec.Body.Bytes())
	if out.Get("queues.0.family").String() != "gpt4o" {
		t.Fatalf("queues = %s", out.Get("queues").Raw)
	}
	if out.Get("queues.0.depth").Int() != 0 {
		t.Fatalf("depth = %d, want 0 idle", out.Get("queues.0.depth").Int())
	}
}

func TestFrontDoorEndToEnd(t *testing.T) {
	t.Parallel()

	upstream := testutil.NewUpstream(testutil.JSONResponse(200,
		`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`))
	defer upstream.Close()

	env := newTestEnv(t, proxy.Credential{
		Hash: "k1", Secret: "sk-live", Service: proxy.ServiceOpenAI,
		ModelFamilies: []proxy.ModelFamily{proxy.FamilyGPT4o},
	})
	env.pipe.Targets[proxy.ServiceOpenAI] = upstream.URL

	r := httptest.NewRequest("POST", "/openai/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	r.Header.Set("Authorization", "Bearer tok-1")
	r.RemoteAddr = "10.0.0.1:1"
	rec := env.do(r)

	if rec.Code != 200 {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	out := gjson.ParseBytes(rec.Body.Bytes())
	if got := out.Get("choices.0.message.content").String(); got != "hello" {
		t.Fatalf("content = %q", got)
	}
	if !out.Get("proxy").Exists() {
		t.Fatal("proxy object missing")
	}
	sent := upstream.Last()
	if got := sent.Header.Get("Authorization"); got != "Bearer sk-live" {
		t.Errorf("upstream auth = %q", got)
	}
	if sent.Path != "/v1/chat/completions" {
		t.Errorf("upstream path = %q", sent.Path)
	}

	user, _ := env.users.Get("tok-1")
	if got := user.TokenCounts[proxy.FamilyGPT4o]; got.Input != 4 || got.Output != 2 {
		t.Fatalf("user usage = %+v", got)
	}
}

func TestAdminGuard(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	r := httptest.NewRequest("GET", "/admin/users", nil)
	if rec := env.do(r); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no admin key: %d", rec.Code)
	}

	r = httptest.NewRequest("GET", "/admin/users", nil)
	r.Header.Set("X-Admin-Key", "adm-secret")
	if rec := env.do(r); rec.Code != http.StatusOK {
		t.Fatalf("with admin key: %d", rec.Code)
	}
}

func TestAdminUserLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	r := httptest.NewRequest("POST", "/admin/users",
		strings.NewReader(`{"token":"tok-new","token_limits":{"gpt-4o":1000}}`))
	r.Header.Set("X-Admin-Key", "adm-secret")
	rec := env.do(r)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d body=%s", rec.Code, rec.Body)
	}

	r = httptest.NewRequest("GET", "/admin/users/tok-new", nil)
	r.Header.Set("X-Admin-Key", "adm-secret")
	rec = env.do(r)
	if rec.Code != 200 {
		t.Fatalf("get = %d", rec.Code)
	}
	if got := gjson.ParseBytes(rec.Body.Bytes()).Get("token_limits.gpt-4o").Int(); got != 1000 {
		t.Fatalf("limit = %d", got)
	}

	r = httptest.NewRequest("POST", "/admin/users/tok-new/disable", strings.NewReader(`{"reason":"abuse"}`))
	r.Header.Set("X-Admin-Key", "adm-secret")
	if rec := env.do(r); rec.Code != 200 {
		t.Fatalf("disable = %d", rec.Code)
	}
	user, _ := env.users.Get("tok-new")
	if !user.Disabled() || user.DisabledReason != "abuse" {
		t.Fatalf("user not disabled: %+v", user)
	}

	r = httptest.NewRequest("GET", "/admin/users/missing", nil)
	r.Header.Set("X-Admin-Key", "adm-secret")
	if rec := env.do(r); rec.Code != http.StatusNotFound {
		t.Fatalf("missing user = %d", rec.Code)
	}
}
