package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	b, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t)
	ctx := context.Background()

	u := &proxy.User{
		Token:       "tok-1",
		Type:        proxy.UserNormal,
		IPs:         []string{"10.0.0.1"},
		PromptCount: 7,
		TokenCounts: map[proxy.ModelFamily]proxy.TokenUsage{
			proxy.FamilyClaude: {Input: 100, Output: 50, LegacyTotal: 9},
		},
		TokenLimits:  map[proxy.ModelFamily]int64{proxy.FamilyClaude: 1000},
		TokenRefresh: map[proxy.ModelFamily]int64{proxy.FamilyClaude: 500},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		MaxIPs:       3,
		Meta:         map[string]string{"note": "trial"},
	}

	if err := b.SaveUsers(ctx, []*proxy.User{u}); err != nil {
		t.Fatal("save:", err)
	}

	users, err := b.LoadUsers(ctx)
	if err != nil {
		t.Fatal("load:", err)
	}
	if len(users) != 1 {
		t.Fatalf("load count = %d, want 1", len(users))
	}
	got := users[0]
	if got.Token != u.Token || got.Type != u.Type || got.PromptCount != 7 || got.MaxIPs != 3 {
		t.Errorf("got %+v", got)
	}
	if c := got.TokenCounts[proxy.FamilyClaude]; c != (proxy.TokenUsage{Input: 100, Output: 50, LegacyTotal: 9}) {
		t.Errorf("counts = %+v", c)
	}
	if got.TokenLimits[proxy.FamilyClaude] != 1000 || got.TokenRefresh[proxy.FamilyClaude] != 500 {
		t.Errorf("limits/refresh = %v / %v", got.TokenLimits, got.TokenRefresh)
	}
	if !got.CreatedAt.Equal(u.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, u.CreatedAt)
	}
	if got.Meta["note"] != "trial" {
		t.Errorf("meta = %v", got.Meta)
	}
}

func TestSaveUsers_Upsert(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t)
	ctx := context.Background()

	u := &proxy.User{Token: "tok-1", Type: proxy.UserNormal, CreatedAt: time.Now()}
	if err := b.SaveUsers(ctx, []*proxy.User{u}); err != nil {
		t.Fatal(err)
	}

	u.PromptCount = 3
	u.DisabledAt = time.Now().UTC().Truncate(time.Second)
	u.DisabledReason = "manual"
	if err := b.SaveUsers(ctx, []*proxy.User{u}); err != nil {
		t.Fatal(err)
	}

	users, _ := b.LoadUsers(ctx)
	if len(users) != 1 {
		t.Fatalf("upsert duplicated the row: %d", len(users))
	}
	if users[0].PromptCount != 3 || users[0].DisabledReason != "manual" {
		t.Errorf("got %+v", users[0])
	}
}

func TestDeleteUser(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t)
	ctx := context.Background()

	u := &proxy.User{Token: "tok-1", Type: proxy.UserNormal, CreatedAt: time.Now()}
	if err := b.SaveUsers(ctx, []*proxy.User{u}); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteUser(ctx, "tok-1"); err != nil {
		t.Fatal(err)
	}
	users, _ := b.LoadUsers(ctx)
	if len(users) != 0 {
		t.Errorf("user not deleted: %d rows", len(users))
	}
}

func TestLoadUsers_MigratesLegacyCounters(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t)
	ctx := context.Background()

	// A legacy deployment wrote flat per-family numbers.
	_, err := b.write.ExecContext(ctx,
		`INSERT INTO users (token, type, token_counts, created_at)
		 VALUES ('legacy', 'normal', '{"claude":12345}', ?)`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatal(err)
	}

	users, err := b.LoadUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c := users[0].TokenCounts[proxy.FamilyClaude]
	if c.LegacyTotal != 12345 || c.Input != 0 || c.Output != 0 {
		t.Errorf("legacy counter not migrated: %+v", c)
	}
}

func TestUnmarshalCounts_Mixed(t *testing.T) {
	t.Parallel()

	counts, err := unmarshalCounts(sql.NullString{
		String: `{"claude":{"input":1,"output":2},"gpt4o":777}`,
		Valid:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if counts[proxy.FamilyClaude] != (proxy.TokenUsage{Input: 1, Output: 2}) {
		t.Errorf("triple form: %+v", counts[proxy.FamilyClaude])
	}
	if counts[proxy.FamilyGPT4o] != (proxy.TokenUsage{LegacyTotal: 777}) {
		t.Errorf("legacy form: %+v", counts[proxy.FamilyGPT4o])
	}
}
