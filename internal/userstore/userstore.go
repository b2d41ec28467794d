// Package userstore owns proxy users: token-addressed quota accounts with
// per-family counters, limits, and refresh allotments. The store is the
// in-memory authority; mutations mark users dirty and a periodic flush
// persists them through a pluggable Backend.
package userstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	proxy "github.com/eugener/palantir/internal"
)

const (
	// FlushInterval is the cadence of the dirty-set flush worker.
	FlushInterval = 20 * time.Second

	// DefaultMaxIPs applies to users without a per-user override.
	DefaultMaxIPs = 2

	// DefaultPurgeAfter is how long a disabled token lingers before the
	// cleanup job deletes it.
	DefaultPurgeAfter = 72 * time.Hour
)

// Backend persists users. The store tolerates a slow or failing backend:
// flush errors are logged and the dirty set is retained for the next cycle.
type Backend interface {
	LoadUsers(ctx context.Context) ([]*proxy.User, error)
	SaveUsers(ctx context.Context, users []*proxy.User) error
	DeleteUser(ctx context.Context, token string) error
	Close() error
}

// AuthResult is the outcome of Authenticate.
type AuthResult int

const (
	AuthSuccess AuthResult = iota
	AuthNotFound
	AuthDisabled
	AuthLimited
)

func (r AuthResult) String() string {
	switch r {
	case AuthSuccess:
		return "success"
	case AuthNotFound:
		return "not_found"
	case AuthDisabled:
		return "disabled"
	case AuthLimited:
		return "limited"
	}
	return "unknown"
}

// Options tunes store-wide policy.
type Options struct {
	MaxIPs     int           // global default; 0 means DefaultMaxIPs
	AutoBan    bool          // disable tokens that exceed their IP limit
	PurgeAfter time.Duration // 0 means DefaultPurgeAfter
}

// Store is the in-memory user authority.
type Store struct {
	mu      sync.Mutex
	users   map[string]*proxy.User
	dirty   map[string]struct{}
	backend Backend
	opts    Options

	flushing atomic.Bool
	now      func() time.Time
}

// New creates a Store over the given backend. Call Load before serving.
func New(backend Backend, opts Options) *Store {
	if opts.MaxIPs <= 0 {
		opts.MaxIPs = DefaultMaxIPs
	}
	if opts.PurgeAfter <= 0 {
		opts.PurgeAfter = DefaultPurgeAfter
	}
	return &Store{
		users:   make(map[string]*proxy.User),
		dirty:   make(map[string]struct{}),
		backend: backend,
		opts:    opts,
		now:     time.Now,
	}
}

// Load pulls all users from the backend into memory, normalizing counter
// maps and clamping any negative counts left by older deployments.
func (s *Store) Load(ctx context.Context) error {
	users, err := s.backend.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		normalize(u)
		s.users[u.Token] = u
	}
	slog.Info("user store loaded", "users", len(s.users))
	return nil
}

// CreateOptions seeds a new user.
type CreateOptions struct {
	Token        string // empty generates one
	Type         proxy.UserType
	TokenLimits  map[proxy.ModelFamily]int64
	TokenRefresh map[proxy.ModelFamily]int64
	ExpiresAt    time.Time
	MaxIPs       int
	Meta         map[string]string
}

// Create adds a new user and marks it dirty for the next flush.
func (s *Store) Create(opts CreateOptions) (*proxy.User, error) {
	token := opts.Token
	if token == "" {
		token = uuid.NewString()
	}
	if opts.Type == "" {
		opts.Type = proxy.UserNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[token]; exists {
		return nil, fmt.Errorf("user %s: token already exists", token)
	}

	u := &proxy.User{
		Token:        token,
		Type:         opts.Type,
		TokenLimits:  opts.TokenLimits,
		TokenRefresh: opts.TokenRefresh,
		CreatedAt:    s.now(),
		ExpiresAt:    opts.ExpiresAt,
		MaxIPs:       opts.MaxIPs,
		Meta:         opts.Meta,
	}
	normalize(u)
	s.users[token] = u
	s.dirty[token] = struct{}{}
	return u.Clone(), nil
}

// Get returns a snapshot of the user with the given token.
func (s *Store) Get(token string) (*proxy.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[token]; ok {
		return u.Clone(), true
	}
	return nil, false
}

// Upsert replaces or inserts a user wholesale. Admin surface only; the
// pipeline mutates through the increment operations.
func (s *Store) Upsert(u *proxy.User) {
	cp := u.Clone()
	normalize(cp)
	s.mu.Lock()
	s.users[cp.Token] = cp
	s.dirty[cp.Token] = struct{}{}
	s.mu.Unlock()
}

// Authenticate resolves a token and enforces the IP policy. A new IP is
// appended when under the limit; over the limit, autoBan disables the token
// and either way the caller gets AuthLimited. Special users bypass the limit.
func (s *Store) Authenticate(token, ip string) (*proxy.User, AuthResult) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[token]
	if !ok {
		return nil, AuthNotFound
	}
	if u.Type == proxy.UserTemporary && !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt) && !u.Disabled() {
		u.DisabledAt = now
		u.DisabledReason = "expired"
		s.dirty[token] = struct{}{}
	}
	if u.Disabled() {
		return u.Clone(), AuthDisabled
	}

	if ip != "" && !slices.Contains(u.IPs, ip) && u.Type != proxy.UserSpecial {
		if len(u.IPs) >= s.maxIPsFor(u) {
			if s.opts.AutoBan {
				u.DisabledAt = now
				u.DisabledReason = "ip_limit"
				s.dirty[token] = struct{}{}
				slog.Warn("user auto-banned for exceeding IP limit",
					"token", token, "ips", len(u.IPs))
			}
			return u.Clone(), AuthLimited
		}
		u.IPs = append(u.IPs, ip)
		s.dirty[token] = struct{}{}
	}

	u.LastUsedAt = now
	s.dirty[token] = struct{}{}
	return u.Clone(), AuthSuccess
}

// HasAvailableQuota reports whether the user can spend `requested` more
// tokens of the given family. A zero limit means unlimited; special users
// always pass.
func (s *Store) HasAvailableQuota(token string, family proxy.ModelFamily, requested int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return false
	}
	if u.Type == proxy.UserSpecial {
		return true
	}
	limit := u.TokenLimits[family]
	if limit == 0 {
		return true
	}
	return u.TokenCounts[family].Sum()+requested <= limit
}

// IncrementTokenCount adds a usage delta. Counters clamp at zero and the
// legacy component is never touched by deltas.
func (s *Store) IncrementTokenCount(token string, family proxy.ModelFamily, input, output int64) {
	s.mu.Lock()
	if u, ok := s.users[token]; ok {
		c := u.TokenCounts[family]
		c.Input = max(c.Input+input, 0)
		c.Output = max(c.Output+output, 0)
		u.TokenCounts[family] = c
		s.dirty[token] = struct{}{}
	}
	s.mu.Unlock()
}

// IncrementPromptCount bumps the user's prompt counter.
func (s *Store) IncrementPromptCount(token string) {
	s.mu.Lock()
	if u, ok := s.users[token]; ok {
		u.PromptCount++
		s.dirty[token] = struct{}{}
	}
	s.mu.Unlock()
}

// RefreshQuota applies each family's refresh allotment: the new limit is the
// consumed total plus the refresh, so a user over their old limit still
// gains the full increment.
func (s *Store) RefreshQuota(token string) {
	s.mu.Lock()
	if u, ok := s.users[token]; ok {
		s.refreshLocked(u)
		s.dirty[token] = struct{}{}
	}
	s.mu.Unlock()
}

// RefreshAll runs RefreshQuota over every user. Invoked by the quota worker.
func (s *Store) RefreshAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, u := range s.users {
		if len(u.TokenRefresh) == 0 {
			continue
		}
		s.refreshLocked(u)
		s.dirty[token] = struct{}{}
		n++
	}
	return n
}

func (s *Store) refreshLocked(u *proxy.User) {
	for family, refresh := range u.TokenRefresh {
		if refresh <= 0 {
			continue
		}
		u.TokenLimits[family] = u.TokenCounts[family].Sum() + refresh
	}
}

// ResetUsage zeroes all counters, the legacy component included.
func (s *Store) ResetUsage(token string) {
	s.mu.Lock()
	if u, ok := s.users[token]; ok {
		clear(u.TokenCounts)
		u.PromptCount = 0
		s.dirty[token] = struct{}{}
	}
	s.mu.Unlock()
}

// Disable marks the user disabled with the given reason.
func (s *Store) Disable(token, reason string) {
	s.mu.Lock()
	if u, ok := s.users[token]; ok && !u.Disabled() {
		u.DisabledAt = s.now()
		u.DisabledReason = reason
		s.dirty[token] = struct{}{}
	}
	s.mu.Unlock()
}

// List returns snapshots of every user, for the admin surface.
func (s *Store) List() []*proxy.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*proxy.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	return out
}

// Len returns the number of users.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// FlushDirty persists every dirty user. Only one flush runs at a time; an
// overlapping call returns immediately. On backend failure the dirty set is
// kept so the next cycle retries.
func (s *Store) FlushDirty(ctx context.Context) error {
	if !s.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.flushing.Store(false)

	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := make([]*proxy.User, 0, len(s.dirty))
	tokens := make([]string, 0, len(s.dirty))
	for token := range s.dirty {
		if u, ok := s.users[token]; ok {
			batch = append(batch, u.Clone())
			tokens = append(tokens, token)
		}
	}
	clear(s.dirty)
	s.mu.Unlock()

	if err := s.backend.SaveUsers(ctx, batch); err != nil {
		// Re-mark so the next flush retries.
		s.mu.Lock()
		for _, token := range tokens {
			s.dirty[token] = struct{}{}
		}
		s.mu.Unlock()
		return fmt.Errorf("flush %d users: %w", len(batch), err)
	}
	slog.Debug("user store flushed", "users", len(batch))
	return nil
}

// CleanupExpired disables temporary users past their expiry and deletes
// tokens that have been disabled longer than the purge window. Runs on the
// cleanup worker's minute cadence.
func (s *Store) CleanupExpired(ctx context.Context) (disabled, purged int) {
	now := s.now()

	s.mu.Lock()
	var toPurge []string
	for token, u := range s.users {
		if u.Type == proxy.UserTemporary && !u.ExpiresAt.IsZero() &&
			now.After(u.ExpiresAt) && !u.Disabled() {
			u.DisabledAt = now
			u.DisabledReason = "expired"
			s.dirty[token] = struct{}{}
			disabled++
		}
		if u.Disabled() && now.Sub(u.DisabledAt) > s.opts.PurgeAfter {
			toPurge = append(toPurge, token)
		}
	}
	for _, token := range toPurge {
		delete(s.users, token)
		delete(s.dirty, token)
	}
	s.mu.Unlock()

	for _, token := range toPurge {
		if err := s.backend.DeleteUser(ctx, token); err != nil {
			slog.Error("purge user", "token", token, "error", err)
			continue
		}
		purged++
	}
	if disabled > 0 || purged > 0 {
		slog.Info("user cleanup", "disabled", disabled, "purged", purged)
	}
	return disabled, purged
}

func (s *Store) maxIPsFor(u *proxy.User) int {
	if u.MaxIPs > 0 {
		return u.MaxIPs
	}
	return s.opts.MaxIPs
}

// normalize ensures counter maps exist and clamps negative counts.
func normalize(u *proxy.User) {
	if u.TokenCounts == nil {
		u.TokenCounts = make(map[proxy.ModelFamily]proxy.TokenUsage)
	}
	if u.TokenLimits == nil {
		u.TokenLimits = make(map[proxy.ModelFamily]int64)
	}
	if u.TokenRefresh == nil {
		u.TokenRefresh = make(map[proxy.ModelFamily]int64)
	}
	for family, c := range u.TokenCounts {
		c.Input = max(c.Input, 0)
		c.Output = max(c.Output, 0)
		c.LegacyTotal = max(c.LegacyTotal, 0)
		u.TokenCounts[family] = c
	}
}
