package userstore

import (
	"context"
	"sync"

	proxy "github.com/eugener/palantir/internal"
)

// MemoryBackend keeps users in process memory only. Suitable for tests and
// deployments that accept losing quota state on restart.
type MemoryBackend struct {
	mu    sync.Mutex
	users map[string]*proxy.User
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{users: make(map[string]*proxy.User)}
}

// LoadUsers returns clones of everything saved so far.
func (b *MemoryBackend) LoadUsers(_ context.Context) ([]*proxy.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*proxy.User, 0, len(b.users))
	for _, u := range b.users {
		out = append(out, u.Clone())
	}
	return out, nil
}

// SaveUsers stores clones of the batch.
func (b *MemoryBackend) SaveUsers(_ context.Context, users []*proxy.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range users {
		b.users[u.Token] = u.Clone()
	}
	return nil
}

// DeleteUser removes a user.
func (b *MemoryBackend) DeleteUser(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.users, token)
	return nil
}

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }
