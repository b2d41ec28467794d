package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/affinity"
	"github.com/eugener/palantir/internal/userstore"
)

// cleanupInterval paces the expired-user and affinity sweeps.
const cleanupInterval = time.Minute

// CleanupWorker disables expired users, purges temporary ones past their
// grace period, and evicts stale cache-affinity routes.
type CleanupWorker struct {
	users  *userstore.Store
	router *affinity.Router
}

// NewCleanupWorker creates a CleanupWorker. Either dependency may be nil,
// in which case its sweep is skipped.
func NewCleanupWorker(users *userstore.Store, router *affinity.Router) *CleanupWorker {
	return &CleanupWorker{users: users, router: router}
}

// Name returns the worker identifier.
func (w *CleanupWorker) Name() string { return "cleanup" }

// Run sweeps once a minute until ctx is cancelled.
func (w *CleanupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	if w.users != nil {
		disabled, purged := w.users.CleanupExpired(ctx)
		if disabled > 0 || purged > 0 {
			slog.LogAttrs(ctx, slog.LevelInfo, "expired user sweep",
				slog.Int("disabled", disabled),
				slog.Int("purged", purged),
			)
		}
	}
	if w.router != nil {
		w.router.Sweep()
	}
}
