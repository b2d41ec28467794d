package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/userstore"
)

// DefaultFlushInterval batches dirty user rows to the backend.
const DefaultFlushInterval = 20 * time.Second

// UserFlushWorker periodically writes dirty user records to the persistent
// backend. A final flush runs on shutdown so usage counted in the last
// interval is not lost.
type UserFlushWorker struct {
	users    *userstore.Store
	interval time.Duration
}

// NewUserFlushWorker creates a UserFlushWorker. A zero interval uses
// DefaultFlushInterval.
func NewUserFlushWorker(users *userstore.Store, interval time.Duration) *UserFlushWorker {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &UserFlushWorker{users: users, interval: interval}
}

// Name returns the worker identifier.
func (w *UserFlushWorker) Name() string { return "user_flush" }

// Run flushes on the configured cadence until ctx is cancelled, then once
// more with a fresh context.
func (w *UserFlushWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.users.FlushDirty(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "user flush failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.users.FlushDirty(flushCtx); err != nil {
				slog.LogAttrs(flushCtx, slog.LevelError, "final user flush failed",
					slog.String("error", err.Error()),
				)
			}
			return nil
		}
	}
}
