package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/userstore"
)

// QuotaRefreshWorker periodically tops up every user's token limits by their
// configured refresh amounts.
type QuotaRefreshWorker struct {
	users    *userstore.Store
	interval time.Duration
}

// NewQuotaRefreshWorker creates a QuotaRefreshWorker. The interval is the
// refresh period from config; a zero interval disables the worker (Run
// blocks until cancelled without refreshing).
func NewQuotaRefreshWorker(users *userstore.Store, interval time.Duration) *QuotaRefreshWorker {
	return &QuotaRefreshWorker{users: users, interval: interval}
}

// Name returns the worker identifier.
func (w *QuotaRefreshWorker) Name() string { return "quota_refresh" }

// Run refreshes quotas on the configured cadence until ctx is cancelled.
func (w *QuotaRefreshWorker) Run(ctx context.Context) error {
	if w.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := w.users.RefreshAll()
			slog.LogAttrs(ctx, slog.LevelInfo, "quota refresh",
				slog.Int("users", n),
			)
		case <-ctx.Done():
			return nil
		}
	}
}
