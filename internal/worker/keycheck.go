package worker

import (
	"context"
	"time"

	"github.com/eugener/palantir/internal/keypool"
)

// DefaultKeyCheckInterval is how often every credential is re-probed against
// its provider after the initial startup sweep.
const DefaultKeyCheckInterval = 6 * time.Hour

// KeyCheckWorker periodically re-validates pool credentials so revoked or
// over-quota keys leave rotation without waiting for a live request to fail.
type KeyCheckWorker struct {
	pool     *keypool.Pool
	checkers []keypool.Checker
	interval time.Duration
}

// NewKeyCheckWorker creates a KeyCheckWorker. A zero interval uses
// DefaultKeyCheckInterval.
func NewKeyCheckWorker(pool *keypool.Pool, interval time.Duration, checkers ...keypool.Checker) *KeyCheckWorker {
	if interval <= 0 {
		interval = DefaultKeyCheckInterval
	}
	return &KeyCheckWorker{pool: pool, checkers: checkers, interval: interval}
}

// Name returns the worker identifier.
func (w *KeyCheckWorker) Name() string { return "key_check" }

// Run probes all credentials once at startup, then on the configured cadence.
func (w *KeyCheckWorker) Run(ctx context.Context) error {
	w.checkAll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.checkAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *KeyCheckWorker) checkAll(ctx context.Context) {
	for _, ch := range w.checkers {
		keypool.RunChecks(ctx, w.pool, ch)
		if ctx.Err() != nil {
			return
		}
	}
}
