package keypool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// ProbeTimeout bounds a single health-check probe.
const ProbeTimeout = 15 * time.Second

// Checker validates one credential against its provider, returning a patch
// for the pool. Checkers run on init and on a periodic cadence via the
// health worker.
type Checker interface {
	Service() proxy.Service
	CheckKey(ctx context.Context, cred proxy.Credential) (Update, error)
}

// RunChecks probes every credential of the checker's service and applies the
// resulting updates. Probe failures are logged, never fatal: an unreachable
// provider must not disable the whole pool.
func RunChecks(ctx context.Context, pool *Pool, ch Checker) {
	for _, cred := range pool.Snapshot(ch.Service()) {
		if cred.IsRevoked {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
		update, err := ch.CheckKey(probeCtx, cred)
		cancel()
		if err != nil {
			slog.Error("key check failed",
				"service", ch.Service(), "hash", cred.Hash, "error", err)
			continue
		}
		now := time.Now()
		update.LastChecked = &now
		pool.ApplyUpdate(cred.Hash, update)
	}
}

// readBody drains up to 256KB of a probe response body.
func readBody(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	resp.Body.Close()
	return body
}

// boolPtr and strPtr build Update patch fields.
func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

// probeError formats a non-OK probe response.
func probeError(service proxy.Service, status int, body []byte) error {
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Errorf("%s probe: HTTP %d: %s", service, status, body)
}
