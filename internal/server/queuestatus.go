package server

import (
	"net/http"
	"sort"

	proxy "github.com/eugener/palantir/internal"
)

type queueStatusEntry struct {
	Family          string `json:"family"`
	Depth           int    `json:"depth"`
	EstimatedWaitMS int64  `json:"estimated_wait_ms"`
}

// handleQueueStatus reports queue depth and estimated wait for every family
// the provider's enabled credentials can serve.
func (s *server) handleQueueStatus(svc proxy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		seen := map[proxy.ModelFamily]struct{}{}
		for _, cred := range s.deps.Pool.Snapshot(svc) {
			if cred.IsDisabled || cred.IsRevoked {
				continue
			}
			for _, f := range cred.ModelFamilies {
				seen[f] = struct{}{}
			}
		}

		out := make([]queueStatusEntry, 0, len(seen))
		for f := range seen {
			out = append(out, queueStatusEntry{
				Family:          string(f),
				Depth:           s.deps.Queue.Depth(f),
				EstimatedWaitMS: s.deps.Queue.EstimatedWait(f).Milliseconds(),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
		writeJSON(w, http.StatusOK, map[string]any{"service": svc, "queues": out})
	}
}
