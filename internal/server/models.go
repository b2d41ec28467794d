package server

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/maypok86/otter/v2"

	proxy "github.com/eugener/palantir/internal"
)

// modelsCacheTTL keeps the per-service model list fresh enough to reflect
// credential churn without recomputing on every poll.
const modelsCacheTTL = 60 * time.Second

type modelsCache = *otter.Cache[proxy.Service, []modelEntry]

func (s *server) initModelsCache() error {
	c, err := otter.New(&otter.Options[proxy.Service, []modelEntry]{
		MaximumSize:      64,
		ExpiryCalculator: otter.ExpiryWriting[proxy.Service, []modelEntry](modelsCacheTTL),
	})
	if err != nil {
		return fmt.Errorf("create models cache: %w", err)
	}
	s.modelsCache = c
	return nil
}

// handleListModels returns the model families currently servable on the
// provider, derived from enabled credentials. Cached for 60s.
func (s *server) handleListModels(svc proxy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, ok := s.modelsCache.GetIfPresent(svc)
		if !ok {
			data = s.buildModelList(svc)
			s.modelsCache.Set(svc, data)
		}
		writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
	}
}

func (s *server) buildModelList(svc proxy.Service) []modelEntry {
	seen := map[proxy.ModelFamily]struct{}{}
	for _, cred := range s.deps.Pool.Snapshot(svc) {
		if cred.IsDisabled || cred.IsRevoked {
			continue
		}
		for _, f := range cred.ModelFamilies {
			seen[f] = struct{}{}
		}
	}

	now := time.Now().Unix()
	data := make([]modelEntry, 0, len(seen))
	for f := range seen {
		data = append(data, modelEntry{
			ID:      string(f),
			Object:  "model",
			Created: now,
			OwnedBy: string(svc),
		})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })
	return data
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
