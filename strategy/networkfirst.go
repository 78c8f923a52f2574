package strategy

import (
	"context"
	"net/http"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/observe"
)

// NetworkFirst prefers fresh data and falls back to the cache.
type NetworkFirst struct {
	deps Deps
}

// NewNetworkFirst creates a NetworkFirst strategy.
func NewNetworkFirst(deps Deps) *NetworkFirst {
	return &NetworkFirst{deps: deps.withDefaults()}
}

func (s *NetworkFirst) Name() string { return NameNetworkFirst }

// Execute fetches r with no deadline of its own. Any answer from the backend
// is returned and stored when storable; a transport failure serves the most
// recent cached copy, or the structured offline response.
func (s *NetworkFirst) Execute(ctx context.Context, partition string, r *http.Request) (*cache.Response, error) {
	resp, err := s.deps.ReadThrough.Fill(ctx, partition, r, s.deps.Fetcher)
	if err == nil {
		return resp.WithSource(cache.SourceNetwork), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if hit, ok := s.deps.ReadThrough.Lookup(ctx, partition, r); ok {
		s.deps.Logger.Debug(ctx, "network failed, serving cached copy",
			observe.F("path", r.URL.Path),
			observe.F("stored_at", hit.StoredAt),
			observe.Err(err),
		)
		return hit.WithSource(cache.SourceCache), nil
	}
	return unreachable(ctx, s.deps, r, err), nil
}
