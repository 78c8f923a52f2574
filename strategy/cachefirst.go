package strategy

import (
	"context"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/offlineagent/cache"
)

// CacheFirst serves from the partition and fetches only on a miss.
type CacheFirst struct {
	deps  Deps
	group singleflight.Group
}

// NewCacheFirst creates a CacheFirst strategy.
func NewCacheFirst(deps Deps) *CacheFirst {
	return &CacheFirst{deps: deps.withDefaults()}
}

func (s *CacheFirst) Name() string { return NameCacheFirst }

// Execute returns the cached response when present. On a miss it fetches,
// stores storable responses and returns the network response. A failed fetch
// yields the offline fallback for navigations, otherwise the structured
// offline response.
func (s *CacheFirst) Execute(ctx context.Context, partition string, r *http.Request) (*cache.Response, error) {
	if hit, ok := s.deps.ReadThrough.Lookup(ctx, partition, r); ok {
		return hit.WithSource(cache.SourceCache), nil
	}

	resp, err := fill(ctx, &s.group, s.deps, partition, r)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return unreachable(ctx, s.deps, r, err), nil
}
