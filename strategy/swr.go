package strategy

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/resilience"
)

// StaleWhileRevalidate serves cached media immediately and refreshes it in
// the background.
type StaleWhileRevalidate struct {
	deps    Deps
	group   singleflight.Group
	refresh singleflight.Group
}

// NewStaleWhileRevalidate creates a StaleWhileRevalidate strategy.
func NewStaleWhileRevalidate(deps Deps) *StaleWhileRevalidate {
	return &StaleWhileRevalidate{deps: deps.withDefaults()}
}

func (s *StaleWhileRevalidate) Name() string { return NameStaleWhileRevalidate }

// Execute returns a hit without waiting for the network and starts a detached
// refresh. A miss waits for the network.
func (s *StaleWhileRevalidate) Execute(ctx context.Context, partition string, r *http.Request) (*cache.Response, error) {
	if hit, ok := s.deps.ReadThrough.Lookup(ctx, partition, r); ok {
		s.revalidate(ctx, partition, r)
		return hit.WithSource(cache.SourceStale), nil
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

func (s *StaleWhileRevalidate) revalidate(ctx context.Context, partition string, r *http.Request) {
	bg := context.WithoutCancel(ctx)
	req := r.Clone(bg)
	key := partition + "\x00" + s.deps.ReadThrough.Key(r)
	log := s.deps.Logger.WithOperation(observe.OperationMeta{Component: "strategy", Name: "revalidate"})

	err := s.deps.Refreshes.Go(func() {
		_, err, _ := s.refresh.Do(key, func() (any, error) {
			return s.deps.ReadThrough.Fill(bg, partition, req, s.deps.Fetcher)
		})
		if err != nil {
			log.Debug(bg, "background refresh failed", observe.F("path", req.URL.Path), observe.Err(err))
			return
		}
		log.Debug(bg, "background refresh stored", observe.F("path", req.URL.Path))
	})
	switch {
	case errors.Is(err, resilience.ErrBulkheadFull):
		stats := s.deps.Refreshes.Stats()
		log.Debug(ctx, "refresh skipped, too many in flight",
			observe.F("path", r.URL.Path),
			observe.F("capacity", stats.Capacity),
			observe.F("rejected", stats.Rejected),
		)
	case err != nil:
		log.Debug(ctx, "refresh skipped", observe.F("path", r.URL.Path), observe.Err(err))
	}
}

// Wait blocks until every background refresh started so far has finished.
func (s *StaleWhileRevalidate) Wait() {
	s.deps.Refreshes.Wait()
}
