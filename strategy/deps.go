package strategy

import (
	"context"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/classify"
	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/resilience"
)

// Deps are the collaborators shared by the strategies.
type Deps struct {
	// ReadThrough accesses the partitions. Required.
	ReadThrough *cache.ReadThrough

	// Fetcher performs network requests. Required.
	Fetcher cache.Fetcher

	// Fallback serves navigations that fail with nothing cached. Optional.
	Fallback FallbackFunc

	// Refreshes bounds background revalidation. Defaults to a bulkhead with
	// the default concurrency.
	Refreshes *resilience.Bulkhead

	Logger observe.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Refreshes == nil {
		d.Refreshes = resilience.NewBulkhead(resilience.BulkheadConfig{})
	}
	d.Logger = observe.OrNop(d.Logger)
	return d
}

// fill fetches r into partition, sharing one fetch between concurrent
// callers for the same key. The shared fetch is detached from any single
// caller's cancellation; a caller that gives up only stops waiting.
func fill(ctx context.Context, group *singleflight.Group, d Deps, partition string, r *http.Request) (*cache.Response, error) {
	key := partition + "\x00" + d.ReadThrough.Key(r)
	detached := r.WithContext(context.WithoutCancel(ctx))

	ch := group.DoChan(key, func() (any, error) {
		return d.ReadThrough.Fill(detached.Context(), partition, detached, d.Fetcher)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Response).WithSource(cache.SourceNetwork), nil
	}
}

// unreachable answers a request that the network could not serve and the
// cache did not hold.
func unreachable(ctx context.Context, d Deps, r *http.Request, cause error) *cache.Response {
	if d.Fallback != nil && classify.IsNavigation(r) {
		fb, err := d.Fallback(ctx)
		if err == nil {
			return fb.WithSource(cache.SourceFallback)
		}
		d.Logger.Warn(ctx, "offline fallback unavailable", observe.F("path", r.URL.Path), observe.Err(err))
	}
	d.Logger.Info(ctx, "serving offline response",
		observe.F("path", r.URL.Path),
		observe.Err(cause),
	)
	return Offline(r)
}
