// Package health reports whether the agent can serve.
//
// Checkers cover the stores, the write queue depth, backend reachability
// and the active cache generation. An unreachable backend is degraded, not
// unhealthy: the agent keeps answering from cache.
//
//	agg := health.NewAggregator(health.AggregatorConfig{})
//	agg.Register(health.StoreCheck("cache_store", cacheStore))
//	agg.Register(health.QueueCheck("queue", q.Len, 100))
//	health.Mount(router, agg)
package health
