// Package strategy implements the per-class caching strategies applied to
// intercepted requests.
//
//   - CacheFirst serves static resources from the cache and only goes to the
//     network on a miss. Concurrent misses for one key share a fetch.
//   - NetworkFirst serves dynamic API reads from the network and falls back to
//     the last cached copy, then to a structured offline response.
//   - StaleWhileRevalidate serves media from the cache and refreshes it in the
//     background.
//
// Router picks the strategy for a request's class and wraps execution with
// observe.Middleware.
package strategy
