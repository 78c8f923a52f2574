// Package resilience provides the pacing and isolation primitives the agent
// uses around its network activity.
//
//   - Reachability tracks whether the backend is reachable from the outcome of
//     real requests and probes, and reports online/offline transitions.
//
//   - Backoff produces growing delays between failing drain cycles.
//
//   - RateLimiter paces replay of queued operations so a backlog is not sent
//     in a burst.
//
//   - Bulkhead bounds the number of concurrent background cache refreshes.
//
// None of these add deadlines to the operations they wrap. An operation runs
// until its transport returns or its context is cancelled.
package resilience
