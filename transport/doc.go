// Package transport talks to the backend origin.
//
// Fetcher performs buffered round trips for the cache strategies and the
// generation seeder, feeding every outcome into a resilience.Reachability
// tracker. Replayer sends queued operations back to the backend with the
// headers they were captured with.
package transport
