// Package classify maps intercepted HTTP requests to a caching class.
//
// Classification is stateless and deterministic: the same method, URL and
// headers always yield the same Class. Rules apply in priority order:
// non-idempotent methods are mutating, non-http(s) schemes bypass the agent,
// read-API paths are dynamic, requests with media intent are media, and
// everything else is static.
package classify
