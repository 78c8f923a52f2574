// Package cache holds the agent's versioned response cache.
//
// A Store keeps cached responses in named partitions. Each partition belongs
// to exactly one cacheable request class and one application version
// (generation). The Manager creates and seeds a generation's partitions at
// install time and tears down every other generation at activation, so at
// steady state exactly one generation is live.
//
// Three Store implementations are provided: MemoryStore for tests and
// ephemeral runs, BadgerStore (the default durable store) and LevelDBStore.
package cache
