// Package queue implements the durable write queue.
//
// Mutating requests that could not reach the backend are appended as
// Operations and replayed later, strictly oldest first. Each replay moves an
// operation pending -> in_flight with a compare-and-swap. A successful replay
// makes it delivered, deletes it and emits one success notification. A failed
// replay reverts it to pending and ends the drain cycle, so later operations
// never overtake an earlier one.
//
// Stores: MemoryStore (tests), BadgerStore (default, durable) and SQLiteStore.
package queue
