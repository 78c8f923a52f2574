package cache

import (
	"context"
	"errors"
	"strings"
)

// MaxKeyLength is the maximum length of a stored request key. Longer keys are
// hashed by RequestKeyer.
const MaxKeyLength = 512

// Sentinel errors for cache operations.
var (
	ErrNilStore             = errors.New("cache: store is nil")
	ErrInvalidKey           = errors.New("cache: key is invalid")
	ErrKeyTooLong           = errors.New("cache: key exceeds max length")
	ErrInvalidPartitionName = errors.New("cache: partition name is invalid")
	ErrUnknownPartition     = errors.New("cache: partition does not exist")
	ErrNoGeneration         = errors.New("cache: no active generation")
	ErrSeedFailed           = errors.New("cache: seeding generation failed")
)

// Store is a keyed blob store namespaced by partition.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Context: methods should honor cancellation where applicable.
//   - Atomicity: Put replaces any previous value for a key as a single step;
//     readers see either the old or the new response, never a mix.
//   - Partitions: Put to a partition that was never created, or has been
//     dropped, fails with ErrUnknownPartition. Get on an unknown partition is a miss.
type Store interface {
	CreatePartition(ctx context.Context, name string) error
	// DropPartition removes a partition and all its entries. Idempotent.
	DropPartition(ctx context.Context, name string) error
	Partitions(ctx context.Context) ([]string, error)

	// Get returns (nil, false, nil) on miss.
	Get(ctx context.Context, partition, key string) (*Response, bool, error)
	Put(ctx context.Context, partition, key string, resp *Response) error
	// Delete removes one entry. Idempotent.
	Delete(ctx context.Context, partition, key string) error
	Keys(ctx context.Context, partition string) ([]string, error)

	// Ping reports whether the store can serve requests.
	Ping(ctx context.Context) error
	Close() error
}

// ValidateKey checks if a key can be stored.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}

// ValidatePartitionName checks a partition name. Names are used as key
// prefixes by the durable stores, so separators are rejected.
func ValidatePartitionName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\n\r ") {
		return ErrInvalidPartitionName
	}
	return nil
}
