package queue

import "errors"

// Sentinel errors for queue operations.
var (
	ErrNilStore       = errors.New("queue: store is nil")
	ErrNilSender      = errors.New("queue: sender is nil")
	ErrNotFound       = errors.New("queue: operation not found")
	ErrDuplicateID    = errors.New("queue: operation id already queued")
	ErrStatusConflict = errors.New("queue: operation is not in the expected status")
	ErrInFlight       = errors.New("queue: operation is being replayed")
)
