package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNilOrigin = errors.New("transport: origin is required")

	// ErrRejected is matched by every *StatusError.
	ErrRejected = errors.New("transport: backend rejected request")
)

// StatusError reports a replay answered with a non-2xx status.
type StatusError struct {
	Status int
	OpID   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: replay %s: backend returned %d", e.OpID, e.Status)
}

// Is reports whether this error matches the target.
func (e *StatusError) Is(target error) bool {
	return target == ErrRejected
}
