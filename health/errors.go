package health

import "errors"

var (
	// ErrCheckFailed marks a failed check.
	ErrCheckFailed = errors.New("health: check failed")

	// ErrCheckTimeout marks a check that did not finish in time.
	ErrCheckTimeout = errors.New("health: check timeout")

	// ErrCheckerNotFound is returned for unknown checker names.
	ErrCheckerNotFound = errors.New("health: checker not found")
)
