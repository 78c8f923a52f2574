package resilience

import "errors"

// ErrBulkheadFull is returned when the bulkhead is at capacity.
var ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")
