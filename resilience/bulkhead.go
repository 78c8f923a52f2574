package resilience

import (
	"sync"
	"sync/atomic"
)

// BulkheadConfig configures the bulkhead.
type BulkheadConfig struct {
	// MaxConcurrent is the number of slots. Default: 4.
	MaxConcurrent int
}

// Bulkhead bounds concurrent background work. It never waits for a slot:
// work that does not fit is rejected.
type Bulkhead struct {
	slots chan struct{}
	wg    sync.WaitGroup

	peak     atomic.Int64
	rejected atomic.Int64
}

// NewBulkhead creates a bulkhead.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	return &Bulkhead{slots: make(chan struct{}, config.MaxConcurrent)}
}

// TryAcquire takes a slot if one is free.
func (b *Bulkhead) TryAcquire() bool {
	select {
	case b.slots <- struct{}{}:
		n := int64(len(b.slots))
		for {
			p := b.peak.Load()
			if n <= p || b.peak.CompareAndSwap(p, n) {
				break
			}
		}
		return true
	default:
		b.rejected.Add(1)
		return false
	}
}

// Release frees a slot. Releasing with no slot held is a no-op.
func (b *Bulkhead) Release() {
	select {
	case <-b.slots:
	default:
	}
}

// Go runs fn on a new goroutine holding a slot. The caller does not wait for
// fn. Returns ErrBulkheadFull when no slot is free.
func (b *Bulkhead) Go(fn func()) error {
	if !b.TryAcquire() {
		return ErrBulkheadFull
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.Release()
		fn()
	}()
	return nil
}

// Wait blocks until every goroutine started by Go has returned.
func (b *Bulkhead) Wait() {
	b.wg.Wait()
}

// BulkheadStats is a snapshot of bulkhead usage.
type BulkheadStats struct {
	Active   int
	Peak     int
	Capacity int
	Rejected int64
}

// Stats returns current usage.
func (b *Bulkhead) Stats() BulkheadStats {
	return BulkheadStats{
		Active:   len(b.slots),
		Peak:     int(b.peak.Load()),
		Capacity: cap(b.slots),
		Rejected: b.rejected.Load(),
	}
}
