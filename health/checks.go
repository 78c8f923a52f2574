package health

import (
	"context"
	"fmt"

	"github.com/jonwraymond/offlineagent/resilience"
)

// Pinger is implemented by cache and queue stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck reports unhealthy when the store does not answer a ping.
func StoreCheck(name string, p Pinger) Checker {
	return NewCheckFunc(name, func(ctx context.Context) Result {
		if err := p.Ping(ctx); err != nil {
			return Unhealthy("store unavailable", err)
		}
		return Healthy("store available")
	})
}

// DepthFunc returns the number of queued operations.
type DepthFunc func(ctx context.Context) (int, error)

// QueueCheck reports degraded when more than warn operations wait for
// replay. A warn of zero disables the threshold.
func QueueCheck(name string, depth DepthFunc, warn int) Checker {
	return NewCheckFunc(name, func(ctx context.Context) Result {
		n, err := depth(ctx)
		if err != nil {
			return Unhealthy("queue unavailable", err)
		}
		details := map[string]any{"depth": n, "warn_depth": warn}
		if warn > 0 && n > warn {
			return Degraded(fmt.Sprintf("%d operations awaiting replay", n)).WithDetails(details)
		}
		return Healthy(fmt.Sprintf("%d operations awaiting replay", n)).WithDetails(details)
	})
}

// ReachabilityCheck reports degraded while the backend is offline. The agent
// keeps serving from cache, so an unreachable backend is never unhealthy.
func ReachabilityCheck(name string, online func() bool) Checker {
	return NewCheckFunc(name, func(context.Context) Result {
		if online() {
			return Healthy("backend reachable")
		}
		return Degraded("backend unreachable, serving from cache")
	})
}

// GenerationCheck reports unhealthy until a cache generation is active.
func GenerationCheck(name string, version func() string) Checker {
	return NewCheckFunc(name, func(context.Context) Result {
		v := version()
		if v == "" {
			return Unhealthy("no active cache generation", ErrCheckFailed)
		}
		return Healthy("generation active").WithDetails(map[string]any{"version": v})
	})
}

// RefreshCheck reports degraded while every background refresh slot is
// taken, so stale media is served without being refreshed.
func RefreshCheck(name string, stats func() resilience.BulkheadStats) Checker {
	return NewCheckFunc(name, func(context.Context) Result {
		s := stats()
		details := map[string]any{
			"active":   s.Active,
			"peak":     s.Peak,
			"capacity": s.Capacity,
			"rejected": s.Rejected,
		}
		if s.Capacity > 0 && s.Active >= s.Capacity {
			return Degraded("refresh slots exhausted").WithDetails(details)
		}
		return Healthy(fmt.Sprintf("%d of %d refresh slots in use", s.Active, s.Capacity)).WithDetails(details)
	})
}
