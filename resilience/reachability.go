package resilience

import (
	"sync"
	"time"
)

// State is the reachability state of the backend.
type State int

const (
	// StateOnline means recent requests reached the backend.
	StateOnline State = iota
	// StateOffline means consecutive requests failed at the transport level.
	StateOffline
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ReachabilityConfig configures a Reachability tracker.
type ReachabilityConfig struct {
	// MaxFailures is the number of consecutive failures that mark the backend offline.
	// Default: 1
	MaxFailures int

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)

	// IsFailure determines if an error counts as a reachability failure.
	// Default: all non-nil errors are failures.
	IsFailure func(err error) bool
}

// Reachability is a passive breaker: it observes request outcomes and
// reports transitions but never blocks a request.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - OnStateChange fires once per transition, in transition order per goroutine.
type Reachability struct {
	config ReachabilityConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	lastSuccess time.Time
	transitions int64
}

// NewReachability creates a tracker that starts online.
func NewReachability(config ReachabilityConfig) *Reachability {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	return &Reachability{config: config, state: StateOnline}
}

// Record observes the outcome of one request or probe.
func (r *Reachability) Record(err error) {
	if r.config.IsFailure(err) {
		r.transition(func() {
			r.failures++
			r.lastFailure = time.Now()
			if r.failures >= r.config.MaxFailures {
				r.state = StateOffline
			}
		})
		return
	}
	r.transition(func() {
		r.failures = 0
		r.lastSuccess = time.Now()
		r.state = StateOnline
	})
}

// MarkOnline forces the online state, for explicit connectivity signals.
func (r *Reachability) MarkOnline() {
	r.Record(nil)
}

func (r *Reachability) transition(update func()) {
	r.mu.Lock()
	from := r.state
	update()
	to := r.state
	if from != to {
		r.transitions++
	}
	r.mu.Unlock()

	if from != to && r.config.OnStateChange != nil {
		r.config.OnStateChange(from, to)
	}
}

// State returns the current state.
func (r *Reachability) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Online reports whether the backend is considered reachable.
func (r *Reachability) Online() bool {
	return r.State() == StateOnline
}

// Metrics returns current reachability statistics.
func (r *Reachability) Metrics() ReachabilityMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	return ReachabilityMetrics{
		State:       r.state,
		Failures:    r.failures,
		LastFailure: r.lastFailure,
		LastSuccess: r.lastSuccess,
		Transitions: r.transitions,
	}
}

// ReachabilityMetrics contains reachability statistics.
type ReachabilityMetrics struct {
	State       State
	Failures    int
	LastFailure time.Time
	LastSuccess time.Time
	Transitions int64
}
