// Package connectivity tracks whether the backend origin is reachable and
// announces when it comes back.
//
// The Monitor owns a resilience.Reachability. Every fetcher built over that
// tracker reports round-trip outcomes passively; Run adds active probes so
// recovery is noticed even when no traffic flows.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/resilience"
	"github.com/jonwraymond/offlineagent/transport"
)

// ErrNoOrigin is returned by New without an origin.
var ErrNoOrigin = errors.New("connectivity: origin is required")

// RestoredFunc is called after the backend becomes reachable again.
type RestoredFunc func(ctx context.Context)

// Config configures a Monitor.
type Config struct {
	Origin *url.URL

	// ProbePath is requested on the origin. Default: "/".
	ProbePath string

	// Interval between probes. Default: 15s.
	Interval time.Duration

	// FailureThreshold is the number of consecutive failures that mark the
	// backend offline. Default: 1.
	FailureThreshold int

	// Timeout bounds each reachability check through its context.
	// Default: 10s.
	Timeout time.Duration

	// Client performs the checks. Default: a client with no timeout of its own.
	Client *http.Client

	Logger observe.Logger
}

// Monitor probes the origin and fans out restored notifications.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Restored listeners run on their own goroutines; Wait joins them.
type Monitor struct {
	probeURL *url.URL
	interval time.Duration
	timeout  time.Duration
	reach    *resilience.Reachability
	fetcher  *transport.Fetcher
	logger   observe.Logger

	mu        sync.Mutex
	base      context.Context
	listeners []RestoredFunc
	wg        sync.WaitGroup
}

// New creates a Monitor. The backend is assumed online until a probe or a
// request fails.
func New(cfg Config) (*Monitor, error) {
	if cfg.Origin == nil {
		return nil, ErrNoOrigin
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}

	m := &Monitor{
		probeURL: cfg.Origin.ResolveReference(&url.URL{Path: cfg.ProbePath}),
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   observe.OrNop(cfg.Logger),
		base:     context.Background(),
	}
	m.reach = resilience.NewReachability(resilience.ReachabilityConfig{
		MaxFailures:   cfg.FailureThreshold,
		OnStateChange: m.observe,
	})
	m.fetcher = transport.NewFetcher(transport.FetcherConfig{
		Client:       cfg.Client,
		Reachability: m.reach,
	})
	return m, nil
}

// Reachability returns the tracker that fetchers should report into.
func (m *Monitor) Reachability() *resilience.Reachability {
	return m.reach
}

// Online reports whether the backend is considered reachable.
func (m *Monitor) Online() bool {
	return m.reach.Online()
}

// OnRestored registers fn for offline to online transitions.
func (m *Monitor) OnRestored(fn RestoredFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Probe requests the probe path once, within the configured timeout. Any
// HTTP response counts as reachable.
func (m *Monitor) Probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, m.probeURL.String(), nil)
	if err != nil {
		return err
	}
	_, err = m.fetcher.Ping(pctx, req)
	if err != nil && ctx.Err() == nil {
		m.logger.Debug(ctx, "connectivity probe failed", observe.F("url", m.probeURL.String()), observe.Err(err))
	}
	return err
}

// Run probes every interval until ctx is done. Listeners fired by its
// transitions receive a context derived from ctx.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = m.Probe(ctx)
		}
	}
}

// Signal reports an explicit connectivity-restored event. Listeners fire
// even if the backend was already considered online.
func (m *Monitor) Signal(ctx context.Context) {
	if !m.reach.Online() {
		// The transition fires the listeners.
		m.reach.MarkOnline()
		return
	}
	m.fire(ctx)
}

// Wait blocks until running listeners return.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) observe(from, to resilience.State) {
	m.mu.Lock()
	ctx := m.base
	m.mu.Unlock()

	m.logger.Info(ctx, "backend reachability changed",
		observe.F("from", from.String()),
		observe.F("to", to.String()),
	)
	if from == resilience.StateOffline && to == resilience.StateOnline {
		m.fire(ctx)
	}
}

func (m *Monitor) fire(ctx context.Context) {
	m.mu.Lock()
	listeners := append([]RestoredFunc(nil), m.listeners...)
	m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	for _, fn := range listeners {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			fn(ctx)
		}()
	}
}
