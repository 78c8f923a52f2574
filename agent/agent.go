// Package agent wires the offline-resilience components together and
// exposes the lifecycle hooks the host runtime drives: install, activate,
// intercept, connectivity restored, push received, notification activated
// and control message.
//
// The Agent holds every handle explicitly. There is no package state.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/classify"
	"github.com/jonwraymond/offlineagent/clients"
	"github.com/jonwraymond/offlineagent/connectivity"
	"github.com/jonwraymond/offlineagent/control"
	"github.com/jonwraymond/offlineagent/notify"
	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/queue"
	"github.com/jonwraymond/offlineagent/resilience"
	"github.com/jonwraymond/offlineagent/strategy"
	"github.com/jonwraymond/offlineagent/transport"
)

var (
	ErrNilCacheStore = errors.New("agent: cache store is required")
	ErrNilQueueStore = errors.New("agent: queue store is required")
	ErrNotReady      = errors.New("agent: no active cache generation")
)

// Config configures an Agent.
type Config struct {
	// Version tags the cache generation this agent installs.
	Version string

	// Origin is the backend base URL.
	Origin *url.URL

	CacheStore cache.Store
	QueueStore queue.Store

	// Prefix namespaces partition names. Default: cache.DefaultPrefix.
	Prefix   string
	Manifest cache.Manifest
	Rules    classify.Rules
	Policy   cache.Policy

	// Client performs backend round trips. Default: a client with no
	// timeout; the transport's own failures are the only limit.
	Client *http.Client

	// MaxRefreshes bounds concurrent background revalidations. Default: 4.
	MaxRefreshes int

	// MaxAttempts abandons an operation after this many failed replays.
	// Zero retries until delivered or cancelled.
	MaxAttempts int

	// DrainInterval and MaxBackoff schedule periodic drains. A failing drain
	// doubles the delay up to MaxBackoff; a clean one resets it.
	// Defaults: 30s and 5m.
	DrainInterval time.Duration
	MaxBackoff    time.Duration

	// ReplayRate paces replays within one drain. Zero disables pacing.
	ReplayRate  float64
	ReplayBurst int

	Connectivity ConnectivityConfig
	Clients      clients.Config
	Notify       NotifyConfig

	Logger     observe.Logger
	Metrics    observe.Metrics
	Middleware *observe.Middleware
}

// ConnectivityConfig configures backend probing.
type ConnectivityConfig struct {
	ProbePath        string
	ProbeInterval    time.Duration
	FailureThreshold int
}

// NotifyConfig configures notifications.
type NotifyConfig struct {
	Default      notify.Payload
	Language     language.Tag
	ReplayTitle  string
	ReplayBody   string
	ReplayTarget string

	// Sink shows notifications in addition to re-delivering them to open
	// clients. Default: the logger.
	Sink notify.Sink
}

// Agent is the offline-resilience agent.
//
// Contract:
//   - Concurrency: every hook is safe for concurrent use.
//   - Intercepts hold the generation read lock for their whole duration and
//     activation takes the write lock, so no request sees a mixed generation.
//   - Hooks never panic on backend or storage failure; each failure has a
//     defined fallback response.
type Agent struct {
	version string
	origin  *url.URL
	maxBody int64
	logger  observe.Logger

	cacheStore cache.Store
	queueStore queue.Store

	generations *cache.Manager
	classifier  *classify.Classifier
	router      *strategy.Router
	fetcher     *transport.Fetcher
	queue       *queue.Queue
	clients     *clients.Registry
	notifier    *notify.Dispatcher
	control     *control.Channel
	monitor     *connectivity.Monitor
	backoff     *resilience.Backoff

	// genMu orders partition resolution and cache writes against
	// activation. It is never held across network I/O.
	genMu sync.RWMutex

	stateMu sync.Mutex
	waiting string
	runCtx  context.Context

	kick chan struct{}
	wg   sync.WaitGroup
}

// New builds an Agent. Call Start before serving.
func New(cfg Config) (*Agent, error) {
	if cfg.CacheStore == nil {
		return nil, ErrNilCacheStore
	}
	if cfg.QueueStore == nil {
		return nil, ErrNilQueueStore
	}
	if cfg.Origin == nil {
		return nil, transport.ErrNilOrigin
	}
	if cfg.Version == "" {
		return nil, errors.New("agent: version is required")
	}
	if cfg.Policy.MaxBodyBytes <= 0 {
		cfg.Policy = cache.DefaultPolicy()
	}
	if len(cfg.Rules.APIPrefixes) == 0 && len(cfg.Rules.MediaExtensions) == 0 {
		cfg.Rules = classify.DefaultRules()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.NopMetrics()
	}
	logger := observe.OrNop(cfg.Logger)

	a := &Agent{
		version:    cfg.Version,
		origin:     cfg.Origin,
		maxBody:    cfg.Policy.MaxBodyBytes,
		logger:     logger,
		cacheStore: cfg.CacheStore,
		queueStore: cfg.QueueStore,
		classifier: classify.New(cfg.Rules),
		runCtx:     context.Background(),
		kick:       make(chan struct{}, 1),
	}

	monitor, err := connectivity.New(connectivity.Config{
		Origin:           cfg.Origin,
		ProbePath:        cfg.Connectivity.ProbePath,
		Interval:         cfg.Connectivity.ProbeInterval,
		FailureThreshold: cfg.Connectivity.FailureThreshold,
		Client:           cfg.Client,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	monitor.OnRestored(func(context.Context) { a.scheduleDrain() })
	a.monitor = monitor

	a.fetcher = transport.NewFetcher(transport.FetcherConfig{
		Client:       cfg.Client,
		Reachability: monitor.Reachability(),
	})

	a.generations, err = cache.NewManager(cfg.CacheStore, cache.ManagerConfig{
		Prefix:   cfg.Prefix,
		Origin:   cfg.Origin,
		Manifest: cfg.Manifest,
		Fetcher:  a.fetcher,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	readThrough := cache.NewReadThrough(cfg.CacheStore, a.generations.Keyer(), cfg.Policy,
		func(ctx context.Context, partition, key string, err error) {
			cfg.Metrics.RecordCacheWriteError(ctx, partition)
			logger.Warn(ctx, "cache write failed",
				observe.F("partition", partition),
				observe.F("key", key),
				observe.Err(err),
			)
		}).WithAdmit(a.admitWrite)

	a.router, err = strategy.NewRouter(strategy.RouterConfig{
		Classifier: a.classifier,
		Partitions: a.generations.Current,
		Deps: strategy.Deps{
			ReadThrough: readThrough,
			Fetcher:     a.fetcher,
			Fallback:    a.generations.Fallback,
			Refreshes:   resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: cfg.MaxRefreshes}),
			Logger:      logger,
		},
		Middleware: cfg.Middleware,
	})
	if err != nil {
		return nil, err
	}

	clientsCfg := cfg.Clients
	onClosed := clientsCfg.OnClosed
	clientsCfg.OnClosed = func(id string) {
		if onClosed != nil {
			onClosed(id)
		}
		a.clientClosed()
	}
	a.clients = clients.NewRegistry(clientsCfg)

	sink := cfg.Notify.Sink
	if sink == nil {
		sink = notify.LogSink{Logger: logger}
	}
	a.notifier = notify.NewDispatcher(notify.Config{
		Default:      cfg.Notify.Default,
		Language:     cfg.Notify.Language,
		ReplayTitle:  cfg.Notify.ReplayTitle,
		ReplayBody:   cfg.Notify.ReplayBody,
		ReplayTarget: cfg.Notify.ReplayTarget,
		Sink:         notify.MultiSink{sink, notify.ClientSink{Clients: a.clients}},
		Clients:      a.clients,
		Logger:       logger,
	})

	replayer, err := transport.NewReplayer(transport.ReplayerConfig{
		Origin:  cfg.Origin,
		Fetcher: a.fetcher,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	var pacer *resilience.RateLimiter
	if cfg.ReplayRate > 0 {
		pacer = resilience.NewRateLimiter(resilience.RateLimiterConfig{Rate: cfg.ReplayRate, Burst: cfg.ReplayBurst})
	}
	a.queue, err = queue.New(queue.Config{
		Store:       cfg.QueueStore,
		Sender:      replayer,
		Notifier:    replayNotifier{dispatcher: a.notifier, logger: logger},
		MaxAttempts: cfg.MaxAttempts,
		Pacer:       pacer,
		Logger:      logger,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	a.backoff = resilience.NewBackoff(resilience.BackoffConfig{
		Initial: cfg.DrainInterval,
		Max:     cfg.MaxBackoff,
		Jitter:  true,
	})
	a.control = control.NewChannel(a, logger)
	return a, nil
}

// Start recovers operations interrupted by a crash and installs this
// agent's version.
func (a *Agent) Start(ctx context.Context) error {
	if _, err := a.queue.Recover(ctx); err != nil {
		return err
	}
	return a.OnInstall(ctx)
}

// Run drives the background work until ctx is done: connectivity probes
// and the periodic drain.
func (a *Agent) Run(ctx context.Context) error {
	a.stateMu.Lock()
	a.runCtx = ctx
	a.stateMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.monitor.Run(ctx) })
	g.Go(func() error { return a.drainLoop(ctx) })
	return g.Wait()
}

// Close waits for background work started by hooks and closes the stores.
func (a *Agent) Close() error {
	a.wg.Wait()
	a.monitor.Wait()
	a.router.Wait()
	return errors.Join(a.cacheStore.Close(), a.queueStore.Close())
}

// RefreshStats reports usage of the background refresh slots.
func (a *Agent) RefreshStats() resilience.BulkheadStats {
	return a.router.RefreshStats()
}

// Version returns the active generation, or "" before activation.
func (a *Agent) Version() string {
	return a.generations.Version()
}

// Waiting returns the installed version waiting for activation, if any.
func (a *Agent) Waiting() string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.waiting
}

// Queue returns the write queue.
func (a *Agent) Queue() *queue.Queue { return a.queue }

// Clients returns the client registry.
func (a *Agent) Clients() *clients.Registry { return a.clients }

// Online reports whether the backend is considered reachable.
func (a *Agent) Online() bool { return a.monitor.Online() }

// Ping checks both stores.
func (a *Agent) Ping(ctx context.Context) error {
	if err := a.cacheStore.Ping(ctx); err != nil {
		return fmt.Errorf("agent: cache store: %w", err)
	}
	if err := a.queue.Ping(ctx); err != nil {
		return fmt.Errorf("agent: queue store: %w", err)
	}
	return nil
}

func (a *Agent) background() context.Context {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return context.WithoutCancel(a.runCtx)
}
