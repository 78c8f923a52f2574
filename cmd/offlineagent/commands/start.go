package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/jonwraymond/offlineagent/agent"
	"github.com/jonwraymond/offlineagent/auth"
	"github.com/jonwraymond/offlineagent/clients"
	"github.com/jonwraymond/offlineagent/config"
	"github.com/jonwraymond/offlineagent/health"
	"github.com/jonwraymond/offlineagent/notify"
	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/secret"
	"github.com/jonwraymond/offlineagent/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent",
	Long: `Start the agent in the foreground.

Use --config to specify a configuration file, or it will use the default
location at $XDG_CONFIG_HOME/offlineagent/config.yaml.

Examples:
  # Start with the default config file
  offlineagent start

  # Start with environment variable overrides
  OFFLINEAGENT_LOGGING_LEVEL=debug offlineagent start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	path := configPath()
	cfg, err := config.MustLoad(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.ResolveSecrets(ctx, secret.DefaultResolver(filepath.Dir(path))); err != nil {
		return err
	}

	out, closeLog, err := cfg.OpenLogOutput()
	if err != nil {
		return fmt.Errorf("failed to open log output: %w", err)
	}
	defer func() { _ = closeLog() }()

	obs, err := observe.NewObserver(ctx, cfg.ObserveConfig(out))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.WithoutCancel(ctx)) }()
	logger := obs.Logger()

	mw, err := observe.MiddlewareFromObserver(obs)
	if err != nil {
		return err
	}
	metrics, err := observe.NewMetrics(obs.Meter())
	if err != nil {
		return err
	}

	a, err := buildAgent(cfg, logger, metrics, mw)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error(ctx, "close stores", observe.Err(err))
		}
	}()

	logger.Info(ctx, "configuration loaded",
		observe.F("source", path),
		observe.F("origin", cfg.Origin),
		observe.F("version", cfg.Version),
		observe.F("cache_backend", cfg.Storage.CacheBackend),
		observe.F("queue_backend", cfg.Storage.QueueBackend),
	)

	if err := a.Start(ctx); err != nil {
		// without a generation, writes and bypass traffic are still served
		logger.Warn(ctx, "start incomplete", observe.Err(err))
	}

	agg := health.NewAggregator(health.AggregatorConfig{})
	agg.Register(health.StoreCheck("stores", a))
	agg.Register(health.QueueCheck("queue", a.Queue().Len, cfg.Queue.DepthWarning))
	agg.Register(health.ReachabilityCheck("backend", a.Online))
	agg.Register(health.GenerationCheck("generation", a.Version))
	agg.Register(health.RefreshCheck("refreshes", a.RefreshStats))

	handler := server.NewRouter(server.RouterConfig{
		Agent:  a,
		Health: agg,
		Auth:   controlAuth(cfg.Control),
		Logger: logger,
	})
	srv := server.New(cfg.Server.Listen, handler, cfg.Server.ShutdownTimeout, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error(ctx, "agent stopped", observe.Err(err))
		return err
	}
	logger.Info(ctx, "agent stopped")
	return nil
}

func buildAgent(cfg *config.Config, logger observe.Logger, metrics observe.Metrics, mw *observe.Middleware) (*agent.Agent, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}

	cacheStore, err := openCacheStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	queueStore, err := openQueueStore(cfg.Storage)
	if err != nil {
		_ = cacheStore.Close()
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}

	a, err := agent.New(agent.Config{
		Version:       cfg.Version,
		Origin:        origin,
		CacheStore:    cacheStore,
		QueueStore:    queueStore,
		Prefix:        cfg.Cache.Prefix,
		Manifest:      cfg.Cache.Manifest,
		Rules:         cfg.ClassifyRules(),
		Policy:        cfg.CachePolicy(),
		MaxRefreshes:  cfg.Cache.MaxRefreshes,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		DrainInterval: cfg.Queue.DrainInterval,
		MaxBackoff:    cfg.Queue.MaxBackoff,
		ReplayRate:    cfg.Queue.ReplayRate,
		ReplayBurst:   cfg.Queue.ReplayBurst,
		Connectivity: agent.ConnectivityConfig{
			ProbePath:        cfg.Connectivity.ProbePath,
			ProbeInterval:    cfg.Connectivity.ProbeInterval,
			FailureThreshold: cfg.Connectivity.FailureThreshold,
		},
		Clients: clients.Config{
			TTL:     cfg.Clients.TTL,
			Mailbox: cfg.Clients.Mailbox,
		},
		Notify: agent.NotifyConfig{
			Default: notify.Payload{
				Title:  cfg.Notify.Default.Title,
				Body:   cfg.Notify.Default.Body,
				Icon:   cfg.Notify.Default.Icon,
				Tag:    cfg.Notify.Default.Tag,
				Target: cfg.Notify.Default.URL,
			},
			Language:     language.Make(cfg.Notify.Language),
			ReplayTitle:  cfg.Notify.ReplayTitle,
			ReplayBody:   cfg.Notify.ReplayBody,
			ReplayTarget: cfg.Notify.ReplayTarget,
		},
		Logger:     logger,
		Metrics:    metrics,
		Middleware: mw,
	})
	if err != nil {
		_ = cacheStore.Close()
		_ = queueStore.Close()
		return nil, err
	}
	return a, nil
}

// controlAuth returns nil when no control credential is configured.
func controlAuth(cfg config.ControlConfig) auth.Authenticator {
	var auths []auth.Authenticator
	if cfg.APIKey != "" {
		auths = append(auths, auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{KeyID: "control"}, cfg.APIKey))
	}
	if cfg.JWTSecret != "" {
		auths = append(auths, auth.NewJWTAuthenticator(auth.JWTConfig{
			Secret:   []byte(cfg.JWTSecret),
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		}))
	}
	if len(auths) == 0 {
		return nil
	}
	return auth.NewComposite(auths...)
}
