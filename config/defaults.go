package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/classify"
	"github.com/jonwraymond/offlineagent/observe"
)

// Default returns a configuration with every default applied. Origin is
// left empty and must be supplied.
func Default() *Config {
	cfg := &Config{Version: "v1"}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values. Explicitly set fields are kept.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applyCacheDefaults(&cfg.Cache)
	applyClassifyDefaults(&cfg.Classify)
	applyQueueDefaults(&cfg.Queue)
	applyConnectivityDefaults(&cfg.Connectivity)
	applyClientsDefaults(&cfg.Clients)
	applyNotifyDefaults(&cfg.Notify)
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8080"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Dir == "" {
		cfg.Dir = defaultDataDir()
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "badger"
	}
	if cfg.QueueBackend == "" {
		cfg.QueueBackend = "badger"
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Prefix == "" {
		cfg.Prefix = cache.DefaultPrefix
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = cache.DefaultPolicy().MaxBodyBytes
	}
	if cfg.Manifest.EntryPoint == "" {
		cfg.Manifest.EntryPoint = "/"
	}
	if cfg.Manifest.OfflineFallback == "" {
		cfg.Manifest.OfflineFallback = "/offline.html"
	}
	if cfg.MaxRefreshes == 0 {
		cfg.MaxRefreshes = 4
	}
}

func applyClassifyDefaults(cfg *ClassifyConfig) {
	rules := classify.DefaultRules()
	if len(cfg.APIPrefixes) == 0 {
		cfg.APIPrefixes = rules.APIPrefixes
	}
	if len(cfg.MediaExtensions) == 0 {
		cfg.MediaExtensions = rules.MediaExtensions
	}
}

func applyQueueDefaults(cfg *QueueConfig) {
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = 30 * time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.ReplayRate == 0 {
		cfg.ReplayRate = 10
	}
	if cfg.ReplayBurst == 0 {
		cfg.ReplayBurst = 5
	}
	if cfg.DepthWarning == 0 {
		cfg.DepthWarning = 100
	}
}

func applyConnectivityDefaults(cfg *ConnectivityConfig) {
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/"
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}
}

func applyClientsDefaults(cfg *ClientsConfig) {
	if cfg.TTL == 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.Mailbox == 0 {
		cfg.Mailbox = 16
	}
}

func applyNotifyDefaults(cfg *NotifyConfig) {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Default.URL == "" {
		cfg.Default.URL = "/"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "none"
	}
	if cfg.Tracing.SamplePct == 0 {
		cfg.Tracing.SamplePct = 1.0
	}
	if cfg.Metrics.Exporter == "" {
		cfg.Metrics.Exporter = "prometheus"
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "offlineagent")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "offlineagent-data"
	}
	return filepath.Join(home, ".local", "share", "offlineagent")
}

// ClassifyRules converts the classify section.
func (c *Config) ClassifyRules() classify.Rules {
	return classify.Rules{
		APIPrefixes:     c.Classify.APIPrefixes,
		MediaExtensions: c.Classify.MediaExtensions,
	}
}

// CachePolicy converts the cache section.
func (c *Config) CachePolicy() cache.Policy {
	return cache.Policy{MaxBodyBytes: c.Cache.MaxBodyBytes}
}

// ObserveConfig converts the logging and telemetry sections. Log lines go
// to w.
func (c *Config) ObserveConfig(w io.Writer) observe.Config {
	return observe.Config{
		ServiceName: "offlineagent",
		Version:     c.Version,
		Tracing: observe.TracingConfig{
			Enabled:   c.Telemetry.Tracing.Enabled,
			Exporter:  c.Telemetry.Tracing.Exporter,
			SamplePct: c.Telemetry.Tracing.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  c.Telemetry.Metrics.Enabled,
			Exporter: c.Telemetry.Metrics.Exporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   c.Logging.Level,
			Output:  w,
		},
	}
}

// OpenLogOutput opens the configured log destination. The returned close
// function is a no-op for stdout and stderr.
func (c *Config) OpenLogOutput() (io.Writer, func() error, error) {
	switch c.Logging.Output {
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	case "stderr", "":
		return os.Stderr, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Logging.Output), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(c.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
