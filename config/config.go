// Package config loads the agent configuration.
//
// Sources, highest precedence first:
//  1. Environment variables (OFFLINEAGENT_*, e.g. OFFLINEAGENT_ORIGIN)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/secret"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "OFFLINEAGENT"

// ErrConfigNotFound is returned by MustLoad when no configuration file exists.
var ErrConfigNotFound = errors.New("config: configuration file not found")

// Config is the agent configuration.
type Config struct {
	// Origin is the backend base URL intercepted requests are sent to.
	Origin string `mapstructure:"origin" yaml:"origin" validate:"required,url"`

	// Version tags the cache generation installed at startup.
	Version string `mapstructure:"version" yaml:"version" validate:"required,excludesall=/ "`

	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Cache        CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Classify     ClassifyConfig     `mapstructure:"classify" yaml:"classify"`
	Queue        QueueConfig        `mapstructure:"queue" yaml:"queue"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Clients      ClientsConfig      `mapstructure:"clients" yaml:"clients"`
	Notify       NotifyConfig       `mapstructure:"notify" yaml:"notify"`
	Control      ControlConfig      `mapstructure:"control" yaml:"control"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the address the agent serves on. Default: "127.0.0.1:8080".
	Listen string `mapstructure:"listen" yaml:"listen" validate:"required"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig selects where cache partitions and queued operations live.
type StorageConfig struct {
	// Dir holds the on-disk stores. Default: $XDG_DATA_HOME/offlineagent.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// CacheBackend is badger, leveldb or memory. Default: badger.
	CacheBackend string `mapstructure:"cache_backend" yaml:"cache_backend" validate:"oneof=badger leveldb memory"`

	// QueueBackend is badger, sqlite or memory. Default: badger.
	QueueBackend string `mapstructure:"queue_backend" yaml:"queue_backend" validate:"oneof=badger sqlite memory"`
}

// CacheConfig configures cache generations.
type CacheConfig struct {
	// Prefix namespaces partition names. Default: "agent".
	Prefix string `mapstructure:"prefix" yaml:"prefix" validate:"required,excludesall=/ "`

	// MaxBodyBytes caps stored response bodies. Default: 10 MiB.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes" validate:"gte=0"`

	Manifest cache.Manifest `mapstructure:"manifest" yaml:"manifest"`

	// MaxRefreshes bounds concurrent background revalidations. Default: 4.
	MaxRefreshes int `mapstructure:"max_refreshes" yaml:"max_refreshes" validate:"gte=1"`
}

// ClassifyConfig configures request classification.
type ClassifyConfig struct {
	APIPrefixes     []string `mapstructure:"api_prefixes" yaml:"api_prefixes"`
	MediaExtensions []string `mapstructure:"media_extensions" yaml:"media_extensions"`
}

// QueueConfig configures the write queue and its replay schedule.
type QueueConfig struct {
	// MaxAttempts abandons an operation after this many failed replays.
	// Default: 0 (retry until delivered or cancelled).
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=0"`

	// DrainInterval is the delay before retrying after a failed drain.
	// It doubles on each consecutive failure up to MaxBackoff. Default: 30s.
	DrainInterval time.Duration `mapstructure:"drain_interval" yaml:"drain_interval" validate:"gt=0"`

	// MaxBackoff caps the drain retry delay. Default: 5m.
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" validate:"gtefield=DrainInterval"`

	// ReplayRate and ReplayBurst pace replays within a drain. Zero rate
	// disables pacing. Defaults: 10/s, burst 5.
	ReplayRate  float64 `mapstructure:"replay_rate" yaml:"replay_rate" validate:"gte=0"`
	ReplayBurst int     `mapstructure:"replay_burst" yaml:"replay_burst" validate:"gte=0"`

	// DepthWarning marks the queue degraded in health checks. Default: 100.
	DepthWarning int `mapstructure:"depth_warning" yaml:"depth_warning" validate:"gte=0"`
}

// ConnectivityConfig configures backend reachability probing.
type ConnectivityConfig struct {
	// ProbePath is requested on the origin to test reachability. Default: "/".
	ProbePath string `mapstructure:"probe_path" yaml:"probe_path" validate:"required,startswith=/"`

	// ProbeInterval is the delay between probes. Default: 15s.
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" validate:"gt=0"`

	// FailureThreshold is the number of consecutive failures that mark the
	// backend offline. Default: 1.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold" validate:"gte=1"`
}

// ClientsConfig configures client context tracking.
type ClientsConfig struct {
	// TTL expires clients that stop heartbeating. Default: 2m.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gt=0"`

	// Mailbox is the number of undelivered messages per client. Default: 16.
	Mailbox int `mapstructure:"mailbox" yaml:"mailbox" validate:"gte=1"`
}

// NotifyConfig configures notifications.
type NotifyConfig struct {
	// Language selects the message catalog (BCP 47). Default: "en".
	Language string `mapstructure:"language" yaml:"language" validate:"required,bcp47_language_tag"`

	ReplayTitle  string `mapstructure:"replay_title" yaml:"replay_title,omitempty"`
	ReplayBody   string `mapstructure:"replay_body" yaml:"replay_body,omitempty"`
	ReplayTarget string `mapstructure:"replay_target" yaml:"replay_target,omitempty"`

	Default DefaultNotification `mapstructure:"default" yaml:"default"`
}

// DefaultNotification fills fields missing from notifications.
type DefaultNotification struct {
	Title string `mapstructure:"title" yaml:"title,omitempty"`
	Body  string `mapstructure:"body" yaml:"body,omitempty"`
	Icon  string `mapstructure:"icon" yaml:"icon,omitempty"`
	Tag   string `mapstructure:"tag" yaml:"tag,omitempty"`
	URL   string `mapstructure:"url" yaml:"url,omitempty"`
}

// ControlConfig configures authentication of the /_agent routes. With
// neither credential set the routes are open.
type ControlConfig struct {
	// APIKey may be a secret reference, e.g. secretref:env:AGENT_KEY.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`

	// JWTSecret is the HMAC key for bearer tokens. May be a secret reference.
	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer,omitempty"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`

	// Output is stdout, stderr or a file path. Default: stderr.
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// TelemetryConfig controls tracing and metrics export.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// TracingConfig configures trace export.
type TracingConfig struct {
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter  string  `mapstructure:"exporter" yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	SamplePct float64 `mapstructure:"sample_pct" yaml:"sample_pct" validate:"gte=0,lte=1"`
}

// MetricsConfig configures metrics export. The prometheus exporter is
// served at /metrics.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Exporter string `mapstructure:"exporter" yaml:"exporter" validate:"omitempty,oneof=otlp prometheus stdout none"`
}

// OriginURL parses Origin.
func (c *Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("config: invalid origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("config: origin must be http or https, got %q", c.Origin)
	}
	return u, nil
}

// Load reads configuration from path (empty uses the default location),
// the environment and defaults, then validates it. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	cfg := Default()
	if err := readConfigFile(v); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is Load for commands that require a configuration file.
func MustLoad(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s\n\nCreate one with:\n  offlineagent init --config %s", ErrConfigNotFound, path, path)
	}
	return Load(path)
}

// ResolveSecrets replaces secret references in credential fields.
func (c *Config) ResolveSecrets(ctx context.Context, r *secret.Resolver) error {
	if err := r.ResolveInPlace(ctx, &c.Control.APIKey, &c.Control.JWTSecret); err != nil {
		return fmt.Errorf("config: resolve control credentials: %w", err)
	}
	return nil
}

// Save writes cfg as YAML, readable only by the owner.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

// Validate checks struct constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	if _, err := cfg.OriginURL(); err != nil {
		return err
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, reflect.TypeOf(Config{}), "")

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.AddConfigPath(Dir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// bindEnv registers every key so AutomaticEnv overrides apply even when
// the file does not mention them.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			bindEnv(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

func readConfigFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: read file: %w", err)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Dir returns the configuration directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "offlineagent")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "offlineagent")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}
