package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/jonwraymond/offlineagent/classify"
	"github.com/jonwraymond/offlineagent/observe"
)

// Manifest lists the application shell resources seeded into the static
// partition at install time.
type Manifest struct {
	EntryPoint      string   `mapstructure:"entry_point" yaml:"entry_point" validate:"required"`
	OfflineFallback string   `mapstructure:"offline_fallback" yaml:"offline_fallback" validate:"required"`
	WebManifest     string   `mapstructure:"web_manifest" yaml:"web_manifest"`
	Icons           []string `mapstructure:"icons" yaml:"icons"`
}

// Paths returns the unique, non-empty paths of the manifest in seed order.
func (m Manifest) Paths() []string {
	seen := make(map[string]bool)
	var paths []string
	for _, p := range append([]string{m.EntryPoint, m.OfflineFallback, m.WebManifest}, m.Icons...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	return paths
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Prefix namespaces partition names. Defaults to DefaultPrefix.
	Prefix string

	// Origin is the backend base URL manifest paths are resolved against.
	Origin *url.URL

	Manifest Manifest

	// Fetcher loads manifest resources during Initialize.
	Fetcher Fetcher

	// Keyer defaults to RequestKeyer.
	Keyer Keyer

	Logger observe.Logger
}

// Manager owns the lifecycle of cache generations.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Initialize is all-or-nothing: on failure no partition created by the
//     call survives.
//   - Activate leaves exactly one generation in the store. Failures to delete
//     stale partitions are logged and skipped.
type Manager struct {
	store    Store
	prefix   string
	origin   *url.URL
	manifest Manifest
	fetcher  Fetcher
	keyer    Keyer
	logger   observe.Logger

	mu      sync.RWMutex
	current string
}

// NewManager creates a generation manager over store.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Origin == nil {
		return nil, errors.New("cache: manager origin is required")
	}
	if cfg.Keyer == nil {
		cfg.Keyer = NewRequestKeyer()
	}
	return &Manager{
		store:    store,
		prefix:   cfg.Prefix,
		origin:   cfg.Origin,
		manifest: cfg.Manifest,
		fetcher:  cfg.Fetcher,
		keyer:    cfg.Keyer,
		logger:   observe.OrNop(cfg.Logger),
	}, nil
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Keyer returns the keyer used for seeded entries.
func (m *Manager) Keyer() Keyer { return m.keyer }

// Initialize creates the partitions for version and seeds the static one
// with the manifest resources.
func (m *Manager) Initialize(ctx context.Context, version string) error {
	if version == "" {
		return errors.New("cache: version is required")
	}
	log := m.logger.WithOperation(observe.OperationMeta{Component: "generation", Name: "initialize"})

	existing, err := m.partitionSet(ctx)
	if err != nil {
		return fmt.Errorf("cache: list partitions: %w", err)
	}

	var created []string
	rollback := func(cause error) error {
		for _, name := range created {
			if err := m.store.DropPartition(context.WithoutCancel(ctx), name); err != nil {
				log.Warn(ctx, "rollback: drop partition failed", observe.F("partition", name), observe.Err(err))
			}
		}
		return cause
	}

	for _, class := range classify.CacheableClasses() {
		name := PartitionName(m.prefix, class, version)
		if err := m.store.CreatePartition(ctx, name); err != nil {
			return rollback(fmt.Errorf("cache: create partition %q: %w", name, err))
		}
		if !existing[name] {
			created = append(created, name)
		}
	}

	if m.fetcher == nil {
		return rollback(fmt.Errorf("%w: no fetcher configured", ErrSeedFailed))
	}

	static := PartitionName(m.prefix, classify.Static, version)
	for _, p := range m.manifest.Paths() {
		if err := m.seed(ctx, static, p); err != nil {
			log.Error(ctx, "seed failed", observe.F("version", version), observe.F("path", p), observe.Err(err))
			return rollback(fmt.Errorf("%w: %s: %w", ErrSeedFailed, p, err))
		}
	}

	log.Info(ctx, "generation installed",
		observe.F("version", version),
		observe.F("seeded", len(m.manifest.Paths())),
	)
	return nil
}

func (m *Manager) seed(ctx context.Context, partition, path string) error {
	req, err := m.newRequest(ctx, path)
	if err != nil {
		return err
	}
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	if resp.StoredAt.IsZero() {
		resp = resp.Clone()
		resp.StoredAt = timeNow()
	}
	return m.store.Put(ctx, partition, m.keyer.Key(req), resp)
}

// Installed reports whether every partition of version exists.
func (m *Manager) Installed(ctx context.Context, version string) (bool, error) {
	set, err := m.partitionSet(ctx)
	if err != nil {
		return false, err
	}
	for _, class := range classify.CacheableClasses() {
		if !set[PartitionName(m.prefix, class, version)] {
			return false, nil
		}
	}
	return true, nil
}

// Activate makes version the current generation and deletes every other
// generation's partitions.
func (m *Manager) Activate(ctx context.Context, version string) error {
	log := m.logger.WithOperation(observe.OperationMeta{Component: "generation", Name: "activate"})

	ok, err := m.Installed(ctx, version)
	if err != nil {
		return fmt.Errorf("cache: list partitions: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: version %q is not installed", ErrNoGeneration, version)
	}

	names, err := m.store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("cache: list partitions: %w", err)
	}

	dropped := 0
	for _, name := range names {
		p, ours := ParsePartitionName(m.prefix, name)
		if !ours || p.Generation == version {
			continue
		}
		if err := m.store.DropPartition(ctx, name); err != nil {
			log.Warn(ctx, "drop stale partition failed", observe.F("partition", name), observe.Err(err))
			continue
		}
		dropped++
	}

	m.mu.Lock()
	m.current = version
	m.mu.Unlock()

	log.Info(ctx, "generation activated", observe.F("version", version), observe.F("dropped", dropped))
	return nil
}

// Version returns the current generation, or "" before the first Activate.
func (m *Manager) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsCurrent reports whether name is a partition of the current generation.
func (m *Manager) IsCurrent(name string) bool {
	p, ok := ParsePartitionName(m.prefix, name)
	if !ok {
		return false
	}
	version := m.Version()
	return version != "" && p.Generation == version
}

// Current returns the current partition for class.
func (m *Manager) Current(class classify.Class) (Partition, error) {
	version := m.Version()
	if version == "" {
		return Partition{}, ErrNoGeneration
	}
	if !class.Cacheable() {
		return Partition{}, fmt.Errorf("cache: class %q has no partition", class)
	}
	return NewPartition(m.prefix, class, version), nil
}

// Fallback returns the seeded offline fallback document of the current generation.
func (m *Manager) Fallback(ctx context.Context) (*Response, error) {
	p, err := m.Current(classify.Static)
	if err != nil {
		return nil, err
	}
	req, err := m.newRequest(ctx, m.manifest.OfflineFallback)
	if err != nil {
		return nil, err
	}
	resp, ok, err := m.store.Get(ctx, p.Name, m.keyer.Key(req))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cache: offline fallback %q not seeded", m.manifest.OfflineFallback)
	}
	return resp, nil
}

func (m *Manager) newRequest(ctx context.Context, path string) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid manifest path %q: %w", path, err)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, m.origin.ResolveReference(ref).String(), nil)
}

func (m *Manager) partitionSet(ctx context.Context) (map[string]bool, error) {
	names, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set, nil
}
