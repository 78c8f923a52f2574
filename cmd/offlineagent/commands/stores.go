package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/config"
	"github.com/jonwraymond/offlineagent/queue"
)

func openCacheStore(cfg config.StorageConfig) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "memory":
		return cache.NewMemoryStore(), nil
	case "leveldb":
		return cache.OpenLevelDBStore(filepath.Join(cfg.Dir, "cache-leveldb"))
	case "badger", "":
		return cache.OpenBadgerStore(filepath.Join(cfg.Dir, "cache"))
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func openQueueStore(cfg config.StorageConfig) (queue.Store, error) {
	switch cfg.QueueBackend {
	case "memory":
		return queue.NewMemoryStore(), nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, err
		}
		return queue.OpenSQLiteStore(filepath.Join(cfg.Dir, "queue.db"))
	case "badger", "":
		return queue.OpenBadgerStore(filepath.Join(cfg.Dir, "queue"))
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
