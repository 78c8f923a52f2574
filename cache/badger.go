package cache

import (
	"context"
	"fmt"
	"sort"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	p:<partition>          partition registry marker
//	e:<partition>/<key>    encoded Response
const (
	partitionKeyPrefix = "p:"
	entryKeyPrefix     = "e:"
)

func keyPartition(name string) []byte { return []byte(partitionKeyPrefix + name) }

func keyEntryPrefix(partition string) []byte {
	return []byte(entryKeyPrefix + partition + "/")
}

func keyEntry(partition, key string) []byte {
	return append(keyEntryPrefix(partition), key...)
}

// BadgerStore is a durable Store backed by BadgerDB.
type BadgerStore struct {
	db *badgerdb.DB
}

// OpenBadgerStore opens (or creates) a store in dir. An empty dir opens an
// in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger store: %w", err)
	}
	return NewBadgerStore(db), nil
}

// NewBadgerStore wraps an already open database. The queue store may share it.
func NewBadgerStore(db *badgerdb.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// DB exposes the underlying database.
func (s *BadgerStore) DB() *badgerdb.DB { return s.db }

func (s *BadgerStore) CreatePartition(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidatePartitionName(name); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keyPartition(name), []byte{1})
	})
}

// DropPartition unregisters the partition first, so concurrent Puts start
// failing, then removes its entries.
func (s *BadgerStore) DropPartition(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyPartition(name))
	})
	if err != nil {
		return fmt.Errorf("cache: drop partition %q: %w", name, err)
	}
	if err := s.db.DropPrefix(keyEntryPrefix(name)); err != nil {
		return fmt.Errorf("cache: drop entries of %q: %w", name, err)
	}
	return nil
}

func (s *BadgerStore) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(partitionKeyPrefix)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *BadgerStore) Get(ctx context.Context, partition, key string) (*Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var resp *Response
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyEntry(partition, key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decErr error
			resp, decErr = decodeResponse(val)
			return decErr
		})
	})
	if err != nil {
		return nil, false, err
	}
	return resp, resp != nil, nil
}

// Put checks the partition marker and writes the entry in one transaction.
// A concurrent DropPartition makes the commit fail with a conflict.
func (s *BadgerStore) Put(ctx context.Context, partition, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyPartition(partition)); err == badgerdb.ErrKeyNotFound {
			return ErrUnknownPartition
		} else if err != nil {
			return err
		}
		return txn.Set(keyEntry(partition, key), data)
	})
}

func (s *BadgerStore) Delete(ctx context.Context, partition, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyEntry(partition, key))
	})
}

func (s *BadgerStore) Keys(ctx context.Context, partition string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyPartition(partition)); err == badgerdb.ErrKeyNotFound {
			return ErrUnknownPartition
		} else if err != nil {
			return err
		}

		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := keyEntryPrefix(partition)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Ping verifies a read transaction can be started.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.View(func(txn *badgerdb.Txn) error { return nil }); err != nil {
		return fmt.Errorf("cache: healthcheck failed: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
