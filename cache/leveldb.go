package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore is a durable Store backed by LevelDB. It uses the same key
// layout as BadgerStore.
type LevelDBStore struct {
	// writeMu serialises Put against DropPartition so the registry check and
	// the write cannot interleave with a drop.
	writeMu sync.Mutex
	db      *leveldb.DB
}

// OpenLevelDBStore opens (or creates) a store at dir. An empty dir opens an
// in-memory database.
func OpenLevelDBStore(dir string) (*LevelDBStore, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if dir == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: open leveldb store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) CreatePartition(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidatePartitionName(name); err != nil {
		return err
	}
	return s.db.Put(keyPartition(name), []byte{1}, nil)
}

func (s *LevelDBStore) DropPartition(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(keyPartition(name))

	iter := s.db.NewIterator(util.BytesPrefix(keyEntryPrefix(name)), nil)
	for iter.Next() {
		// the iterator reuses its key buffer
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("cache: drop partition %q: %w", name, err)
	}

	return s.db.Write(batch, nil)
}

func (s *LevelDBStore) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(partitionKeyPrefix)
	var names []string

	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	for iter.Next() {
		names = append(names, string(iter.Key()[len(prefix):]))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *LevelDBStore) Get(ctx context.Context, partition, key string) (*Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := s.db.Get(keyEntry(partition, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	resp, err := decodeResponse(data)
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

func (s *LevelDBStore) Put(ctx context.Context, partition, key string, resp *Response) error {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ok, err := s.db.Has(keyPartition(partition), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownPartition
	}
	return s.db.Put(keyEntry(partition, key), data, nil)
}

func (s *LevelDBStore) Delete(ctx context.Context, partition, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete(keyEntry(partition, key), nil)
}

func (s *LevelDBStore) Keys(ctx context.Context, partition string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := s.db.Has(keyPartition(partition), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownPartition
	}

	prefix := keyEntryPrefix(partition)
	var keys []string
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(prefix):]))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Ping reads a sentinel key to verify the database is open.
func (s *LevelDBStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.Has([]byte(partitionKeyPrefix), nil); err != nil {
		return fmt.Errorf("cache: healthcheck failed: %w", err)
	}
	return nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

var _ Store = (*LevelDBStore)(nil)
