package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	q:meta:seq      last assigned Seq (big-endian uint64)
//	q:op:<seq>      encoded Operation, seq big-endian so iteration is FIFO
//	q:id:<id>       seq of operation id
var (
	keySeqCounter = []byte("q:meta:seq")
	prefixOp      = []byte("q:op:")
	prefixID      = []byte("q:id:")
)

func keyOp(seq uint64) []byte {
	k := make([]byte, len(prefixOp)+8)
	copy(k, prefixOp)
	binary.BigEndian.PutUint64(k[len(prefixOp):], seq)
	return k
}

func keyID(id string) []byte {
	return append(append([]byte(nil), prefixID...), id...)
}

// BadgerStore is a durable Store backed by BadgerDB.
type BadgerStore struct {
	// mu serialises writers so read-modify-write transactions never conflict.
	mu     sync.Mutex
	db     *badgerdb.DB
	ownsDB bool
}

// OpenBadgerStore opens (or creates) a store in dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("queue: open badger store: %w", err)
	}
	return &BadgerStore{db: db, ownsDB: true}, nil
}

// NewBadgerStore uses an already open database, such as the one backing the
// cache. Close does not close a shared database.
func NewBadgerStore(db *badgerdb.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Append(ctx context.Context, op Operation) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyID(op.ID)); err == nil {
			return ErrDuplicateID
		} else if err != badgerdb.ErrKeyNotFound {
			return err
		}

		var last uint64
		item, err := txn.Get(keySeqCounter)
		switch {
		case err == badgerdb.ErrKeyNotFound:
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				last = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		}

		op.Seq = last + 1
		seqBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBytes, op.Seq)

		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode operation: %w", err)
		}
		if err := txn.Set(keySeqCounter, seqBytes); err != nil {
			return err
		}
		if err := txn.Set(keyID(op.ID), seqBytes); err != nil {
			return err
		}
		return txn.Set(keyOp(op.Seq), data)
	})
	if err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (s *BadgerStore) PeekOldest(ctx context.Context, status Status) (Operation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, false, err
	}
	var (
		oldest Operation
		found  bool
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return iterateOps(txn, func(op Operation) bool {
			if op.Status == status {
				oldest, found = op, true
				return false
			}
			return true
		})
	})
	if err != nil {
		return Operation{}, false, err
	}
	return oldest, found, nil
}

func (s *BadgerStore) UpdateStatus(ctx context.Context, id string, from, to Status, update func(*Operation)) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var result Operation
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		op, err := getOp(txn, id)
		if err != nil {
			return err
		}
		if op.Status != from {
			return ErrStatusConflict
		}
		if update != nil {
			update(&op)
		}
		op.ID = id
		op.Status = to
		op.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("encode operation: %w", err)
		}
		result = op
		return txn.Set(keyOp(op.Seq), data)
	})
	if err != nil {
		return Operation{}, err
	}
	return result, nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	var op Operation
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		op, err = getOp(txn, id)
		return err
	})
	return op, err
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyID(id))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var seq uint64
		if err := item.Value(func(val []byte) error {
			seq = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}
		if err := txn.Delete(keyOp(seq)); err != nil {
			return err
		}
		return txn.Delete(keyID(id))
	})
}

func (s *BadgerStore) List(ctx context.Context) ([]Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ops []Operation
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return iterateOps(txn, func(op Operation) bool {
			ops = append(ops, op)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.View(func(txn *badgerdb.Txn) error { return nil }); err != nil {
		return fmt.Errorf("queue: healthcheck failed: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func getOp(txn *badgerdb.Txn, id string) (Operation, error) {
	item, err := txn.Get(keyID(id))
	if err == badgerdb.ErrKeyNotFound {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, err
	}
	var seq uint64
	if err := item.Value(func(val []byte) error {
		seq = binary.BigEndian.Uint64(val)
		return nil
	}); err != nil {
		return Operation{}, err
	}

	item, err = txn.Get(keyOp(seq))
	if err == badgerdb.ErrKeyNotFound {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, err
	}
	var op Operation
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &op)
	})
	return op, err
}

// iterateOps walks operations in Seq order until fn returns false.
func iterateOps(txn *badgerdb.Txn, fn func(Operation) bool) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefixOp

	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefixOp); it.ValidForPrefix(prefixOp); it.Next() {
		var op Operation
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &op)
		}); err != nil {
			return fmt.Errorf("decode operation: %w", err)
		}
		if !fn(op) {
			return nil
		}
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
