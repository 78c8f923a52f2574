package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the durable backing of a Queue.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Ordering: Append assigns strictly increasing Seq values that survive
//     restarts; List and PeekOldest order by Seq.
//   - UpdateStatus is a compare-and-swap: it applies only when the stored
//     status equals from, otherwise it fails with ErrStatusConflict.
type Store interface {
	// Append stores op as given, assigning Seq. ErrDuplicateID if op.ID exists.
	Append(ctx context.Context, op Operation) (Operation, error)

	// PeekOldest returns the lowest-Seq operation in status.
	PeekOldest(ctx context.Context, status Status) (Operation, bool, error)

	// UpdateStatus moves id from one status to another. update, when non-nil,
	// may adjust the other fields of the operation in the same step.
	UpdateStatus(ctx context.Context, id string, from, to Status, update func(*Operation)) (Operation, error)

	Get(ctx context.Context, id string) (Operation, error)

	// Delete removes id. Idempotent.
	Delete(ctx context.Context, id string) error

	List(ctx context.Context) ([]Operation, error)

	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is an in-memory Store. Contents do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	nextSeq uint64
	ops     map[string]Operation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]Operation)}
}

func (s *MemoryStore) Append(ctx context.Context, op Operation) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[op.ID]; ok {
		return Operation{}, ErrDuplicateID
	}
	s.nextSeq++
	op.Seq = s.nextSeq
	s.ops[op.ID] = op
	return op, nil
}

func (s *MemoryStore) PeekOldest(ctx context.Context, status Status) (Operation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		oldest Operation
		found  bool
	)
	for _, op := range s.ops {
		if op.Status != status {
			continue
		}
		if !found || op.Seq < oldest.Seq {
			oldest, found = op, true
		}
	}
	return oldest, found, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, update func(*Operation)) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return Operation{}, ErrNotFound
	}
	if op.Status != from {
		return Operation{}, ErrStatusConflict
	}
	if update != nil {
		update(&op)
	}
	op.ID = id
	op.Status = to
	op.UpdatedAt = time.Now().UTC()
	s.ops[id] = op
	return op, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return Operation{}, ErrNotFound
	}
	return op, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.ops, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	ops := make([]Operation, 0, len(s.ops))
	for _, op := range s.ops {
		ops = append(ops, op)
	}
	s.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
	return ops, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
