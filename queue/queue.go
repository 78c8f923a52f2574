package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/resilience"
)

// Replay outcomes reported to metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// Sender replays one operation against the backend. Any returned error is a
// replay failure.
type Sender interface {
	Send(ctx context.Context, op Operation) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, op Operation) error

func (f SenderFunc) Send(ctx context.Context, op Operation) error { return f(ctx, op) }

// Notifier is told about terminal transitions. Each is reported exactly once.
type Notifier interface {
	Delivered(ctx context.Context, op Operation)
	Abandoned(ctx context.Context, op Operation, reason string)
}

// Config configures a Queue.
type Config struct {
	Store    Store
	Sender   Sender
	Notifier Notifier

	// MaxAttempts abandons an operation after this many failed replays.
	// Zero retries forever.
	MaxAttempts int

	// Pacer, when set, spaces out replays within a drain cycle.
	Pacer *resilience.RateLimiter

	Logger  observe.Logger
	Metrics observe.Metrics
}

// EnqueueRequest describes an operation to append.
type EnqueueRequest struct {
	// ID is optional; a generated "op-<uuid>" is used when empty.
	ID      string
	Payload Payload
}

// DrainResult summarises one drain cycle.
type DrainResult struct {
	Delivered int
	Abandoned int

	// Failed is set when the cycle stopped at a failing operation.
	Failed   bool
	FailedID string
	Err      error

	// Coalesced is set when another drain was already running and this call
	// did nothing.
	Coalesced bool
}

// Queue is the durable FIFO of mutating operations awaiting replay.
//
// Contract:
//   - Concurrency: safe for concurrent use. At most one drain runs at a time.
//   - Ordering: operations are replayed in enqueue order and a failure stops
//     the cycle, so no operation is sent before an earlier pending one.
type Queue struct {
	store       Store
	sender      Sender
	notifier    Notifier
	maxAttempts int
	pacer       *resilience.RateLimiter
	logger      observe.Logger
	metrics     observe.Metrics

	draining atomic.Bool
}

// New creates a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, ErrNilStore
	}
	if cfg.Sender == nil {
		return nil, ErrNilSender
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.NopMetrics()
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return &Queue{
		store:       cfg.Store,
		sender:      cfg.Sender,
		notifier:    cfg.Notifier,
		maxAttempts: cfg.MaxAttempts,
		pacer:       cfg.Pacer,
		logger:      observe.OrNop(cfg.Logger),
		metrics:     cfg.Metrics,
	}, nil
}

// Enqueue appends a pending operation.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Operation, error) {
	if err := req.Payload.Validate(); err != nil {
		return Operation{}, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = "op-" + uuid.NewString()
	}

	now := time.Now().UTC()
	op, err := q.store.Append(ctx, Operation{
		ID:        id,
		Payload:   req.Payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Operation{}, fmt.Errorf("queue: enqueue %q: %w", id, err)
	}

	q.logger.Info(ctx, "operation queued",
		observe.F("op_id", op.ID),
		observe.F("seq", op.Seq),
		observe.F("method", op.Payload.Method),
		observe.F("target_path", op.Payload.TargetPath),
	)
	return op, nil
}

// Drain replays pending operations oldest first until the queue is empty or
// one fails. A call made while another drain is running returns immediately
// with Coalesced set.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Coalesced: true}, nil
	}
	defer q.draining.Store(false)

	log := q.logger.WithOperation(observe.OperationMeta{Component: "queue", Name: "drain"})
	var result DrainResult

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		op, ok, err := q.store.PeekOldest(ctx, StatusPending)
		if err != nil {
			return result, fmt.Errorf("queue: peek: %w", err)
		}
		if !ok {
			break
		}

		if q.pacer != nil {
			if err := q.pacer.Wait(ctx); err != nil {
				return result, err
			}
		}

		id := op.ID
		op, err = q.store.UpdateStatus(ctx, id, StatusPending, StatusInFlight, func(o *Operation) {
			o.Attempts++
		})
		if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrNotFound) {
			// cancelled or claimed since the peek
			continue
		}
		if err != nil {
			return result, fmt.Errorf("queue: claim %q: %w", id, err)
		}

		sendErr := q.sender.Send(ctx, op)
		// status bookkeeping must finish even if the caller gave up
		bookCtx := context.WithoutCancel(ctx)

		if sendErr == nil {
			if err := q.complete(bookCtx, op); err != nil {
				return result, err
			}
			result.Delivered++
			continue
		}

		result.Failed = true
		result.FailedID = op.ID
		result.Err = sendErr

		if q.maxAttempts > 0 && op.Attempts >= q.maxAttempts {
			if err := q.abandon(bookCtx, op, StatusInFlight, sendErr.Error()); err != nil {
				return result, err
			}
			result.Abandoned++
		} else {
			if _, err := q.store.UpdateStatus(bookCtx, op.ID, StatusInFlight, StatusPending, func(o *Operation) {
				o.LastError = sendErr.Error()
			}); err != nil {
				return result, fmt.Errorf("queue: revert %q: %w", op.ID, err)
			}
			q.metrics.RecordReplay(bookCtx, OutcomeFailed)
		}

		log.Warn(ctx, "replay failed, stopping drain",
			observe.F("op_id", op.ID),
			observe.F("attempts", op.Attempts),
			observe.Err(sendErr),
		)
		break
	}

	if result.Delivered > 0 || result.Failed {
		log.Info(ctx, "drain finished",
			observe.F("delivered", result.Delivered),
			observe.F("abandoned", result.Abandoned),
			observe.F("failed", result.Failed),
		)
	}
	return result, nil
}

func (q *Queue) complete(ctx context.Context, claimed Operation) error {
	id := claimed.ID
	op, err := q.store.UpdateStatus(ctx, id, StatusInFlight, StatusDelivered, func(o *Operation) {
		o.LastError = ""
	})
	if err != nil {
		return fmt.Errorf("queue: mark delivered %q: %w", id, err)
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("queue: delete delivered %q: %w", id, err)
	}
	q.metrics.RecordReplay(ctx, OutcomeDelivered)
	q.notifier.Delivered(ctx, op)
	return nil
}

func (q *Queue) abandon(ctx context.Context, current Operation, from Status, reason string) error {
	id := current.ID
	op, err := q.store.UpdateStatus(ctx, id, from, StatusAbandoned, func(o *Operation) {
		o.LastError = reason
	})
	if err != nil {
		return fmt.Errorf("queue: abandon %q: %w", id, err)
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("queue: delete abandoned %q: %w", id, err)
	}
	q.metrics.RecordReplay(ctx, OutcomeAbandoned)
	q.notifier.Abandoned(ctx, op, reason)

	q.logger.Warn(ctx, "operation abandoned",
		observe.F("op_id", op.ID),
		observe.F("attempts", op.Attempts),
		observe.F("reason", reason),
	)
	return nil
}

// Recover prepares the queue after a restart: operations left in_flight by a
// crash go back to pending, and records already in a terminal status are
// removed. Returns the number of operations reverted.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	ops, err := q.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: recover: %w", err)
	}

	reverted := 0
	for _, op := range ops {
		switch {
		case op.Status == StatusInFlight:
			if _, err := q.store.UpdateStatus(ctx, op.ID, StatusInFlight, StatusPending, nil); err != nil {
				return reverted, fmt.Errorf("queue: recover %q: %w", op.ID, err)
			}
			reverted++
		case op.Status.Terminal():
			if err := q.store.Delete(ctx, op.ID); err != nil {
				return reverted, fmt.Errorf("queue: purge %q: %w", op.ID, err)
			}
		}
	}

	if reverted > 0 {
		q.logger.Info(ctx, "recovered interrupted operations", observe.F("count", reverted))
	}
	return reverted, nil
}

// Cancel abandons a pending operation at the user's request.
// ErrInFlight is returned while the operation is being replayed.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	op, err := q.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("queue: cancel %q: %w", id, err)
	}
	if op.Status == StatusInFlight {
		return ErrInFlight
	}
	err = q.abandon(ctx, op, StatusPending, "cancelled")
	if errors.Is(err, ErrStatusConflict) {
		return ErrInFlight
	}
	return err
}

// List returns the queued operations in replay order.
func (q *Queue) List(ctx context.Context) ([]Operation, error) {
	return q.store.List(ctx)
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	ops, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// Draining reports whether a drain cycle is running.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// Ping checks the backing store.
func (q *Queue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}

type nopNotifier struct{}

func (nopNotifier) Delivered(context.Context, Operation)         {}
func (nopNotifier) Abandoned(context.Context, Operation, string) {}
