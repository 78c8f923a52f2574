package agent

import (
	"context"
	"time"

	"github.com/jonwraymond/offlineagent/notify"
	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/queue"
)

// drain runs one replay cycle and adjusts the periodic schedule: a failed
// cycle backs off, a clean one resets the delay.
func (a *Agent) drain(ctx context.Context) (queue.DrainResult, error) {
	result, err := a.queue.Drain(ctx)
	if result.Coalesced {
		return result, nil
	}
	if err != nil || result.Failed {
		delay := a.backoff.Failure()
		a.logger.Debug(ctx, "drain incomplete, backing off", observe.F("next_attempt", delay.String()))
		return result, err
	}
	a.backoff.Reset()
	return result, nil
}

// scheduleDrain wakes the drain loop without blocking.
func (a *Agent) scheduleDrain() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// drainLoop drains after every backoff delay and whenever scheduleDrain is
// called. An empty queue is cheap to drain.
func (a *Agent) drainLoop(ctx context.Context) error {
	timer := time.NewTimer(a.backoff.Next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.kick:
		case <-timer.C:
		}

		if _, err := a.drain(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn(ctx, "periodic drain failed", observe.Err(err))
		}
		timer.Reset(a.backoff.Next())
	}
}

// replayNotifier turns queue outcomes into notifications.
type replayNotifier struct {
	dispatcher *notify.Dispatcher
	logger     observe.Logger
}

func (n replayNotifier) Delivered(ctx context.Context, op queue.Operation) {
	err := n.dispatcher.ReplaySucceeded(ctx, notify.Replay{
		OpID:       op.ID,
		Method:     op.Payload.Method,
		TargetPath: op.Payload.TargetPath,
	})
	if err != nil {
		n.logger.Warn(ctx, "delivery notification failed", observe.F("op_id", op.ID), observe.Err(err))
	}
}

func (n replayNotifier) Abandoned(ctx context.Context, op queue.Operation, reason string) {
	err := n.dispatcher.ReplayAbandoned(ctx, notify.Replay{
		OpID:       op.ID,
		Method:     op.Payload.Method,
		TargetPath: op.Payload.TargetPath,
	}, reason)
	if err != nil {
		n.logger.Warn(ctx, "abandon notification failed", observe.F("op_id", op.ID), observe.Err(err))
	}
}
