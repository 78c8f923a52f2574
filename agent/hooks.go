package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/classify"
	"github.com/jonwraymond/offlineagent/clients"
	"github.com/jonwraymond/offlineagent/control"
	"github.com/jonwraymond/offlineagent/notify"
	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/queue"
	"github.com/jonwraymond/offlineagent/strategy"
	"github.com/jonwraymond/offlineagent/transport"
)

// QueuedHeader carries the operation id on responses to writes that were
// queued for replay.
const QueuedHeader = "X-Agent-Queued"

// MessageActivated is broadcast to open clients after a cutover.
const MessageActivated = "VERSION_ACTIVATED"

// ErrBodyTooLarge is returned for writes whose body cannot be captured.
var ErrBodyTooLarge = errors.New("agent: request body too large to queue")

// OnInstall creates and seeds the partitions of this agent's version. The
// version is activated at once when nothing is being served yet or no
// client is open; otherwise it waits until the last client closes or a
// client sends ADOPT_NEW_VERSION.
//
// Partitions that survived a restart are reused, so an agent restarted while
// offline still comes up.
func (a *Agent) OnInstall(ctx context.Context) error {
	return a.install(ctx, a.version)
}

func (a *Agent) install(ctx context.Context, version string) error {
	if a.generations.Version() == version {
		return nil
	}

	installed, err := a.generations.Installed(ctx, version)
	if err != nil {
		return err
	}
	if !installed {
		if err := a.generations.Initialize(ctx, version); err != nil {
			return err
		}
	}

	a.stateMu.Lock()
	a.waiting = version
	a.stateMu.Unlock()

	if a.generations.Version() == "" || a.clients.Count() == 0 {
		return a.OnActivate(ctx)
	}
	a.logger.Info(ctx, "version installed, waiting for open clients to close",
		observe.F("version", version),
		observe.F("active", a.generations.Version()),
		observe.F("clients", a.clients.Count()),
	)
	return nil
}

// OnActivate cuts over to the waiting version. Requests resolved before the
// cutover finish against the old generation, but their cache writes are
// dropped; requests resolved after it use the new one.
func (a *Agent) OnActivate(ctx context.Context) error {
	a.genMu.Lock()
	a.stateMu.Lock()
	version := a.waiting
	a.stateMu.Unlock()
	if version == "" {
		a.genMu.Unlock()
		return nil
	}

	err := a.generations.Activate(ctx, version)
	if err == nil {
		a.stateMu.Lock()
		if a.waiting == version {
			a.waiting = ""
		}
		a.stateMu.Unlock()
	}
	a.genMu.Unlock()
	if err != nil {
		return err
	}

	msg, err := clients.NewMessage(MessageActivated, map[string]string{"version": version})
	if err == nil {
		a.clients.Broadcast(msg)
	}
	return nil
}

func (a *Agent) clientClosed() {
	if a.Waiting() == "" || a.clients.Count() > 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx := a.background()
		if err := a.OnActivate(ctx); err != nil {
			a.logger.Error(ctx, "deferred activation failed", observe.Err(err))
		}
	}()
}

// OnIntercept answers one client request. Reads go through the strategy of
// their class. Writes are forwarded; when the backend cannot be reached
// they are queued and acknowledged with 202 Accepted.
func (a *Agent) OnIntercept(ctx context.Context, r *http.Request) (*cache.Response, error) {
	out := transport.Rewrite(r.WithContext(ctx), a.origin)

	switch a.classifier.Classify(r) {
	case classify.Mutating:
		return a.write(ctx, out)
	case classify.Bypass:
		return a.forward(ctx, out)
	}

	a.genMu.RLock()
	route, err := a.router.Resolve(out)
	a.genMu.RUnlock()
	if errors.Is(err, cache.ErrNoGeneration) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, err
	}
	return a.router.Serve(ctx, route, out)
}

// admitWrite holds the read lock for one cache write so it cannot land in a
// partition that an activation is dropping or has dropped.
func (a *Agent) admitWrite(partition string) (func(), bool) {
	a.genMu.RLock()
	if !a.generations.IsCurrent(partition) {
		a.genMu.RUnlock()
		return nil, false
	}
	return a.genMu.RUnlock, true
}

func (a *Agent) forward(ctx context.Context, r *http.Request) (*cache.Response, error) {
	resp, err := a.fetcher.Fetch(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return strategy.Offline(r), nil
	}
	return resp.WithSource(cache.SourceNetwork), nil
}

func (a *Agent) write(ctx context.Context, r *http.Request) (*cache.Response, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, a.maxBody+1))
		_ = r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("agent: read request body: %w", err)
		}
		if int64(len(body)) > a.maxBody {
			return nil, ErrBodyTooLarge
		}
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))

	resp, err := a.fetcher.Fetch(ctx, r)
	if err == nil {
		return resp.WithSource(cache.SourceNetwork), nil
	}
	if ctx.Err() != nil {
		// The caller left; whether the backend saw the write is unknown.
		return nil, ctx.Err()
	}

	header := r.Header.Clone()
	header.Del("Content-Length")
	op, qerr := a.queue.Enqueue(context.WithoutCancel(ctx), queue.EnqueueRequest{
		Payload: queue.NewPayload(r.Method, requestTarget(r), header, body),
	})
	if qerr != nil {
		a.logger.Error(ctx, "queueing failed write failed", observe.Err(qerr), observe.F("cause", err.Error()))
		return nil, errors.Join(err, qerr)
	}
	a.logger.Info(ctx, "backend unreachable, write queued",
		observe.F("op_id", op.ID),
		observe.F("method", r.Method),
		observe.F("target_path", op.Payload.TargetPath),
	)
	return queuedResponse(op), nil
}

func requestTarget(r *http.Request) string {
	target := r.URL.EscapedPath()
	if target == "" {
		target = "/"
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

type queuedBody struct {
	Queued      bool         `json:"queued"`
	OperationID string       `json:"operation_id"`
	Status      queue.Status `json:"status"`
}

func queuedResponse(op queue.Operation) *cache.Response {
	body, _ := json.Marshal(queuedBody{Queued: true, OperationID: op.ID, Status: op.Status})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	header.Set(QueuedHeader, op.ID)
	return &cache.Response{
		Status: http.StatusAccepted,
		Header: header,
		Body:   body,
		Source: cache.SourceQueued,
	}
}

// OnConnectivityRestored marks the backend reachable and replays queued
// writes. It is safe to call on every reconnect; overlapping calls are
// coalesced.
func (a *Agent) OnConnectivityRestored(ctx context.Context) (queue.DrainResult, error) {
	a.monitor.Signal(ctx)
	return a.drain(ctx)
}

// OnPushReceived shows an inbound push message. Malformed messages show
// the default notification.
func (a *Agent) OnPushReceived(ctx context.Context, raw []byte) (notify.Payload, error) {
	return a.notifier.DispatchPush(ctx, raw)
}

// OnNotificationActivated routes a clicked notification to a client.
func (a *Agent) OnNotificationActivated(ctx context.Context, p notify.Payload) (notify.Navigation, error) {
	return a.notifier.OnActivate(ctx, p)
}

// OnControlMessage decodes and handles a control envelope.
func (a *Agent) OnControlMessage(ctx context.Context, raw []byte) (control.Reply, error) {
	msg, err := control.Decode(raw)
	if err != nil {
		return control.Reply{Error: err.Error()}, err
	}
	return a.control.Handle(ctx, msg)
}

// AdoptNewVersion activates the waiting version without waiting for
// clients to close.
func (a *Agent) AdoptNewVersion(ctx context.Context) (string, error) {
	if err := a.OnActivate(ctx); err != nil {
		return "", err
	}
	return a.generations.Version(), nil
}

// Enqueue queues a write handed over by a client that knows it is offline.
// A drain is scheduled when the backend looks reachable.
func (a *Agent) Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.Operation, error) {
	op, err := a.queue.Enqueue(ctx, req)
	if err != nil {
		return queue.Operation{}, err
	}
	if a.monitor.Online() {
		a.scheduleDrain()
	}
	return op, nil
}

var _ control.Handler = (*Agent)(nil)
