package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jonwraymond/offlineagent/auth"
	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/queue"
)

// ReplayHeader marks requests sent by the replayer. Its value is the
// operation id, which backends may use for deduplication.
const ReplayHeader = "X-Agent-Replay"

// ReplayerConfig configures a Replayer.
type ReplayerConfig struct {
	Origin  *url.URL
	Fetcher cache.Fetcher
	Logger  observe.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Replayer sends queued operations to the backend.
type Replayer struct {
	origin  *url.URL
	fetcher cache.Fetcher
	logger  observe.Logger
	now     func() time.Time
}

// NewReplayer creates a Replayer.
func NewReplayer(cfg ReplayerConfig) (*Replayer, error) {
	if cfg.Origin == nil {
		return nil, ErrNilOrigin
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewFetcher(FetcherConfig{})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Replayer{
		origin:  cfg.Origin,
		fetcher: cfg.Fetcher,
		logger:  observe.OrNop(cfg.Logger),
		now:     cfg.Now,
	}, nil
}

// Send replays op with its captured method, headers and body. Transport
// errors and non-2xx statuses are failures.
func (r *Replayer) Send(ctx context.Context, op queue.Operation) error {
	req, err := r.request(ctx, op)
	if err != nil {
		return err
	}

	r.inspectCredentials(ctx, op, req.Header.Get("Authorization"))

	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &StatusError{Status: resp.Status, OpID: op.ID}
	}
	return nil
}

func (r *Replayer) request(ctx context.Context, op queue.Operation) (*http.Request, error) {
	ref, err := url.Parse(op.Payload.TargetPath)
	if err != nil {
		return nil, fmt.Errorf("transport: replay %s: invalid target path: %w", op.ID, err)
	}
	body, err := op.Payload.BodyBytes()
	if err != nil {
		return nil, fmt.Errorf("transport: replay %s: decode body: %w", op.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, op.Payload.Method, r.origin.ResolveReference(ref).String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: replay %s: %w", op.ID, err)
	}
	req.Header = op.Payload.Header()
	req.Header.Set(ReplayHeader, op.ID)
	if len(body) > 0 && req.Header.Get("Content-Type") == "" && op.Payload.BodyEncoding == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// inspectCredentials warns when the captured session has expired. The
// request is still sent as captured.
func (r *Replayer) inspectCredentials(ctx context.Context, op queue.Operation, header string) {
	info, err := auth.InspectToken(header)
	if errors.Is(err, auth.ErrNoBearerToken) {
		return
	}
	if err != nil {
		r.logger.Warn(ctx, "captured credentials unreadable", observe.F("op_id", op.ID), observe.Err(err))
		return
	}
	if info.Expired(r.now()) {
		r.logger.Warn(ctx, "replaying with expired credentials",
			observe.F("op_id", op.ID),
			observe.F("subject", info.Subject),
			observe.F("expired_at", info.ExpiresAt),
		)
	}
}

var _ queue.Sender = (*Replayer)(nil)
