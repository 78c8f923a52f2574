package notify

import (
	"context"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jonwraymond/offlineagent/clients"
	"github.com/jonwraymond/offlineagent/observe"
)

// Client message types posted on activation.
const (
	MessageNavigate = "NAVIGATE"
	MessageFocus    = "FOCUS"
)

// Navigation actions returned by OnActivate.
const (
	ActionFocus    = "focus"
	ActionNavigate = "navigate"
	ActionOpen     = "open"
)

// Navigation describes how an activated notification was routed.
type Navigation struct {
	// Action is ActionFocus when a client already shows the target,
	// ActionNavigate when another client was redirected, and ActionOpen when
	// no client is open and the host must open one.
	Action   string `json:"action"`
	ClientID string `json:"client_id,omitempty"`
	URL      string `json:"url"`
}

// Replay identifies a replayed operation for notification copy.
type Replay struct {
	OpID       string
	Method     string
	TargetPath string
}

// Config configures a Dispatcher.
type Config struct {
	// Default fills fields missing from dispatched payloads. Empty title and
	// body come from the message catalog; empty Target becomes "/".
	Default Payload

	// Language selects the message catalog. Default: English.
	Language language.Tag

	// ReplayTitle and ReplayBody override the catalog copy of replay
	// success notifications.
	ReplayTitle string
	ReplayBody  string

	// ReplayTarget is where replay notifications route to. Default: the
	// default payload's target.
	ReplayTarget string

	Sink    Sink
	Clients *clients.Registry
	Logger  observe.Logger
}

// Dispatcher renders and shows notifications.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Errors: sink failures are logged and returned; a malformed push never
//     fails, it is shown with the default payload.
type Dispatcher struct {
	def          Payload
	printer      printer
	replayTitle  string
	replayBody   string
	replayTarget string
	sink         Sink
	clients      *clients.Registry
	logger       observe.Logger
}

// NewDispatcher creates a Dispatcher. A nil Sink logs notifications.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Language == language.Und {
		cfg.Language = language.English
	}
	logger := observe.OrNop(cfg.Logger)
	if cfg.Sink == nil {
		cfg.Sink = LogSink{Logger: logger}
	}
	p := message.NewPrinter(cfg.Language)

	def := cfg.Default
	if def.Title == "" {
		def.Title = localize(p, keyDefaultTitle, defaultTitle)
	}
	if def.Body == "" {
		def.Body = localize(p, keyDefaultBody, defaultBody)
	}
	if def.Target == "" {
		def.Target = "/"
	}

	return &Dispatcher{
		def:          def,
		printer:      p,
		replayTitle:  cfg.ReplayTitle,
		replayBody:   cfg.ReplayBody,
		replayTarget: cfg.ReplayTarget,
		sink:         cfg.Sink,
		clients:      cfg.Clients,
		logger:       logger,
	}
}

// Default returns the default payload.
func (d *Dispatcher) Default() Payload {
	return d.def
}

// Dispatch fills p from the default payload and shows it.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) error {
	p = p.WithDefaults(d.def)
	if err := d.sink.Show(ctx, p); err != nil {
		d.logger.Error(ctx, "notification sink failed", observe.F("title", p.Title), observe.Err(err))
		return err
	}
	return nil
}

// DispatchPush shows a raw push message, substituting the default payload
// when it is malformed. The payload actually shown is returned.
func (d *Dispatcher) DispatchPush(ctx context.Context, raw []byte) (Payload, error) {
	p, err := ParsePush(raw)
	if err != nil {
		d.logger.Warn(ctx, "malformed push payload, using default", observe.Err(err))
		p = d.def
	}
	p = p.WithDefaults(d.def)
	return p, d.Dispatch(ctx, p)
}

// ReplaySucceeded announces a delivered operation. The queue hands each
// delivery to the notifier once, so every call is shown; a re-enqueued id
// is a new delivery and is announced again.
func (d *Dispatcher) ReplaySucceeded(ctx context.Context, r Replay) error {
	d.logger.Debug(ctx, "announcing delivered operation",
		observe.F("op_id", r.OpID),
		observe.F("method", r.Method),
		observe.F("target_path", r.TargetPath),
	)
	title := d.replayTitle
	if title == "" {
		title = localize(d.printer, keyReplayTitle, "Booking Confirmed!")
	}
	body := d.replayBody
	if body == "" {
		body = localize(d.printer, keyReplayBody, d.def.Body)
	}
	return d.Dispatch(ctx, Payload{
		Title:  title,
		Body:   body,
		Tag:    "replay-" + r.OpID,
		Target: d.replayTarget,
	})
}

// ReplayAbandoned announces an operation that will not be delivered.
func (d *Dispatcher) ReplayAbandoned(ctx context.Context, r Replay, reason string) error {
	return d.Dispatch(ctx, Payload{
		Title:  localize(d.printer, keyAbandonedTitle, "Request not sent"),
		Body:   localize(d.printer, keyAbandonedBody, d.def.Body, reason),
		Tag:    "replay-" + r.OpID,
		Target: d.replayTarget,
	})
}

// OnActivate routes an activated notification. A client already showing
// the target is focused; otherwise the most recently seen client is told to
// navigate; with no client open the host is asked to open one.
func (d *Dispatcher) OnActivate(ctx context.Context, p Payload) (Navigation, error) {
	target := p.Target
	if target == "" {
		target = d.def.Target
	}
	nav := Navigation{Action: ActionOpen, URL: target}
	if d.clients == nil {
		return nav, nil
	}

	kind := MessageNavigate
	c, ok := d.clients.ByURL(target)
	if ok {
		kind = MessageFocus
	} else {
		c, ok = d.clients.MostRecent()
	}
	if !ok {
		return nav, nil
	}

	msg, err := clients.NewMessage(kind, map[string]string{"url": target})
	if err != nil {
		return nav, err
	}
	if err := d.clients.Post(c.ID, msg); err != nil {
		// closed or not polling since it was looked up
		d.logger.Warn(ctx, "client unavailable, opening a new one", observe.F("client_id", c.ID), observe.Err(err))
		return nav, nil
	}

	nav.ClientID = c.ID
	nav.Action = ActionNavigate
	if kind == MessageFocus {
		nav.Action = ActionFocus
	}
	return nav, nil
}
