package notify

import (
	"context"
	"errors"

	"github.com/jonwraymond/offlineagent/clients"
	"github.com/jonwraymond/offlineagent/observe"
)

// MessageNotification is the client message type carrying a notification.
const MessageNotification = "NOTIFICATION"

// Sink displays a notification.
type Sink interface {
	Show(ctx context.Context, p Payload) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, p Payload) error

func (f SinkFunc) Show(ctx context.Context, p Payload) error { return f(ctx, p) }

// LogSink writes notifications as structured log lines.
type LogSink struct {
	Logger observe.Logger
}

func (s LogSink) Show(ctx context.Context, p Payload) error {
	observe.OrNop(s.Logger).Info(ctx, "notification",
		observe.F("title", p.Title),
		observe.F("notification_body", p.Body),
		observe.F("tag", p.Tag),
		observe.F("url", p.Target),
	)
	return nil
}

// ClientSink re-delivers notifications to every open client context.
type ClientSink struct {
	Clients *clients.Registry
}

func (s ClientSink) Show(_ context.Context, p Payload) error {
	if s.Clients == nil {
		return nil
	}
	msg, err := clients.NewMessage(MessageNotification, p)
	if err != nil {
		return err
	}
	s.Clients.Broadcast(msg)
	return nil
}

// MultiSink shows a notification on every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Show(ctx context.Context, p Payload) error {
	var errs []error
	for _, s := range m {
		if err := s.Show(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
