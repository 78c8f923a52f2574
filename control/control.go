// Package control decodes and dispatches messages sent by client contexts
// to the agent over the control channel.
//
// Messages are JSON envelopes {"type": "...", "payload": {...}}. Kinds the
// agent does not know are ignored rather than rejected, so older agents
// tolerate newer clients.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/queue"
)

// Message kinds.
const (
	KindAdoptNewVersion  = "ADOPT_NEW_VERSION"
	KindEnqueueOperation = "ENQUEUE_OPERATION"
)

var (
	ErrMalformedMessage = errors.New("control: malformed message")
	ErrInvalidPayload   = errors.New("control: invalid payload")
)

// Message is the control envelope.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers a control message.
type Reply struct {
	Type    string `json:"type"`
	OK      bool   `json:"ok"`
	Ignored bool   `json:"ignored,omitempty"`
	Error   string `json:"error,omitempty"`

	// Set for ENQUEUE_OPERATION.
	OperationID string       `json:"operation_id,omitempty"`
	Status      queue.Status `json:"status,omitempty"`

	// Set for ADOPT_NEW_VERSION.
	Version string `json:"version,omitempty"`
}

// EnqueuePayload is the payload of ENQUEUE_OPERATION.
type EnqueuePayload struct {
	ID      string            `json:"id,omitempty"`
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Request converts the payload into a queue request. The body is kept as
// raw JSON bytes.
func (p EnqueuePayload) Request() (queue.EnqueueRequest, error) {
	h := make(http.Header, len(p.Headers))
	for k, v := range p.Headers {
		h.Set(k, v)
	}
	var body []byte
	if len(p.Body) > 0 && string(p.Body) != "null" {
		body = p.Body
	}
	payload := queue.NewPayload(p.Method, p.Path, h, body)
	if err := payload.Validate(); err != nil {
		return queue.EnqueueRequest{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return queue.EnqueueRequest{ID: p.ID, Payload: payload}, nil
}

// Handler carries out control operations. The agent implements it.
type Handler interface {
	// AdoptNewVersion activates the waiting version immediately and returns
	// the version now current.
	AdoptNewVersion(ctx context.Context) (string, error)

	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.Operation, error)
}

// Channel dispatches control messages to a Handler.
type Channel struct {
	handler Handler
	logger  observe.Logger
}

// NewChannel creates a Channel.
func NewChannel(h Handler, logger observe.Logger) *Channel {
	return &Channel{handler: h, logger: observe.OrNop(logger)}
}

// Decode parses a raw envelope.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, errors.Join(ErrMalformedMessage, err)
	}
	msg.Type = strings.ToUpper(strings.TrimSpace(msg.Type))
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return msg, nil
}

// Handle dispatches msg. Unknown kinds return a Reply with Ignored set and
// no error. Errors from the handler are returned along with a failed Reply.
func (c *Channel) Handle(ctx context.Context, msg Message) (Reply, error) {
	log := c.logger.WithOperation(observe.OperationMeta{Component: "control", Name: strings.ToLower(msg.Type)})
	reply := Reply{Type: msg.Type}

	switch msg.Type {
	case KindAdoptNewVersion:
		version, err := c.handler.AdoptNewVersion(ctx)
		if err != nil {
			reply.Error = err.Error()
			return reply, err
		}
		reply.OK = true
		reply.Version = version
		return reply, nil

	case KindEnqueueOperation:
		var p EnqueuePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			err = errors.Join(ErrInvalidPayload, err)
			reply.Error = err.Error()
			return reply, err
		}
		req, err := p.Request()
		if err != nil {
			reply.Error = err.Error()
			return reply, err
		}
		op, err := c.handler.Enqueue(ctx, req)
		if err != nil {
			reply.Error = err.Error()
			return reply, err
		}
		reply.OK = true
		reply.OperationID = op.ID
		reply.Status = op.Status
		return reply, nil

	default:
		log.Debug(ctx, "ignoring unknown control message", observe.F("type", msg.Type))
		reply.OK = true
		reply.Ignored = true
		return reply, nil
	}
}
