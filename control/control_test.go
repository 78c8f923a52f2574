package control

import (
	"context"
	"errors"
	"testing"

	"github.com/jonwraymond/offlineagent/queue"
)

// mockHandler records calls.
type mockHandler struct {
	adoptCalls int
	adoptErr   error
	enqueued   []queue.EnqueueRequest
}

func (h *mockHandler) AdoptNewVersion(context.Context) (string, error) {
	h.adoptCalls++
	if h.adoptErr != nil {
		return "", h.adoptErr
	}
	return "v2", nil
}

func (h *mockHandler) Enqueue(_ context.Context, req queue.EnqueueRequest) (queue.Operation, error) {
	h.enqueued = append(h.enqueued, req)
	id := req.ID
	if id == "" {
		id = "op-generated"
	}
	return queue.Operation{ID: id, Payload: req.Payload, Status: queue.StatusPending}, nil
}

func handle(t *testing.T, c *Channel, raw string) (Reply, error) {
	t.Helper()
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", raw, err)
	}
	return c.Handle(context.Background(), msg)
}

func TestChannel_EnqueueOperation(t *testing.T) {
	h := &mockHandler{}
	c := NewChannel(h, nil)

	reply, err := handle(t, c, `{"type":"ENQUEUE_OPERATION","payload":{"id":"op-1","path":"/bookings","method":"post","headers":{"Authorization":"Bearer t"},"body":{"seat":"12A"}}}`)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !reply.OK || reply.OperationID != "op-1" || reply.Status != queue.StatusPending {
		t.Errorf("reply = %+v", reply)
	}
	if len(h.enqueued) != 1 {
		t.Fatalf("enqueued = %d", len(h.enqueued))
	}
	p := h.enqueued[0].Payload
	if p.Method != "POST" || p.TargetPath != "/bookings" || string(p.Body) != `{"seat":"12A"}` || p.Headers["Authorization"] != "Bearer t" {
		t.Errorf("payload = %+v", p)
	}
}

func TestChannel_EnqueueRejectsInvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing path", `{"type":"ENQUEUE_OPERATION","payload":{"method":"POST"}}`},
		{"relative path", `{"type":"ENQUEUE_OPERATION","payload":{"path":"bookings","method":"POST"}}`},
		{"payload not an object", `{"type":"ENQUEUE_OPERATION","payload":"nope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &mockHandler{}
			reply, err := handle(t, NewChannel(h, nil), tt.raw)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("err = %v, want ErrInvalidPayload", err)
			}
			if reply.OK || reply.Error == "" || len(h.enqueued) != 0 {
				t.Errorf("reply = %+v, enqueued = %d", reply, len(h.enqueued))
			}
		})
	}
}

func TestChannel_AdoptNewVersion(t *testing.T) {
	h := &mockHandler{}
	reply, err := handle(t, NewChannel(h, nil), `{"type":"ADOPT_NEW_VERSION"}`)
	if err != nil || !reply.OK || reply.Version != "v2" || h.adoptCalls != 1 {
		t.Errorf("reply = %+v, err = %v, calls = %d", reply, err, h.adoptCalls)
	}

	h.adoptErr = errors.New("no waiting version")
	reply, err = handle(t, NewChannel(h, nil), `{"type":"adopt_new_version"}`)
	if err == nil || reply.OK {
		t.Errorf("reply = %+v, err = %v", reply, err)
	}
}

func TestChannel_UnknownKindIgnored(t *testing.T) {
	h := &mockHandler{}
	reply, err := handle(t, NewChannel(h, nil), `{"type":"SKIP_WAITING_LEGACY","payload":{"x":1}}`)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !reply.Ignored || !reply.OK {
		t.Errorf("reply = %+v", reply)
	}
	if h.adoptCalls != 0 || len(h.enqueued) != 0 {
		t.Error("unknown kind reached the handler")
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{``, `[]`, `{"payload":{}}`, `{"type":"  "}`} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("Decode(%q) err = %v, want ErrMalformedMessage", raw, err)
		}
	}
}
