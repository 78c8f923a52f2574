package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockSender records sent operation IDs and fails on demand.
type mockSender struct {
	mu     sync.Mutex
	sent   []string
	failOn map[string]bool
	block  chan struct{}
	calls  atomic.Int32
}

func (s *mockSender) Send(ctx context.Context, op Operation) error {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[op.ID] {
		return errors.New("backend returned 503")
	}
	s.sent = append(s.sent, op.ID)
	return nil
}

func (s *mockSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *mockSender) setFail(id string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == nil {
		s.failOn = make(map[string]bool)
	}
	s.failOn[id] = fail
}

// mockNotifier counts terminal notifications per operation.
type mockNotifier struct {
	mu        sync.Mutex
	delivered map[string]int
	abandoned map[string]string
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{delivered: map[string]int{}, abandoned: map[string]string{}}
}

func (n *mockNotifier) Delivered(_ context.Context, op Operation) {
	n.mu.Lock()
	n.delivered[op.ID]++
	n.mu.Unlock()
}

func (n *mockNotifier) Abandoned(_ context.Context, op Operation, reason string) {
	n.mu.Lock()
	n.abandoned[op.ID] = reason
	n.mu.Unlock()
}

func newTestQueue(t *testing.T, store Store, sender Sender, notifier Notifier, maxAttempts int) *Queue {
	t.Helper()
	q, err := New(Config{Store: store, Sender: sender, Notifier: notifier, MaxAttempts: maxAttempts})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return q
}

func bookingPayload(n int) Payload {
	return Payload{
		TargetPath: "/api/bookings",
		Method:     "POST",
		Headers:    map[string]string{"Authorization": "Bearer t", "Content-Type": "application/json"},
		Body:       []byte(fmt.Sprintf(`{"room":%d}`, n)),
	}
}

func enqueueN(t *testing.T, q *Queue, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if _, err := q.Enqueue(context.Background(), EnqueueRequest{ID: fmt.Sprintf("op-%d", i), Payload: bookingPayload(i)}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
}

func TestNew_RequiresStoreAndSender(t *testing.T) {
	if _, err := New(Config{Sender: &mockSender{}}); !errors.Is(err, ErrNilStore) {
		t.Errorf("err = %v, want ErrNilStore", err)
	}
	if _, err := New(Config{Store: NewMemoryStore()}); !errors.Is(err, ErrNilSender) {
		t.Errorf("err = %v, want ErrNilSender", err)
	}
}

func TestQueue_EnqueueGeneratesID(t *testing.T) {
	q := newTestQueue(t, NewMemoryStore(), &mockSender{}, nil, 0)
	op, err := q.Enqueue(context.Background(), EnqueueRequest{Payload: bookingPayload(1)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(op.ID, "op-") || op.Status != StatusPending || op.Seq == 0 {
		t.Errorf("Enqueue() = %+v", op)
	}

	if _, err := q.Enqueue(context.Background(), EnqueueRequest{Payload: Payload{Method: "POST"}}); err == nil {
		t.Error("Enqueue() without target path should fail")
	}
}

// TestQueue_DrainFIFO verifies operations replay in enqueue order and each notifies once.
func TestQueue_DrainFIFO(t *testing.T) {
	sender := &mockSender{}
	notifier := newMockNotifier()
	q := newTestQueue(t, NewMemoryStore(), sender, notifier, 0)
	enqueueN(t, q, 5)

	res, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if res.Delivered != 5 || res.Failed || res.Coalesced {
		t.Errorf("Drain() = %+v", res)
	}

	want := []string{"op-1", "op-2", "op-3", "op-4", "op-5"}
	if got := sender.Sent(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("sent order = %v, want %v", got, want)
	}
	for _, id := range want {
		if notifier.delivered[id] != 1 {
			t.Errorf("%s notified %d times, want 1", id, notifier.delivered[id])
		}
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("Len() after drain = %d", n)
	}

	// A second drain does nothing and notifies nothing.
	res, _ = q.Drain(context.Background())
	if res.Delivered != 0 || notifier.delivered["op-1"] != 1 {
		t.Errorf("second Drain() = %+v, notifications %v", res, notifier.delivered)
	}
}

// TestQueue_DrainFailFast verifies a failure stops the cycle and preserves order.
func TestQueue_DrainFailFast(t *testing.T) {
	sender := &mockSender{}
	sender.setFail("op-2", true)
	notifier := newMockNotifier()
	q := newTestQueue(t, NewMemoryStore(), sender, notifier, 0)
	enqueueN(t, q, 3)

	res, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if res.Delivered != 1 || !res.Failed || res.FailedID != "op-2" || res.Err == nil {
		t.Fatalf("Drain() = %+v", res)
	}
	if got := sender.Sent(); len(got) != 1 || got[0] != "op-1" {
		t.Errorf("sent = %v; op-3 must not overtake op-2", got)
	}

	ops, _ := q.List(context.Background())
	if len(ops) != 2 || ops[0].ID != "op-2" || ops[1].ID != "op-3" {
		t.Fatalf("remaining = %v", ops)
	}
	if ops[0].Status != StatusPending || ops[0].Attempts != 1 || ops[0].LastError == "" {
		t.Errorf("failed op = %+v, want pending with one attempt and last error", ops[0])
	}
	if ops[1].Attempts != 0 {
		t.Errorf("op-3 attempts = %d, want 0", ops[1].Attempts)
	}

	// Backend recovers: remaining ops drain in order.
	sender.setFail("op-2", false)
	res, _ = q.Drain(context.Background())
	if res.Delivered != 2 {
		t.Errorf("recovery Drain() = %+v", res)
	}
	if got := sender.Sent(); fmt.Sprint(got) != "[op-1 op-2 op-3]" {
		t.Errorf("sent = %v", got)
	}
	if notifier.delivered["op-2"] != 1 {
		t.Errorf("op-2 notifications = %d", notifier.delivered["op-2"])
	}
}

// TestQueue_DrainCoalesces verifies a concurrent drain is a no-op.
func TestQueue_DrainCoalesces(t *testing.T) {
	sender := &mockSender{block: make(chan struct{})}
	q := newTestQueue(t, NewMemoryStore(), sender, nil, 0)
	enqueueN(t, q, 2)

	done := make(chan DrainResult)
	go func() {
		res, _ := q.Drain(context.Background())
		done <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sender.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first drain never started sending")
		}
		time.Sleep(time.Millisecond)
	}
	if !q.Draining() {
		t.Fatal("Draining() = false during a drain")
	}

	res, err := q.Drain(context.Background())
	if err != nil || !res.Coalesced {
		t.Fatalf("concurrent Drain() = %+v, %v; want coalesced", res, err)
	}

	close(sender.block)
	first := <-done
	if first.Delivered != 2 {
		t.Errorf("first Drain() = %+v", first)
	}
	if got := sender.Sent(); fmt.Sprint(got) != "[op-1 op-2]" {
		t.Errorf("sent = %v; each op must be sent exactly once", got)
	}
}

// TestQueue_RecoverAfterCrash simulates a crash mid-replay on a badger store on disk.
func TestQueue_RecoverAfterCrash(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "queue")

	store, err := OpenBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	q := newTestQueue(t, store, &mockSender{}, nil, 0)
	enqueueN(t, q, 3)

	// Crash after op-1 was claimed but before the outcome was recorded.
	if _, err := store.UpdateStatus(ctx, "op-1", StatusPending, StatusInFlight, func(o *Operation) { o.Attempts++ }); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = OpenBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	sender := &mockSender{}
	notifier := newMockNotifier()
	q = newTestQueue(t, store, sender, notifier, 0)

	ops, _ := q.List(ctx)
	if len(ops) != 3 {
		t.Fatalf("operations after restart = %d, want 3", len(ops))
	}

	n, err := q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover() = %d, %v; want 1 reverted", n, err)
	}

	res, err := q.Drain(ctx)
	if err != nil || res.Delivered != 3 {
		t.Fatalf("Drain() = %+v, %v", res, err)
	}
	if got := sender.Sent(); fmt.Sprint(got) != "[op-1 op-2 op-3]" {
		t.Errorf("sent after recovery = %v", got)
	}
	if notifier.delivered["op-1"] != 1 {
		t.Errorf("op-1 notifications = %d", notifier.delivered["op-1"])
	}
}

func TestQueue_RecoverPurgesTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := newTestQueue(t, store, &mockSender{}, nil, 0)
	enqueueN(t, q, 1)
	_, _ = store.UpdateStatus(ctx, "op-1", StatusPending, StatusInFlight, nil)
	_, _ = store.UpdateStatus(ctx, "op-1", StatusInFlight, StatusDelivered, nil)

	if n, err := q.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("Recover() = %d, %v", n, err)
	}
	if l, _ := q.Len(ctx); l != 0 {
		t.Errorf("delivered record survived recovery")
	}
}

func TestQueue_Cancel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sender := &mockSender{}
	notifier := newMockNotifier()
	q := newTestQueue(t, store, sender, notifier, 0)
	enqueueN(t, q, 2)

	if err := q.Cancel(ctx, "op-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if notifier.abandoned["op-1"] != "cancelled" {
		t.Errorf("abandon notification = %q", notifier.abandoned["op-1"])
	}
	if err := q.Cancel(ctx, "op-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Cancel() error = %v, want ErrNotFound", err)
	}

	_, _ = store.UpdateStatus(ctx, "op-2", StatusPending, StatusInFlight, nil)
	if err := q.Cancel(ctx, "op-2"); !errors.Is(err, ErrInFlight) {
		t.Errorf("Cancel() in-flight error = %v, want ErrInFlight", err)
	}
}

func TestQueue_MaxAttemptsAbandons(t *testing.T) {
	ctx := context.Background()
	sender := &mockSender{}
	sender.setFail("op-1", true)
	notifier := newMockNotifier()
	q := newTestQueue(t, NewMemoryStore(), sender, notifier, 2)
	enqueueN(t, q, 2)

	res, _ := q.Drain(ctx)
	if !res.Failed || res.Abandoned != 0 {
		t.Fatalf("first Drain() = %+v", res)
	}
	res, _ = q.Drain(ctx)
	if res.Abandoned != 1 {
		t.Fatalf("second Drain() = %+v, want op-1 abandoned", res)
	}
	if _, ok := notifier.abandoned["op-1"]; !ok {
		t.Error("abandonment not notified")
	}

	res, _ = q.Drain(ctx)
	if res.Delivered != 1 || notifier.delivered["op-2"] != 1 {
		t.Errorf("third Drain() = %+v", res)
	}
}

func TestQueue_DrainCancelledSendRevertsToPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	sender := SenderFunc(func(ctx context.Context, op Operation) error {
		cancel()
		return ctx.Err()
	})
	q := newTestQueue(t, store, sender, nil, 0)
	enqueueN(t, q, 1)

	res, _ := q.Drain(ctx)
	if !res.Failed {
		t.Fatalf("Drain() = %+v", res)
	}
	op, err := store.Get(context.Background(), "op-1")
	if err != nil || op.Status != StatusPending {
		t.Errorf("op after cancelled send = %+v, %v", op, err)
	}
}

func TestPayload_BodyRoundTrip(t *testing.T) {
	jsonBody := []byte(`{"a":1}`)
	p := NewPayload("post", "/api/x", nil, jsonBody)
	if p.Method != "POST" || p.BodyEncoding != "" {
		t.Errorf("NewPayload(json) = %+v", p)
	}
	if b, _ := p.BodyBytes(); string(b) != string(jsonBody) {
		t.Errorf("BodyBytes() = %q", b)
	}

	form := []byte("a=1&b=2")
	p = NewPayload("POST", "/form", nil, form)
	if p.BodyEncoding != BodyEncodingBase64 {
		t.Fatalf("non-JSON body encoding = %q", p.BodyEncoding)
	}
	if b, err := p.BodyBytes(); err != nil || string(b) != string(form) {
		t.Errorf("BodyBytes() = %q, %v", b, err)
	}
}
