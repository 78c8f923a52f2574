package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/queue"
	"github.com/jonwraymond/offlineagent/resilience"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestFetcher_BuffersAnyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			t.Errorf("hop-by-hop header forwarded")
		}
		w.Header().Set("X-Backend", "1")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom")
	}))
	defer srv.Close()

	reach := resilience.NewReachability(resilience.ReachabilityConfig{})
	f := NewFetcher(FetcherConfig{Reachability: reach})

	req := httptest.NewRequest(http.MethodGet, srv.URL+"/api/x", nil)
	req.Header.Set("Connection", "keep-alive")
	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Status != http.StatusInternalServerError || string(resp.Body) != "boom" || resp.Header.Get("X-Backend") != "1" {
		t.Errorf("Fetch() = %d %q %v", resp.Status, resp.Body, resp.Header)
	}
	if !reach.Online() {
		t.Error("a 5xx answer still proves reachability")
	}
}

func TestFetcher_TransportErrorMarksOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	var transitions []resilience.State
	reach := resilience.NewReachability(resilience.ReachabilityConfig{
		OnStateChange: func(_, to resilience.State) { transitions = append(transitions, to) },
	})
	f := NewFetcher(FetcherConfig{Reachability: reach})

	req, _ := http.NewRequest(http.MethodGet, addr+"/", nil)
	if _, err := f.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected transport error")
	}
	if reach.Online() {
		t.Error("reachability should be offline")
	}
	if len(transitions) != 1 || transitions[0] != resilience.StateOffline {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestFetcher_ServesOversizedBodyWhole(t *testing.T) {
	payload := strings.Repeat("x", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{})
	req := httptest.NewRequest(http.MethodGet, srv.URL+"/media/big.bin", nil)
	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != payload {
		t.Fatalf("Fetch() = %d with %d bytes, want 200 with %d", resp.Status, len(resp.Body), len(payload))
	}

	policy := cache.Policy{MaxBodyBytes: 10}
	if policy.Storable(http.MethodGet, resp) {
		t.Error("Storable() = true for a body over the limit")
	}
}

func TestFetcher_PingDiscardsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reach := resilience.NewReachability(resilience.ReachabilityConfig{})
	reach.Record(errors.New("down"))
	f := NewFetcher(FetcherConfig{Reachability: reach})

	req := httptest.NewRequest(http.MethodGet, srv.URL+"/", nil)
	status, err := f.Ping(context.Background(), req)
	if err != nil || status != http.StatusNoContent {
		t.Fatalf("Ping() = %d, %v", status, err)
	}
	if !reach.Online() {
		t.Error("a successful ping should mark the backend online")
	}
}

func TestRewrite(t *testing.T) {
	origin := mustURL(t, "https://backend.test")
	req := httptest.NewRequest(http.MethodGet, "http://agent.local:8080/api/items?b=2&a=1", nil)

	out := Rewrite(req, origin)
	if got := out.URL.String(); got != "https://backend.test/api/items?b=2&a=1" {
		t.Errorf("Rewrite() URL = %q", got)
	}
	if out.Host != "backend.test" || out.RequestURI != "" {
		t.Errorf("Rewrite() host = %q, RequestURI = %q", out.Host, out.RequestURI)
	}
	if req.URL.Host != "agent.local:8080" {
		t.Error("Rewrite() mutated the original request")
	}
}

type captured struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func newBackend(t *testing.T, status int, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*got = captured{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReplayer_SendsCapturedRequest(t *testing.T) {
	var got captured
	srv := newBackend(t, http.StatusCreated, &got)

	r, err := NewReplayer(ReplayerConfig{Origin: mustURL(t, srv.URL)})
	if err != nil {
		t.Fatal(err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer abc")
	header.Set("X-Client", "web")
	op := queue.Operation{
		ID:      "op-1",
		Payload: queue.NewPayload(http.MethodPost, "/api/bookings", header, []byte(`{"seat":"12A"}`)),
	}

	if err := r.Send(context.Background(), op); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.method != http.MethodPost || got.path != "/api/bookings" {
		t.Errorf("backend saw %s %s", got.method, got.path)
	}
	if string(got.body) != `{"seat":"12A"}` {
		t.Errorf("body = %q", got.body)
	}
	if got.header.Get("Authorization") != "Bearer abc" || got.header.Get("X-Client") != "web" {
		t.Errorf("captured headers not replayed: %v", got.header)
	}
	if got.header.Get(ReplayHeader) != "op-1" {
		t.Errorf("%s = %q", ReplayHeader, got.header.Get(ReplayHeader))
	}
}

func TestReplayer_BinaryBody(t *testing.T) {
	var got captured
	srv := newBackend(t, http.StatusOK, &got)
	r, _ := NewReplayer(ReplayerConfig{Origin: mustURL(t, srv.URL)})

	raw := []byte{0x00, 0xff, 0x10}
	op := queue.Operation{ID: "op-2", Payload: queue.NewPayload(http.MethodPut, "/upload", nil, raw)}
	if err := r.Send(context.Background(), op); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.body, raw) {
		t.Errorf("body = %v, want %v", got.body, raw)
	}
	if got.header.Get("Content-Type") == "application/json" {
		t.Error("binary body must not be labelled JSON")
	}
}

func TestReplayer_Non2xxIsFailure(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable} {
		var got captured
		srv := newBackend(t, status, &got)
		r, _ := NewReplayer(ReplayerConfig{Origin: mustURL(t, srv.URL)})

		err := r.Send(context.Background(), queue.Operation{ID: "op-3", Payload: queue.NewPayload(http.MethodDelete, "/api/x", nil, nil)})
		if !errors.Is(err, ErrRejected) {
			t.Errorf("status %d: err = %v, want ErrRejected", status, err)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Status != status {
			t.Errorf("status %d: StatusError = %+v", status, se)
		}
	}
}

func TestReplayer_WarnsOnExpiredToken(t *testing.T) {
	var got captured
	srv := newBackend(t, http.StatusOK, &got)

	var logs bytes.Buffer
	r, _ := NewReplayer(ReplayerConfig{
		Origin: mustURL(t, srv.URL),
		Logger: observe.NewLoggerWithWriter("info", &logs),
	})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-7",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("app-secret"))
	if err != nil {
		t.Fatal(err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	op := queue.Operation{ID: "op-4", Payload: queue.NewPayload(http.MethodPost, "/api/x", header, []byte(`{}`))}
	if err := r.Send(context.Background(), op); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.Contains(logs.String(), "replaying with expired credentials") {
		t.Errorf("expected expiry warning, logs: %s", logs.String())
	}
	if got.header.Get("Authorization") != "Bearer "+token {
		t.Error("request must be replayed with the original credentials")
	}
}

func TestNewReplayer_RequiresOrigin(t *testing.T) {
	if _, err := NewReplayer(ReplayerConfig{}); !errors.Is(err, ErrNilOrigin) {
		t.Errorf("err = %v, want ErrNilOrigin", err)
	}
}
