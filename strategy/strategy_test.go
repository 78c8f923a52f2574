package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/classify"
)

const testPartition = "agent-static-v1"

var errOffline = errors.New("dial tcp: connection refused")

// mockFetcher counts calls, optionally blocks until release is closed, and
// fails while offline is set.
type mockFetcher struct {
	calls   atomic.Int32
	offline atomic.Bool
	status  int
	body    atomic.Value // string
	release chan struct{}
}

func newMockFetcher() *mockFetcher {
	f := &mockFetcher{status: http.StatusOK}
	f.body.Store("fresh")
	return f
}

func (f *mockFetcher) Fetch(ctx context.Context, r *http.Request) (*cache.Response, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.offline.Load() {
		return nil, errOffline
	}
	return &cache.Response{Status: f.status, Header: http.Header{}, Body: []byte(f.body.Load().(string))}, nil
}

type fixture struct {
	store   *cache.MemoryStore
	fetcher *mockFetcher
	deps    Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := cache.NewMemoryStore()
	if err := store.CreatePartition(context.Background(), testPartition); err != nil {
		t.Fatal(err)
	}
	f := newMockFetcher()
	return &fixture{
		store:   store,
		fetcher: f,
		deps: Deps{
			ReadThrough: cache.NewReadThrough(store, nil, cache.DefaultPolicy(), nil),
			Fetcher:     f,
			Fallback: func(context.Context) (*cache.Response, error) {
				return &cache.Response{Status: http.StatusOK, Body: []byte("offline page")}, nil
			},
		},
	}
}

func (fx *fixture) seed(t *testing.T, r *http.Request, body string) {
	t.Helper()
	key := fx.deps.ReadThrough.Key(r)
	if err := fx.store.Put(context.Background(), testPartition, key, &cache.Response{Status: http.StatusOK, Body: []byte(body), StoredAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func (fx *fixture) cached(t *testing.T, r *http.Request) (string, bool) {
	t.Helper()
	resp, ok, err := fx.store.Get(context.Background(), testPartition, fx.deps.ReadThrough.Key(r))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return "", false
	}
	return string(resp.Body), true
}

func get(path string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "http://app.test"+path, nil)
}

func navigation(path string) *http.Request {
	r := get(path)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	return r
}

func TestCacheFirst_HitMakesNoNetworkCall(t *testing.T) {
	fx := newFixture(t)
	r := get("/app.js")
	fx.seed(t, r, "cached")

	resp, err := NewCacheFirst(fx.deps).Execute(context.Background(), testPartition, r)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "cached" || resp.Source != cache.SourceCache {
		t.Errorf("Execute() = %q from %s", resp.Body, resp.Source)
	}
	if n := fx.fetcher.calls.Load(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
}

func TestCacheFirst_MissFetchesAndStores(t *testing.T) {
	fx := newFixture(t)
	s := NewCacheFirst(fx.deps)
	r := get("/app.css")

	resp, err := s.Execute(context.Background(), testPartition, r)
	if err != nil || resp.Source != cache.SourceNetwork {
		t.Fatalf("first Execute() = %+v, %v", resp, err)
	}
	if body, ok := fx.cached(t, r); !ok || body != "fresh" {
		t.Fatalf("not stored: %q %v", body, ok)
	}

	resp, _ = s.Execute(context.Background(), testPartition, r)
	if resp.Source != cache.SourceCache || fx.fetcher.calls.Load() != 1 {
		t.Errorf("second Execute() source = %s, calls = %d", resp.Source, fx.fetcher.calls.Load())
	}
}

func TestCacheFirst_ConcurrentMissesShareOneFetch(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.release = make(chan struct{})
	s := NewCacheFirst(fx.deps)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan *cache.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Execute(context.Background(), testPartition, get("/bundle.js"))
			if err != nil {
				t.Error(err)
				return
			}
			results <- resp
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for fx.fetcher.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(fx.fetcher.release)
	wg.Wait()
	close(results)

	if got := fx.fetcher.calls.Load(); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}
	for resp := range results {
		if string(resp.Body) != "fresh" {
			t.Errorf("body = %q", resp.Body)
		}
	}
}

func TestCacheFirst_CallerCancellationDoesNotAbortFill(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.release = make(chan struct{})
	s := NewCacheFirst(fx.deps)
	r := get("/late.js")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, testPartition, r)
		done <- err
	}()

	for fx.fetcher.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}

	close(fx.fetcher.release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := fx.cached(t, r); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("shared fetch did not complete after the caller gave up")
}

func TestCacheFirst_NetworkFailure(t *testing.T) {
	tests := []struct {
		name       string
		req        *http.Request
		wantSource cache.Source
		wantStatus int
	}{
		{"navigation gets offline page", navigation("/trips"), cache.SourceFallback, http.StatusOK},
		{"subresource gets offline response", get("/missing.js"), cache.SourceOffline, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.fetcher.offline.Store(true)

			resp, err := NewCacheFirst(fx.deps).Execute(context.Background(), testPartition, tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.Source != tt.wantSource || resp.Status != tt.wantStatus {
				t.Errorf("Execute() = %d from %s", resp.Status, resp.Source)
			}
		})
	}
}

func TestCacheFirst_Non2xxNotStored(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.status = http.StatusNotFound
	r := get("/nope.js")

	resp, err := NewCacheFirst(fx.deps).Execute(context.Background(), testPartition, r)
	if err != nil || resp.Status != http.StatusNotFound {
		t.Fatalf("Execute() = %+v, %v", resp, err)
	}
	if _, ok := fx.cached(t, r); ok {
		t.Error("404 must not be stored")
	}
}

func TestNetworkFirst(t *testing.T) {
	fx := newFixture(t)
	s := NewNetworkFirst(fx.deps)
	r := get("/api/trips")
	ctx := context.Background()

	resp, err := s.Execute(ctx, testPartition, r)
	if err != nil || resp.Source != cache.SourceNetwork || string(resp.Body) != "fresh" {
		t.Fatalf("online Execute() = %+v, %v", resp, err)
	}

	fx.fetcher.offline.Store(true)
	resp, err = s.Execute(ctx, testPartition, r)
	if err != nil || resp.Source != cache.SourceCache || string(resp.Body) != "fresh" {
		t.Fatalf("offline with cache Execute() = %+v, %v", resp, err)
	}

	resp, err = s.Execute(ctx, testPartition, get("/api/never-seen"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusServiceUnavailable || resp.Source != cache.SourceOffline {
		t.Fatalf("offline without cache = %d from %s", resp.Status, resp.Source)
	}
	if resp.Header.Get(OfflineErrorHeader) != OfflineCode {
		t.Errorf("%s = %q", OfflineErrorHeader, resp.Header.Get(OfflineErrorHeader))
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "offline" || body["code"] != OfflineCode {
		t.Errorf("offline body = %v", body)
	}
}

func TestNetworkFirst_AlwaysTriesNetwork(t *testing.T) {
	fx := newFixture(t)
	r := get("/api/profile")
	fx.seed(t, r, "old")
	fx.fetcher.body.Store("new")

	resp, _ := NewNetworkFirst(fx.deps).Execute(context.Background(), testPartition, r)
	if string(resp.Body) != "new" {
		t.Errorf("body = %q, want new", resp.Body)
	}
	if body, _ := fx.cached(t, r); body != "new" {
		t.Errorf("cache = %q, want new", body)
	}
}

func TestStaleWhileRevalidate_HitDoesNotWait(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.release = make(chan struct{})
	fx.fetcher.body.Store("v2")
	s := NewStaleWhileRevalidate(fx.deps)
	r := get("/img/hero.png")
	fx.seed(t, r, "v1")

	resp, err := s.Execute(context.Background(), testPartition, r)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "v1" || resp.Source != cache.SourceStale {
		t.Errorf("Execute() = %q from %s", resp.Body, resp.Source)
	}

	close(fx.fetcher.release)
	s.Wait()
	if body, _ := fx.cached(t, r); body != "v2" {
		t.Errorf("cache after refresh = %q, want v2", body)
	}
}

func TestStaleWhileRevalidate_RefreshSurvivesCallerCancel(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.body.Store("v2")
	s := NewStaleWhileRevalidate(fx.deps)
	r := get("/img/a.png")
	fx.seed(t, r, "v1")

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := s.Execute(ctx, testPartition, r); err != nil {
		t.Fatal(err)
	}
	cancel()
	s.Wait()

	if body, _ := fx.cached(t, r); body != "v2" {
		t.Errorf("cache = %q, want v2", body)
	}
}

func TestStaleWhileRevalidate_MissAwaitsNetwork(t *testing.T) {
	fx := newFixture(t)
	resp, err := NewStaleWhileRevalidate(fx.deps).Execute(context.Background(), testPartition, get("/img/new.png"))
	if err != nil || resp.Source != cache.SourceNetwork {
		t.Fatalf("Execute() = %+v, %v", resp, err)
	}
}

func TestRouter(t *testing.T) {
	fx := newFixture(t)
	router, err := NewRouter(RouterConfig{
		Partitions: func(class classify.Class) (cache.Partition, error) {
			return cache.Partition{Name: testPartition, Generation: "v1", Class: class}, nil
		},
		Deps: fx.deps,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	post := httptest.NewRequest(http.MethodPost, "http://app.test/api/bookings", nil)
	if _, err := router.Execute(ctx, post); !errors.Is(err, ErrNotCacheable) {
		t.Errorf("POST: err = %v, want ErrNotCacheable", err)
	}

	r := get("/index.js")
	fx.seed(t, r, "cached")
	resp, err := router.Execute(ctx, r)
	if err != nil || resp.Source != cache.SourceCache {
		t.Fatalf("static Execute() = %+v, %v", resp, err)
	}
	if fx.fetcher.calls.Load() != 0 {
		t.Error("static hit should not reach the network")
	}
	router.Wait()
}

func TestRouter_PartitionError(t *testing.T) {
	fx := newFixture(t)
	router, _ := NewRouter(RouterConfig{
		Partitions: func(classify.Class) (cache.Partition, error) {
			return cache.Partition{}, cache.ErrNoGeneration
		},
		Deps: fx.deps,
	})
	if _, err := router.Execute(context.Background(), get("/x.js")); !errors.Is(err, cache.ErrNoGeneration) {
		t.Errorf("err = %v, want ErrNoGeneration", err)
	}
}

func TestNewRouter_RequiresDeps(t *testing.T) {
	_, err := NewRouter(RouterConfig{
		Partitions: func(classify.Class) (cache.Partition, error) { return cache.Partition{}, nil },
	})
	if err == nil {
		t.Error("expected error without deps")
	}
}
