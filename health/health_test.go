package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jonwraymond/offlineagent/resilience"
)

type mockPinger struct {
	err   error
	calls atomic.Int32
}

func (m *mockPinger) Ping(context.Context) error {
	m.calls.Add(1)
	return m.err
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
		{StatusUnhealthy, "unhealthy"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestChecks(t *testing.T) {
	storeErr := errors.New("closed")

	tests := []struct {
		name    string
		checker Checker
		want    Status
	}{
		{"store ok", StoreCheck("s", &mockPinger{}), StatusHealthy},
		{"store down", StoreCheck("s", &mockPinger{err: storeErr}), StatusUnhealthy},
		{"queue below warn", QueueCheck("q", func(context.Context) (int, error) { return 3, nil }, 10), StatusHealthy},
		{"queue at warn", QueueCheck("q", func(context.Context) (int, error) { return 10, nil }, 10), StatusHealthy},
		{"queue above warn", QueueCheck("q", func(context.Context) (int, error) { return 11, nil }, 10), StatusDegraded},
		{"queue warn disabled", QueueCheck("q", func(context.Context) (int, error) { return 1000, nil }, 0), StatusHealthy},
		{"queue error", QueueCheck("q", func(context.Context) (int, error) { return 0, storeErr }, 10), StatusUnhealthy},
		{"online", ReachabilityCheck("r", func() bool { return true }), StatusHealthy},
		{"offline", ReachabilityCheck("r", func() bool { return false }), StatusDegraded},
		{"generation active", GenerationCheck("g", func() string { return "v1" }), StatusHealthy},
		{"no generation", GenerationCheck("g", func() string { return "" }), StatusUnhealthy},
		{"refresh slots free", RefreshCheck("f", func() resilience.BulkheadStats {
			return resilience.BulkheadStats{Active: 1, Capacity: 4}
		}), StatusHealthy},
		{"refresh slots exhausted", RefreshCheck("f", func() resilience.BulkheadStats {
			return resilience.BulkheadStats{Active: 4, Capacity: 4, Rejected: 7}
		}), StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.checker.Check(context.Background())
			if got.Status != tt.want {
				t.Errorf("Check().Status = %v, want %v (%s)", got.Status, tt.want, got.Message)
			}
		})
	}
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]Result
		want    Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", map[string]Result{"a": Healthy(""), "b": Healthy("")}, StatusHealthy},
		{"one degraded", map[string]Result{"a": Healthy(""), "b": Degraded("")}, StatusDegraded},
		{"unhealthy wins", map[string]Result{"a": Degraded(""), "b": Unhealthy("", nil)}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overall(tt.results); got != tt.want {
				t.Errorf("Overall() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAggregator_CheckAll(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	p := &mockPinger{}
	agg.Register(StoreCheck("cache_store", p))
	agg.Register(ReachabilityCheck("backend", func() bool { return false }))
	// Re-registering keeps one entry.
	agg.Register(StoreCheck("cache_store", p))

	if got := agg.Names(); len(got) != 2 || got[0] != "cache_store" || got[1] != "backend" {
		t.Fatalf("Names() = %v", got)
	}

	results := agg.CheckAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if p.calls.Load() != 1 {
		t.Errorf("ping calls = %d, want 1", p.calls.Load())
	}
	if results["cache_store"].Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if got := Overall(results); got != StatusDegraded {
		t.Errorf("Overall() = %v, want degraded", got)
	}
}

func TestAggregator_Timeout(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Timeout: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	agg.Register(NewCheckFunc("slow", func(context.Context) Result {
		<-release
		return Healthy("late")
	}))

	r, err := agg.Check(context.Background(), "slow")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if r.Status != StatusUnhealthy || !errors.Is(r.Error, ErrCheckTimeout) {
		t.Errorf("Check() = %+v, want timeout", r)
	}
}

func TestAggregator_UnknownChecker(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	if _, err := agg.Check(context.Background(), "nope"); !errors.Is(err, ErrCheckerNotFound) {
		t.Errorf("Check() error = %v, want ErrCheckerNotFound", err)
	}
}

func newRouter(agg *Aggregator) http.Handler {
	r := chi.NewRouter()
	Mount(r, agg)
	return r
}

func TestHandlers(t *testing.T) {
	online := atomic.Bool{}
	online.Store(true)
	version := atomic.Value{}
	version.Store("v1")

	agg := NewAggregator(AggregatorConfig{})
	agg.Register(ReachabilityCheck("backend", online.Load))
	agg.Register(GenerationCheck("generation", func() string { return version.Load().(string) }))
	h := newRouter(agg)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("/healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec := get("/readyz"); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("/readyz = %d %q", rec.Code, rec.Body.String())
	}

	online.Store(false)
	if rec := get("/readyz"); rec.Code != http.StatusOK || rec.Body.String() != "DEGRADED" {
		t.Errorf("/readyz offline = %d %q, want 200 DEGRADED", rec.Code, rec.Body.String())
	}

	version.Store("")
	if rec := get("/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz without generation = %d, want 503", rec.Code)
	}

	rec := get("/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health = %d, want 503", rec.Code)
	}
	var body Response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "unhealthy" {
		t.Errorf("status = %q", body.Status)
	}
	if c := body.Checks["generation"]; c.Status != "unhealthy" || c.Error == "" {
		t.Errorf("generation check = %+v", c)
	}
	if c := body.Checks["backend"]; c.Status != "degraded" {
		t.Errorf("backend check = %+v", c)
	}

	if rec := get("/health/backend"); rec.Code != http.StatusOK {
		t.Errorf("/health/backend = %d, want 200", rec.Code)
	}
	if rec := get("/health/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("/health/missing = %d, want 404", rec.Code)
	}
}
