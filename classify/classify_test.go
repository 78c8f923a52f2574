package classify

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newRequest(method, target string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestClassifier_Classify(t *testing.T) {
	c := New(DefaultRules())

	tests := []struct {
		name    string
		method  string
		target  string
		headers map[string]string
		want    Class
	}{
		{"post is mutating", http.MethodPost, "http://app.test/api/bookings", nil, Mutating},
		{"put is mutating", http.MethodPut, "http://app.test/api/bookings/1", nil, Mutating},
		{"delete is mutating", http.MethodDelete, "http://app.test/index.html", nil, Mutating},
		{"patch is mutating", http.MethodPatch, "http://app.test/logo.png", nil, Mutating},
		{"mutating wins over api prefix", http.MethodPost, "http://app.test/api/x", nil, Mutating},
		{"api read is dynamic", http.MethodGet, "http://app.test/api/rooms", nil, Dynamic},
		{"api read with image accept stays dynamic", http.MethodGet, "http://app.test/api/rooms",
			map[string]string{"Accept": "image/webp"}, Dynamic},
		{"image destination is media", http.MethodGet, "http://app.test/assets/hero",
			map[string]string{"Sec-Fetch-Dest": "image"}, Media},
		{"video destination is media", http.MethodGet, "http://app.test/clip",
			map[string]string{"Sec-Fetch-Dest": "video"}, Media},
		{"image accept is media", http.MethodGet, "http://app.test/avatar",
			map[string]string{"Accept": "text/html;q=0.9, image/avif"}, Media},
		{"media extension is media", http.MethodGet, "http://app.test/img/room.JPG", nil, Media},
		{"document is static", http.MethodGet, "http://app.test/",
			map[string]string{"Sec-Fetch-Mode": "navigate"}, Static},
		{"script is static", http.MethodGet, "http://app.test/app.js", nil, Static},
		{"head is static", http.MethodHead, "http://app.test/style.css", nil, Static},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(newRequest(tt.method, tt.target, tt.headers))
			if got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifier_NonHTTPSchemeBypasses(t *testing.T) {
	c := New(DefaultRules())

	r := newRequest(http.MethodGet, "http://app.test/x", nil)
	r.URL.Scheme = "chrome-extension"
	if got := c.Classify(r); got != Bypass {
		t.Errorf("Classify() = %q, want bypass", got)
	}

	// Mutating takes priority over the scheme rule.
	r.Method = http.MethodPost
	if got := c.Classify(r); got != Mutating {
		t.Errorf("Classify() = %q, want mutating", got)
	}
}

func TestClassifier_CustomRules(t *testing.T) {
	c := New(Rules{APIPrefixes: []string{"/v2/"}, MediaExtensions: []string{"heic"}})

	if got := c.Classify(newRequest(http.MethodGet, "http://app.test/v2/rooms", nil)); got != Dynamic {
		t.Errorf("custom prefix: got %q, want dynamic", got)
	}
	if got := c.Classify(newRequest(http.MethodGet, "http://app.test/api/rooms", nil)); got != Static {
		t.Errorf("default prefix replaced: got %q, want static", got)
	}
	if got := c.Classify(newRequest(http.MethodGet, "http://app.test/p/photo.heic", nil)); got != Media {
		t.Errorf("custom extension: got %q, want media", got)
	}
}

// TestClassifier_Deterministic verifies repeated classification of the same request agrees.
func TestClassifier_Deterministic(t *testing.T) {
	c := New(DefaultRules())
	reqs := []*http.Request{
		newRequest(http.MethodGet, "http://app.test/api/rooms?page=2", nil),
		newRequest(http.MethodGet, "http://app.test/img/a.png", nil),
		newRequest(http.MethodPost, "http://app.test/api/bookings", nil),
		newRequest(http.MethodGet, "http://app.test/", map[string]string{"Sec-Fetch-Dest": "document"}),
	}

	for _, r := range reqs {
		first := c.Classify(r)
		for i := 0; i < 100; i++ {
			if got := c.Classify(r); got != first {
				t.Fatalf("%s %s: run %d got %q, first %q", r.Method, r.URL, i, got, first)
			}
		}
		if got := New(DefaultRules()).Classify(r); got != first {
			t.Fatalf("fresh classifier disagrees: %q vs %q", got, first)
		}
	}
}

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		headers map[string]string
		want    bool
	}{
		{map[string]string{"Sec-Fetch-Mode": "navigate"}, true},
		{map[string]string{"Sec-Fetch-Dest": "document"}, true},
		{map[string]string{"Sec-Fetch-Mode": "cors"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		r := newRequest(http.MethodGet, "http://app.test/", tt.headers)
		if got := IsNavigation(r); got != tt.want {
			t.Errorf("IsNavigation(%v) = %v, want %v", tt.headers, got, tt.want)
		}
	}
}

func TestClass_Cacheable(t *testing.T) {
	for _, c := range CacheableClasses() {
		if !c.Cacheable() {
			t.Errorf("%q should be cacheable", c)
		}
	}
	for _, c := range []Class{Mutating, Bypass} {
		if c.Cacheable() {
			t.Errorf("%q should not be cacheable", c)
		}
	}
}
