package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/resilience"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	// Client defaults to a client with no timeout.
	Client *http.Client

	// Reachability, when set, observes every round trip.
	Reachability *resilience.Reachability
}

// Fetcher performs buffered round trips.
type Fetcher struct {
	client *http.Client
	reach  *resilience.Reachability
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Fetcher{client: cfg.Client, reach: cfg.Reachability}
}

// Fetch sends r and buffers the whole response. Any HTTP status is a
// successful fetch; only transport failures are errors. The size limit on
// stored bodies is cache.Policy's concern, not the fetcher's.
func (f *Fetcher) Fetch(ctx context.Context, r *http.Request) (*cache.Response, error) {
	resp, err := f.do(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.record(err)
		return nil, fmt.Errorf("transport: read %s: %w", r.URL.Redacted(), err)
	}
	f.record(nil)

	header := cloneHeader(resp.Header)
	header.Del("Content-Length")
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// Ping sends r and discards the response body, returning the status.
func (f *Fetcher) Ping(ctx context.Context, r *http.Request) (int, error) {
	resp, err := f.do(ctx, r)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, pingDrainBytes))
	_ = resp.Body.Close()
	f.record(nil)
	return resp.StatusCode, nil
}

// pingDrainBytes is read before closing so small replies keep the
// connection reusable.
const pingDrainBytes = 4 << 10

func (f *Fetcher) do(ctx context.Context, r *http.Request) (*http.Response, error) {
	out := r.Clone(ctx)
	out.RequestURI = ""
	out.Header = cloneHeader(r.Header)

	resp, err := f.client.Do(out)
	if err != nil {
		f.record(err)
		return nil, fmt.Errorf("transport: %s %s: %w", r.Method, r.URL.Redacted(), err)
	}
	return resp, nil
}

func (f *Fetcher) record(err error) {
	if f.reach != nil {
		f.reach.Record(err)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

// Rewrite points an intercepted request at origin, keeping its path and
// query. The returned request shares r's body.
func Rewrite(r *http.Request, origin *url.URL) *http.Request {
	target := origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	out := r.Clone(r.Context())
	out.URL = target
	out.Host = target.Host
	out.RequestURI = ""
	return out
}

var _ cache.Fetcher = (*Fetcher)(nil)
