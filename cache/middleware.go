package cache

import (
	"context"
	"net/http"
)

// Fetcher performs a network request and buffers the response.
//
// Contract:
//   - Errors: transport failures (no response at all) are returned as errors;
//     any HTTP status, including 5xx, is a successful fetch.
//   - Context: implementations must honor cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, r *http.Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	return f(ctx, r)
}

// WriteErrorFunc observes cache writes that failed. The network response is
// still returned to the caller.
type WriteErrorFunc func(ctx context.Context, partition, key string, err error)

// AdmitFunc decides whether a write into partition may proceed. When ok,
// release is called after the write.
type AdmitFunc func(partition string) (release func(), ok bool)

// ReadThrough serves requests from one partition, filling it from the network
// on miss.
type ReadThrough struct {
	store   Store
	keyer   Keyer
	policy  Policy
	onWrite WriteErrorFunc
	admit   AdmitFunc
}

// NewReadThrough creates a ReadThrough. A nil keyer uses RequestKeyer.
func NewReadThrough(store Store, keyer Keyer, policy Policy, onWrite WriteErrorFunc) *ReadThrough {
	if keyer == nil {
		keyer = NewRequestKeyer()
	}
	if onWrite == nil {
		onWrite = func(context.Context, string, string, error) {}
	}
	return &ReadThrough{store: store, keyer: keyer, policy: policy, onWrite: onWrite}
}

// WithAdmit returns a copy of rt that consults admit before every write.
func (rt *ReadThrough) WithAdmit(admit AdmitFunc) *ReadThrough {
	out := *rt
	out.admit = admit
	return &out
}

// Key returns the storage key for r.
func (rt *ReadThrough) Key(r *http.Request) string {
	return rt.keyer.Key(r)
}

// Lookup returns the cached response for r in partition. Store errors count
// as a miss.
func (rt *ReadThrough) Lookup(ctx context.Context, partition string, r *http.Request) (*Response, bool) {
	resp, ok, err := rt.store.Get(ctx, partition, rt.keyer.Key(r))
	if err != nil || !ok {
		return nil, false
	}
	return resp, true
}

// Fill fetches r and stores the response in partition when the policy allows.
// Errors from fetch are returned unchanged and nothing is stored.
func (rt *ReadThrough) Fill(ctx context.Context, partition string, r *http.Request, fetch Fetcher) (*Response, error) {
	resp, err := fetch.Fetch(ctx, r)
	if err != nil {
		return nil, err
	}
	rt.Store(ctx, partition, r, resp)
	return resp, nil
}

// Store writes resp for r into partition when storable. Failures are reported
// to the write-error hook and otherwise ignored.
func (rt *ReadThrough) Store(ctx context.Context, partition string, r *http.Request, resp *Response) {
	if !rt.policy.Storable(r.Method, resp) {
		return
	}
	if rt.admit != nil {
		release, ok := rt.admit(partition)
		if !ok {
			return
		}
		defer release()
	}
	if resp.StoredAt.IsZero() {
		resp = resp.Clone()
		resp.StoredAt = timeNow()
	}
	key := rt.keyer.Key(r)
	if err := rt.store.Put(ctx, partition, key, resp); err != nil {
		rt.onWrite(ctx, partition, key, err)
	}
}
