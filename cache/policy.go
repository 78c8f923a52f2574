package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Source tags where a response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
	SourceOffline  Source = "offline"

	// SourceQueued marks the acknowledgement of a write held for replay.
	SourceQueued Source = "queued"
)

// Response is a fully buffered HTTP response as stored in a partition.
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at"`

	// Source is set by the strategy that produced the response. It is not persisted.
	Source Source `json:"-"`
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// WithSource returns a copy of r tagged with src.
func (r *Response) WithSource(src Source) *Response {
	c := r.Clone()
	c.Source = src
	return c
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Policy decides which responses may be written to a partition.
type Policy struct {
	// MaxBodyBytes caps stored bodies. Zero means no limit.
	MaxBodyBytes int64
}

// DefaultPolicy returns the default storage policy: bodies up to 10 MiB.
func DefaultPolicy() Policy {
	return Policy{MaxBodyBytes: 10 << 20}
}

// Storable reports whether resp to a request with the given method may be cached.
// Only 2xx responses to GET or HEAD are storable, and never ones marked no-store.
func (p Policy) Storable(method string, resp *Response) bool {
	if method != "" && method != http.MethodGet && method != http.MethodHead {
		return false
	}
	if !resp.OK() {
		return false
	}
	if p.MaxBodyBytes > 0 && int64(len(resp.Body)) > p.MaxBodyBytes {
		return false
	}
	for _, v := range resp.Header.Values("Cache-Control") {
		if containsDirective(v, "no-store") {
			return false
		}
	}
	return true
}

func containsDirective(header, directive string) bool {
	for _, d := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(d), directive) {
			return true
		}
	}
	return false
}

func encodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("cache: encode response: %w", err)
	}
	return data, nil
}

func decodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("cache: decode response: %w", err)
	}
	return &resp, nil
}

var timeNow = func() time.Time { return time.Now().UTC() }
