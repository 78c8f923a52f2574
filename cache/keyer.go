package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Keyer derives the storage key for a request.
//
// Contract:
//   - Determinism: equivalent requests must produce the same key, regardless of
//     query parameter order or host case.
//   - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	Key(r *http.Request) string
}

// RequestKeyer keys requests by method and normalized URL.
// Format: "<METHOD> <scheme>://<host><path>?<sorted query>"
// Keys longer than MaxKeyLength become "<METHOD> sha256:<hex>".
type RequestKeyer struct{}

// NewRequestKeyer creates a new request keyer.
func NewRequestKeyer() *RequestKeyer {
	return &RequestKeyer{}
}

// Key returns the storage key for r.
func (k *RequestKeyer) Key(r *http.Request) string {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	key := method + " " + NormalizeURL(r.URL, r.Host)
	if len(key) <= MaxKeyLength {
		return key
	}

	hash := sha256.Sum256([]byte(key))
	return method + " sha256:" + hex.EncodeToString(hash[:])
}

// NormalizeURL returns a canonical form of u. The scheme and host are
// lower-cased, the fragment is dropped and query parameters are sorted.
// host is used when u carries no host (server-side requests).
func NormalizeURL(u *url.URL, host string) string {
	if u == nil {
		return "/"
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	h := u.Host
	if h == "" {
		h = host
	}
	h = strings.ToLower(h)

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(h)
	b.WriteString(p)

	if q := canonicalQuery(u.Query()); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

var _ Keyer = (*RequestKeyer)(nil)
