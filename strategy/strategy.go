package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jonwraymond/offlineagent/cache"
	"github.com/jonwraymond/offlineagent/classify"
)

// Strategy names, as reported in telemetry.
const (
	NameCacheFirst           = "cache_first"
	NameNetworkFirst         = "network_first"
	NameStaleWhileRevalidate = "stale_while_revalidate"
)

// OfflineErrorHeader is set on structured offline responses.
const OfflineErrorHeader = "X-Offline-Error"

// OfflineCode is the error code of the structured offline response.
const OfflineCode = "OFFLINE_NO_CACHE"

var (
	// ErrNotCacheable is returned for mutating and bypass requests, which never
	// reach a strategy.
	ErrNotCacheable = errors.New("strategy: request class is not cacheable")

	ErrNoStrategy = errors.New("strategy: no strategy for class")
)

// Strategy produces a response for r using partition.
//
// Contract:
//   - Errors: a returned error means no response could be produced at all.
//     Network failures with a defined fallback are not errors.
//   - The returned response carries a Source tag.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, partition string, r *http.Request) (*cache.Response, error)
}

// FallbackFunc returns the offline fallback document for navigations.
type FallbackFunc func(ctx context.Context) (*cache.Response, error)

// Default returns the strategy for a cacheable class.
func Default(class classify.Class, deps Deps) (Strategy, error) {
	switch class {
	case classify.Static:
		return NewCacheFirst(deps), nil
	case classify.Dynamic:
		return NewNetworkFirst(deps), nil
	case classify.Media:
		return NewStaleWhileRevalidate(deps), nil
	default:
		return nil, ErrNotCacheable
	}
}

type offlineBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// Offline builds the structured response returned when neither the network
// nor the cache can answer r.
func Offline(r *http.Request) *cache.Response {
	body, _ := json.Marshal(offlineBody{
		Error:   "offline",
		Code:    OfflineCode,
		Message: "the backend is unreachable and no cached copy is available",
		Path:    r.URL.Path,
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	header.Set(OfflineErrorHeader, OfflineCode)
	return &cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   body,
		Source: cache.SourceOffline,
	}
}
