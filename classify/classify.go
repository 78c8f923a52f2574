package classify

import (
	"net/http"
	"path"
	"strings"
)

// Class is the caching class of a request.
type Class string

const (
	Mutating Class = "mutating"
	Static   Class = "static"
	Dynamic  Class = "dynamic"
	Media    Class = "media"
	Bypass   Class = "bypass"
)

// Cacheable reports whether requests of this class are served by a strategy
// executor backed by a cache partition.
func (c Class) Cacheable() bool {
	switch c {
	case Static, Dynamic, Media:
		return true
	default:
		return false
	}
}

// CacheableClasses lists the classes that own a cache partition, in a stable order.
func CacheableClasses() []Class {
	return []Class{Static, Dynamic, Media}
}

// Rules configures the classifier.
type Rules struct {
	// APIPrefixes are path prefixes that identify the backend read API.
	APIPrefixes []string

	// MediaExtensions are file extensions (with leading dot) treated as media.
	MediaExtensions []string
}

// DefaultRules returns the default classification rules.
func DefaultRules() Rules {
	return Rules{
		APIPrefixes: []string{"/api/"},
		MediaExtensions: []string{
			".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico",
			".mp4", ".webm", ".mp3", ".ogg", ".wav",
		},
	}
}

// Classifier assigns a Class to each request.
//
// Contract:
// - Concurrency: safe for concurrent use; it holds no mutable state.
// - Determinism: identical requests always produce identical classes.
type Classifier struct {
	apiPrefixes []string
	mediaExts   map[string]bool
}

// New creates a Classifier. Empty rule lists fall back to DefaultRules.
func New(rules Rules) *Classifier {
	def := DefaultRules()
	if len(rules.APIPrefixes) == 0 {
		rules.APIPrefixes = def.APIPrefixes
	}
	if len(rules.MediaExtensions) == 0 {
		rules.MediaExtensions = def.MediaExtensions
	}

	exts := make(map[string]bool, len(rules.MediaExtensions))
	for _, ext := range rules.MediaExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}

	prefixes := make([]string, len(rules.APIPrefixes))
	copy(prefixes, rules.APIPrefixes)

	return &Classifier{apiPrefixes: prefixes, mediaExts: exts}
}

// Classify returns the class of r.
func (c *Classifier) Classify(r *http.Request) Class {
	if !IsIdempotent(r.Method) {
		return Mutating
	}

	if r.URL != nil && r.URL.Scheme != "" {
		switch strings.ToLower(r.URL.Scheme) {
		case "http", "https":
		default:
			return Bypass
		}
	}

	p := requestPath(r)
	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return Dynamic
		}
	}

	if c.hasMediaIntent(r, p) {
		return Media
	}

	return Static
}

func (c *Classifier) hasMediaIntent(r *http.Request, p string) bool {
	switch strings.ToLower(r.Header.Get("Sec-Fetch-Dest")) {
	case "image", "video", "audio":
		return true
	}

	for _, accept := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType := strings.TrimSpace(strings.SplitN(accept, ";", 2)[0])
		if strings.HasPrefix(strings.ToLower(mediaType), "image/") {
			return true
		}
	}

	return c.mediaExts[strings.ToLower(path.Ext(p))]
}

// IsIdempotent reports whether method is safe to cache and retry.
// Only GET, HEAD and OPTIONS qualify. The empty method is GET.
func IsIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// IsNavigation reports whether r is a top-level document navigation.
func IsNavigation(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "document")
}

func requestPath(r *http.Request) string {
	if r.URL == nil {
		return "/"
	}
	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}
