// Package clients tracks the open client contexts (tabs, windows, app
// instances) attached to the agent and delivers messages back to them.
//
// A client registers once and then heartbeats; a client that stops
// heartbeating expires after the registry TTL. Messages posted to a client
// are buffered in its mailbox until the client polls for them.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

var (
	ErrUnknownClient = errors.New("clients: unknown client")
	ErrMailboxFull   = errors.New("clients: mailbox full")
	ErrClientClosed  = errors.New("clients: client closed")
)

const (
	defaultTTL     = 2 * time.Minute
	defaultMailbox = 16
)

// Message is posted to a client context.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a Message with a JSON-encoded payload.
func NewMessage(kind string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: kind}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: kind, Payload: data}, nil
}

// Info is a snapshot of a client context.
type Info struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Focused  bool      `json:"focused"`
	LastSeen time.Time `json:"last_seen"`
}

type client struct {
	mu   sync.Mutex
	info Info

	mailbox chan Message
	done    chan struct{}
	once    sync.Once
}

func (c *client) snapshot() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Config configures a Registry.
type Config struct {
	// TTL is how long a client survives without a heartbeat. Default: 2m.
	TTL time.Duration

	// Mailbox is the number of undelivered messages kept per client. Default: 16.
	Mailbox int

	// OnClosed is called after a client closes or expires.
	OnClosed func(id string)
}

// Registry is the set of open client contexts.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - A closed or expired client is never returned again.
type Registry struct {
	ttl      time.Duration
	mailbox  int
	onClosed func(string)
	items    *gocache.Cache
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Mailbox <= 0 {
		cfg.Mailbox = defaultMailbox
	}
	r := &Registry{
		ttl:      cfg.TTL,
		mailbox:  cfg.Mailbox,
		onClosed: cfg.OnClosed,
		items:    gocache.New(cfg.TTL, cfg.TTL/2),
	}
	r.items.OnEvicted(func(id string, v any) {
		v.(*client).close()
		if r.onClosed != nil {
			r.onClosed(id)
		}
	})
	return r
}

// Open registers a client context showing url.
func (r *Registry) Open(url string, focused bool) Info {
	c := &client{
		info: Info{
			ID:       "client-" + uuid.NewString(),
			URL:      url,
			Focused:  focused,
			LastSeen: time.Now().UTC(),
		},
		mailbox: make(chan Message, r.mailbox),
		done:    make(chan struct{}),
	}
	r.items.Set(c.info.ID, c, r.ttl)
	return c.snapshot()
}

// Heartbeat keeps a client alive and records its current url and focus.
// An empty url keeps the previous one.
func (r *Registry) Heartbeat(id, url string, focused bool) (Info, error) {
	c, err := r.get(id)
	if err != nil {
		return Info{}, err
	}
	c.mu.Lock()
	if url != "" {
		c.info.URL = url
	}
	c.info.Focused = focused
	c.info.LastSeen = time.Now().UTC()
	c.mu.Unlock()

	r.items.Set(id, c, r.ttl)
	return c.snapshot(), nil
}

// Close removes a client.
func (r *Registry) Close(id string) error {
	if _, err := r.get(id); err != nil {
		return err
	}
	r.items.Delete(id)
	return nil
}

// Get returns a client snapshot.
func (r *Registry) Get(id string) (Info, error) {
	c, err := r.get(id)
	if err != nil {
		return Info{}, err
	}
	return c.snapshot(), nil
}

func (r *Registry) get(id string) (*client, error) {
	v, ok := r.items.Get(id)
	if !ok {
		return nil, ErrUnknownClient
	}
	return v.(*client), nil
}

// List returns open clients, most recently seen first.
func (r *Registry) List() []Info {
	items := r.items.Items()
	out := make([]Info, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(*client).snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Count returns the number of open clients.
func (r *Registry) Count() int {
	return len(r.items.Items())
}

// MostRecent returns the most recently seen client, preferring a focused one.
func (r *Registry) MostRecent() (Info, bool) {
	list := r.List()
	if len(list) == 0 {
		return Info{}, false
	}
	for _, c := range list {
		if c.Focused {
			return c, true
		}
	}
	return list[0], true
}

// ByURL returns the most recently seen client showing url.
func (r *Registry) ByURL(url string) (Info, bool) {
	for _, c := range r.List() {
		if c.URL == url {
			return c, true
		}
	}
	return Info{}, false
}

// Post queues msg for a client without blocking.
func (r *Registry) Post(id string, msg Message) error {
	c, err := r.get(id)
	if err != nil {
		return err
	}
	select {
	case c.mailbox <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Broadcast posts msg to every open client and returns how many accepted it.
func (r *Registry) Broadcast(msg Message) int {
	n := 0
	for _, c := range r.List() {
		if r.Post(c.ID, msg) == nil {
			n++
		}
	}
	return n
}

// Receive returns the queued messages of a client, waiting until at least
// one is available, the client closes, or ctx is done.
func (r *Registry) Receive(ctx context.Context, id string) ([]Message, error) {
	c, err := r.get(id)
	if err != nil {
		return nil, err
	}

	var first Message
	select {
	case first = <-c.mailbox:
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	msgs := []Message{first}
	for {
		select {
		case m := <-c.mailbox:
			msgs = append(msgs, m)
		default:
			return msgs, nil
		}
	}
}
