package notify

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedPush is returned by ParsePush for payloads that cannot be used.
var ErrMalformedPush = errors.New("notify: malformed push payload")

// Payload is a user-facing notification.
type Payload struct {
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Icon   string `json:"icon,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Target string `json:"url,omitempty"`
}

// WithDefaults fills empty fields from def.
func (p Payload) WithDefaults(def Payload) Payload {
	if p.Title == "" {
		p.Title = def.Title
	}
	if p.Body == "" {
		p.Body = def.Body
	}
	if p.Icon == "" {
		p.Icon = def.Icon
	}
	if p.Tag == "" {
		p.Tag = def.Tag
	}
	if p.Target == "" {
		p.Target = def.Target
	}
	return p
}

type pushMessage struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	Tag   string `json:"tag"`
	URL   string `json:"url"`
	Data  struct {
		URL string `json:"url"`
	} `json:"data"`
}

// ParsePush decodes a push message. The routing target is read from "url"
// or "data.url". A payload without a title is malformed.
func ParsePush(raw []byte) (Payload, error) {
	var msg pushMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Payload{}, errors.Join(ErrMalformedPush, err)
	}
	p := Payload{
		Title:  strings.TrimSpace(msg.Title),
		Body:   strings.TrimSpace(msg.Body),
		Icon:   msg.Icon,
		Tag:    msg.Tag,
		Target: msg.URL,
	}
	if p.Target == "" {
		p.Target = msg.Data.URL
	}
	if p.Title == "" {
		return Payload{}, ErrMalformedPush
	}
	return p, nil
}
