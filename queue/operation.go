package queue

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusAbandoned Status = "abandoned"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusDelivered, StatusAbandoned:
		return true
	default:
		return false
	}
}

// Terminal reports whether s ends the operation's life.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusAbandoned
}

// BodyEncodingBase64 marks a Payload body that is not JSON and is carried
// base64-encoded inside a JSON string.
const BodyEncodingBase64 = "base64"

// Payload is the captured request to replay.
type Payload struct {
	TargetPath   string            `json:"target_path"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	BodyEncoding string            `json:"body_encoding,omitempty"`
}

// NewPayload captures a request body. JSON bodies are kept verbatim; anything
// else is base64 encoded.
func NewPayload(method, targetPath string, header http.Header, body []byte) Payload {
	p := Payload{
		TargetPath: targetPath,
		Method:     strings.ToUpper(method),
		Headers:    flattenHeader(header),
	}
	switch {
	case len(body) == 0:
	case json.Valid(body):
		p.Body = append(json.RawMessage(nil), body...)
	default:
		encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(body))
		p.Body = encoded
		p.BodyEncoding = BodyEncodingBase64
	}
	return p
}

// BodyBytes returns the body exactly as it was captured.
func (p Payload) BodyBytes() ([]byte, error) {
	if len(p.Body) == 0 {
		return nil, nil
	}
	if p.BodyEncoding != BodyEncodingBase64 {
		return []byte(p.Body), nil
	}
	var s string
	if err := json.Unmarshal(p.Body, &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}

// Header returns the captured headers as an http.Header.
func (p Payload) Header() http.Header {
	h := make(http.Header, len(p.Headers))
	for k, v := range p.Headers {
		h.Set(k, v)
	}
	return h
}

// Validate checks the fields required for replay.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.TargetPath) == "" {
		return errors.New("queue: target path is required")
	}
	if !strings.HasPrefix(p.TargetPath, "/") {
		return errors.New("queue: target path must be absolute")
	}
	if strings.TrimSpace(p.Method) == "" {
		return errors.New("queue: method is required")
	}
	if p.BodyEncoding != "" && p.BodyEncoding != BodyEncodingBase64 {
		return errors.New("queue: unknown body encoding")
	}
	return nil
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = strings.Join(vs, ", ")
	}
	return out
}

// Operation is one queued mutating request.
type Operation struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Payload   Payload   `json:"payload"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
