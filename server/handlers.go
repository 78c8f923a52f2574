package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jonwraymond/offlineagent/agent"
	"github.com/jonwraymond/offlineagent/clients"
	"github.com/jonwraymond/offlineagent/control"
	"github.com/jonwraymond/offlineagent/notify"
	"github.com/jonwraymond/offlineagent/observe"
	"github.com/jonwraymond/offlineagent/queue"
)

// SourceHeader reports where an intercepted response came from: network,
// cache, stale, fallback, offline or queued.
const SourceHeader = "X-Agent-Source"

// maxControlBody caps bodies of /_agent requests.
const maxControlBody = 1 << 20

type handlers struct {
	agent       *agent.Agent
	pollTimeout time.Duration
	logger      observe.Logger
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err)
		return false
	}
	return true
}

func (h *handlers) intercept(w http.ResponseWriter, r *http.Request) {
	resp, err := h.agent.OnIntercept(r.Context(), r)
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", err)
		return
	case errors.Is(err, agent.ErrBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err)
		return
	case r.Context().Err() != nil:
		// client went away
		return
	default:
		h.logger.Error(r.Context(), "intercept failed", observe.F("path", r.URL.Path), observe.Err(err))
		writeError(w, http.StatusBadGateway, "INTERCEPT_FAILED", err)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(SourceHeader, string(resp.Source))
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func (h *handlers) control(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err)
		return
	}

	reply, err := h.agent.OnControlMessage(r.Context(), raw)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reply)
	case errors.Is(err, control.ErrMalformedMessage), errors.Is(err, control.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, reply)
	case errors.Is(err, queue.ErrDuplicateID):
		writeJSON(w, http.StatusConflict, reply)
	default:
		writeJSON(w, http.StatusInternalServerError, reply)
	}
}

func (h *handlers) push(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err)
		return
	}
	shown, err := h.agent.OnPushReceived(r.Context(), raw)
	if err != nil {
		writeError(w, http.StatusBadGateway, "SINK_FAILED", err)
		return
	}
	writeJSON(w, http.StatusOK, shown)
}

func (h *handlers) activateNotification(w http.ResponseWriter, r *http.Request) {
	var p notify.Payload
	if !decodeJSONBody(w, r, &p) {
		return
	}
	nav, err := h.agent.OnNotificationActivated(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ACTIVATE_FAILED", err)
		return
	}
	writeJSON(w, http.StatusOK, nav)
}

type drainBody struct {
	Delivered int    `json:"delivered"`
	Abandoned int    `json:"abandoned"`
	Failed    bool   `json:"failed"`
	FailedID  string `json:"failed_id,omitempty"`
	Coalesced bool   `json:"coalesced,omitempty"`
	Error     string `json:"error,omitempty"`
	Remaining int    `json:"remaining"`
}

func (h *handlers) connectivity(w http.ResponseWriter, r *http.Request) {
	// the drain outlives a caller that disconnects
	ctx := context.WithoutCancel(r.Context())
	result, err := h.agent.OnConnectivityRestored(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "DRAIN_FAILED", err)
		return
	}

	body := drainBody{
		Delivered: result.Delivered,
		Abandoned: result.Abandoned,
		Failed:    result.Failed,
		FailedID:  result.FailedID,
		Coalesced: result.Coalesced,
	}
	if result.Err != nil {
		body.Error = result.Err.Error()
	}
	body.Remaining, _ = h.agent.Queue().Len(ctx)
	writeJSON(w, http.StatusOK, body)
}

type clientRequest struct {
	URL     string `json:"url"`
	Focused bool   `json:"focused"`
}

func (h *handlers) openClient(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusCreated, h.agent.Clients().Open(req.URL, req.Focused))
}

func (h *handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	// the body is optional
	var req clientRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err)
		return
	}
	info, err := h.agent.Clients().Heartbeat(chi.URLParam(r, "id"), req.URL, req.Focused)
	if err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_CLIENT", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) closeClient(w http.ResponseWriter, r *http.Request) {
	if err := h.agent.Clients().Close(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_CLIENT", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) messages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.pollTimeout)
	defer cancel()

	msgs, err := h.agent.Clients().Receive(ctx, chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, msgs)
	case errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, clients.ErrUnknownClient):
		writeError(w, http.StatusNotFound, "UNKNOWN_CLIENT", err)
	case errors.Is(err, clients.ErrClientClosed):
		writeError(w, http.StatusGone, "CLIENT_CLOSED", err)
	default:
		// caller disconnected
	}
}

func (h *handlers) listQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := h.agent.Queue().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUEUE_UNAVAILABLE", err)
		return
	}
	if ops == nil {
		ops = []queue.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *handlers) cancelOperation(w http.ResponseWriter, r *http.Request) {
	err := h.agent.Queue().Cancel(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err)
	case errors.Is(err, queue.ErrInFlight):
		writeError(w, http.StatusConflict, "IN_FLIGHT", err)
	default:
		writeError(w, http.StatusInternalServerError, "CANCEL_FAILED", err)
	}
}
