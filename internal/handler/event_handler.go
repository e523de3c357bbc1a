// internal/handler/event_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/smsforward/internal/audit"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/service"
)

// EventHandler exposes the inbound trigger, the event history and the
// diagnostic log.
type EventHandler struct {
	Listener *service.Listener
	Store    *audit.Store
}

func NewEventHandler(listener *service.Listener, store *audit.Store) *EventHandler {
	return &EventHandler{Listener: listener, Store: store}
}

func (h *EventHandler) Routes(r chi.Router) {
	r.Post("/events", h.InboundEventHandler)
	r.Get("/events", h.ListEventsHandler)
	r.Delete("/events", h.ClearEventsHandler)
	r.Get("/events/stats", h.EventStatsHandler)
	r.Get("/events/{id}", h.GetEventHandler)
	r.Delete("/events/{id}", h.DeleteEventHandler)
	r.Post("/events/{id}/resend", h.ResendEventHandler)

	r.Get("/diagnostics", h.ListDiagnosticsHandler)
	r.Delete("/diagnostics", h.ClearDiagnosticsHandler)
}

// InboundEventHandler is the platform trigger. It only queues the event in
// memory and answers 202, or 503 when the inbox is full.
func (h *EventHandler) InboundEventHandler(w http.ResponseWriter, r *http.Request) {
	var ev service.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(ev.Origin) == "" {
		http.Error(w, "originAddress is required", http.StatusBadRequest)
		return
	}
	if !h.Listener.Accept(ev) {
		http.Error(w, "inbox full", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListEventsHandler supports origin, state, since, until and limit.
func (h *EventHandler) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := ParseTime(q.Get("since"))
	if err != nil {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}
	until, err := ParseTime(q.Get("until"))
	if err != nil {
		http.Error(w, "invalid until", http.StatusBadRequest)
		return
	}

	events, err := h.Store.QueryEvents(r.Context(), model.EventFilter{
		Origin: q.Get("origin"),
		State:  q.Get("state"),
		Since:  since,
		Until:  until,
		Limit:  queryInt(r, "limit"),
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (h *EventHandler) EventStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.EventStats(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (h *EventHandler) GetEventHandler(w http.ResponseWriter, r *http.Request) {
	event, err := h.Store.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, event)
}

func (h *EventHandler) DeleteEventHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteEvent(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EventHandler) ClearEventsHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.ClearEvents(r.Context()); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EventHandler) ResendEventHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.Listener.Resend(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListDiagnosticsHandler supports level (ALL, INFO, WARN, ERROR), tag, since, until and limit.
func (h *EventHandler) ListDiagnosticsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := ParseTime(q.Get("since"))
	if err != nil {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}
	until, err := ParseTime(q.Get("until"))
	if err != nil {
		http.Error(w, "invalid until", http.StatusBadRequest)
		return
	}
	level := strings.ToUpper(q.Get("level"))
	if level == "ALL" {
		level = ""
	}

	entries, err := h.Store.ListDiagnostics(r.Context(), model.DiagnosticFilter{
		Level: model.LogLevel(level),
		Tag:   q.Get("tag"),
		Since: since,
		Until: until,
		Limit: queryInt(r, "limit"),
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
}

func (h *EventHandler) ClearDiagnosticsHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.ClearDiagnostics(r.Context()); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
