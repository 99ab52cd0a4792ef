package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fundcore/webhooks/internal/engine"
	"github.com/fundcore/webhooks/internal/store"
	"github.com/go-chi/chi/v5"
)

type EventHandler struct {
	store      *store.PostgresStore
	dispatcher *engine.Dispatcher
}

func NewEventHandler(s *store.PostgresStore, d *engine.Dispatcher) *EventHandler {
	return &EventHandler{store: s, dispatcher: d}
}

type publishEventRequest struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type publishEventResponse struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	DeliveriesQueued int    `json:"deliveries_queued"`
}

// Publish accepts an event from a domain service and fans it out to
// matching subscriptions.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, queued, err := h.dispatcher.Publish(r.Context(), req.EventType, req.Data)
	if err != nil {
		respondStoreError(w, err, "failed to publish event")
		return
	}

	respondJSON(w, http.StatusCreated, publishEventResponse{
		EventID:          event.ID,
		EventType:        event.EventType,
		DeliveriesQueued: queued,
	})
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("event_type")
	limitStr := r.URL.Query().Get("limit")

	limit := 50
	if limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.store.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	respondJSON(w, http.StatusOK, events)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	event, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "failed to get event")
		return
	}

	respondJSON(w, http.StatusOK, event)
}
