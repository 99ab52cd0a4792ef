package api

import (
	"encoding/json"
	"net/http"

	"github.com/fundcore/webhooks/internal/domain"
	"github.com/fundcore/webhooks/internal/store"
	"github.com/go-chi/chi/v5"
)

type SubscriptionHandler struct {
	store *store.PostgresStore
}

func NewSubscriptionHandler(s *store.PostgresStore) *SubscriptionHandler {
	return &SubscriptionHandler{store: s}
}

// Register creates a subscription. The response is the only place the
// signing secret is ever shown.
func (h *SubscriptionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.store.Register(r.Context(), req)
	if err != nil {
		respondStoreError(w, err, "failed to register subscription")
		return
	}

	respondJSON(w, http.StatusCreated, domain.RegisterSubscriptionResponse{
		ID:         sub.ID,
		TargetURL:  sub.TargetURL,
		EventTypes: sub.EventTypes,
		Secret:     sub.Secret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "failed to get subscription")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Enable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.Enable(r.Context(), id); err != nil {
		respondStoreError(w, err, "failed to enable subscription")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (h *SubscriptionHandler) Disable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.Disable(r.Context(), id, "disabled by administrator"); err != nil {
		respondStoreError(w, err, "failed to disable subscription")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteSubscription(r.Context(), id); err != nil {
		respondStoreError(w, err, "failed to delete subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
