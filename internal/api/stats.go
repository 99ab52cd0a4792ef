package api

import (
	"net/http"

	"github.com/fundcore/webhooks/internal/engine"
	"github.com/fundcore/webhooks/internal/store"
)

type StatsHandler struct {
	store *store.PostgresStore
	queue *engine.Queue
}

func NewStatsHandler(s *store.PostgresStore, q *engine.Queue) *StatsHandler {
	return &StatsHandler{store: s, queue: q}
}

type statsResponse struct {
	store.DeliveryStats
	QueueDepth int64 `json:"queue_depth"`
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetDeliveryStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery stats")
		return
	}

	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get queue depth")
		return
	}

	respondJSON(w, http.StatusOK, statsResponse{
		DeliveryStats: *stats,
		QueueDepth:    depth,
	})
}
