package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"order-router/internal/queue"
)

// QueueState returns the active ordering of one queue with scores,
// statuses and assignees filled in.
func (h *Handlers) QueueState(w http.ResponseWriter, r *http.Request) {
	items := h.queues.Items(mux.Vars(r)["queueID"])
	if items == nil {
		items = []*queue.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// QueueItem returns one queue item.
func (h *Handlers) QueueItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	item, err := h.queues.Item(vars["queueID"], vars["itemID"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type transitionRequest struct {
	Status queue.Status `json:"status"`
}

// TransitionItem moves an item along the status machine.
func (h *Handlers) TransitionItem(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	vars := mux.Vars(r)
	item, err := h.queues.Transition(vars["queueID"], vars["itemID"], req.Status, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type holdRequest struct {
	Until   *time.Time `json:"until,omitempty"`
	Minutes int        `json:"minutes,omitempty"`
}

// HoldItem parks an item until a timestamp or for a duration.
func (h *Handlers) HoldItem(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	vars := mux.Vars(r)
	item, err := h.queues.Hold(vars["queueID"], vars["itemID"], req.Until,
		time.Duration(req.Minutes)*time.Minute, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ReleaseItem returns a held item to the state it left.
func (h *Handlers) ReleaseItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	item, err := h.queues.Release(vars["queueID"], vars["itemID"], time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ExpediteItem moves an item to the front of its queue.
func (h *Handlers) ExpediteItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.queues.Expedite(vars["queueID"], vars["itemID"], time.Now().UTC()); err != nil {
		h.writeError(w, err)
		return
	}
	item, err := h.queues.Item(vars["queueID"], vars["itemID"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type adjustScoreRequest struct {
	Delta float64 `json:"delta"`
}

// AdjustItemScore applies a manual score boost that survives
// rebalancing.
func (h *Handlers) AdjustItemScore(w http.ResponseWriter, r *http.Request) {
	var req adjustScoreRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	vars := mux.Vars(r)
	item, err := h.queues.AdjustScore(vars["queueID"], vars["itemID"], req.Delta, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type rebalanceResponse struct {
	Moved   int  `json:"moved"`
	Skipped bool `json:"skipped"`
}

// RebalanceQueue triggers an immediate rebalance run for one queue.
func (h *Handlers) RebalanceQueue(w http.ResponseWriter, r *http.Request) {
	moved, skipped := h.queues.Rebalance(mux.Vars(r)["queueID"], time.Now().UTC())
	writeJSON(w, http.StatusOK, rebalanceResponse{Moved: moved, Skipped: skipped})
}

type fairnessResponse struct {
	QueueID string  `json:"queue_id"`
	Gini    float64 `json:"gini"`
}

// QueueFairness reports the wait-time dispersion of one queue.
func (h *Handlers) QueueFairness(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueID"]
	writeJSON(w, http.StatusOK, fairnessResponse{
		QueueID: queueID,
		Gini:    h.queues.FairnessIndex(queueID, time.Now().UTC()),
	})
}
