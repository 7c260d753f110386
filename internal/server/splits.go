package server

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "order-router/internal/common/errors"
	"order-router/internal/routing"
	"order-router/internal/split"
)

type splitRequest struct {
	Parent  *routing.OrderSnapshot `json:"parent"`
	Request *split.Request         `json:"request"`
}

// SplitOrder partitions an order. Retries with the same idempotency
// key return the original result with a replay marker.
func (h *Handlers) SplitOrder(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Parent == nil || req.Request == nil {
		h.writeError(w, apperrors.ValidationError("parent snapshot and split request are required"))
		return
	}

	result, err := h.ledger.Split(r.Context(), req.Parent, req.Request)
	if err != nil {
		h.writeError(w, err)
		return
	}

	code := http.StatusCreated
	if result.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, result)
}

type mergeRequest struct {
	SplitIDs []string `json:"split_ids"`
	Reason   string   `json:"reason,omitempty"`
}

// MergeSplits marks split records merged and reports restored totals.
func (h *Handlers) MergeSplits(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.ledger.Merge(r.Context(), req.SplitIDs, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetSplit returns one split record.
func (h *Handlers) GetSplit(w http.ResponseWriter, r *http.Request) {
	record, err := h.ledger.Record(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// ListOrderSplits returns the active splits of a parent order.
func (h *Handlers) ListOrderSplits(w http.ResponseWriter, r *http.Request) {
	records := h.ledger.ActiveSplits(r.Context(), mux.Vars(r)["orderID"])
	if records == nil {
		records = []*split.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}
