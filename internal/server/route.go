package server

import (
	"net/http"
	"time"

	apperrors "order-router/internal/common/errors"
	"order-router/internal/common/logging"
	"order-router/internal/queue"
	"order-router/internal/routing"
)

type routeRequest struct {
	Snapshot *routing.OrderSnapshot `json:"snapshot"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

type routeResponse struct {
	Decision *routing.Decision `json:"decision"`
	Item     *queue.Item       `json:"item"`
}

// RouteOrder evaluates the rule engine for an order snapshot, resolves
// team targets to a staff member through the load balancer, and places
// the order in the decided queue. Team resolution failures are not
// fatal: the order falls through to the fallback target.
func (h *Handlers) RouteOrder(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Snapshot == nil || req.Snapshot.ID == "" {
		h.writeError(w, apperrors.ValidationError("order snapshot with id is required"))
		return
	}

	now := time.Now().UTC()
	decision := h.engine.Evaluate(r.Context(), req.Snapshot, &routing.EvalContext{
		Now:        now,
		Attributes: req.Context,
	})

	queueID, staffID := h.resolveTarget(r, req.Snapshot, decision)

	item, err := h.queues.Enqueue(queueID, req.Snapshot, staffID, now)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, routeResponse{Decision: decision, Item: item})
}

// resolveTarget maps a decision to the queue (and optionally staff
// member) that receives the order. A team target is expanded through
// the staff directory and the load balancer; if the roster lookup or
// assignment fails the fallback target takes over.
func (h *Handlers) resolveTarget(r *http.Request, snap *routing.OrderSnapshot, decision *routing.Decision) (queueID, staffID string) {
	if decision.TargetType != routing.TargetTeam {
		if decision.TargetType == routing.TargetStaff {
			return decision.TargetID, decision.TargetID
		}
		return decision.TargetID, ""
	}

	roster, err := h.teams.Team(r.Context(), decision.TargetID)
	if err == nil {
		staffID, err = h.balancer.Assign(roster, snap)
	}
	if err != nil {
		h.logger.Warn("team assignment failed, using fallback target",
			logging.String("order_id", snap.ID),
			logging.String("team_id", decision.TargetID),
			logging.Err(err))
		fallback := h.engine.Fallback()
		decision.TargetType = fallback.TargetType
		decision.TargetID = fallback.TargetID
		decision.FallbackUsed = true
		return fallback.TargetID, ""
	}

	return decision.TargetID, staffID
}
