// Package queue owns queue membership, status transitions, holds and
// periodic rebalancing of orders waiting for preparation. All mutation
// goes through the Manager's lock-guarded API; background tasks (hold
// sweep, rebalance loop) call the same public methods.
package queue

import (
	"time"

	apperrors "order-router/internal/common/errors"
	"order-router/internal/routing"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusInPreparation Status = "in_preparation"
	StatusReady         Status = "ready"
	StatusOnHold        Status = "on_hold"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
)

// transitions is the closed state machine: queued -> in_preparation ->
// ready -> completed, on_hold reachable from queued/in_preparation and
// returning to the state it left, cancelled from any non-terminal
// state. Resume targets out of on_hold are additionally checked
// against the held-from state. Entering on_hold goes through the hold
// operation only, which records the release time and the held-from
// state; Transition rejects it.
var transitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusInPreparation: true,
		StatusOnHold:        true,
		StatusCancelled:     true,
	},
	StatusInPreparation: {
		StatusReady:     true,
		StatusOnHold:    true,
		StatusCancelled: true,
	},
	StatusReady: {
		StatusCompleted: true,
		StatusCancelled: true,
	},
	StatusOnHold: {
		StatusQueued:        true,
		StatusInPreparation: true,
		StatusCancelled:     true,
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// IsTerminal reports whether the status ends the item's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// validateTransition returns a typed error for an illegal edge instead
// of silently coercing.
func validateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return apperrors.InvalidTransitionError(string(from), string(to))
	}
	return nil
}

// Item is one order's membership in a queue. Position is derived from
// the queue ordering on read; Sequence is the immutable enqueue serial
// used as the rebalance tie-break.
type Item struct {
	ID              string                 `json:"id"`
	OrderID         string                 `json:"order_id"`
	QueueID         string                 `json:"queue_id"`
	Status          Status                 `json:"status"`
	Score           float64                `json:"score"`
	Sequence        int64                  `json:"sequence"`
	Position        int                    `json:"position"`
	HoldUntil       *time.Time             `json:"hold_until,omitempty"`
	HeldFrom        Status                 `json:"held_from,omitempty"`
	AssignedStaffID string                 `json:"assigned_staff_id,omitempty"`
	EnqueuedAt      time.Time              `json:"enqueued_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	Snapshot        *routing.OrderSnapshot `json:"-"`

	// baseScore is the last scorer-computed component of Score; the
	// difference is the manual boost carried across rescoring.
	baseScore float64
}

func (i *Item) clone() *Item {
	copied := *i
	if i.HoldUntil != nil {
		t := *i.HoldUntil
		copied.HoldUntil = &t
	}
	return &copied
}
