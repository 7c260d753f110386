package queue

import "time"

// EventKind classifies change-feed events.
type EventKind string

const (
	EventItemAdded    EventKind = "item_added"
	EventItemUpdated  EventKind = "item_updated"
	EventItemMoved    EventKind = "item_moved"
	EventItemRemoved  EventKind = "item_removed"
	EventConfigChange EventKind = "queue_config_changed"
)

// Event is one entry of a queue's change feed. Version increases
// monotonically per queue; delivery is at-least-once, so consumers
// must treat a duplicate version as a no-op.
type Event struct {
	QueueID  string    `json:"queue_id"`
	Version  int64     `json:"version"`
	Kind     EventKind `json:"kind"`
	ItemID   string    `json:"item_id,omitempty"`
	OrderID  string    `json:"order_id,omitempty"`
	Status   Status    `json:"status,omitempty"`
	Position int       `json:"position,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher delivers change-feed events to display consumers. A nil
// publisher disables the feed; publish failures are logged and never
// block queue mutation.
//
// Events are published after the queue lock is released, so two
// concurrent mutations may reach the publisher with their versions out
// of order. Delivery is at-least-once and unordered: consumers must
// sequence by Version, dropping any version at or below the last one
// applied.
type Publisher interface {
	Publish(event Event) error
}
