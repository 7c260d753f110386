// Package split maintains the order split ledger: partitioning orders
// into tickets, delivery legs or payment shares, and merging them back.
// Monetary shares always reconcile to the parent total at the minor
// unit; split records are marked merged rather than deleted so the
// audit trail survives.
package split

import (
	"time"

	"order-router/internal/money"
)

// Type classifies what a split partitions.
type Type string

const (
	// TypeTicket partitions items into separate preparation tickets.
	TypeTicket Type = "ticket"
	// TypeDelivery partitions items into separate delivery legs.
	TypeDelivery Type = "delivery"
	// TypePayment partitions the parent amount into payment shares.
	TypePayment Type = "payment"
)

// AmountMode selects how a payment split divides the parent amount.
type AmountMode string

const (
	// ModeEqual divides into n equal shares, remainder to the last.
	ModeEqual AmountMode = "equal"
	// ModeRatio divides proportionally to integer ratios.
	ModeRatio AmountMode = "ratio"
	// ModeExplicit uses caller-provided amounts that must sum to the
	// parent total exactly.
	ModeExplicit AmountMode = "explicit"
)

// Status is the lifecycle state of a split record.
type Status string

const (
	StatusActive Status = "active"
	StatusMerged Status = "merged"
)

// PaymentSpec describes how a payment split divides the parent amount.
// Exactly the fields for the chosen mode are read.
type PaymentSpec struct {
	Mode    AmountMode     `json:"mode"`
	Parts   int            `json:"parts,omitempty"`
	Ratios  []int64        `json:"ratios,omitempty"`
	Amounts []money.Amount `json:"amounts,omitempty"`
}

// Request is one split attempt. IdempotencyKey makes retries safe: a
// key already recorded for the parent returns the prior result
// unchanged. ItemGroups indexes into the parent snapshot's item list
// and is read for ticket and delivery splits; Payment is read for
// payment splits.
type Request struct {
	ParentOrderID  string       `json:"parent_order_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	Type           Type         `json:"type"`
	ItemGroups     [][]int      `json:"item_groups,omitempty"`
	Payment        *PaymentSpec `json:"payment,omitempty"`
	RequestedBy    string       `json:"requested_by,omitempty"`
}

// Child is one part produced by a split: a child order for ticket and
// delivery splits, a payment share for payment splits.
type Child struct {
	ID          string       `json:"id"`
	Index       int          `json:"index"`
	ItemIndexes []int        `json:"item_indexes,omitempty"`
	Amount      money.Amount `json:"amount"`
}

// Record is one ledger entry. Children order matches the request;
// merged records keep their children for audit.
type Record struct {
	ID             string       `json:"id"`
	ParentOrderID  string       `json:"parent_order_id"`
	Type           Type         `json:"type"`
	Status         Status       `json:"status"`
	IdempotencyKey string       `json:"idempotency_key"`
	ParentTotal    money.Amount `json:"parent_total"`
	Children       []Child      `json:"children"`
	RequestedBy    string       `json:"requested_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	MergedAt       *time.Time   `json:"merged_at,omitempty"`
	MergeReason    string       `json:"merge_reason,omitempty"`
}

func (r *Record) clone() *Record {
	copied := *r
	copied.Children = make([]Child, len(r.Children))
	for i, c := range r.Children {
		copied.Children[i] = c
		copied.Children[i].ItemIndexes = append([]int(nil), c.ItemIndexes...)
	}
	if r.MergedAt != nil {
		t := *r.MergedAt
		copied.MergedAt = &t
	}
	return &copied
}

// Result is the outcome of a Split call. Replayed is set when the
// idempotency key matched an existing record and nothing was written.
type Result struct {
	Record   *Record `json:"record"`
	Replayed bool    `json:"replayed"`
}

// MergeResult reports a merge: which records were marked merged and
// the restored total per parent order.
type MergeResult struct {
	MergedIDs      []string                `json:"merged_ids"`
	RestoredTotals map[string]money.Amount `json:"restored_totals"`
}
