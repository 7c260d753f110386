// Package routing decides which station, staff member, team or queue
// handles an incoming order. It evaluates per-tenant routing rules in
// priority order against an immutable order snapshot, resolves
// same-priority conflicts deterministically, and guarantees a decision
// through fallback routing when no rule matches or evaluation fails.
package routing

import (
	"encoding/json"
	"fmt"
	"time"

	"order-router/internal/money"
)

// TargetType identifies the kind of handler a rule routes to.
type TargetType string

const (
	TargetStation TargetType = "station"
	TargetStaff   TargetType = "staff"
	TargetTeam    TargetType = "team"
	TargetQueue   TargetType = "queue"
)

// RuleStatus is the lifecycle state of a routing rule. Only active
// rules participate in evaluation.
type RuleStatus string

const (
	RuleDraft    RuleStatus = "draft"
	RuleActive   RuleStatus = "active"
	RuleInactive RuleStatus = "inactive"
	RuleExpired  RuleStatus = "expired"
)

// Combinator joins the children of a condition group.
type Combinator string

const (
	CombinatorAnd Combinator = "and"
	CombinatorOr  Combinator = "or"
)

// Node is a node of the condition tree: either a Leaf comparison or a
// Group of child nodes. The variant set is closed.
type Node interface {
	isNode()
}

// Leaf is a single field comparison. Field is a schema path such as
// "order.total" or "customer.vip"; Value is the literal to compare
// against (string, number, bool, or a list for "in"/"between").
type Leaf struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

func (Leaf) isNode() {}

// Group combines child nodes with a boolean combinator. A rule's root
// group conventionally ORs sibling groups whose leaves AND together.
type Group struct {
	Combinator Combinator `json:"combinator"`
	Children   []Node     `json:"children"`
}

func (Group) isNode() {}

// MarshalJSON writes the tagged envelope form so a Group embedded in a
// Rule round-trips through encoding/json.
func (g Group) MarshalJSON() ([]byte, error) {
	return MarshalNode(g)
}

// UnmarshalJSON parses the tagged envelope form.
func (g *Group) UnmarshalJSON(data []byte) error {
	node, err := UnmarshalNode(data)
	if err != nil {
		return err
	}
	group, ok := node.(Group)
	if !ok {
		return fmt.Errorf("condition root must be a group, got %T", node)
	}
	*g = group
	return nil
}

// nodeEnvelope is the tagged wire form of a Node.
type nodeEnvelope struct {
	Type       string            `json:"type"`
	Field      string            `json:"field,omitempty"`
	Operator   string            `json:"operator,omitempty"`
	Value      interface{}       `json:"value,omitempty"`
	Combinator Combinator        `json:"combinator,omitempty"`
	Children   []json.RawMessage `json:"children,omitempty"`
}

// MarshalNode serializes a condition node into its tagged JSON form.
func MarshalNode(n Node) ([]byte, error) {
	switch v := n.(type) {
	case Leaf:
		return json.Marshal(nodeEnvelope{Type: "leaf", Field: v.Field, Operator: v.Operator, Value: v.Value})
	case *Leaf:
		return MarshalNode(*v)
	case Group:
		children := make([]json.RawMessage, len(v.Children))
		for i, c := range v.Children {
			raw, err := MarshalNode(c)
			if err != nil {
				return nil, err
			}
			children[i] = raw
		}
		return json.Marshal(nodeEnvelope{Type: "group", Combinator: v.Combinator, Children: children})
	case *Group:
		return MarshalNode(*v)
	default:
		return nil, fmt.Errorf("unknown condition node type %T", n)
	}
}

// UnmarshalNode parses the tagged JSON form back into a condition node.
func UnmarshalNode(data []byte) (Node, error) {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed condition node: %w", err)
	}

	switch env.Type {
	case "leaf":
		return Leaf{Field: env.Field, Operator: env.Operator, Value: env.Value}, nil
	case "group":
		children := make([]Node, len(env.Children))
		for i, raw := range env.Children {
			child, err := UnmarshalNode(raw)
			if err != nil {
				return nil, err
			}
			children[i] = child
		}
		combinator := env.Combinator
		if combinator == "" {
			combinator = CombinatorAnd
		}
		return Group{Combinator: combinator, Children: children}, nil
	default:
		return nil, fmt.Errorf("unknown condition node type %q", env.Type)
	}
}

// Action is a side effect a matched rule requests. The engine performs
// no I/O itself; actions are returned on the decision in rule order for
// the caller to execute.
type Action struct {
	Type   string                 `json:"type"` // notify, tag, webhook
	Params map[string]interface{} `json:"params,omitempty"`
}

// ScheduleWindow restricts a rule to certain weekdays and an hour
// range. A nil window means always applicable. EndHour is exclusive;
// windows wrapping midnight (StartHour > EndHour) are supported.
type ScheduleWindow struct {
	Days      []time.Weekday `json:"days,omitempty"`
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"`
}

// Contains reports whether the window covers the given instant.
func (w *ScheduleWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	if len(w.Days) > 0 {
		found := false
		for _, d := range w.Days {
			if t.Weekday() == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if w.StartHour == w.EndHour {
		return true
	}
	h := t.Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	// Wraps midnight.
	return h >= w.StartHour || h < w.EndHour
}

// Rule is a routing rule. Rules are created by the configuration
// collaborator and consumed read-only here. Two active rules may share
// a priority; that is a conflict, not an error, and the lower id wins.
type Rule struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Priority  int             `json:"priority"`
	Status    RuleStatus      `json:"status"`
	Root      Group           `json:"condition"`
	Actions   []Action        `json:"actions,omitempty"`
	Target    TargetType      `json:"target_type"`
	TargetID  string          `json:"target_id"`
	Schedule  *ScheduleWindow `json:"schedule,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ItemSnapshot is one line of an order as seen by routing and scoring.
type ItemSnapshot struct {
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	Category    string `json:"category"`
	PrepSeconds int    `json:"prep_seconds"`
}

// CustomerSnapshot carries the customer attributes rules may reference.
type CustomerSnapshot struct {
	ID          string `json:"id"`
	VIP         bool   `json:"vip"`
	LoyaltyTier int    `json:"loyalty_tier"`
}

// OrderSnapshot is the immutable view of an order consumed from the
// order-capture collaborator. Routing never mutates it.
type OrderSnapshot struct {
	ID          string           `json:"id"`
	Total       money.Amount     `json:"total"`
	Type        string           `json:"type"` // dine_in, takeout, delivery
	Items       []ItemSnapshot   `json:"items"`
	Customer    CustomerSnapshot `json:"customer"`
	CreatedAt   time.Time        `json:"created_at"`
	PromisedAt  time.Time        `json:"promised_at"`
	ScheduledAt time.Time        `json:"scheduled_at"`
}

// EvalContext is the per-evaluation ambient state. Now is the single
// clock reading for the whole evaluation; Attributes carries
// caller-supplied context fields addressable as "context.<key>".
type EvalContext struct {
	Now        time.Time
	Attributes map[string]interface{}
}

// ConflictInfo describes a priority conflict observed while choosing
// the winning rule. Informational only; the decision stays deterministic.
type ConflictInfo struct {
	Priority int     `json:"priority"`
	RuleIDs  []int64 `json:"rule_ids"`
}

// Decision is the outcome of one evaluation call. It is a produced
// value with no independent lifecycle.
type Decision struct {
	MatchedRuleID *int64        `json:"matched_rule_id,omitempty"`
	TargetType    TargetType    `json:"target_type"`
	TargetID      string        `json:"target_id"`
	Actions       []Action      `json:"actions,omitempty"`
	Conflict      *ConflictInfo `json:"conflict,omitempty"`
	FallbackUsed  bool          `json:"fallback_used"`
}

// ConflictPair is one entry of the conflict-detection report: two
// active rules sharing a priority value.
type ConflictPair struct {
	Priority int   `json:"priority"`
	RuleA    int64 `json:"rule_a"`
	RuleB    int64 `json:"rule_b"`
}
