package routing

import (
	"encoding/json"
	"testing"
	"time"

	"order-router/internal/money"
)

func testSnapshot() *OrderSnapshot {
	return &OrderSnapshot{
		ID:    "order-1",
		Total: money.MustParse("150.00"),
		Type:  "delivery",
		Items: []ItemSnapshot{
			{Name: "Margherita", Quantity: 2, Category: "pizza", PrepSeconds: 600},
			{Name: "Tiramisu", Quantity: 1, Category: "dessert", PrepSeconds: 120},
		},
		Customer:   CustomerSnapshot{ID: "cust-9", VIP: true, LoyaltyTier: 3},
		CreatedAt:  time.Date(2026, 3, 10, 11, 30, 0, 0, time.UTC),
		PromisedAt: time.Date(2026, 3, 10, 12, 15, 0, 0, time.UTC),
	}
}

func testEvalContext() *EvalContext {
	return &EvalContext{
		Now:        time.Date(2026, 3, 10, 11, 45, 0, 0, time.UTC),
		Attributes: map[string]interface{}{"channel": "app"},
	}
}

func TestConditionEvaluator_Leaves(t *testing.T) {
	evaluator := NewConditionEvaluator()
	snap := testSnapshot()
	ec := testEvalContext()

	tests := []struct {
		name      string
		leaf      Leaf
		want      bool
		wantError bool
	}{
		{name: "total gt matches", leaf: Leaf{Field: "order.total", Operator: "gt", Value: 100}, want: true},
		{name: "total gt misses", leaf: Leaf{Field: "order.total", Operator: "gt", Value: 200}, want: false},
		{name: "total between", leaf: Leaf{Field: "order.total", Operator: "between", Value: []interface{}{100, 200}}, want: true},
		{name: "eq string", leaf: Leaf{Field: "order.type", Operator: "eq", Value: "delivery"}, want: true},
		{name: "ne string", leaf: Leaf{Field: "order.type", Operator: "ne", Value: "dine_in"}, want: true},
		{name: "vip eq true", leaf: Leaf{Field: "customer.vip", Operator: "eq", Value: true}, want: true},
		{name: "vip eq false", leaf: Leaf{Field: "customer.vip", Operator: "eq", Value: false}, want: false},
		{name: "loyalty gte", leaf: Leaf{Field: "customer.loyalty_tier", Operator: "gte", Value: 3}, want: true},
		{name: "item count", leaf: Leaf{Field: "order.item_count", Operator: "eq", Value: 3}, want: true},
		{name: "categories contains", leaf: Leaf{Field: "order.item_categories", Operator: "contains", Value: "dessert"}, want: true},
		{name: "in list", leaf: Leaf{Field: "order.type", Operator: "in", Value: []interface{}{"delivery", "takeout"}}, want: true},
		{name: "in comma string", leaf: Leaf{Field: "order.type", Operator: "in", Value: "takeout, delivery"}, want: true},
		{name: "minutes until promised", leaf: Leaf{Field: "order.minutes_until_promised", Operator: "lte", Value: 30}, want: true},
		{name: "context exists", leaf: Leaf{Field: "context.channel", Operator: "exists"}, want: true},
		{name: "context missing", leaf: Leaf{Field: "context.table", Operator: "exists"}, want: false},
		{name: "context eq", leaf: Leaf{Field: "context.channel", Operator: "eq", Value: "app"}, want: true},
		{name: "unknown field errors", leaf: Leaf{Field: "order.bogus", Operator: "eq", Value: 1}, wantError: true},
		{name: "unknown operator errors", leaf: Leaf{Field: "order.total", Operator: "matches", Value: 1}, wantError: true},
		{name: "numeric op on string errors", leaf: Leaf{Field: "order.type", Operator: "gt", Value: 5}, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.leaf, snap, ec)
			if tt.wantError {
				if err == nil {
					t.Fatalf("Evaluate() expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Evaluate() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionEvaluator_Groups(t *testing.T) {
	evaluator := NewConditionEvaluator()
	snap := testSnapshot()
	ec := testEvalContext()

	// Leaves AND within a group; sibling groups OR under the root.
	root := Group{
		Combinator: CombinatorOr,
		Children: []Node{
			Group{Combinator: CombinatorAnd, Children: []Node{
				Leaf{Field: "order.total", Operator: "gt", Value: 500},
				Leaf{Field: "customer.vip", Operator: "eq", Value: true},
			}},
			Group{Combinator: CombinatorAnd, Children: []Node{
				Leaf{Field: "order.type", Operator: "eq", Value: "delivery"},
				Leaf{Field: "order.total", Operator: "gt", Value: 100},
			}},
		},
	}

	got, err := evaluator.Evaluate(root, snap, ec)
	if err != nil {
		t.Fatalf("Evaluate() unexpected error: %v", err)
	}
	if !got {
		t.Error("second sibling group should have matched")
	}

	// Empty and-group matches everything, empty or-group nothing.
	if ok, _ := evaluator.Evaluate(Group{Combinator: CombinatorAnd}, snap, ec); !ok {
		t.Error("empty and-group should match")
	}
	if ok, _ := evaluator.Evaluate(Group{Combinator: CombinatorOr}, snap, ec); ok {
		t.Error("empty or-group should not match")
	}
}

func TestNodeJSONRoundTrip(t *testing.T) {
	root := Group{
		Combinator: CombinatorOr,
		Children: []Node{
			Group{Combinator: CombinatorAnd, Children: []Node{
				Leaf{Field: "order.total", Operator: "gt", Value: float64(100)},
			}},
			Leaf{Field: "customer.vip", Operator: "eq", Value: true},
		},
	}

	data, err := MarshalNode(root)
	if err != nil {
		t.Fatalf("MarshalNode() error: %v", err)
	}

	parsed, err := UnmarshalNode(data)
	if err != nil {
		t.Fatalf("UnmarshalNode() error: %v", err)
	}

	group, ok := parsed.(Group)
	if !ok {
		t.Fatalf("parsed root is %T, want Group", parsed)
	}
	if group.Combinator != CombinatorOr || len(group.Children) != 2 {
		t.Errorf("parsed root = %+v", group)
	}
	if _, ok := group.Children[0].(Group); !ok {
		t.Errorf("first child is %T, want Group", group.Children[0])
	}
	if leaf, ok := group.Children[1].(Leaf); !ok || leaf.Field != "customer.vip" {
		t.Errorf("second child = %+v", group.Children[1])
	}

	if _, err := UnmarshalNode([]byte(`{"type":"mystery"}`)); err == nil {
		t.Error("UnmarshalNode should reject unknown node types")
	}
	if _, err := UnmarshalNode([]byte(`not json`)); err == nil {
		t.Error("UnmarshalNode should reject malformed JSON")
	}

	var raw json.RawMessage = data
	_ = raw
}

func TestValidateNode(t *testing.T) {
	valid := Group{Combinator: CombinatorAnd, Children: []Node{
		Leaf{Field: "order.total", Operator: "gt", Value: 10},
		Leaf{Field: "context.channel", Operator: "eq", Value: "app"},
	}}
	if err := ValidateNode(valid); err != nil {
		t.Errorf("ValidateNode(valid) = %v", err)
	}

	if err := ValidateNode(Leaf{Field: "order.nope", Operator: "eq"}); err == nil {
		t.Error("ValidateNode should reject unknown fields")
	}
	if err := ValidateNode(Leaf{Field: "order.total", Operator: "regexish"}); err == nil {
		t.Error("ValidateNode should reject unknown operators")
	}
	if err := ValidateNode(Group{Combinator: "xor"}); err == nil {
		t.Error("ValidateNode should reject unknown combinators")
	}
}
